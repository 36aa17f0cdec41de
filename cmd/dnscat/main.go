// dnscat — DNS tunnel client entry point.
//
// Thin glue only: flag parsing, config assembly, session-mode selection,
// and signal-driven shutdown. The protocol engine lives under internal/.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/fbion/dnscat2/internal/command"
	"github.com/fbion/dnscat2/internal/config"
	"github.com/fbion/dnscat2/internal/controller"
	"github.com/fbion/dnscat2/internal/crypto"
	"github.com/fbion/dnscat2/internal/driver"
	"github.com/fbion/dnscat2/internal/session"
	"github.com/fbion/dnscat2/internal/stream"
	"github.com/fbion/dnscat2/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	domain := flag.String("domain", "", "Tunnel domain (or pass it as the positional argument)")
	server := flag.String("server", "", "Upstream DNS server (default: the system resolver)")
	port := flag.Uint("port", 53, "Upstream DNS port")
	types := flag.String("types", "TXT,CNAME,MX", "Comma-separated DNS record types to rotate through")
	delay := flag.Int("delay", 1000, "Maximum delay between polls, in ms")
	steady := flag.Bool("steady", false, "Always wait the full delay before the next poll, even after a reply")
	maxRetransmits := flag.Int("max-retransmits", controller.DefaultMaxRetransmits, "Give up on a session after this many unanswered attempts")
	retransmitForever := flag.Bool("retransmit-forever", false, "Never give up on an unanswered session")
	secret := flag.String("secret", "", "Pre-shared secret for handshake authentication")
	noEncryption := flag.Bool("no-encryption", false, "Disable the encrypted handshake entirely")
	doConsole := flag.Bool("console", false, "Attach the session to this console")
	doExec := flag.String("exec", "", "Execute the given command and attach it to the session")
	doPing := flag.Bool("ping", false, "Just check whether a tunnel endpoint is listening, then exit")
	isn := flag.Int("isn", -1, "Initial sequence number override (debug)")
	packetTrace := flag.Bool("packet-trace", false, "Log every packet sent and received")
	debugMode := flag.Bool("d", false, "Show debug output")
	quietMode := flag.Bool("q", false, "Show only warnings and errors")
	flag.Parse()

	switch {
	case *debugMode:
		util.EnableDebug()
	case *quietMode:
		util.Quiet()
	}
	pterm.Info.Println(fmt.Sprintf("dnscat — v%s", version))
	pterm.Println()

	cfg, err := buildConfig(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	applyFlags(cfg, *domain, *server, uint16(*port), *types, *delay, *steady,
		*maxRetransmits, *retransmitForever, *secret, *noEncryption, *isn, *packetTrace)

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	if cfg.PacketTrace {
		util.EnablePacketTrace()
	}

	if cfg.Domain == "" && cfg.Server == "" {
		printNoDomainWarning()
	}

	ctrl := controller.New(cfg.MaxRetransmits)
	drv, err := driver.New(cfg, ctrl)
	if err != nil {
		util.LogError("cannot start the DNS driver: %v", err)
		os.Exit(1)
	}
	util.LogInfo("%s", drv.Describe())

	sessCfg := session.Config{
		Encrypt: !cfg.NoEncryption,
		ISN:     cfg.ISNOverride(),
	}
	if cfg.Secret != "" {
		sessCfg.Preshared = crypto.DeriveKey(cfg.Secret)
	}

	var pongReceived bool
	switch {
	case *doPing:
		util.LogInfo("sending a ping to the tunnel endpoint")
		ctrl.StartPing(func(string) {
			pongReceived = true
			fmt.Println("The tunnel endpoint is alive!")
		})

	case *doConsole:
		cs := stream.NewConsole()
		sess, err := ctrl.NewSession(named(sessCfg, "console"), cs)
		if err != nil {
			util.LogError("cannot create the console session: %v", err)
			os.Exit(1)
		}
		cs.Attach(sess)

	case *doExec != "":
		if err := startExecSession(ctrl, sessCfg, *doExec, *doExec); err != nil {
			util.LogError("cannot create the exec session: %v", err)
			os.Exit(1)
		}

	default:
		if err := startCommandSession(stop, ctrl, drv, sessCfg); err != nil {
			util.LogError("cannot create the command session: %v", err)
			os.Exit(1)
		}
	}

	util.StartStatsReporter(ctx)

	if err := drv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("driver stopped: %v", err)
		os.Exit(1)
	}
	if *doPing && !pongReceived {
		util.LogError("no ping reply from the tunnel endpoint")
		os.Exit(1)
	}
}

// buildConfig loads the YAML file when given, defaults otherwise.
func buildConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyFlags overlays explicitly-set flags onto the configuration, and
// picks up the positional domain argument.
func applyFlags(cfg *config.Config, domain, server string, port uint16, types string,
	delayMS int, steady bool, maxRetransmits int, forever bool,
	secret string, noEncryption bool, isn int, packetTrace bool) {

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["domain"] {
		cfg.Domain = domain
	}
	if flag.NArg() > 0 {
		cfg.Domain = flag.Arg(0)
	}
	if set["server"] {
		cfg.Server = server
	}
	if set["port"] {
		cfg.Port = port
	}
	if set["types"] {
		cfg.Types = types
	}
	if set["delay"] {
		cfg.DelayMS = delayMS
	}
	if set["steady"] {
		cfg.Steady = steady
	}
	if set["max-retransmits"] {
		cfg.MaxRetransmits = maxRetransmits
	}
	if forever {
		cfg.MaxRetransmits = controller.RetransmitForever
	}
	if set["secret"] {
		cfg.Secret = secret
	}
	if set["no-encryption"] {
		cfg.NoEncryption = noEncryption
	}
	if set["isn"] {
		cfg.ISN = isn
	}
	if packetTrace {
		cfg.PacketTrace = true
	}
}

// named copies the session template with a name filled in.
func named(cfg session.Config, name string) session.Config {
	cfg.Name = name
	return cfg
}

// startExecSession wires a child process to a fresh session.
func startExecSession(ctrl *controller.Controller, cfg session.Config, name, cmdline string) error {
	ex, err := stream.NewExec(cmdline)
	if err != nil {
		return err
	}
	sess, err := ctrl.NewSession(named(cfg, name), ex)
	if err != nil {
		ex.Closed("session creation failed")
		return err
	}
	ex.Attach(sess)
	return nil
}

// startCommandSession creates the default command-mode session and wires
// the sub-protocol's callbacks into the engine.
func startCommandSession(stop context.CancelFunc,
	ctrl *controller.Controller, drv *driver.Driver, cfg session.Config) error {

	name := "command"
	if hostname, err := os.Hostname(); err == nil {
		name = fmt.Sprintf("command (%s)", hostname)
	}

	proc := command.NewProcessor()
	cmdCfg := named(cfg, name)
	cmdCfg.IsCommand = true

	sess, err := ctrl.NewSession(cmdCfg, proc)
	if err != nil {
		return err
	}
	proc.Attach(sess)

	proc.NewSession = func(name, cmdline string) (uint16, error) {
		ex, err := stream.NewExec(cmdline)
		if err != nil {
			return 0, err
		}
		newSess, err := ctrl.NewSession(named(cfg, name), ex)
		if err != nil {
			ex.Closed("session creation failed")
			return 0, err
		}
		ex.Attach(newSess)
		return newSess.ID(), nil
	}
	proc.Shutdown = func() {
		util.LogWarning("shutdown requested by the remote operator")
		ctrl.Shutdown("remote shutdown")
		stop()
	}
	proc.SetDelay = func(ms uint32) {
		drv.SetDelay(time.Duration(ms) * time.Millisecond)
	}
	return nil
}

// printNoDomainWarning reproduces the operator warning for running against
// the system resolver with no tunnel domain.
func printNoDomainWarning() {
	util.LogWarning("You are using the system DNS server with no tunnel domain!")
	util.LogWarning("That only works when the resolver you reach IS the tunnel endpoint.")
	util.LogWarning("Either pass a domain you control:  dnscat tunnel.example.com")
	util.LogWarning("or point at the endpoint directly: dnscat -server 1.2.3.4")
}
