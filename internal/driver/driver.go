// Package driver is the DNS transport: the only component that performs
// network I/O for the tunnel. It polls the controller for outbound packets,
// carries them as queries against the configured upstream, and feeds
// decoded answers back.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/fbion/dnscat2/internal/config"
	"github.com/fbion/dnscat2/internal/controller"
	"github.com/fbion/dnscat2/internal/dnscodec"
	"github.com/fbion/dnscat2/internal/protocol"
	"github.com/fbion/dnscat2/internal/util"
)

// resolvConf is where the system resolver is discovered when no upstream
// server is configured.
const resolvConf = "/etc/resolv.conf"

// ErrNoServer is the setup-time failure when neither an upstream server nor
// a usable system resolver can be determined.
var ErrNoServer = errors.New("driver: no DNS server configured and none found in " + resolvConf)

// Driver carries tunnel packets over DNS queries. It owns the polling loop;
// everything else reacts to it.
type Driver struct {
	ctrl  *controller.Controller
	codec *dnscodec.Codec

	client *dns.Client
	server string // host:port of the upstream resolver
	types  []dnscodec.RecordType

	delay      time.Duration
	steady     bool
	delayDirty bool // delay changed since the ticker was armed
}

// New builds a driver from a validated configuration. Failing to determine
// an upstream server is fatal here, before anything starts.
func New(cfg *config.Config, ctrl *controller.Controller) (*Driver, error) {
	server := cfg.Server
	if server == "" {
		var err error
		server, err = systemResolver()
		if err != nil {
			return nil, err
		}
		util.LogInfo("driver: using system resolver %s", server)
	}

	codec := dnscodec.New(cfg.Domain)
	if mp := codec.MaxPayload(); mp < protocol.EncInitSize {
		return nil, fmt.Errorf("driver: domain %q leaves only %d payload bytes per query, the handshake needs %d",
			cfg.Domain, mp, protocol.EncInitSize)
	}

	return &Driver{
		ctrl:   ctrl,
		codec:  codec,
		client: &dns.Client{Net: "udp", Timeout: cfg.Delay},
		server: net.JoinHostPort(server, strconv.Itoa(int(cfg.Port))),
		types:  cfg.RecordTypes(),
		delay:  cfg.Delay,
		steady: cfg.Steady,
	}, nil
}

// systemResolver reads the first nameserver from the host's resolver
// configuration.
func systemResolver() (string, error) {
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return "", ErrNoServer
	}
	return conf.Servers[0], nil
}

// Run is the polling loop. Each round it asks the controller for the next
// outbound payload, performs one DNS round trip, and feeds the answer back.
// It returns when ctx is cancelled or every session has closed.
func (d *Driver) Run(ctx context.Context) error {
	util.LogInfo("driver: polling %s every %s, types %v", d.server, d.delay, d.types)

	ticker := time.NewTicker(d.delay)
	defer ticker.Stop()

	for {
		progress := d.roundTrip(ctx)

		if d.ctrl.ActiveSessions() == 0 && !d.ctrl.PingPending() {
			util.LogInfo("driver: no active sessions left, shutting down")
			return nil
		}

		if d.delayDirty {
			ticker.Reset(d.delay)
			d.client.Timeout = d.delay
			d.delayDirty = false
		}

		// A reply carrying progress means the peer may have more queued;
		// go straight back unless configured to always wait.
		if progress && !d.steady {
			continue
		}

		select {
		case <-ctx.Done():
			d.ctrl.Shutdown("driver shutdown")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// roundTrip performs one query/answer exchange. Transport failures are
// reported to the retransmission accounting by simply not delivering a
// reply; they never crash the loop.
func (d *Driver) roundTrip(ctx context.Context) bool {
	payload := d.ctrl.NextOutgoing(d.codec.MaxPayload())
	if payload == nil {
		return false
	}

	name, err := d.codec.Encode(payload)
	if err != nil {
		// NextOutgoing respects MaxPayload, so this is a bug, not a
		// transport condition.
		util.LogError("driver: cannot encode %d-byte payload: %v", len(payload), err)
		return false
	}

	qtype := d.types[rand.Intn(len(d.types))]

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), uint16(qtype))
	msg.RecursionDesired = true

	util.Stats.AddQuery()
	util.Stats.AddSent(len(payload))

	reply, rtt, err := d.client.ExchangeContext(ctx, msg, d.server)
	if err != nil {
		util.Stats.AddFailure()
		util.LogDebug("driver: %s query failed: %v", qtype, err)
		return false
	}

	if reply.Rcode != dns.RcodeSuccess {
		util.Stats.AddFailure()
		util.LogDebug("driver: %s query answered %s", qtype, dns.RcodeToString[reply.Rcode])
		return false
	}

	answers := collectAnswers(qtype, reply.Answer)
	data, err := d.codec.Decode(qtype, answers)
	if err != nil {
		util.Stats.AddFailure()
		util.LogDebug("driver: cannot decode %s answer: %v", qtype, err)
		return false
	}

	util.LogDebug("driver: round trip of %d/%d bytes in %s", len(payload), len(data), rtt)
	return d.ctrl.HandleIncoming(data)
}

// collectAnswers converts the library's records into the codec's neutral
// answer form, keeping only the queried type (resolvers are free to prepend
// CNAME chains and other noise).
func collectAnswers(qtype dnscodec.RecordType, rrs []dns.RR) []dnscodec.Answer {
	var answers []dnscodec.Answer
	for _, rr := range rrs {
		switch rec := rr.(type) {
		case *dns.TXT:
			if qtype == dnscodec.TypeTXT {
				answers = append(answers, dnscodec.Answer{Type: qtype, Text: strings.Join(rec.Txt, "")})
			}
		case *dns.CNAME:
			if qtype == dnscodec.TypeCNAME {
				answers = append(answers, dnscodec.Answer{Type: qtype, Name: rec.Target})
			}
		case *dns.MX:
			if qtype == dnscodec.TypeMX {
				answers = append(answers, dnscodec.Answer{Type: qtype, Name: rec.Mx})
			}
		case *dns.A:
			if qtype == dnscodec.TypeA {
				if ip := rec.A.To4(); ip != nil {
					answers = append(answers, dnscodec.Answer{Type: qtype, Addr: ip})
				}
			}
		case *dns.AAAA:
			if qtype == dnscodec.TypeAAAA {
				if ip := rec.AAAA.To16(); ip != nil {
					answers = append(answers, dnscodec.Answer{Type: qtype, Addr: ip})
				}
			}
		}
	}
	return answers
}

// SetDelay adjusts the polling delay at runtime (the command
// sub-protocol's DELAY request). It is called from packet processing, which
// runs on the polling goroutine itself, and takes effect on the next tick.
func (d *Driver) SetDelay(delay time.Duration) {
	if delay < config.MinDelay {
		delay = config.MinDelay
	}
	util.LogInfo("driver: polling delay changed to %s", delay)
	d.delay = delay
	d.delayDirty = true
}

// Describe returns a one-line summary for startup logging.
func (d *Driver) Describe() string {
	return fmt.Sprintf("DNS driver: server=%s delay=%s types=%v", d.server, d.delay, d.types)
}
