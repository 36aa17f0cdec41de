// Package config holds the tunnel configuration: typed options validated
// once at startup, loadable from a YAML file and overridable by flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fbion/dnscat2/internal/dnscodec"
)

// MinDelay is the floor for the polling delay. Transmitting faster than
// this makes resolvers drop or cache queries and hurts throughput.
const MinDelay = 50 * time.Millisecond

// Config is the complete configuration surface the tunnel core consumes.
// A zero Port or empty Types fall back to defaults during Validate.
type Config struct {
	// Transport.
	Domain string `yaml:"domain"` // tunnel domain; required unless Server is set
	Server string `yaml:"server"` // upstream resolver; empty = system resolver
	Port   uint16 `yaml:"port"`   // upstream resolver port
	Types  string `yaml:"types"`  // comma-separated record types to rotate through

	// Timing and retransmission.
	DelayMS        int  `yaml:"delay"`           // maximum delay between polls, in milliseconds
	Steady         bool `yaml:"steady"`          // always wait the full delay, even after a reply
	MaxRetransmits int  `yaml:"max_retransmits"` // consecutive unanswered attempts before giving up; -1 = forever

	// Delay is derived from DelayMS during Validate.
	Delay time.Duration `yaml:"-"`

	// Crypto.
	Secret       string `yaml:"secret"`        // pre-shared secret; empty = encrypted but unauthenticated
	NoEncryption bool   `yaml:"no_encryption"` // disable the handshake entirely

	// Debug.
	ISN         int  `yaml:"isn"`          // initial sequence number override; -1 = random
	PacketTrace bool `yaml:"packet_trace"` // log every packet sent and received
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Port:           53,
		Types:          "TXT,CNAME,MX",
		DelayMS:        1000,
		MaxRetransmits: 10,
		ISN:            -1,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration once, so every later consumer can rely
// on it. Violations here are fatal at setup time.
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = 53
	}
	if c.Types == "" {
		c.Types = "TXT,CNAME,MX"
	}
	if _, err := dnscodec.ParseRecordTypes(c.Types); err != nil {
		return err
	}
	c.Delay = time.Duration(c.DelayMS) * time.Millisecond
	if c.Delay < MinDelay {
		return fmt.Errorf("delay %s is below the %s minimum", c.Delay, MinDelay)
	}
	if c.MaxRetransmits != -1 && c.MaxRetransmits < 1 {
		return errors.New("max_retransmits must be at least 1, or -1 to retransmit forever")
	}
	if c.ISN < -1 || c.ISN > 0xFFFF {
		return errors.New("isn must fit in 16 bits")
	}
	return nil
}

// RecordTypes returns the parsed record type rotation set.
func (c *Config) RecordTypes() []dnscodec.RecordType {
	types, err := dnscodec.ParseRecordTypes(c.Types)
	if err != nil {
		// Validate is called before any consumer gets here.
		panic(err)
	}
	return types
}

// ISNOverride returns the debug initial sequence number, or nil when the
// default random one should be used.
func (c *Config) ISNOverride() *uint16 {
	if c.ISN < 0 {
		return nil
	}
	isn := uint16(c.ISN)
	return &isn
}
