package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults verifies the stock configuration validates as-is.
func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default configuration failed validation: %v", err)
	}
	if cfg.Port != 53 || cfg.Delay != time.Second || cfg.MaxRetransmits != 10 {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.DelayMS != 1000 {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.ISNOverride() != nil {
		t.Error("Default ISN should be random, not an override")
	}
	if got := cfg.RecordTypes(); len(got) != 3 {
		t.Errorf("Default rotation set is %v, want TXT,CNAME,MX", got)
	}
}

// TestLoad verifies YAML values land over the defaults, leaving unset
// fields at their stock values.
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
domain: tunnel.example.com
server: 10.0.0.53
types: "A,AAAA"
delay: 250
steady: true
max_retransmits: -1
secret: hunter2
isn: 123
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("Writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Domain != "tunnel.example.com" || cfg.Server != "10.0.0.53" {
		t.Errorf("Transport fields mismatch: %+v", cfg)
	}
	if cfg.Port != 53 {
		t.Errorf("Unset port is %d, want the default 53", cfg.Port)
	}
	if cfg.Delay != 250*time.Millisecond || !cfg.Steady {
		t.Errorf("Timing fields mismatch: %+v", cfg)
	}
	if cfg.MaxRetransmits != -1 || cfg.Secret != "hunter2" {
		t.Errorf("Fields mismatch: %+v", cfg)
	}
	if isn := cfg.ISNOverride(); isn == nil || *isn != 123 {
		t.Errorf("ISN override is %v, want 123", isn)
	}
}

// TestLoadMissingFile verifies a missing config file is an error, not a
// silent fallback.
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Expected an error for a missing file, got nil")
	}
}

// TestValidate covers the rejection cases.
func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"stock", func(c *Config) {}, false},
		{"delay below floor", func(c *Config) { c.DelayMS = 10 }, true},
		{"zero retransmits", func(c *Config) { c.MaxRetransmits = 0 }, true},
		{"retransmit forever", func(c *Config) { c.MaxRetransmits = -1 }, false},
		{"bad record type", func(c *Config) { c.Types = "SRV" }, true},
		{"isn too large", func(c *Config) { c.ISN = 0x10000 }, true},
		{"any alias", func(c *Config) { c.Types = "ANY" }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("Expected a validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Unexpected validation error: %v", err)
			}
		})
	}
}
