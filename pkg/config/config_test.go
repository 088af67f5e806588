package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	tool := filepath.Join(t.TempDir(), "lmutil")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	c := Config{}
	c.Fleet.CurrentHost = "srv1"
	c.Fleet.Hosts = []string{"srv1", "srv2"}
	c.Fleet.Feature = "DOORS"
	c.Fleet.ToolPath = tool
	c.Fleet.Vendor = "telelogic"
	c.Mailer.FromAddr = "watchdog@example.com"
	c.ApplyDefaults()
	return c
}

func TestApplyDefaults(t *testing.T) {
	c := Config{}
	c.ApplyDefaults()

	if c.Fleet.Port != DefaultFlexPort {
		t.Errorf("port = %d, want %d", c.Fleet.Port, DefaultFlexPort)
	}
	if c.Fleet.ServiceName != DefaultFlexServiceName {
		t.Errorf("service name = %q", c.Fleet.ServiceName)
	}
	if c.Interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", c.Interval, DefaultInterval)
	}
	if c.Strategies.KeepFree.Timeout != DefaultKeepStateTimeout {
		t.Errorf("keep_free timeout = %v", c.Strategies.KeepFree.Timeout)
	}
	if c.Strategies.KeepFree.MinFree != DefaultMinFreePercentage ||
		c.Strategies.KeepFree.MaxFree != DefaultMaxFreePercentage {
		t.Errorf("keep_free thresholds = %v/%v", c.Strategies.KeepFree.MinFree, c.Strategies.KeepFree.MaxFree)
	}
	if c.Strategies.Warn.Threshold != DefaultWarnThreshold || c.Strategies.Warn.Delay != DefaultWarnDelay {
		t.Errorf("warn defaults = %v/%v", c.Strategies.Warn.Threshold, c.Strategies.Warn.Delay)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	c := Config{Interval: time.Minute}
	c.Fleet.Port = 27000
	c.Strategies.KeepFree.MinFree = 0.05
	c.ApplyDefaults()

	if c.Fleet.Port != 27000 {
		t.Errorf("explicit port overwritten: %d", c.Fleet.Port)
	}
	if c.Interval != time.Minute {
		t.Errorf("explicit interval overwritten: %v", c.Interval)
	}
	if c.Strategies.KeepFree.MinFree != 0.05 {
		t.Errorf("explicit min_free overwritten: %v", c.Strategies.KeepFree.MinFree)
	}
}

func TestOptionFileDerivedFromVendor(t *testing.T) {
	c := Config{}
	c.Fleet.Vendor = "telelogic"
	c.ApplyDefaults()
	if c.Fleet.OptionFile != "telelogic.opt" {
		t.Errorf("option file = %q, want telelogic.opt", c.Fleet.OptionFile)
	}

	c = Config{}
	c.Fleet.Vendor = "telelogic"
	c.Fleet.OptionFile = "custom.opt"
	c.ApplyDefaults()
	if c.Fleet.OptionFile != "custom.opt" {
		t.Errorf("explicit option file overwritten: %q", c.Fleet.OptionFile)
	}
}

func TestValidateAcceptsWorkingConfig(t *testing.T) {
	c := validConfig(t)
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no hosts", func(c *Config) { c.Fleet.Hosts = nil }, "no hosts"},
		{"no feature", func(c *Config) { c.Fleet.Feature = "" }, "feature"},
		{"no current host", func(c *Config) { c.Fleet.CurrentHost = "" }, "current_host"},
		{"missing tool", func(c *Config) { c.Fleet.ToolPath = "/nonexistent/lmutil" }, "license tool"},
		{"no from addr", func(c *Config) { c.Mailer.FromAddr = "" }, "from_addr"},
		{"inverted thresholds", func(c *Config) {
			c.Strategies.KeepFree.MinFree = 0.50
			c.Strategies.KeepFree.MaxFree = 0.30
		}, "thresholds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig(t)
			tc.mutate(&c)
			err := c.Validate()
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("want ErrInvalidConfiguration, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
