// Package config loads the daemon's configuration from a YAML file,
// with sensible defaults and command-line overrides, in the teacher's
// Load(path, overrides) / LogConfig shape. The overrides are a YAML
// document that koanf unmarshals on top of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"blitiri.com.ar/go/log"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	Hostname string `koanf:"hostname"`

	SpoolDir      string `koanf:"spool_dir"`
	RPCSocketPath string `koanf:"rpc_socket_path"`

	MaxConcurrentSendJobs int    `koanf:"max_concurrent_send_jobs"`
	MaxUsesPerConnection  int    `koanf:"max_uses_per_connection"`
	ConnectGiveUp         string `koanf:"connect_give_up"`

	TickInterval         string `koanf:"tick_interval"`
	MaxConcurrentEntries int    `koanf:"max_concurrent_entries"`

	HelloDomain        string `koanf:"hello_domain"`
	DialTimeout        string `koanf:"dial_timeout"`
	SendReceiveTimeout string `koanf:"send_receive_timeout"`
	FinalOkTimeout     string `koanf:"final_ok_timeout"`

	MonitoringAddress string `koanf:"monitoring_address"`
	MailLogPath       string `koanf:"mail_log_path"`
}

var defaultConfig = Config{
	SpoolDir:      "/var/lib/relayd/spool",
	RPCSocketPath: "/var/lib/relayd/rpc.sock",

	MaxConcurrentSendJobs: 50,
	MaxUsesPerConnection:  50,
	ConnectGiveUp:         "60s",

	TickInterval:         "1s",
	MaxConcurrentEntries: 64,

	HelloDomain:        "localhost",
	DialTimeout:        "1m",
	SendReceiveTimeout: "2s",
	FinalOkTimeout:     "5s",

	MonitoringAddress: "127.0.0.1:9093",
	MailLogPath:       "<syslog>",
}

// Load reads the config at path, starting from defaultConfig, then
// applying overrides (a YAML document, as passed on the command
// line).
func Load(path, overrides string) (*Config, error) {
	c := defaultConfig

	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
		}
		if err := k.Unmarshal("", &c); err != nil {
			return nil, fmt.Errorf("parsing config: %v", err)
		}
	}

	if overrides != "" {
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider([]byte(overrides)), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
		if err := k.Unmarshal("", &c); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
	}

	if c.Hostname == "" {
		var err error
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	for name, val := range map[string]string{
		"connect_give_up":      c.ConnectGiveUp,
		"tick_interval":        c.TickInterval,
		"dial_timeout":         c.DialTimeout,
		"send_receive_timeout": c.SendReceiveTimeout,
		"final_ok_timeout":     c.FinalOkTimeout,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %v", name, val, err)
		}
	}

	return &c, nil
}

// LogConfig logs c in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Spool dir: %q", c.SpoolDir)
	log.Infof("  RPC socket: %q", c.RPCSocketPath)
	log.Infof("  Max concurrent send jobs: %d", c.MaxConcurrentSendJobs)
	log.Infof("  Max uses per connection: %d", c.MaxUsesPerConnection)
	log.Infof("  Connect give up: %s", c.ConnectGiveUp)
	log.Infof("  Tick interval: %s", c.TickInterval)
	log.Infof("  Max concurrent entries: %d", c.MaxConcurrentEntries)
	log.Infof("  Hello domain: %q", c.HelloDomain)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  Mail log: %q", c.MailLogPath)
}

// ConnectGiveUpDuration is the parsed form of ConnectGiveUp. Valid
// after a successful Load, which validates the string.
func (c *Config) ConnectGiveUpDuration() time.Duration {
	d, _ := time.ParseDuration(c.ConnectGiveUp)
	return d
}

// TickIntervalDuration is the parsed form of TickInterval.
func (c *Config) TickIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.TickInterval)
	return d
}

// DialTimeoutDuration is the parsed form of DialTimeout.
func (c *Config) DialTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.DialTimeout)
	return d
}

// SendReceiveTimeoutDuration is the parsed form of SendReceiveTimeout.
func (c *Config) SendReceiveTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.SendReceiveTimeout)
	return d
}

// FinalOkTimeoutDuration is the parsed form of FinalOkTimeout.
func (c *Config) FinalOkTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.FinalOkTimeout)
	return d
}
