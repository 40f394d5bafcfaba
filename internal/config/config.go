// Package config loads the agent configuration from defaults, an optional
// YAML file and PM_PUSH_* environment variables, in that order of
// precedence. Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every agent environment variable.
const EnvPrefix = "PM_PUSH_"

// Sink names.
const (
	SinkWebsocket = "websocket"
	SinkStdout    = "stdout"
)

// Config holds the agent configuration.
type Config struct {
	// MachineName identifies this host to the backend. Defaults to the hostname.
	MachineName string `yaml:"machine_name" env:"MACHINE_NAME"`
	PublicKey   string `yaml:"public_key" env:"PUBLIC_KEY"`
	// InternalIP defaults to the first non-loopback IPv4 address.
	InternalIP string `yaml:"internal_ip" env:"INTERNAL_IP"`

	StatusInterval time.Duration `yaml:"status_interval" env:"STATUS_INTERVAL"`
	// LogsBuffer is the number of log lines kept per process. 0 disables history.
	LogsBuffer int `yaml:"logs_buffer" env:"LOGS_BUFFER"`
	// ContextOnError is the number of source lines shown around a callsite.
	ContextOnError int `yaml:"context_on_error" env:"CONTEXT_ON_ERROR"`

	BroadcastLogs     bool `yaml:"broadcast_logs" env:"BROADCAST_LOGS"`
	PasswordProtected bool `yaml:"password_protected" env:"PASSWORD_PROTECTED"`

	BusSocket  string `yaml:"bus_socket" env:"BUS_SOCKET"`
	MonitorURL string `yaml:"monitor_url" env:"MONITOR_URL"`

	Sink     string `yaml:"sink" env:"SINK"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	Codec    string `yaml:"codec" env:"CODEC"`

	DropExpr            string        `yaml:"drop_expr" env:"DROP_EXPR"`
	AggregationInterval time.Duration `yaml:"aggregation_interval" env:"AGGREGATION_INTERVAL"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Default returns the built-in configuration. Host-derived fields are left
// empty and filled by Load.
func Default() *Config {
	return &Config{
		StatusInterval:      time.Second,
		LogsBuffer:          10,
		ContextOnError:      2,
		BusSocket:           defaultBusSocket(),
		MonitorURL:          "http://127.0.0.1:9615",
		Sink:                SinkWebsocket,
		Codec:               "json",
		AggregationInterval: 30 * time.Second,
		LogLevel:            "info",
	}
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.fillHostDefaults()
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) fillHostDefaults() {
	if c.MachineName == "" {
		if host, err := os.Hostname(); err == nil {
			c.MachineName = host
		}
	}
	if c.InternalIP == "" {
		c.InternalIP = firstIPv4()
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.MachineName == "" {
		errs = append(errs, errors.New("machine name is required"))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, fmt.Errorf("status interval must be positive, got %s", c.StatusInterval))
	}
	if c.AggregationInterval <= 0 {
		errs = append(errs, fmt.Errorf("aggregation interval must be positive, got %s", c.AggregationInterval))
	}
	if c.LogsBuffer < 0 {
		errs = append(errs, fmt.Errorf("logs buffer must not be negative, got %d", c.LogsBuffer))
	}
	if c.ContextOnError < 0 {
		errs = append(errs, fmt.Errorf("context on error must not be negative, got %d", c.ContextOnError))
	}
	if c.BusSocket == "" {
		errs = append(errs, errors.New("bus socket is required"))
	}

	switch c.Sink {
	case SinkWebsocket:
		if c.Endpoint == "" {
			errs = append(errs, errors.New("endpoint is required for the websocket sink"))
		}
	case SinkStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown sink %q", c.Sink))
	}

	switch c.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("unknown codec %q", c.Codec))
	}

	return errors.Join(errs...)
}

func defaultBusSocket() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pm2", "pub.sock")
}

// firstIPv4 returns the first non-loopback IPv4 address, or "".
func firstIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
