// Package config provides configuration handling for the session tunnel
// tools.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/sessiontun/pkg/logging"
)

// Config represents the complete tunnel configuration.
type Config struct {
	// Tunnel contains the tunnel addressing and forwarding configuration.
	Tunnel TunnelConfig `json:"tunnel" yaml:"tunnel"`

	// Session describes the externally-opened remote session process.
	Session SessionConfig `json:"session" yaml:"session"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// TunnelConfig contains addressing, timing and threshold settings shared by
// the driver and (where relevant) the agent.
type TunnelConfig struct {
	// CIDR is the block endpoint pairs are assigned from when no explicit
	// pair is given. The default is the RFC6598 shared range.
	CIDR string `json:"cidr" yaml:"cidr"`

	// LocalIP/RemoteIP pin the endpoint pair instead of random assignment.
	LocalIP  string `json:"localIP" yaml:"localIP"`
	RemoteIP string `json:"remoteIP" yaml:"remoteIP"`

	// MTU is the maximum IP packet size carried without fragmentation.
	MTU int `json:"mtu" yaml:"mtu"`

	// Routes are destination CIDRs routed through the tunnel while it is
	// established.
	Routes []string `json:"routes" yaml:"routes"`

	// HandshakeTimeoutSec bounds the wait for the agent's handshake ack.
	HandshakeTimeoutSec int `json:"handshakeTimeoutSec" yaml:"handshakeTimeoutSec"`

	// KeepaliveSec is the outbound-idle interval after which a keepalive
	// frame is sent.
	KeepaliveSec int `json:"keepaliveSec" yaml:"keepaliveSec"`

	// DegradedWindowSec: with no valid inbound frame for this long the
	// driver reports the tunnel degraded (forwarding continues).
	DegradedWindowSec int `json:"degradedWindowSec" yaml:"degradedWindowSec"`

	// DecodeErrorThreshold: dropped-frame count within the degraded window
	// past which the driver reports the tunnel degraded.
	DecodeErrorThreshold int `json:"decodeErrorThreshold" yaml:"decodeErrorThreshold"`

	// AgentIdleTimeoutSec: the agent exits and cleans up after this long
	// with no input at all.
	AgentIdleTimeoutSec int `json:"agentIdleTimeoutSec" yaml:"agentIdleTimeoutSec"`

	// StatsWindowSec / StatsRefreshMillis shape the throughput display.
	StatsWindowSec     int `json:"statsWindowSec" yaml:"statsWindowSec"`
	StatsRefreshMillis int `json:"statsRefreshMillis" yaml:"statsRefreshMillis"`

	// UpDownScript, when set, runs with "up"/"down" plus the tunnel
	// parameters after establishment and before teardown.
	UpDownScript string `json:"upDownScript" yaml:"upDownScript"`
}

// SessionConfig describes how the driver reaches the already-authenticated
// remote session and starts the agent inside it.
type SessionConfig struct {
	// Command and Args spawn the interactive session.
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`

	// ReadyPattern is a regular expression matched against session output
	// before the channel is treated as usable.
	ReadyPattern string `json:"readyPattern" yaml:"readyPattern"`

	// ReadyTimeoutSec bounds the wait for ReadyPattern.
	ReadyTimeoutSec int `json:"readyTimeoutSec" yaml:"readyTimeoutSec"`

	// AgentCommand is the remote command that starts the tunnel agent
	// inside the session.
	AgentCommand string `json:"agentCommand" yaml:"agentCommand"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			CIDR:                 "100.64.0.0/16",
			MTU:                  1500,
			HandshakeTimeoutSec:  10,
			KeepaliveSec:         10,
			DegradedWindowSec:    30,
			DecodeErrorThreshold: 20,
			AgentIdleTimeoutSec:  60,
			StatsWindowSec:       10,
			StatsRefreshMillis:   500,
		},
		Session: SessionConfig{
			ReadyTimeoutSec: 15,
			AgentCommand:    "sessiontun-agent",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Duration accessors.

func (t TunnelConfig) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutSec) * time.Second
}
func (t TunnelConfig) Keepalive() time.Duration {
	return time.Duration(t.KeepaliveSec) * time.Second
}
func (t TunnelConfig) DegradedWindow() time.Duration {
	return time.Duration(t.DegradedWindowSec) * time.Second
}
func (t TunnelConfig) AgentIdleTimeout() time.Duration {
	return time.Duration(t.AgentIdleTimeoutSec) * time.Second
}
func (t TunnelConfig) StatsWindow() time.Duration {
	return time.Duration(t.StatsWindowSec) * time.Second
}
func (t TunnelConfig) StatsRefresh() time.Duration {
	return time.Duration(t.StatsRefreshMillis) * time.Millisecond
}
func (s SessionConfig) ReadyTimeout() time.Duration {
	return time.Duration(s.ReadyTimeoutSec) * time.Second
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("SESSIONTUN_CIDR"); val != "" {
		config.Tunnel.CIDR = val
	}
	if val := os.Getenv("SESSIONTUN_LOCAL_IP"); val != "" {
		config.Tunnel.LocalIP = val
	}
	if val := os.Getenv("SESSIONTUN_REMOTE_IP"); val != "" {
		config.Tunnel.RemoteIP = val
	}
	if val := os.Getenv("SESSIONTUN_MTU"); val != "" {
		if mtu, err := strconv.Atoi(val); err == nil {
			config.Tunnel.MTU = mtu
		}
	}
	if val := os.Getenv("SESSIONTUN_ROUTES"); val != "" {
		config.Tunnel.Routes = strings.Split(val, ",")
	}
	if val := os.Getenv("SESSIONTUN_UPDOWN_SCRIPT"); val != "" {
		config.Tunnel.UpDownScript = val
	}
	if val := os.Getenv("SESSIONTUN_SESSION_COMMAND"); val != "" {
		parts := strings.Fields(val)
		config.Session.Command = parts[0]
		config.Session.Args = parts[1:]
	}
	if val := os.Getenv("SESSIONTUN_AGENT_COMMAND"); val != "" {
		config.Session.AgentCommand = val
	}
	if val := os.Getenv("SESSIONTUN_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("SESSIONTUN_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Tunnel.LocalIP != "" || c.Tunnel.RemoteIP != "" {
		local := net.ParseIP(c.Tunnel.LocalIP)
		remote := net.ParseIP(c.Tunnel.RemoteIP)
		if local == nil || remote == nil {
			return fmt.Errorf("explicit endpoint pair requires both localIP and remoteIP")
		}
		if local.Equal(remote) {
			return fmt.Errorf("localIP and remoteIP must differ")
		}
	} else {
		_, ipnet, err := net.ParseCIDR(c.Tunnel.CIDR)
		if err != nil {
			return fmt.Errorf("invalid tunnel CIDR %q: %w", c.Tunnel.CIDR, err)
		}
		ones, bits := ipnet.Mask.Size()
		if bits-ones < 2 {
			return fmt.Errorf("tunnel CIDR %q too narrow, need /30 or wider", c.Tunnel.CIDR)
		}
	}
	if c.Tunnel.MTU < 576 || c.Tunnel.MTU > 9000 {
		return fmt.Errorf("invalid MTU %d, expected 576..9000", c.Tunnel.MTU)
	}
	for _, r := range c.Tunnel.Routes {
		if _, _, err := net.ParseCIDR(r); err != nil {
			return fmt.Errorf("invalid route %q: %w", r, err)
		}
	}
	if c.Tunnel.HandshakeTimeoutSec <= 0 {
		return fmt.Errorf("handshakeTimeoutSec must be positive")
	}
	if c.Tunnel.KeepaliveSec <= 0 || c.Tunnel.DegradedWindowSec <= 0 {
		return fmt.Errorf("keepaliveSec and degradedWindowSec must be positive")
	}
	if c.Tunnel.DecodeErrorThreshold <= 0 {
		return fmt.Errorf("decodeErrorThreshold must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir := "."
		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
			filename = c.Logging.File[lastSlash+1:]
		}
		if err := logging.EnableFileLogging(dir, filename, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge); err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}
