package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Tunnel.CIDR = "not-a-cidr" },
		func(c *Config) { c.Tunnel.CIDR = "100.64.0.0/31" },
		func(c *Config) { c.Tunnel.MTU = 100 },
		func(c *Config) { c.Tunnel.MTU = 65536 },
		func(c *Config) { c.Tunnel.Routes = []string{"10.0.0.0"} },
		func(c *Config) { c.Tunnel.LocalIP = "100.64.0.1" },
		func(c *Config) { c.Tunnel.LocalIP = "100.64.0.1"; c.Tunnel.RemoteIP = "100.64.0.1" },
		func(c *Config) { c.Tunnel.HandshakeTimeoutSec = 0 },
		func(c *Config) { c.Tunnel.DecodeErrorThreshold = 0 },
		func(c *Config) { c.Logging.Level = "noisy" },
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnel.yaml")
	content := `
tunnel:
  cidr: 100.64.128.0/18
  mtu: 1400
  routes:
    - 10.42.0.0/16
session:
  command: sessionctl
  args: ["connect", "host-1"]
  readyPattern: 'sh.*\$'
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFromFile(path, cfg); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Tunnel.CIDR != "100.64.128.0/18" {
		t.Fatalf("cidr not loaded: %q", cfg.Tunnel.CIDR)
	}
	if cfg.Tunnel.MTU != 1400 {
		t.Fatalf("mtu not loaded: %d", cfg.Tunnel.MTU)
	}
	if len(cfg.Tunnel.Routes) != 1 || cfg.Tunnel.Routes[0] != "10.42.0.0/16" {
		t.Fatalf("routes not loaded: %v", cfg.Tunnel.Routes)
	}
	if cfg.Session.Command != "sessionctl" || len(cfg.Session.Args) != 2 {
		t.Fatalf("session not loaded: %+v", cfg.Session)
	}
	// Defaults survive partial files.
	if cfg.Tunnel.KeepaliveSec != 10 {
		t.Fatalf("default keepalive clobbered: %d", cfg.Tunnel.KeepaliveSec)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SESSIONTUN_MTU", "1300")
	t.Setenv("SESSIONTUN_ROUTES", "10.0.0.0/8,172.16.0.0/12")
	t.Setenv("SESSIONTUN_SESSION_COMMAND", "sessionctl connect host-2")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Tunnel.MTU != 1300 {
		t.Fatalf("env MTU not applied: %d", cfg.Tunnel.MTU)
	}
	if len(cfg.Tunnel.Routes) != 2 {
		t.Fatalf("env routes not applied: %v", cfg.Tunnel.Routes)
	}
	if cfg.Session.Command != "sessionctl" || len(cfg.Session.Args) != 2 {
		t.Fatalf("env session command not applied: %+v", cfg.Session)
	}
}

func TestAssignPair(t *testing.T) {
	for i := 0; i < 100; i++ {
		local, remote, err := AssignPair("100.64.0.0/16")
		if err != nil {
			t.Fatalf("AssignPair: %v", err)
		}
		if local.Equal(remote) {
			t.Fatalf("assigned identical endpoints %s", local)
		}
		_, ipnet, _ := net.ParseCIDR("100.64.0.0/16")
		if !ipnet.Contains(local) || !ipnet.Contains(remote) {
			t.Fatalf("pair %s/%s outside block", local, remote)
		}
	}
}

func TestAssignPairNarrowBlock(t *testing.T) {
	local, remote, err := AssignPair("192.168.77.0/30")
	if err != nil {
		t.Fatalf("AssignPair /30: %v", err)
	}
	if local.String() != "192.168.77.1" || remote.String() != "192.168.77.2" {
		t.Fatalf("unexpected /30 pair %s/%s", local, remote)
	}

	if _, _, err := AssignPair("192.168.77.0/31"); err == nil {
		t.Fatalf("expected error for /31")
	}
}

func TestEndpointPairExplicit(t *testing.T) {
	tc := TunnelConfig{LocalIP: "100.64.160.100", RemoteIP: "100.64.160.101"}
	local, remote, err := tc.EndpointPair()
	if err != nil {
		t.Fatalf("EndpointPair: %v", err)
	}
	if local.String() != "100.64.160.100" || remote.String() != "100.64.160.101" {
		t.Fatalf("unexpected pair %s/%s", local, remote)
	}
}
