package relay

import (
	"testing"
	"time"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.Host != "localhost" || c.Port != 8080 {
		t.Fatalf("defaults = %q:%d, want localhost:8080", c.Host, c.Port)
	}
	if c.KeysDir != "./keys" || c.UploadsDir != "./uploads" {
		t.Fatalf("dir defaults = %q, %q", c.KeysDir, c.UploadsDir)
	}
	if c.ShutdownGrace != 5*time.Second {
		t.Fatalf("ShutdownGrace = %v, want 5s", c.ShutdownGrace)
	}
	if len(c.Neighbours) != 0 {
		t.Fatalf("Neighbours = %v, want empty", c.Neighbours)
	}
	if c.TrustProxyHeaders {
		t.Fatal("TrustProxyHeaders default = true, want false")
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	env := []string{
		"OLAF_HOST=relay.example.com",
		"OLAF_PORT=9001",
		"OLAF_NEIGHBOURS=10.0.0.1:8081,10.0.0.2:8081",
		"OLAF_LOG_LEVEL=debug",
		"OLAF_TRUST_PROXY_HEADERS=true",
	}
	if err := c.UnmarshalEnv(env); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.Host != "relay.example.com" || c.Port != 9001 {
		t.Fatalf("overrides = %q:%d", c.Host, c.Port)
	}
	if len(c.Neighbours) != 2 || c.Neighbours[0] != "10.0.0.1:8081" {
		t.Fatalf("Neighbours = %v", c.Neighbours)
	}
	if c.Address() != "relay.example.com:9001" {
		t.Fatalf("Address() = %q", c.Address())
	}
	if !c.TrustProxyHeaders {
		t.Fatal("TrustProxyHeaders override = false, want true")
	}
}

func TestUnmarshalEnvRejectsUnknownVar(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"OLAF_BOGUS=1"})
	if err == nil {
		t.Fatal("expected an error for an unknown OLAF_ variable")
	}
}
