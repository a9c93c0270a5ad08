package config

import "testing"

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := ParseFlags([]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ProxyAddr != "127.0.0.1:8888" {
		t.Errorf("expected default proxy addr, got %s", cfg.ProxyAddr)
	}
	if cfg.ControlAddr != "127.0.0.1:9000" {
		t.Errorf("expected default control addr, got %s", cfg.ControlAddr)
	}
	if !cfg.InsecureUpstream {
		t.Fatalf("expected insecure-upstream to default true")
	}
}

func TestParseFlagsOverrides(t *testing.T) {
	cfg, err := ParseFlags([]string{"--proxy-addr", "0.0.0.0:9000", "--insecure-upstream=false"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ProxyAddr != "0.0.0.0:9000" {
		t.Fatalf("unexpected proxy addr: %s", cfg.ProxyAddr)
	}
	if cfg.InsecureUpstream {
		t.Fatalf("expected insecure-upstream override to false")
	}
}

func TestValidateRejectsSameAddr(t *testing.T) {
	cfg := Default()
	cfg.ControlAddr = cfg.ProxyAddr
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when proxy and control addr collide")
	}
}

func TestValidateRequiresCAPaths(t *testing.T) {
	cfg := Default()
	cfg.CACertPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing ca-cert path")
	}
}

func TestValidateRequiresStorePath(t *testing.T) {
	cfg := Default()
	cfg.StorePath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing store path")
	}
}
