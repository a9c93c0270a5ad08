package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileYAMLAndMerge(t *testing.T) {
	path := writeTempFile(t, "config.yaml", `proxy_addr: 0.0.0.0:9000
control_addr: 0.0.0.0:9001
ca_cert: /etc/mitm/ca_cert.pem
ca_key: /etc/mitm/ca_key.pem
cert_cache_dir: /var/lib/mitm/certcache
store_path: /var/lib/mitm/store.db
audit_log: "-"
insecure_upstream: false
`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	merged := Merge(Default(), fc)
	if merged.ProxyAddr != "0.0.0.0:9000" {
		t.Fatalf("proxy_addr merge failed, got %s", merged.ProxyAddr)
	}
	if merged.ControlAddr != "0.0.0.0:9001" {
		t.Fatalf("control_addr merge failed, got %s", merged.ControlAddr)
	}
	if merged.AuditLogPath != "-" {
		t.Fatalf("audit_log merge failed, got %s", merged.AuditLogPath)
	}
	if merged.InsecureUpstream {
		t.Fatalf("insecure_upstream override failed")
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := writeTempFile(t, "config.json", `{"proxy_addr":"127.0.0.1:7000"}`)
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if fc.ProxyAddr != "127.0.0.1:7000" {
		t.Fatalf("proxy_addr mismatch")
	}
}

func TestMergeLeavesDefaultsWhenFileFieldsEmpty(t *testing.T) {
	merged := Merge(Default(), FileConfig{})
	if merged != Default() {
		t.Fatalf("expected empty FileConfig to leave base unchanged")
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
