package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the subset of configuration that can be provided
// via config.yaml/.json.
type FileConfig struct {
	ProxyAddr        string `json:"proxy_addr" yaml:"proxy_addr"`
	ControlAddr      string `json:"control_addr" yaml:"control_addr"`
	CACertPath       string `json:"ca_cert" yaml:"ca_cert"`
	CAKeyPath        string `json:"ca_key" yaml:"ca_key"`
	CertCacheDir     string `json:"cert_cache_dir" yaml:"cert_cache_dir"`
	StorePath        string `json:"store_path" yaml:"store_path"`
	AuditLogPath     string `json:"audit_log" yaml:"audit_log"`
	InsecureUpstream *bool  `json:"insecure_upstream" yaml:"insecure_upstream"`
}

// LoadFile parses configuration from the provided file path.
func LoadFile(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read config file: %w", err)
	}

	fc := FileConfig{}
	switch detectFormat(path, data) {
	case "yaml":
		err = yaml.Unmarshal(data, &fc)
	case "json":
		err = json.Unmarshal(data, &fc)
	default:
		err = errors.New("unsupported config format (use .json, .yml, or .yaml)")
	}
	if err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// Merge overlays file configuration on top of the base Config parsed from
// flags, file values winning — same precedence as the teacher's Merge.
func Merge(base Config, fc FileConfig) Config {
	if fc.ProxyAddr != "" {
		base.ProxyAddr = fc.ProxyAddr
	}
	if fc.ControlAddr != "" {
		base.ControlAddr = fc.ControlAddr
	}
	if fc.CACertPath != "" {
		base.CACertPath = fc.CACertPath
	}
	if fc.CAKeyPath != "" {
		base.CAKeyPath = fc.CAKeyPath
	}
	if fc.CertCacheDir != "" {
		base.CertCacheDir = fc.CertCacheDir
	}
	if fc.StorePath != "" {
		base.StorePath = fc.StorePath
	}
	if fc.AuditLogPath != "" {
		base.AuditLogPath = fc.AuditLogPath
	}
	if fc.InsecureUpstream != nil {
		base.InsecureUpstream = *fc.InsecureUpstream
	}
	return base
}

func detectFormat(path string, data []byte) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return "yaml"
	}
	if strings.HasSuffix(lower, ".json") {
		return "json"
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return "json"
	}
	return "yaml"
}
