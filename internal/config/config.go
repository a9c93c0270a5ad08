// Package config loads the proxy's runtime configuration, grounded on the
// teacher's internal/config package: CLI flags parsed first, then an
// optional YAML/JSON config file merged on top via Merge (file wins over
// flag defaults, same precedence the teacher uses for its own overlay).
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

// Config holds every setting needed to start the proxy and control plane.
type Config struct {
	ProxyAddr   string
	ControlAddr string

	CACertPath   string
	CAKeyPath    string
	CertCacheDir string

	StorePath string

	AuditLogPath string

	InsecureUpstream bool
}

// Default returns the built-in defaults, matching the teacher's
// ParseFlags default values in spirit.
func Default() Config {
	return Config{
		ProxyAddr:        "127.0.0.1:8888",
		ControlAddr:      "127.0.0.1:9000",
		CACertPath:       "data/ca_cert.pem",
		CAKeyPath:        "data/ca_key.pem",
		CertCacheDir:     "data/certcache",
		StorePath:        "data/store.db",
		AuditLogPath:     "logs/proxy-audit.jsonl",
		InsecureUpstream: true,
	}
}

// MustParseFlags reads configuration from CLI flags and terminates the
// process on error, mirroring the teacher's MustParseFlags.
func MustParseFlags(args []string) Config {
	cfg, _, _, err := ParseFlagsFull(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// ParseFlags reads supported CLI flags into a Config value, seeded from
// Default().
func ParseFlags(args []string) (Config, error) {
	cfg, _, _, err := ParseFlagsFull(args)
	return cfg, err
}

// ParseFlagsFull is ParseFlags plus the two flags cmd/mitm-proxy needs
// before it can decide whether to merge a file on top and whether to exit
// after validating rather than starting the proxy.
func ParseFlagsFull(args []string) (cfg Config, configFilePath string, validateOnly bool, err error) {
	fs := flag.NewFlagSet("mitm-proxy", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	def := Default()

	var (
		proxyAddr   = fs.String("proxy-addr", def.ProxyAddr, "address the MITM proxy listens on")
		controlAddr = fs.String("control-addr", def.ControlAddr, "address the control-plane REST API listens on")
		caCert      = fs.String("ca-cert", def.CACertPath, "path to the root CA certificate (generated if absent)")
		caKey       = fs.String("ca-key", def.CAKeyPath, "path to the root CA private key (generated if absent)")
		certCache   = fs.String("cert-cache-dir", def.CertCacheDir, "directory for minted leaf certificates")
		storePath   = fs.String("store-path", def.StorePath, "path to the embedded decision store database file")
		auditLog    = fs.String("audit-log", def.AuditLogPath, "path to the JSONL audit log (\"-\" for stdout)")
		insecure    = fs.Bool("insecure-upstream", def.InsecureUpstream, "skip upstream TLS certificate verification")
		configPath  = fs.String("config", "", "path to a YAML/JSON configuration file, merged on top of flag values")
		validate    = fs.Bool("validate-config", false, "load configuration and exit after validation")
	)

	if err := fs.Parse(args); err != nil {
		return Config{}, "", false, err
	}

	cfg = Config{
		ProxyAddr:        *proxyAddr,
		ControlAddr:      *controlAddr,
		CACertPath:       *caCert,
		CAKeyPath:        *caKey,
		CertCacheDir:     *certCache,
		StorePath:        *storePath,
		AuditLogPath:     *auditLog,
		InsecureUpstream: *insecure,
	}
	if *configPath == "" {
		if err := cfg.Validate(); err != nil {
			return Config{}, "", false, err
		}
	}
	return cfg, *configPath, *validate, nil
}

// Validate ensures the configuration is internally consistent.
func (c Config) Validate() error {
	if c.ProxyAddr == "" {
		return errors.New("proxy-addr must not be empty")
	}
	if c.ControlAddr == "" {
		return errors.New("control-addr must not be empty")
	}
	if c.ProxyAddr == c.ControlAddr {
		return errors.New("proxy-addr and control-addr must differ")
	}
	if c.CACertPath == "" || c.CAKeyPath == "" {
		return errors.New("ca-cert and ca-key must be set")
	}
	if c.StorePath == "" {
		return errors.New("store-path must not be empty")
	}
	return nil
}
