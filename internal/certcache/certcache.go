// Package certcache keeps minted leaf (cert,key) pairs for hostnames,
// persisting them under a cache directory and collapsing concurrent mint
// attempts for the same hostname. Disk is the authority: the in-memory map
// is only a shortcut to avoid a stat/read on every CONNECT.
package certcache

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kdhira/mitm-proxy/internal/ca"
)

// Minter mints a fresh leaf certificate for a hostname. internal/ca.CA
// satisfies this.
type Minter interface {
	Mint(hostname string) (certPEM, keyPEM []byte, err error)
}

var _ Minter = (*ca.CA)(nil)

// Cache maps hostnames to on-disk leaf cert/key pairs.
type Cache struct {
	dir    string
	minter Minter

	mu      sync.Mutex
	entries map[string]*tls.Certificate
	locks   map[string]*sync.Mutex
}

// New creates a Cache rooted at dir. dir is created if it does not exist.
func New(dir string, minter Minter) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cert cache dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		minter:  minter,
		entries: make(map[string]*tls.Certificate),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (c *Cache) paths(hostname string) (certPath, keyPath string) {
	return filepath.Join(c.dir, hostname+".crt"), filepath.Join(c.dir, hostname+".key")
}

// hostLock returns a per-hostname mutex, creating one if needed. This
// collapses concurrent mints for the same hostname into one disk write;
// spec.md allows the race but recommends this optimization.
func (c *Cache) hostLock(hostname string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[hostname]
	if !ok {
		l = &sync.Mutex{}
		c.locks[hostname] = l
	}
	return l
}

// Get returns a TLS certificate for hostname, minting and persisting one on
// first use.
func (c *Cache) Get(hostname string) (*tls.Certificate, error) {
	c.mu.Lock()
	if cert, ok := c.entries[hostname]; ok {
		c.mu.Unlock()
		return cert, nil
	}
	c.mu.Unlock()

	lock := c.hostLock(hostname)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have finished minting while we waited for the lock.
	c.mu.Lock()
	if cert, ok := c.entries[hostname]; ok {
		c.mu.Unlock()
		return cert, nil
	}
	c.mu.Unlock()

	certPath, keyPath := c.paths(hostname)
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		c.mu.Lock()
		c.entries[hostname] = &cert
		c.mu.Unlock()
		return &cert, nil
	}

	certPEM, keyPEM, err := c.minter.Mint(hostname)
	if err != nil {
		return nil, fmt.Errorf("mint cert for %s: %w", hostname, err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write cert for %s: %w", hostname, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write key for %s: %w", hostname, err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("assemble cert for %s: %w", hostname, err)
	}

	c.mu.Lock()
	c.entries[hostname] = &cert
	c.mu.Unlock()
	return &cert, nil
}

// Purge removes every cached entry and wipes the cache directory. Called on
// proxy shutdown per spec.md's lifecycle contract.
func (c *Cache) Purge() error {
	c.mu.Lock()
	c.entries = make(map[string]*tls.Certificate)
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cert cache dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}
