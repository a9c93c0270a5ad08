package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kdhira/mitm-proxy/internal/api"
	"github.com/kdhira/mitm-proxy/internal/auditlog"
	"github.com/kdhira/mitm-proxy/internal/ca"
	"github.com/kdhira/mitm-proxy/internal/certcache"
	"github.com/kdhira/mitm-proxy/internal/config"
	"github.com/kdhira/mitm-proxy/internal/dispatcher"
	"github.com/kdhira/mitm-proxy/internal/metrics"
	"github.com/kdhira/mitm-proxy/internal/policy"
	"github.com/kdhira/mitm-proxy/internal/store"
	"github.com/kdhira/mitm-proxy/internal/tunnel"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, configPath, validateOnly, err := config.ParseFlagsFull(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}
	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
		cfg = config.Merge(cfg, fileCfg)
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid merged config: %v", err)
		}
	}

	if validateOnly {
		fmt.Println("configuration validated successfully")
		return
	}

	rootCA, err := ca.LoadOrGenerate(cfg.CACertPath, cfg.CAKeyPath)
	if err != nil {
		log.Fatalf("failed to load or generate CA: %v", err)
	}

	certs, err := certcache.New(cfg.CertCacheDir, rootCA)
	if err != nil {
		log.Fatalf("failed to open cert cache: %v", err)
	}

	decisionStore, err := store.OpenBoltStore(cfg.StorePath)
	if err != nil {
		log.Fatalf("failed to open decision store: %v", err)
	}
	defer decisionStore.Close()

	auditLogger, err := auditlog.NewFileLogger(cfg.AuditLogPath)
	if err != nil {
		log.Fatalf("failed to open audit log: %v", err)
	}
	defer func() {
		if cerr := auditLogger.Close(); cerr != nil {
			log.Printf("failed to close audit log: %v", cerr)
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)
	policyEngine := policy.New(decisionStore)

	proxyHandler := tunnel.New(certs, decisionStore, policyEngine, auditLogger, m, cfg.InsecureUpstream)
	proxyDispatcher := &dispatcher.Dispatcher{
		Addr:    cfg.ProxyAddr,
		Handler: proxyHandler,
		Certs:   certs,
		Store:   decisionStore,
	}

	controlServer := api.New(decisionStore, m)
	controlHTTP := &http.Server{
		Addr:    cfg.ControlAddr,
		Handler: controlServer.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	proxyErr := make(chan error, 1)
	go func() { proxyErr <- proxyDispatcher.ListenAndServe() }()

	controlErr := make(chan error, 1)
	go func() {
		if err := controlHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			controlErr <- err
			return
		}
		controlErr <- nil
	}()

	log.Printf("mitm-proxy listening: proxy=%s control=%s", cfg.ProxyAddr, cfg.ControlAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := proxyDispatcher.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed (proxy): %v", err)
		}
		if err := controlHTTP.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed (control api): %v", err)
		}
	case err := <-proxyErr:
		if err != nil {
			log.Fatalf("proxy dispatcher terminated: %v", err)
		}
		return
	case err := <-controlErr:
		if err != nil {
			log.Fatalf("control api terminated: %v", err)
		}
		return
	}
}
