// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wifirst/xmppd/archive"
	"github.com/wifirst/xmppd/auth"
	"github.com/wifirst/xmppd/bosh"
	"github.com/wifirst/xmppd/config"
	"github.com/wifirst/xmppd/disco"
	"github.com/wifirst/xmppd/entitytime"
	"github.com/wifirst/xmppd/httpadmin"
	"github.com/wifirst/xmppd/internal/stream"
	"github.com/wifirst/xmppd/metrics"
	"github.com/wifirst/xmppd/muc"
	"github.com/wifirst/xmppd/ping"
	"github.com/wifirst/xmppd/presence"
	"github.com/wifirst/xmppd/privacy"
	"github.com/wifirst/xmppd/private"
	"github.com/wifirst/xmppd/proxy65"
	"github.com/wifirst/xmppd/roster"
	"github.com/wifirst/xmppd/server"
	"github.com/wifirst/xmppd/share"
	"github.com/wifirst/xmppd/softwareversion"
	"github.com/wifirst/xmppd/storage"
	"github.com/wifirst/xmppd/turn"
	"github.com/wifirst/xmppd/vcard"
)

// version is the reported software version (spec.md §4's software version
// reply); stamped by the release process, "dev" otherwise.
var version = "dev"

// drainTimeout bounds how long graceful shutdown waits for in-flight
// stanza processing and listener close before returning.
const drainTimeout = 5 * time.Second

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logReopener, err := buildLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	store, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	statsdAddr := ""
	if cfg.StatsdHost != "" {
		statsdAddr = net.JoinHostPort(cfg.StatsdHost, itoa(cfg.StatsdPort))
	}
	sink, err := metrics.NewMemory(cfg.StatsdPrefix, statsdAddr)
	if err != nil {
		return fmt.Errorf("build metrics sink: %w", err)
	}

	checker, err := buildChecker(cfg.Auth.URL, store)
	if err != nil {
		return fmt.Errorf("build auth checker: %w", err)
	}

	ctx := &server.Context{
		Logger:  logger,
		Metrics: sink,
		Config:  cfg,
		Storage: store,
		Domain:  cfg.Domain,
	}

	srv, err := server.New(ctx, cfg.Domain)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	diagExt := registerExtensions(srv, cfg, store, checker)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start extensions: %w", err)
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}

	var c2sListener net.Listener
	if cfg.C2S.Enabled {
		c2sListener, err = net.Listen("tcp", net.JoinHostPort("", itoa(cfg.C2S.Port)))
		if err != nil {
			return fmt.Errorf("listen c2s: %w", err)
		}
		acceptor := &stream.Acceptor{
			Server:    srv,
			Checker:   checker,
			Domain:    cfg.Domain,
			TLSConfig: tlsConfig,
			Logger:    logger.With(zap.String("component", "c2s")),
		}
		go func() {
			if err := acceptor.Serve(c2sListener); err != nil {
				logger.Info("c2s listener stopped", zap.Error(err))
			}
		}()
		logger.Info("c2s listening", zap.Int("port", cfg.C2S.Port))
	}

	// BOSH shares the admin surface's listener (host/port) rather than
	// binding its own; config.BOSH only adds a mount path.
	var httpServer *http.Server
	if cfg.HTTPAdmin.Enabled || cfg.BOSH.Enabled {
		mux := http.NewServeMux()

		if cfg.HTTPAdmin.Enabled {
			admin := &httpadmin.Admin{
				Registry:    srv.Registry,
				Store:       store,
				Metrics:     sink,
				Checker:     checker,
				Domain:      cfg.Domain,
				AuthPath:    cfg.HTTPAdmin.AuthPath,
				AdminMode:   cfg.HTTPAdmin.AdminEnabled,
				StaticRoot:  cfg.HTTPAdmin.StaticRoot,
				StaticURL:   cfg.HTTPAdmin.StaticURL,
				Diagnostics: diagExt,
				Logger:      logger.With(zap.String("component", "httpadmin")),
			}
			mux.Handle("/", admin.Handler())
		}

		if cfg.BOSH.Enabled {
			boshPath := cfg.BOSH.Path
			if boshPath == "" {
				boshPath = "/http-bind"
			}
			boshManager := bosh.NewManager(srv, checker, cfg.Domain, logger.With(zap.String("component", "bosh")))
			mux.Handle(boshPath, boshManager)
		}

		httpServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.HTTPAdmin.Host, itoa(cfg.HTTPAdmin.Port)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Info("http listener stopped", zap.Error(err))
			}
		}()
		logger.Info("http listening", zap.String("addr", httpServer.Addr))
	}

	return waitForSignal(logger, logReopener, srv, c2sListener, httpServer)
}

// openStore constructs the configured storage backend (spec.md §6
// "database/{driver,...}"): sqlite when driver is "sqlite", in-memory
// otherwise (tests and ephemeral deployments).
func openStore(db config.Database) (storage.Store, error) {
	switch db.Driver {
	case "sqlite", "sqlite3":
		return storage.OpenSQLite(db.Name)
	default:
		return storage.NewMemory(), nil
	}
}

// registerExtensions builds and wires every extension into srv, in the
// dependency order their constructors require (the roster engine before
// the presence engine that observes it, the archive engine before the
// presence engine drains into it).
func registerExtensions(srv *server.Server, cfg *config.Config, store storage.Store, checker auth.Checker) *httpadmin.Diagnostics {
	domain := cfg.Domain

	rosterExt := roster.New(domain, store, srv.Registry)
	presenceExt := presence.New(domain, rosterExt)
	archiveExt := archive.New(domain, store)
	presenceExt.AddDrainer(archiveExt)

	mucDomain := cfg.MUC.Domain
	if mucDomain == "" {
		mucDomain = "conference." + domain
	}
	mucExt := muc.New(mucDomain, store, cfg.MUC.ServerAdmins)

	shareDomain := cfg.Share.Domain
	if shareDomain == "" {
		shareDomain = "shares." + domain
	}
	shareExt := share.New(shareDomain, cfg.Share.AllowedDomains, cfg.Share.ForceProxy, cfg.Share.RedirectDomain)

	proxy65Domain := cfg.Proxy65.Domain
	if proxy65Domain == "" {
		proxy65Domain = "proxy." + domain
	}
	proxy65Ext := proxy65.New(proxy65Domain, cfg.Proxy65.AllowedDomains, cfg.Proxy65.Host, cfg.Proxy65.Port)

	turnRealm := cfg.Turn.Realm
	if turnRealm == "" {
		turnRealm = domain
	}
	turnExt := turn.New(cfg.Turn.Host, cfg.Turn.Port, turnRealm, checker)

	privateExt := private.New(domain, store)
	vcardExt := vcard.New(domain, store)
	privacyExt := privacy.New(domain, store)
	pingExt := ping.New(domain)
	entitytimeExt := entitytime.New(domain)
	softwareversionExt := softwareversion.New(domain, "xmppd", version)
	discoExt := disco.New(domain, srv.Router)
	diagExt := httpadmin.NewDiagnostics(domain, store)

	srv.Use(rosterExt)
	srv.Use(presenceExt)
	srv.Use(archiveExt)
	srv.Use(mucExt)
	srv.Use(shareExt)
	srv.Use(proxy65Ext)
	srv.Use(turnExt)
	srv.Use(privateExt)
	srv.Use(vcardExt)
	srv.Use(privacyExt)
	srv.Use(pingExt)
	srv.Use(entitytimeExt)
	srv.Use(softwareversionExt)
	srv.Use(discoExt)
	srv.Use(diagExt)

	srv.Router.SetPriorityResolver(presenceExt.PresencePriority)
	srv.Router.RegisterOfflineHandler(archiveExt.HandleOffline)
	srv.Registry.OnDisconnected(presenceExt.ClientDisconnected)

	return diagExt
}

// waitForSignal blocks until SIGINT/SIGTERM initiates graceful shutdown (a
// second signal forces immediate exit) or SIGHUP triggers a log-sink
// reopen (spec.md §6 Signals).
func waitForSignal(logger *zap.Logger, logReopener *reopenableFile, srv *server.Server, c2sListener net.Listener, httpServer *http.Server) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	shuttingDown := false
	done := make(chan error, 1)
	for {
		var s os.Signal
		select {
		case err := <-done:
			return err
		case s = <-sig:
		}
		switch s {
		case syscall.SIGHUP:
			logger.Info("sighup: reopening log sink")
			if logReopener != nil {
				if err := logReopener.Reopen(); err != nil {
					logger.Error("reopen log file", zap.Error(err))
				}
			}
			_ = logger.Sync()

		case syscall.SIGINT, syscall.SIGTERM:
			if shuttingDown {
				logger.Warn("second shutdown signal received, forcing exit")
				os.Exit(1)
			}
			shuttingDown = true
			logger.Info("shutting down")
			go func() { done <- shutdown(logger, srv, c2sListener, httpServer) }()
		}
	}
}

func shutdown(logger *zap.Logger, srv *server.Server, c2sListener net.Listener, httpServer *http.Server) error {
	if c2sListener != nil {
		_ = c2sListener.Close()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http admin shutdown", zap.Error(err))
		}
	}
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stop extensions: %w", err)
	}
	return nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
