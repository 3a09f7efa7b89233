// Package daemon assembles the supervisors, opens shared resources, and
// runs the control API until a shutdown signal arrives.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/vpescete/odoo-claude-code/internal/assistant"
	"github.com/vpescete/odoo-claude-code/internal/audit"
	"github.com/vpescete/odoo-claude-code/internal/broadcast"
	"github.com/vpescete/odoo-claude-code/internal/config"
	"github.com/vpescete/odoo-claude-code/internal/credential"
	"github.com/vpescete/odoo-claude-code/internal/history"
	"github.com/vpescete/odoo-claude-code/internal/httpd"
	"github.com/vpescete/odoo-claude-code/internal/instance"
	"github.com/vpescete/odoo-claude-code/internal/notify"
	"github.com/vpescete/odoo-claude-code/internal/server"
	"github.com/vpescete/odoo-claude-code/internal/shell"
)

// shutdownBound caps how long supervisor teardown may take after a stop
// signal. Past it the process exits with whatever children remain; the OS
// reaps them.
const shutdownBound = 30 * time.Second

type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	lock     *flock.Flock
	hist     *history.SQLiteStore
	auditLog *audit.Logger

	hub       *broadcast.Hub
	servers   *server.Supervisor
	shells    *shell.Supervisor
	assistant *assistant.Supervisor
	httpSrv   *http.Server
}

// New wires the daemon from configuration. The data dir is created on
// first run.
func New(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another daemon already holds %s", cfg.LockPath())
	}

	hist, err := history.NewSQLiteStore(cfg.HistoryPath())
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("opening session history: %w", err)
	}
	auditLog, err := audit.NewLogger(cfg.AuditPath())
	if err != nil {
		_ = hist.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	instances := instance.NewFileStore(cfg.InstancesPath())
	creds := credential.NewStore(cfg.DataDir)
	hub := broadcast.NewHub()

	servers := server.NewSupervisor(instances, hub, notify.Desktop{}, auditLog,
		cfg.Server.StopGrace.Duration, cfg.Server.StopBound.Duration)
	shells := shell.NewSupervisor(instances, hub, 3*time.Second, 8*time.Second)
	assist := assistant.NewSupervisor(instances, hub, hist, creds, auditLog, assistant.Options{
		BackendPath:               cfg.Assistant.BackendPath,
		DefaultModel:              cfg.Assistant.DefaultModel,
		PermissionTimeout:         cfg.Assistant.PermissionTimeout.Duration,
		PermissionTimeoutBehavior: cfg.Assistant.PermissionTimeoutBehavior,
		StopBound:                 8 * time.Second,
	}, logger)

	api := &httpd.Server{
		Instances: instances,
		Hub:       hub,
		Servers:   servers,
		Shells:    shells,
		Assistant: assist,
		History:   hist,
		APIToken:  cfg.APIToken,
		Limiter:   httpd.NewRateLimiter(0, 0),
	}

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		lock:     lock,
		hist:     hist,
		auditLog: auditLog,

		hub:       hub,
		servers:   servers,
		shells:    shells,
		assistant: assist,
		httpSrv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves the API until ctx is cancelled, then tears everything down.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon listening", "addr", d.cfg.ListenAddr, "data_dir", d.cfg.DataDir)

	errCh := make(chan error, 1)
	go func() {
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.shutdown()
		return err
	}

	d.logger.Info("shutting down")
	d.shutdown()
	return nil
}

func (d *Daemon) shutdown() {
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.httpSrv.Shutdown(shCtx)

	// Supervisors stop concurrently; each has its own escalation bound,
	// and the outer bound keeps a wedged child from pinning the daemon.
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, stop := range []func(){d.servers.StopAll, d.shells.StopAll, d.assistant.StopAll} {
			wg.Add(1)
			go func(stop func()) {
				defer wg.Done()
				stop()
			}(stop)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownBound):
		d.logger.Warn("supervisor teardown exceeded bound, exiting anyway")
	}

	if err := d.hist.Close(); err != nil {
		d.logger.Warn("closing session history", "error", err)
	}
	if err := d.auditLog.Close(); err != nil {
		d.logger.Warn("closing audit log", "error", err)
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("releasing daemon lock", "error", err)
	}
}
