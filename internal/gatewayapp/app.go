// Package gatewayapp wires the gateway's components — token manager, cloud
// client, metadata cache, warmup, and HTTP handlers — into a running server,
// in the style of the original CLI's application layer.
package gatewayapp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"resticgw/internal/cloud"
	"resticgw/internal/config"
	"resticgw/internal/gwerr"
	"resticgw/internal/gwlog"
	"resticgw/internal/metacache"
	"resticgw/internal/resticapi"
	"resticgw/internal/warmup"
)

// cloudBaseURL is the provider's fixed API root. It isn't part of the
// configuration surface because the gateway targets a single
// cloud provider, not a pluggable one.
const cloudBaseURL = "https://open-api.123pan.com"

// App is the fully wired gateway: a metadata cache, an authenticated cloud
// client, and an HTTP server implementing the Restic REST v2 surface.
type App struct {
	cfg    *config.Config
	log    gwlog.Logger
	store  *metacache.Store
	client *cloud.Client
	server *http.Server
}

// New constructs a fully wired App from cfg. The caller must call Close when
// done. Cache warmup and upload-domain discovery run synchronously before New
// returns, and a failure of either is returned as an error: no request is
// served concurrently with warmup.
func New(cfg *config.Config) (*App, error) {
	log := gwlog.NewStderr("startup", gwlog.ParseLevel(cfg.LogLevel))

	store, err := metacache.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening metadata cache: %w", err)
	}

	tokens := cloud.NewTokenManager(cfg.ClientID, cfg.ClientSecret, cloudBaseURL, http.DefaultClient, store, log)
	client := cloud.NewClient(cloudBaseURL, cfg.RepoPath, tokens, http.DefaultClient, cloud.DefaultRetryPolicy, store, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := warmup.Run(ctx, client, store, log, warmup.Options{
		RepoPath:          cfg.RepoPath,
		ForceCacheRebuild: cfg.ForceCacheRebuild,
	}); err != nil {
		store.Close()
		return nil, fmt.Errorf("cache warmup failed: %w", err)
	}
	if _, err := client.UploadDomain(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("discovering upload domain: %w", err)
	}

	handler := resticapi.New(client, store, cfg.RepoPath, log)

	app := &App{cfg: cfg, log: log, store: store, client: client}
	app.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: app.withOperationAudit(handler.Mux()),
	}
	return app, nil
}

// withOperationAudit wraps next with per-request logging and an audit trail
// in the gateway_operations table.
func (a *App) withOperationAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opID := uuid.NewString()
		started := time.Now()

		if err := a.store.CreateOperation(opID, r.Method, r.URL.Path, started); err != nil {
			a.log.Warn("failed to record operation start", "op_id", opID, "error", err)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if err := a.store.FinishOperation(opID, time.Now(), fmt.Sprintf("%d", rec.status)); err != nil {
			a.log.Warn("failed to record operation finish", "op_id", opID, "error", err)
		}
		a.log.Info("request handled", "op_id", opID, "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(started))
	})
}

// statusRecorder captures the status code a handler writes, since
// http.ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ListenAndServe starts the HTTP listener. It blocks until the server stops
// or the context is canceled.
func (a *App) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("gateway listening", "addr", a.cfg.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- gwerr.Wrap(gwerr.KindInternal, "http server failed", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close tears down the App's resources.
func (a *App) Close() error {
	return a.store.Close()
}
