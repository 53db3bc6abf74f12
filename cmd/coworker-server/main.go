// Command coworker-server runs the local-first filesystem coworker: a
// loopback HTTP gateway backed by the CP Store and a worker pool that
// executes typed jobs behind a plan-approve-execute safety gate.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cayde/coworker-server/internal/approval"
	"github.com/cayde/coworker-server/internal/audit"
	"github.com/cayde/coworker-server/internal/config"
	"github.com/cayde/coworker-server/internal/gateway"
	"github.com/cayde/coworker-server/internal/logging"
	"github.com/cayde/coworker-server/internal/maintenance"
	"github.com/cayde/coworker-server/internal/store"
	"github.com/cayde/coworker-server/internal/tools"
	"github.com/cayde/coworker-server/internal/worker"
)

func main() {
	logging.Init("coworker-server")

	cfg := config.MustLoad(os.Args[1:])

	cpStore, err := store.Open(cfg.StorePath)
	if err != nil {
		logging.Logger.Fatalf("failed to open CP Store: %v", err)
	}
	defer cpStore.Close()

	signer, err := approval.NewSigner(cfg.ApprovalSigningKey)
	if err != nil {
		logging.Logger.Fatalf("failed to initialize approval signer: %v", err)
	}

	auditLog := audit.New()
	defer auditLog.Close()

	pool := worker.New(cpStore, auditLog, tools.Default(), signer, cfg.LeaseDuration, cfg.WorkerCount)

	scheduler := maintenance.New(cpStore, cfg.SessionTTL, 7*24*time.Hour)
	if err := scheduler.Start(); err != nil {
		logging.Logger.Fatalf("failed to start maintenance scheduler: %v", err)
	}
	defer scheduler.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	gw := gateway.New(cpStore, signer)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: gw.Handler(cfg.CORSAllowedOrigins),
	}

	serverErrors := make(chan error, 1)
	go func() {
		logging.Logger.Infof("coworker-server listening on %s", addr)
		serverErrors <- server.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logging.Logger.Fatalf("gateway listener failed: %v", err)
		}
	case <-signals:
		logging.Logger.Info("shutting down")
		cancel()
		_ = server.Shutdown(context.Background())
	}
}
