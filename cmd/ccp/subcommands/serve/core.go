//
//  Copyright © Control Core Inc. All rights reserved.
//

package serve

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/core/audit"
	"github.com/controlcore/controlplane/pkg/core/bundle"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/decision"
	"github.com/controlcore/controlplane/pkg/core/gitsync"
	"github.com/controlcore/controlplane/pkg/core/lifecycle"
	"github.com/controlcore/controlplane/pkg/core/opa"
	"github.com/controlcore/controlplane/pkg/core/pep"
	"github.com/controlcore/controlplane/pkg/core/pip"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/controlcore/controlplane/pkg/core/store/sqldb"
	"github.com/controlcore/controlplane/pkg/core/vault"
	"github.com/controlcore/controlplane/pkg/gateway"
	"github.com/urfave/cli/v3"
)

var logger = logging.GetLogger("controlplane")

const agent string = "serve"

// compilerFromConfig builds the shared policy compiler with the
// configured unsafe built-ins removed.
func compilerFromConfig() *opa.Compiler {
	unsafe := opa.Builtins{}
	for _, name := range strings.Split(config.VConfig.GetString(config.UnsafeBuiltIns), ",") {
		if name = strings.TrimSpace(name); name != "" {
			unsafe[name] = struct{}{}
		}
	}
	return opa.NewCompiler(opa.WithUnsafeBuiltins(unsafe))
}

// Execute runs the serve command: it assembles every subsystem, starts
// the gateway and the background workers, and blocks until interrupted.
func Execute(ctx context.Context, cmd *cli.Command) error {
	s, err := sqldb.New(ctx, sqldb.OptionsFromConfig())
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	stream, err := audit.NewStoreFactory(s.Audit()).NewStream()
	if err != nil {
		return err
	}
	defer stream.Close()

	v, err := vault.New(s.Credentials())
	if err != nil {
		return err
	}

	if err := lifecycle.SeedTemplates(ctx, s); err != nil {
		return err
	}

	compiler := compilerFromConfig()
	storage := bundle.NewStorageFromConfig()
	rebuilds := bundle.NewPool(bundle.NewBuilder(s, storage, compiler))
	rebuilds.Start(ctx)
	defer rebuilds.Stop()

	pips := pip.NewCache(s, v, pip.NewHTTPProvider())
	sync := gitsync.NewSynchronizer(s, v, compiler)

	watchdog := pep.NewWatchdog(s)
	watchdog.Start(ctx)
	defer watchdog.Stop()

	runner := gitsync.NewRunner(sync, s)
	runner.Start(ctx)
	defer runner.Stop()

	pruneDone := startAuditPruner(ctx, s)
	defer close(pruneDone)

	server := gateway.New(gateway.Options{
		Store:       s,
		Lifecycle:   lifecycle.NewManager(s, compiler, rebuilds, stream).WithGit(sync),
		Coordinator: pep.NewCoordinator(s, storage, stream),
		PIPs:        pips,
		Engine:      decision.NewEngine(s, compiler, pips, stream),
		Vault:       v,
		Git:         sync,
		Rebuilds:    rebuilds,
		AuditStream: stream,
	})
	if err := server.Start(); err != nil {
		return err
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	logger.Info(agent, "shutdown", "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}

	logger.Info(agent, "shutdown", "Server exited gracefully.")
	return nil
}

// startAuditPruner drops audit entries past the retention window once a
// day.  Returns a channel the caller closes to stop the loop.
func startAuditPruner(ctx context.Context, s store.Store) chan struct{} {
	done := make(chan struct{})
	retention := time.Duration(config.VConfig.GetInt(config.AuditRetentionDays)) * 24 * time.Hour

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := s.Audit().Prune(ctx, time.Now().UTC().Add(-retention))
				if err != nil {
					logger.Errorf(agent, "prune", "audit prune failed: %+v", err)
				} else if n > 0 {
					logger.Infof(agent, "prune", "pruned %d audit entries", n)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return done
}
