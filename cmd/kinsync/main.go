package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/solvberg/kinsync/pkg/config"
	"github.com/solvberg/kinsync/pkg/engine"
	"github.com/solvberg/kinsync/pkg/logging"
	"github.com/solvberg/kinsync/pkg/pubsub"
	"github.com/solvberg/kinsync/pkg/report"
	"github.com/solvberg/kinsync/pkg/vault"
	"github.com/solvberg/kinsync/pkg/web"
)

func main() {
	flags := pflag.NewFlagSet("kinsync", pflag.ExitOnError)
	flags.String("vault", ".", "Path to the vault root directory")
	flags.Bool("watch", false, "Keep running and sync documents as they change")
	flags.Bool("web", false, "Serve the HTTP API and event stream")
	flags.Int("port", 8080, "Port for the web server (only used with --web)")
	flags.Int("edit-debounce-ms", 1000, "Quiet period after an edit before syncing")
	flags.Int("nav-debounce-ms", 250, "Quiet period after opening a document before syncing")
	flags.Int("check-delay-ms", 2000, "Delay before a scheduled consistency pass runs")
	flags.Bool("verbose", false, "Enable debug logging")
	flags.Bool("json-logs", false, "Emit logs as JSON")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	if cfg.JSONLogs {
		logging.SetJSONOutput(level)
	} else {
		logging.SetLevel(level)
	}

	v, err := vault.Open(cfg.Vault)
	if err != nil {
		logging.Fatal("failed to open vault", "error", err)
	}

	var bus *pubsub.Bus
	if cfg.WebMode {
		bus = pubsub.NewBus()
		defer bus.Close()
	}

	opts := engine.Options{
		EditWindow:  cfg.EditWindow(),
		NavWindow:   cfg.NavWindow(),
		CheckWindow: cfg.CheckWindow(),
	}
	if bus != nil {
		opts.Publisher = bus
	}
	e := engine.New(v, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Bootstrap(ctx); err != nil {
		logging.Fatal("bootstrap failed", "error", err)
	}

	if cfg.WebMode {
		server := web.NewServer(e, bus)
		go func() {
			if err := server.Start(cfg.Port); err != nil {
				logging.Fatal("web server failed", "error", err)
			}
		}()
	}

	if !cfg.Watch {
		if err := runOnce(ctx, e, v); err != nil {
			logging.Fatal("sync failed", "error", err)
		}
		if cfg.WebMode {
			// Keep serving the synced snapshot until interrupted.
			<-ctx.Done()
		}
		return
	}

	runWatch(ctx, e, v)
}

// runOnce syncs the whole vault, repairs reciprocals, and prints the report.
func runOnce(ctx context.Context, e *engine.Engine, v *vault.Vault) error {
	if err := e.SyncAll(ctx); err != nil {
		return err
	}
	repaired, wrote, err := e.RunConsistencyPass()
	if err != nil {
		return err
	}

	docs, err := v.ListDocuments()
	if err != nil {
		return err
	}
	contacts, edges := e.Stats()
	placeholders := 0
	for _, n := range e.Contacts() {
		if n.Ref.IsPlaceholder() {
			placeholders++
		}
	}

	report.PrintSyncReport(v.Root(), report.Summary{
		Documents:    len(docs),
		Contacts:     contacts,
		Edges:        edges,
		Groups:       len(e.Components()),
		Placeholders: placeholders,
		Repaired:     repaired,
		Wrote:        wrote,
		Issues:       e.IssueCounts(),
	})
	return nil
}

// runWatch syncs the vault once, then keeps it consistent as documents change
// until the context is cancelled.
func runWatch(ctx context.Context, e *engine.Engine, v *vault.Vault) {
	if err := e.SyncAll(ctx); err != nil {
		logging.Fatal("initial sync failed", "error", err)
	}
	if _, _, err := e.RunConsistencyPass(); err != nil {
		logging.Fatal("initial consistency pass failed", "error", err)
	}

	e.Start(ctx)

	watcher, err := vault.NewWatcher(v)
	if err != nil {
		logging.Fatal("failed to create watcher", "error", err)
	}
	if err := watcher.Start(ctx); err != nil {
		logging.Fatal("failed to start watcher", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			e.Close(shutdownCtx)
			cancel()
			logging.Info("shut down")
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			e.HandleEvent(ev)
		}
	}
}
