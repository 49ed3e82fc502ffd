package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	danzohttp "github.com/tanq16/danzoq/internal/downloaders/http"
	"github.com/tanq16/danzoq/internal/metrics"
	"github.com/tanq16/danzoq/internal/output"
	"github.com/tanq16/danzoq/internal/scheduler"
	"github.com/tanq16/danzoq/internal/state"
	"github.com/tanq16/danzoq/internal/utils"
)

const shutdownTimeout = 30 * time.Second

var errFailedDownloads = errors.New("encountered failed download(s)")

// runUnits queues the units built by build, runs them under the worker limit
// and persists whatever did not complete. SIGINT and SIGTERM pause the
// running units so a later resume picks them up.
func runUnits(parent context.Context, client *utils.HTTPClient, workers int, build func(opts []danzohttp.Option) []*danzohttp.Unit) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopMetrics := serveMetrics()
	defer stopMetrics()

	display := output.IsTerminal() && cfg.LogFile == ""
	if display && !cfg.Debug {
		// keep info logs from tearing the live display
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
	manager := output.NewManager()
	units := build([]danzohttp.Option{
		danzohttp.WithObserver(manager),
		danzohttp.WithHTTPClient(client),
		danzohttp.WithOverwrite(cfg.Overwrite),
	})
	if len(units) == 0 {
		output.PrintWarning("Nothing to download")
		return nil
	}

	queue := scheduler.New(workers, scheduler.OnDequeued(func(item scheduler.Queueable) {
		log.Debug().Str("item", fmt.Sprint(item)).Msg("Removed from queue")
	}))
	for _, unit := range units {
		if !unit.IsCompleted() {
			queue.Enqueue(unit)
		}
	}
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			log.Warn().Msg("Interrupt received, pausing downloads")
			queue.Stop()
		case <-finished:
		}
	}()

	if display {
		manager.StartDisplay()
	}
	queue.Run(ctx)
	close(finished)
	if display {
		manager.StopDisplay()
	} else {
		manager.ShowSummary()
	}

	store := state.NewStore(cfg.StateFile)
	if err := persist(store, units); err != nil {
		log.Error().Err(err).Str("file", store.Path()).Msg("Could not save state")
	}
	if _, failed, _, _ := manager.Summary(); failed > 0 {
		return errFailedDownloads
	}
	return nil
}

// persist merges the units into the state file. Completed units leave the
// file, everything else is kept for resume.
func persist(store *state.Store, units []*danzohttp.Unit) error {
	existing, err := store.Load()
	if err != nil {
		return err
	}
	ids := make(map[string]bool, len(units))
	for _, unit := range units {
		ids[unit.ID()] = true
	}
	snapshots := slices.DeleteFunc(existing, func(s danzohttp.Snapshot) bool { return ids[s.ID] })
	for _, unit := range units {
		if unit.IsCompleted() {
			continue
		}
		snapshots = append(snapshots, unit.Snapshot())
	}
	return store.Save(snapshots)
}

// serveMetrics exposes prometheus metrics when an address is configured and
// returns a shutdown func.
func serveMetrics() func() {
	if cfg.MetricsAddr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(ctx)
	}
}
