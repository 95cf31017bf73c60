// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cardinalhq/zkconfig/internal/healthcheck"
	"github.com/cardinalhq/zkconfig/zksource"
)

func init() {
	var (
		healthPort     int
		format         string
		resyncInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the subtree loaded and reload it whenever it changes",
		Args:  cobra.NoArgs,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			if format != "" && !slices.Contains(dumpFormats, format) {
				return fmt.Errorf("unknown format %q, want one of %s", format, strings.Join(dumpFormats, ", "))
			}
			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			if c.Flags().Changed("health-port") {
				cfg.Health.Port = healthPort
			}
			if c.Flags().Changed("resync-interval") {
				cfg.ZooKeeper.ResyncInterval = resyncInterval
			}
			return runWatch(c.OutOrStdout(), format)
		},
	}
	cmd.Flags().IntVar(&healthPort, "health-port", healthcheck.DefaultPort, "Port for /healthz, /readyz and /livez, 0 to disable")
	cmd.Flags().DurationVar(&resyncInterval, "resync-interval", 0, "Reload this often even without change notifications, 0 to disable")
	cmd.Flags().StringVar(&format, "format", "", "Print the full configuration after every reload: "+strings.Join(dumpFormats, ", "))

	rootCmd.AddCommand(cmd)
}

func runWatch(out io.Writer, format string) error {
	servicename := "zkconfig-watch"
	addlAttrs := attribute.NewSet(
		attribute.String("signal", "config"),
		attribute.String("action", "watch"),
	)
	logOut := io.Writer(os.Stdout)
	if format != "" {
		logOut = os.Stderr
	}
	doneCtx, doneFx, err := setupTelemetry(servicename, logOut, &addlAttrs)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := doneFx(); err != nil {
			slog.Error("Error shutting down telemetry", slog.Any("error", err))
		}
	}()

	src, err := newSource()
	if err != nil {
		return err
	}
	defer src.Close()

	var hc *healthcheck.Server
	if cfg.Health.Port > 0 {
		hc = healthcheck.NewServer(healthcheck.Config{
			Port:  cfg.Health.Port,
			Pprof: cfg.Health.Pprof,
		})
		go func() {
			if err := hc.Start(doneCtx); err != nil {
				slog.Error("Health check server failed", slog.Any("error", err))
			}
		}()
		src.OnError(hc.RecordFailure)
	}

	src.OnChange(newChangeReporter(out, format, hc))

	onHangup(doneCtx, func() {
		slog.Info("SIGHUP received, reloading configuration")
		_ = src.Load(doneCtx)
	})

	slog.Info("Watching configuration",
		slog.String("root", src.Root()),
		slog.Int("maxInFlight", cfg.ZooKeeper.MaxInFlight),
		slog.Duration("debounce", cfg.ZooKeeper.Debounce),
		slog.Duration("resyncInterval", cfg.ZooKeeper.ResyncInterval))
	if err := src.Watch(doneCtx); err != nil && doneCtx.Err() == nil {
		return err
	}
	slog.Info("Watch stopped")
	return nil
}

// newChangeReporter returns a snapshot listener that logs what changed,
// updates the health server and optionally prints the configuration.
// Listeners run one at a time, so last needs no locking.
func newChangeReporter(out io.Writer, format string, hc *healthcheck.Server) func(*zksource.Snapshot) {
	var last map[string]string
	return func(snap *zksource.Snapshot) {
		changes := zksource.Diff(last, snap.Data)
		last = snap.Data

		if hc != nil {
			hc.RecordLoad(snap.Version, len(snap.Data), snap.LoadedAt)
		}

		if changes.Empty() && snap.Version > 1 {
			slog.Debug("Reload found no changes", slog.Uint64("version", snap.Version))
			return
		}
		slog.Info("Configuration changed",
			slog.Uint64("version", snap.Version),
			slog.Any("added", changes.Added),
			slog.Any("removed", changes.Removed),
			slog.Any("modified", changes.Modified))

		if format == "" {
			return
		}
		if err := writeConfig(out, snap.Data, format); err != nil {
			slog.Error("Failed to print configuration", slog.Any("error", err))
		}
	}
}
