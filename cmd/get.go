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
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cardinalhq/zkconfig/zksource"
)

var (
	errKeyNotFound = errors.New("key not found")
	errNotALeaf    = errors.New("key has children and no value")
)

func init() {
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Load the subtree once and print one value",
		Long: `Load the subtree once and print the value of KEY. KEY uses ":" between
segments, for example db:host. Lookups are case insensitive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			servicename := "zkconfig-get"
			addlAttrs := attribute.NewSet(
				attribute.String("signal", "config"),
				attribute.String("action", "get"),
			)
			doneCtx, doneFx, err := setupTelemetry(servicename, os.Stderr, &addlAttrs)
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
			if err := src.Load(doneCtx); err != nil {
				return err
			}
			value, err := lookup(src.All(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.OutOrStdout(), value)
			return err
		},
	}

	rootCmd.AddCommand(cmd)
}

// lookup tries an exact match first, then a case insensitive one through viper.
func lookup(data map[string]string, key string) (string, error) {
	if value, ok := data[key]; ok {
		return value, nil
	}
	v, err := zksource.NewViper(data)
	if err != nil {
		return "", err
	}
	switch v.Get(key).(type) {
	case nil:
		return "", fmt.Errorf("%w: %s", errKeyNotFound, key)
	case map[string]any:
		return "", fmt.Errorf("%w: %s", errNotALeaf, key)
	}
	return v.GetString(key), nil
}
