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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/zkconfig/zksource"
)

const (
	formatYAML = "yaml"
	formatJSON = "json"
	formatEnv  = "env"
	formatFlat = "flat"
)

var dumpFormats = []string{formatYAML, formatJSON, formatEnv, formatFlat}

func init() {
	var format string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Load the subtree once and print every key",
		Args:  cobra.NoArgs,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			if !slices.Contains(dumpFormats, format) {
				return fmt.Errorf("unknown format %q, want one of %s", format, strings.Join(dumpFormats, ", "))
			}
			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return runDump(c.OutOrStdout(), format)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatYAML, "Output format: "+strings.Join(dumpFormats, ", "))

	rootCmd.AddCommand(cmd)
}

func runDump(out io.Writer, format string) error {
	servicename := "zkconfig-dump"
	addlAttrs := attribute.NewSet(
		attribute.String("signal", "config"),
		attribute.String("action", "dump"),
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
	return writeConfig(out, src.All(), format)
}

// writeConfig prints data in the requested format, keys sorted.
func writeConfig(w io.Writer, data map[string]string, format string) error {
	switch format {
	case formatYAML:
		nested, err := zksource.Nested(data)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(nested); err != nil {
			return err
		}
		return enc.Close()
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case formatEnv:
		for _, key := range slices.Sorted(maps.Keys(data)) {
			if _, err := fmt.Fprintf(w, "%s=%s\n", envName(key), shellQuote(data[key])); err != nil {
				return err
			}
		}
		return nil
	case formatFlat:
		for _, key := range slices.Sorted(maps.Keys(data)) {
			if _, err := fmt.Fprintf(w, "%s=%s\n", key, data[key]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// envName turns "db:host" into "DB__HOST". Characters that are not valid in
// an environment variable name become "_".
func envName(key string) string {
	var b strings.Builder
	for _, r := range strings.ReplaceAll(key, ":", "__") {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
