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
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/zkconfig/config"
	"github.com/cardinalhq/zkconfig/zksource"
)

var (
	cfg *config.Config

	flagConnection     string
	flagPath           string
	flagAuthScheme     string
	flagAuth           string
	flagConnectTimeout time.Duration
	flagMaxInFlight    int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "zkconfig",
	Short: "Read configuration stored in a ZooKeeper subtree",
	Long: `Read a ZooKeeper subtree as flat configuration. Every leaf below the root
becomes one key, with "/" replaced by ":", so /config/db/host is db:host.`,
	SilenceUsage: true,
	PersistentPreRunE: func(c *cobra.Command, _ []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyFlags(c, &loaded.ZooKeeper)
		cfg = loaded
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConnection, "connection", "", "ZooKeeper connection string, host:port[,host:port...][/chroot]")
	pf.StringVar(&flagPath, "path", "/", "Root of the configuration subtree")
	pf.StringVar(&flagAuthScheme, "auth-scheme", "", "Authentication scheme, such as digest")
	pf.StringVar(&flagAuth, "auth", "", "Authentication credential for --auth-scheme")
	pf.DurationVar(&flagConnectTimeout, "connect-timeout", zksource.DefaultOptions().ConnectTimeout, "How long to wait for a session")
	pf.IntVar(&flagMaxInFlight, "max-in-flight", zksource.DefaultMaxInFlight, "Maximum concurrent requests per load, 0 for no limit")
}

// applyFlags overrides file and environment settings with flags given on the
// command line.
func applyFlags(c *cobra.Command, opts *zksource.Options) {
	flags := c.Flags()
	if flags.Changed("connection") {
		opts.ConnectionString = flagConnection
	}
	if flags.Changed("path") {
		opts.Path = flagPath
	}
	if flags.Changed("auth-scheme") {
		opts.AuthScheme = flagAuthScheme
	}
	if flags.Changed("auth") {
		opts.AuthCredential = flagAuth
	}
	if flags.Changed("connect-timeout") {
		opts.ConnectTimeout = flagConnectTimeout
	}
	if flags.Changed("max-in-flight") {
		opts.MaxInFlight = flagMaxInFlight
	}
}

func newSource() (*zksource.Source, error) {
	return zksource.New(cfg.ZooKeeper, zksource.WithLogger(slog.Default()))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
