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

package zksource

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/zkconfig/internal/zkpath"
	"github.com/cardinalhq/zkconfig/internal/zksession"
)

const (
	DefaultMaxInFlight = 64
	DefaultDebounce    = 250 * time.Millisecond
)

// Options describes where configuration lives and how to reach it.
// The mapstructure tags let the struct be filled by viper.
type Options struct {
	// ConnectionString is "host:port[,host:port...][/chroot]".
	ConnectionString string `mapstructure:"connection_string"`
	// Path is the traversal root. Keys are relative to it.
	Path string `mapstructure:"path"`

	AuthScheme     string `mapstructure:"auth_scheme"`
	AuthCredential string `mapstructure:"auth_credential"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`

	// MaxInFlight caps outstanding RPCs per load. Zero means unbounded.
	MaxInFlight int `mapstructure:"max_in_flight"`
	// Debounce folds bursts of change notifications into one reload.
	Debounce time.Duration `mapstructure:"debounce"`
	// ResyncInterval forces a full reload this often while watching, even
	// without notifications. Zero disables it.
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

// DefaultOptions returns Options for the namespace root with the default limits.
// ConnectionString is left empty and must be set.
func DefaultOptions() Options {
	return Options{
		Path:           zkpath.Root,
		ConnectTimeout: zksession.DefaultConnectTimeout,
		SessionTimeout: zksession.DefaultSessionTimeout,
		MaxInFlight:    DefaultMaxInFlight,
		Debounce:       DefaultDebounce,
	}
}

// Validate checks o and returns an *ArgumentError listing every problem.
func (o Options) Validate() error {
	var errs *multierror.Error

	servers, _ := zkpath.SplitChroot(o.ConnectionString)
	if len(servers) == 0 {
		errs = multierror.Append(errs, ErrMissingConnectionString)
	}

	if err := validatePath(o.Path); err != nil {
		errs = multierror.Append(errs, err)
	}

	if (o.AuthScheme == "") != (o.AuthCredential == "") {
		errs = multierror.Append(errs, ErrIncompleteAuth)
	}

	for _, setting := range []struct {
		name  string
		value int64
	}{
		{"connect_timeout", int64(o.ConnectTimeout)},
		{"session_timeout", int64(o.SessionTimeout)},
		{"max_in_flight", int64(o.MaxInFlight)},
		{"debounce", int64(o.Debounce)},
		{"resync_interval", int64(o.ResyncInterval)},
	} {
		if setting.value < 0 {
			errs = multierror.Append(errs, fmt.Errorf("%w: %s", ErrNegativeSetting, setting.name))
		}
	}

	if errs == nil {
		return nil
	}
	errs.ErrorFormat = listFormat
	return &ArgumentError{Err: errs}
}

// validatePath accepts "" (the namespace root) or an absolute path whose
// segments are non-empty and are not "." or "..". A trailing slash is allowed.
func validatePath(path string) error {
	if path == "" || path == zkpath.Root {
		return nil
	}
	if !strings.HasPrefix(path, zkpath.Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	trimmed := strings.TrimSuffix(path[1:], zkpath.Separator)
	for seg := range strings.SplitSeq(trimmed, zkpath.Separator) {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// Option customises a Source beyond its Options.
type Option interface {
	apply(s *Source)
}

type loggerOption struct {
	logger *slog.Logger
}

func (o *loggerOption) apply(s *Source) {
	if o.logger != nil {
		s.logger = o.logger
	}
}

// WithLogger sets the logger for loads and watch events.
// Without this option slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return &loggerOption{logger: logger}
}

type tracerOption struct {
	provider trace.TracerProvider
}

func (o *tracerOption) apply(s *Source) {
	if o.provider != nil {
		s.tracer = o.provider.Tracer(tracerName)
	}
}

// WithTracerProvider sets where load spans are sent.
// Without this option the global provider is used.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return &tracerOption{provider: provider}
}

type openerOption struct {
	open sessionOpener
}

func (o *openerOption) apply(s *Source) {
	s.open = o.open
}

func withOpener(open sessionOpener) Option {
	return &openerOption{open: open}
}
