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

// Package zksource exposes a ZooKeeper subtree as flat configuration.
//
// A Source crawls every node below its root, keeps only leaves, and maps
// "/root/db/host" to the key "db:host". Each Load replaces the whole mapping
// in one atomic step; a failed Load leaves the previous mapping in place.
// Watch keeps a session open and reloads whenever the subtree changes.
package zksource

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/zkconfig/internal/crawler"
	"github.com/cardinalhq/zkconfig/internal/idgen"
	"github.com/cardinalhq/zkconfig/internal/logctx"
	"github.com/cardinalhq/zkconfig/internal/resync"
	"github.com/cardinalhq/zkconfig/internal/watchbridge"
	"github.com/cardinalhq/zkconfig/internal/zkpath"
	"github.com/cardinalhq/zkconfig/internal/zksession"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

type session interface {
	crawler.Client
	Close()
}

type sessionOpener func(ctx context.Context, cfg zksession.Config) (session, error)

func openZooKeeper(ctx context.Context, cfg zksession.Config) (session, error) {
	s, err := zksession.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot is one complete, immutable result of a load.
type Snapshot struct {
	Data     map[string]string
	Version  uint64
	LoadedAt time.Time
	// Checksum is the Checksum of Data.
	Checksum uint64
}

// Source loads and holds the flattened configuration of one subtree.
type Source struct {
	opts    Options
	servers []string
	root    string
	logger  *slog.Logger
	tracer  trace.Tracer
	open    sessionOpener

	current atomic.Pointer[Snapshot]
	loadMu  sync.Mutex

	listenersMu    sync.Mutex
	listeners      []func(*Snapshot)
	errorListeners []func(error)
	// pending holds outcomes not yet delivered. While delivering is set some
	// goroutine is draining it, so listeners never run concurrently and see
	// outcomes in the order they were published.
	pending    []outcomeEvent
	delivering bool
}

// outcomeEvent is one finished load: a snapshot on success, an error
// otherwise.
type outcomeEvent struct {
	snap *Snapshot
	err  error
}

// New validates opts and returns a Source. No connection is made until Load
// or Watch is called.
func New(opts Options, options ...Option) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	servers, chroot := zkpath.SplitChroot(opts.ConnectionString)
	s := &Source{
		opts:    opts,
		servers: servers,
		root:    zkpath.Join(chroot, opts.Path),
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		open:    openZooKeeper,
	}
	for _, o := range options {
		o.apply(s)
	}
	s.logger = s.logger.With(slog.String("root", s.root))
	empty := map[string]string{}
	s.current.Store(&Snapshot{Data: empty, Checksum: Checksum(empty)})
	live.add(s)
	return s, nil
}

// Close stops reporting this source's metrics. The snapshot stays readable.
// It is safe to call more than once.
func (s *Source) Close() {
	live.remove(s)
}

// Root returns the absolute traversal root, including any chroot.
func (s *Source) Root() string {
	return s.root
}

// Load opens a session, crawls the subtree and publishes the result.
// The session is closed before Load returns.
func (s *Source) Load(ctx context.Context) error {
	ctx, span := s.startLoad(ctx)
	defer span.End()

	sess, err := s.openSession(ctx, s.sessionConfig(false, nil))
	if err != nil {
		s.loadFailed(ctx, "Failed to open ZooKeeper session", 0, err)
		s.notify(outcomeEvent{err: err})
		return err
	}
	defer sess.Close()

	return s.loadWith(ctx, sess)
}

// startLoad gives one load its own id, carried by the logger in ctx and by
// the span.
func (s *Source) startLoad(ctx context.Context) (context.Context, trace.Span) {
	loadID := idgen.NextString()
	ctx = logctx.WithLogger(ctx, s.logger)
	ctx = logctx.With(ctx, slog.String("loadID", loadID))
	return s.tracer.Start(ctx, "zkconfig.load", trace.WithAttributes(
		attribute.String("root", s.root),
		attribute.String("load_id", loadID),
	))
}

func (s *Source) openSession(ctx context.Context, cfg zksession.Config) (session, error) {
	ctx, span := s.tracer.Start(ctx, "zkconfig.session.open", trace.WithAttributes(
		attribute.StringSlice("servers", s.servers),
		attribute.Bool("watch", cfg.Watch),
	))
	defer span.End()

	sess, err := s.open(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session not established")
		return nil, err
	}
	return sess, nil
}

// loadWith crawls through client and publishes the result. The crawl, the
// swap and queueing the outcome happen under loadMu, so listeners see loads
// in the order they finished. Listeners run after loadMu is released and may
// start another load.
func (s *Source) loadWith(ctx context.Context, client crawler.Client) error {
	logger := logctx.FromContext(ctx)

	s.loadMu.Lock()
	result, stats, err := crawler.CrawlWithStats(ctx, client, s.root,
		crawler.WithMaxInFlight(s.opts.MaxInFlight),
		crawler.WithLogger(logger))
	var prev, snap *Snapshot
	if err == nil {
		prev, snap = s.publish(result)
		s.enqueue(outcomeEvent{snap: snap})
	} else {
		s.enqueue(outcomeEvent{err: err})
	}
	s.loadMu.Unlock()

	if err != nil {
		s.loadFailed(ctx, "Configuration load failed, keeping previous snapshot", stats.Duration, err)
		s.deliver()
		return err
	}

	recordLoad(ctx, s.root, stats.Duration, nil)
	changed := snap.Checksum != prev.Checksum
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("outcome", outcome(nil)),
		attribute.Int("keys", len(snap.Data)),
		attribute.Int64("version", int64(snap.Version)),
		attribute.Bool("changed", changed),
		attribute.Int("interior", stats.Interior),
		attribute.Int("leaves", stats.Leaves),
	)
	span.SetStatus(codes.Ok, "")
	logger.Info("Configuration loaded",
		slog.Int("keys", len(snap.Data)),
		slog.Uint64("version", snap.Version),
		slog.Bool("changed", changed),
		slog.Duration("duration", stats.Duration))

	s.deliver()
	return nil
}

// loadFailed records a load that published nothing. Listeners are told
// separately.
func (s *Source) loadFailed(ctx context.Context, msg string, d time.Duration, err error) {
	recordLoad(ctx, s.root, d, err)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("outcome", outcome(err)))
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome(err))
	logctx.FromContext(ctx).Error(msg, slog.Any("error", err))
}

// publish stores the next snapshot. Callers hold loadMu.
func (s *Source) publish(result crawler.Result) (prev, snap *Snapshot) {
	prev = s.current.Load()
	snap = &Snapshot{
		Data:     result,
		Version:  prev.Version + 1,
		LoadedAt: time.Now(),
		Checksum: Checksum(result),
	}
	s.current.Store(snap)
	return prev, snap
}

func (s *Source) notify(ev outcomeEvent) {
	s.enqueue(ev)
	s.deliver()
}

func (s *Source) enqueue(ev outcomeEvent) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.pending = append(s.pending, ev)
}

// deliver runs listeners for everything queued, unless another goroutine is
// already doing so. An outcome queued from inside a listener is delivered
// after that listener returns.
func (s *Source) deliver() {
	s.listenersMu.Lock()
	if s.delivering {
		s.listenersMu.Unlock()
		return
	}
	s.delivering = true
	s.listenersMu.Unlock()

	drained := false
	defer func() {
		if !drained {
			// A listener panicked; the next deliver picks up the rest.
			s.listenersMu.Lock()
			s.delivering = false
			s.listenersMu.Unlock()
		}
	}()

	for {
		s.listenersMu.Lock()
		if len(s.pending) == 0 {
			s.delivering = false
			s.listenersMu.Unlock()
			drained = true
			return
		}
		next := s.pending[0]
		s.pending[0] = outcomeEvent{}
		s.pending = s.pending[1:]
		changeFns := slices.Clone(s.listeners)
		errorFns := slices.Clone(s.errorListeners)
		s.listenersMu.Unlock()

		if next.err != nil {
			for _, fn := range errorFns {
				fn(next.err)
			}
			continue
		}
		for _, fn := range changeFns {
			fn(next.snap)
		}
	}
}

// OnError registers fn to run after every failed load, including failures to
// open a session.
func (s *Source) OnError(fn func(error)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.errorListeners = append(s.errorListeners, fn)
}

// OnChange registers fn to run after every successful load. fn must not
// modify the snapshot. Listeners run one at a time, in publish order, and
// may call Load.
func (s *Source) OnChange(fn func(*Snapshot)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns the most recently published snapshot. Version 0 means
// nothing has been loaded yet.
func (s *Source) Snapshot() *Snapshot {
	return s.current.Load()
}

// Get returns the value for a flat key.
func (s *Source) Get(key string) (string, bool) {
	v, ok := s.current.Load().Data[key]
	return v, ok
}

// All returns a copy of the current mapping.
func (s *Source) All() map[string]string {
	return maps.Clone(s.current.Load().Data)
}

// Keys returns the current keys in sorted order.
func (s *Source) Keys() []string {
	return slices.Sorted(maps.Keys(s.current.Load().Data))
}

// Watch loads the subtree and then reloads it whenever it changes, until ctx
// is done. Sessions that expire or fail are reopened with backoff. Load
// failures never stop the watch.
func (s *Source) Watch(ctx context.Context) error {
	ctx = logctx.WithLogger(ctx, s.logger)
	delay := minReconnectDelay
	for {
		err := s.watchSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, zksession.ErrSessionExpired) {
			delay = minReconnectDelay
		}

		s.logger.Warn("Watch session ended, reconnecting",
			slog.Any("error", err),
			slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// watchSession runs one session: an initial load, then a reload per change.
// It returns when the session expires or ctx is done.
func (s *Source) watchSession(ctx context.Context) error {
	var sess session
	var bridge *watchbridge.Bridge
	bridge = watchbridge.New(func(ctx context.Context) error {
		err := s.reload(ctx, sess)
		if err != nil && ctx.Err() == nil {
			// A failed reload may have left some watches unarmed.
			time.AfterFunc(s.retryDelay(), bridge.Request)
		}
		return err
	},
		watchbridge.WithDebounce(s.opts.Debounce),
		watchbridge.WithLogger(s.logger))

	loadCtx, span := s.startLoad(ctx)
	sess, err := s.openSession(loadCtx, s.sessionConfig(true, bridge.Notify))
	if err != nil {
		s.loadFailed(loadCtx, "Failed to open ZooKeeper session", 0, err)
		s.notify(outcomeEvent{err: err})
		span.End()
		return err
	}
	defer sess.Close()

	err = s.loadWith(loadCtx, sess)
	span.End()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- bridge.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	stopResync := resync.New(bridge.Request, s.opts.ResyncInterval, s.logger).Start(runCtx)
	defer stopResync()

	select {
	case <-ctx.Done():
		return nil
	case <-bridge.Expired():
		return zksession.ErrSessionExpired
	}
}

// reload is one load through an already open session.
func (s *Source) reload(ctx context.Context, client crawler.Client) error {
	ctx, span := s.startLoad(ctx)
	defer span.End()
	return s.loadWith(ctx, client)
}

func (s *Source) retryDelay() time.Duration {
	return max(s.opts.Debounce, minReconnectDelay)
}

func (s *Source) sessionConfig(watch bool, onEvent func(watchbridge.Event)) zksession.Config {
	return zksession.Config{
		Servers:        s.servers,
		ConnectTimeout: s.opts.ConnectTimeout,
		SessionTimeout: s.opts.SessionTimeout,
		AuthScheme:     s.opts.AuthScheme,
		AuthCredential: s.opts.AuthCredential,
		Watch:          watch,
		OnEvent:        onEvent,
		Logger:         s.logger,
	}
}
