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

// Package zksession owns a ZooKeeper client session for the duration of a
// load: connect with a bounded wait, attach credentials, serve list and fetch
// calls to the crawler, and forward client events to a watch bridge.
package zksession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/cardinalhq/zkconfig/internal/watchbridge"
)

const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultSessionTimeout = 10 * time.Second
)

var (
	ErrNoServers       = errors.New("no servers in connection string")
	ErrConnectTimeout  = errors.New("timed out waiting for session")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrSessionExpired  = errors.New("session expired")
	ErrConnectionEnded = errors.New("client closed before a session was established")
)

// ConnectionError reports a session that could not be established or
// authenticated. It is fatal for the load that hit it, not for the process.
type ConnectionError struct {
	Servers []string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("zookeeper %s: %v", strings.Join(e.Servers, ","), e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Config describes how to open a session.
type Config struct {
	Servers        []string
	ConnectTimeout time.Duration
	SessionTimeout time.Duration
	AuthScheme     string
	AuthCredential string

	// Watch makes every list and fetch leave a watch on the node.
	Watch bool
	// OnEvent receives every client event on the client's event goroutine.
	// It must not block.
	OnEvent func(watchbridge.Event)

	Logger *slog.Logger
}

// conn is the part of *zk.Conn a session uses.
type conn interface {
	AddAuth(scheme string, auth []byte) error
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Close()
}

type dialer func(servers []string, sessionTimeout time.Duration, logger zk.Logger, cb zk.EventCallback) (conn, <-chan zk.Event, error)

func dialZooKeeper(servers []string, sessionTimeout time.Duration, logger zk.Logger, cb zk.EventCallback) (conn, <-chan zk.Event, error) {
	c, events, err := zk.Connect(servers, sessionTimeout,
		zk.WithLogger(logger),
		zk.WithEventCallback(cb),
	)
	if err != nil {
		return nil, nil, err
	}
	return c, events, nil
}

// Session is an established, optionally authenticated client session.
// It is safe for concurrent use.
type Session struct {
	cfg       Config
	conn      conn
	logger    *slog.Logger
	closeOnce sync.Once

	// armed holds the watches the server still owes us an event for. The
	// client keeps one channel per watching call until the watch fires, so
	// re-arming an armed watch on every reload would grow without bound.
	armedMu sync.Mutex
	armed   map[watchKey]struct{}
}

type watchKind uint8

const (
	childWatch watchKind = iota
	dataWatch
)

type watchKey struct {
	path string
	kind watchKind
}

// Open connects to the configured servers and waits up to ConnectTimeout for
// a session. Credentials are attached before Open returns.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	return open(ctx, cfg, dialZooKeeper)
}

func open(ctx context.Context, cfg Config, dial dialer) (*Session, error) {
	if len(cfg.Servers) == 0 {
		return nil, &ConnectionError{Err: ErrNoServers}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("servers", strings.Join(cfg.Servers, ",")))

	s := &Session{cfg: cfg, logger: logger, armed: map[watchKey]struct{}{}}

	c, events, err := dial(cfg.Servers, cfg.SessionTimeout, printfLogger{logger: logger}, s.handleEvent)
	if err != nil {
		return nil, &ConnectionError{Servers: cfg.Servers, Err: err}
	}
	s.conn = c

	if err := s.awaitSession(ctx, events); err != nil {
		s.Close()
		return nil, &ConnectionError{Servers: cfg.Servers, Err: err}
	}

	if cfg.AuthScheme != "" {
		if err := c.AddAuth(cfg.AuthScheme, []byte(cfg.AuthCredential)); err != nil {
			s.Close()
			return nil, &ConnectionError{
				Servers: cfg.Servers,
				Err:     fmt.Errorf("%w: scheme %s: %w", ErrAuthFailed, cfg.AuthScheme, err),
			}
		}
	}

	logger.Debug("ZooKeeper session established",
		slog.Bool("watch", cfg.Watch),
		slog.Bool("authenticated", cfg.AuthScheme != ""))
	return s, nil
}

func (s *Session) awaitSession(ctx context.Context, events <-chan zk.Event) error {
	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w after %s", ErrConnectTimeout, s.cfg.ConnectTimeout)
		case ev, ok := <-events:
			if !ok {
				return ErrConnectionEnded
			}
			switch ev.State {
			case zk.StateHasSession:
				return nil
			case zk.StateAuthFailed:
				return ErrAuthFailed
			case zk.StateExpired:
				return ErrSessionExpired
			}
		}
	}
}

// Children lists the children of path.
func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.arm(watchKey{path: path, kind: childWatch}) {
		children, _, _, err := s.conn.ChildrenW(path)
		if err != nil {
			s.disarm(watchKey{path: path, kind: childWatch})
		}
		return children, err
	}
	children, _, err := s.conn.Children(path)
	return children, err
}

// Data fetches the payload stored at path.
func (s *Session) Data(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.arm(watchKey{path: path, kind: dataWatch}) {
		data, _, _, err := s.conn.GetW(path)
		if err != nil {
			s.disarm(watchKey{path: path, kind: dataWatch})
		}
		return data, err
	}
	data, _, err := s.conn.Get(path)
	return data, err
}

// arm reports whether the caller should issue the watching variant of a
// call, marking the watch armed if so. The mark is taken before the call so
// an event racing the response cannot leave a fired watch marked.
func (s *Session) arm(key watchKey) bool {
	if !s.cfg.Watch {
		return false
	}
	s.armedMu.Lock()
	defer s.armedMu.Unlock()
	if _, ok := s.armed[key]; ok {
		return false
	}
	s.armed[key] = struct{}{}
	return true
}

func (s *Session) disarm(keys ...watchKey) {
	s.armedMu.Lock()
	defer s.armedMu.Unlock()
	for _, key := range keys {
		delete(s.armed, key)
	}
}

// armedWatches is the number of watches currently outstanding.
func (s *Session) armedWatches() int {
	s.armedMu.Lock()
	defer s.armedMu.Unlock()
	return len(s.armed)
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// handleEvent runs on the client's receive goroutine before the client fires
// its watch channels, so a fired watch is disarmed before any reload it
// triggers can observe it.
func (s *Session) handleEvent(ev zk.Event) {
	if ev.Path != "" {
		child := watchKey{path: ev.Path, kind: childWatch}
		data := watchKey{path: ev.Path, kind: dataWatch}
		switch ev.Type {
		case zk.EventNodeDataChanged:
			s.disarm(data)
		case zk.EventNodeChildrenChanged:
			s.disarm(child)
		case zk.EventNodeDeleted, zk.EventNotWatching:
			s.disarm(child, data)
		}
	}
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(translate(ev))
	}
}

func translate(ev zk.Event) watchbridge.Event {
	out := watchbridge.Event{Path: ev.Path}
	switch ev.Type {
	case zk.EventNodeCreated:
		out.Type = watchbridge.EventNodeCreated
	case zk.EventNodeDeleted:
		out.Type = watchbridge.EventNodeDeleted
	case zk.EventNodeDataChanged:
		out.Type = watchbridge.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		out.Type = watchbridge.EventNodeChildrenChanged
	case zk.EventSession:
		out.Type = watchbridge.EventSession
	case zk.EventNotWatching:
		out.Type = watchbridge.EventNotWatching
	}
	switch ev.State {
	case zk.StateConnecting:
		out.State = watchbridge.StateConnecting
	case zk.StateConnected, zk.StateSyncConnected, zk.StateConnectedReadOnly:
		out.State = watchbridge.StateConnected
	case zk.StateHasSession:
		out.State = watchbridge.StateHasSession
	case zk.StateDisconnected:
		out.State = watchbridge.StateDisconnected
	case zk.StateExpired:
		out.State = watchbridge.StateExpired
	case zk.StateAuthFailed:
		out.State = watchbridge.StateAuthFailed
	}
	return out
}

// printfLogger routes the client's own logging into slog.
type printfLogger struct {
	logger *slog.Logger
}

func (l printfLogger) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "zk"))
}
