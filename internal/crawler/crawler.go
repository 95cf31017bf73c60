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

// Package crawler walks a ZooKeeper subtree and returns its leaves as a flat
// key/value mapping.
//
// Every level of the tree is visited concurrently; a parent only aggregates
// once all of its children have returned. Interior nodes are structural: their
// payload is never fetched. A crawl is all-or-nothing, the first failed RPC
// cancels outstanding work and the crawl returns no result.
//
// The view is not a consistent snapshot. Writers that mutate the tree while a
// crawl is running may or may not be observed.
package crawler

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cardinalhq/zkconfig/internal/logctx"
	"github.com/cardinalhq/zkconfig/internal/zkpath"
)

// Client is the subset of a namespace session a crawl needs.
// Implementations must allow concurrent calls.
type Client interface {
	Children(ctx context.Context, path string) ([]string, error)
	Data(ctx context.Context, path string) ([]byte, error)
}

// Result maps flat keys to leaf values.
type Result map[string]string

// Stats describes a completed crawl.
type Stats struct {
	Interior int
	Leaves   int
	Duration time.Duration
}

type options struct {
	maxInFlight int
	logger      *slog.Logger
}

// Option configures a crawl.
type Option func(*options)

// WithMaxInFlight caps the number of outstanding RPCs for one crawl.
// Zero or a negative value leaves the fan-out unbounded.
func WithMaxInFlight(n int) Option {
	return func(o *options) {
		o.maxInFlight = n
	}
}

// WithLogger overrides the logger taken from the context.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

type leaf struct {
	path  string
	value string
}

type crawler struct {
	client   Client
	sem      *semaphore.Weighted
	interior atomic.Int64
}

// Crawl lists root and every node below it, fetching the data of each leaf.
func Crawl(ctx context.Context, client Client, root string, opts ...Option) (Result, error) {
	result, _, err := CrawlWithStats(ctx, client, root, opts...)
	return result, err
}

// CrawlWithStats is Crawl that also reports what was visited.
func CrawlWithStats(ctx context.Context, client Client, root string, opts ...Option) (Result, Stats, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logctx.FromContext(ctx)
	}

	root = zkpath.Normalize(root)
	c := &crawler{client: client}
	if o.maxInFlight > 0 {
		c.sem = semaphore.NewWeighted(int64(o.maxInFlight))
	}

	start := time.Now()
	leaves, err := c.visit(ctx, root, true)
	stats := Stats{
		Interior: int(c.interior.Load()),
		Leaves:   len(leaves),
		Duration: time.Since(start),
	}
	if err != nil {
		return nil, stats, err
	}

	result, err := aggregate(logger, root, leaves)
	if err != nil {
		return nil, stats, err
	}

	logger.Debug("Crawl complete",
		slog.String("root", root),
		slog.Int("interior", stats.Interior),
		slog.Int("leaves", stats.Leaves),
		slog.Duration("duration", stats.Duration))
	return result, stats, nil
}

// visit returns the leaves at or below path. The crawl root is never treated
// as a leaf, even when it has no children.
func (c *crawler) visit(ctx context.Context, path string, isRoot bool) ([]leaf, error) {
	children, err := c.children(ctx, path)
	if err != nil {
		return nil, err
	}

	if len(children) == 0 {
		if isRoot {
			return nil, nil
		}
		data, err := c.data(ctx, path)
		if err != nil {
			return nil, err
		}
		value, err := decode(path, data)
		if err != nil {
			return nil, err
		}
		return []leaf{{path: path, value: value}}, nil
	}

	c.interior.Add(1)

	// Each child writes only its own slot; the join below is the only
	// place results are combined.
	found := make([][]leaf, len(children))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range children {
		g.Go(func() error {
			leaves, err := c.visit(gctx, zkpath.Child(path, child), false)
			if err != nil {
				return err
			}
			found[i] = leaves
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := 0
	for _, f := range found {
		n += len(f)
	}
	out := make([]leaf, 0, n)
	for _, f := range found {
		out = append(out, f...)
	}
	return out, nil
}

func (c *crawler) children(ctx context.Context, path string) ([]string, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, &TraversalError{Op: OpChildren, Path: path, Err: err}
	}
	defer c.release()

	children, err := c.client.Children(ctx, path)
	if err != nil {
		return nil, &TraversalError{Op: OpChildren, Path: path, Err: err}
	}
	return children, nil
}

func (c *crawler) data(ctx context.Context, path string) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, &TraversalError{Op: OpData, Path: path, Err: err}
	}
	defer c.release()

	data, err := c.client.Data(ctx, path)
	if err != nil {
		return nil, &TraversalError{Op: OpData, Path: path, Err: err}
	}
	return data, nil
}

func (c *crawler) acquire(ctx context.Context) error {
	if c.sem == nil {
		return ctx.Err()
	}
	return c.sem.Acquire(ctx, 1)
}

func (c *crawler) release() {
	if c.sem != nil {
		c.sem.Release(1)
	}
}

// aggregate flattens leaves in path order so that, should two paths ever
// collide on a key, the outcome does not depend on goroutine scheduling.
func aggregate(logger *slog.Logger, root string, leaves []leaf) (Result, error) {
	sort.Slice(leaves, func(i, j int) bool {
		return leaves[i].path < leaves[j].path
	})

	result := make(Result, len(leaves))
	owner := make(map[string]string, len(leaves))
	for _, l := range leaves {
		key, err := zkpath.Flatten(root, l.path)
		if err != nil {
			return nil, &TraversalError{Op: OpFlatten, Path: l.path, Err: err}
		}
		if prev, ok := owner[key]; ok {
			logger.Warn("Duplicate configuration key, later path wins",
				slog.String("key", key),
				slog.String("path", l.path),
				slog.String("previousPath", prev))
		}
		owner[key] = l.path
		result[key] = l.value
	}
	return result, nil
}
