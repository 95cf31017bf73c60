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

package testhelpers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoNode is returned by Namespace for paths that do not exist.
var ErrNoNode = errors.New("node does not exist")

type node struct {
	data     []byte
	children map[string]*node
}

// Namespace is an in-memory ZooKeeper tree that satisfies crawler.Client.
// It records every call and can inject failures and latency.
type Namespace struct {
	mu           sync.Mutex
	root         *node
	dataErrs     map[string]error
	childrenErrs map[string]error
	delay        time.Duration

	dataCalls     []string
	childrenCalls []string

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// NewNamespace returns an empty tree containing only "/".
func NewNamespace() *Namespace {
	return &Namespace{
		root:         &node{children: map[string]*node{}},
		dataErrs:     map[string]error{},
		childrenErrs: map[string]error{},
	}
}

// Set stores value at path, creating missing parents.
func (n *Namespace) Set(path, value string) *Namespace {
	return n.SetBytes(path, []byte(value))
}

// SetBytes stores raw data at path, creating missing parents.
func (n *Namespace) SetBytes(path string, data []byte) *Namespace {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ensure(path).data = data
	return n
}

// Delete removes path and everything below it.
func (n *Namespace) Delete(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	segs := split(path)
	if len(segs) == 0 {
		return
	}
	parent := n.lookup("/" + strings.Join(segs[:len(segs)-1], "/"))
	if parent != nil {
		delete(parent.children, segs[len(segs)-1])
	}
}

// FailData makes every Data call for path return err.
func (n *Namespace) FailData(path string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dataErrs[path] = err
}

// FailChildren makes every Children call for path return err.
func (n *Namespace) FailChildren(path string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.childrenErrs[path] = err
}

// SetDelay adds latency to every call.
func (n *Namespace) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// DataCalls returns the paths passed to Data, in call order.
func (n *Namespace) DataCalls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.dataCalls...)
}

// ChildrenCalls returns the paths passed to Children, in call order.
func (n *Namespace) ChildrenCalls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.childrenCalls...)
}

// MaxInFlight is the highest number of concurrent calls observed.
func (n *Namespace) MaxInFlight() int {
	return int(n.maxInFlight.Load())
}

// Reset clears recorded calls.
func (n *Namespace) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dataCalls = nil
	n.childrenCalls = nil
	n.maxInFlight.Store(0)
}

func (n *Namespace) Children(ctx context.Context, path string) ([]string, error) {
	defer n.enter()()

	n.mu.Lock()
	n.childrenCalls = append(n.childrenCalls, path)
	err := n.childrenErrs[path]
	delay := n.delay
	n.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	nd := n.lookup(path)
	if nd == nil {
		return nil, ErrNoNode
	}
	names := make([]string, 0, len(nd.children))
	for name := range nd.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (n *Namespace) Data(ctx context.Context, path string) ([]byte, error) {
	defer n.enter()()

	n.mu.Lock()
	n.dataCalls = append(n.dataCalls, path)
	err := n.dataErrs[path]
	delay := n.delay
	n.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	nd := n.lookup(path)
	if nd == nil {
		return nil, ErrNoNode
	}
	return append([]byte(nil), nd.data...), nil
}

func (n *Namespace) enter() func() {
	cur := n.inFlight.Add(1)
	for {
		prev := n.maxInFlight.Load()
		if cur <= prev || n.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	return func() { n.inFlight.Add(-1) }
}

func (n *Namespace) ensure(path string) *node {
	cur := n.root
	for _, seg := range split(path) {
		next, ok := cur.children[seg]
		if !ok {
			next = &node{children: map[string]*node{}}
			cur.children[seg] = next
		}
		cur = next
	}
	return cur
}

func (n *Namespace) lookup(path string) *node {
	cur := n.root
	for _, seg := range split(path) {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func split(path string) []string {
	var segs []string
	for s := range strings.SplitSeq(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
