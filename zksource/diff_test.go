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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	prev := map[string]string{
		"db:host": "localhost",
		"db:port": "5432",
		"name":    "app",
	}
	next := map[string]string{
		"db:host":   "db.internal",
		"db:port":   "5432",
		"cache:ttl": "30s",
		"b":         "",
	}

	c := Diff(prev, next)
	assert.Equal(t, []string{"b", "cache:ttl"}, c.Added)
	assert.Equal(t, []string{"name"}, c.Removed)
	assert.Equal(t, []string{"db:host"}, c.Modified)
	assert.False(t, c.Empty())
}

func TestDiff_Identical(t *testing.T) {
	m := map[string]string{"a": "1", "b:c": "2"}
	c := Diff(m, map[string]string{"b:c": "2", "a": "1"})
	assert.True(t, c.Empty())
	assert.Nil(t, c.Added)
	assert.Nil(t, c.Removed)
	assert.Nil(t, c.Modified)
}

func TestDiff_Nil(t *testing.T) {
	c := Diff(nil, map[string]string{"a": "1"})
	assert.Equal(t, []string{"a"}, c.Added)

	c = Diff(map[string]string{"a": "1"}, nil)
	assert.Equal(t, []string{"a"}, c.Removed)

	assert.True(t, Diff(nil, nil).Empty())
}

func TestChecksum(t *testing.T) {
	a := map[string]string{"x": "1", "y": "2"}
	b := map[string]string{"y": "2", "x": "1"}
	assert.Equal(t, Checksum(a), Checksum(b))

	assert.NotEqual(t, Checksum(a), Checksum(map[string]string{"x": "1", "y": "3"}))
	assert.NotEqual(t, Checksum(a), Checksum(map[string]string{"x": "1"}))
	// Boundaries between key and value are part of the hash.
	assert.NotEqual(t,
		Checksum(map[string]string{"ab": "c"}),
		Checksum(map[string]string{"a": "bc"}))
	assert.Equal(t, Checksum(nil), Checksum(map[string]string{}))
}

func TestSnapshotChecksum(t *testing.T) {
	opener := &fakeOpener{ns: exampleNamespace()}
	src := newTestSource(t, testOptions("/config"), opener)
	empty := src.Snapshot().Checksum

	is := assert.New(t)
	is.NoError(src.Load(t.Context()))
	first := src.Snapshot()
	is.NotEqual(empty, first.Checksum)
	is.Equal(Checksum(first.Data), first.Checksum)

	is.NoError(src.Load(t.Context()))
	second := src.Snapshot()
	is.Equal(first.Checksum, second.Checksum)
	is.Equal(first.Version+1, second.Version)
}
