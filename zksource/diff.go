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
	"encoding/binary"
	"maps"
	"slices"

	"github.com/cespare/xxhash/v2"
	mapset "github.com/deckarep/golang-set/v2"
)

// Changes lists the keys that differ between two mappings, each sorted.
type Changes struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether the two mappings were identical.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// Diff compares two flattened mappings. Either may be nil.
func Diff(prev, next map[string]string) Changes {
	before := mapset.NewThreadUnsafeSet(slices.Collect(maps.Keys(prev))...)
	after := mapset.NewThreadUnsafeSet(slices.Collect(maps.Keys(next))...)

	var modified []string
	for key := range before.Intersect(after).Iter() {
		if prev[key] != next[key] {
			modified = append(modified, key)
		}
	}

	slices.Sort(modified)

	return Changes{
		Added:    sorted(after.Difference(before)),
		Removed:  sorted(before.Difference(after)),
		Modified: modified,
	}
}

func sorted(s mapset.Set[string]) []string {
	if s.Cardinality() == 0 {
		return nil
	}
	out := s.ToSlice()
	slices.Sort(out)
	return out
}

// Checksum hashes a mapping independently of iteration order. Equal mappings
// always have equal checksums.
func Checksum(data map[string]string) uint64 {
	h := xxhash.New()
	var n [8]byte
	write := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		_, _ = h.Write(n[:])
		_, _ = h.WriteString(s)
	}
	for _, key := range slices.Sorted(maps.Keys(data)) {
		write(key)
		write(data[key])
	}
	return h.Sum64()
}
