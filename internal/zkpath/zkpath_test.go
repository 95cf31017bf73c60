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

package zkpath

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"/config", "/config"},
		{"/config/", "/config"},
		{"config", "/config"},
		{" /config/app/ ", "/config/app"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestChild(t *testing.T) {
	assert.Equal(t, "/foo", Child("/", "foo"))
	assert.Equal(t, "/foo", Child("", "foo"))
	assert.Equal(t, "/config/foo", Child("/config", "foo"))
	assert.Equal(t, "/config/db/host", Child(Child("/config", "db"), "host"))
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/config", Join("/", "/config"))
	assert.Equal(t, "/app", Join("/app", "/"))
	assert.Equal(t, "/app/config", Join("/app", "/config"))
	assert.Equal(t, "/app/config", Join("app/", "config/"))
}

func TestFlatten(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		full    string
		want    string
		wantErr error
	}{
		{"direct child", "/config", "/config/foo", "foo", nil},
		{"nested", "/config", "/config/db/host", "db:host", nil},
		{"deeply nested", "/config", "/config/a/b/c/d", "a:b:c:d", nil},
		{"namespace root", "/", "/db/port", "db:port", nil},
		{"empty root", "", "/db/port", "db:port", nil},
		{"root with trailing slash", "/config/", "/config/foo", "foo", nil},
		{"root equals path", "/config", "/config", "", ErrRootKey},
		{"namespace root equals path", "/", "/", "", ErrRootKey},
		{"sibling prefix", "/config", "/configuration/foo", "", ErrOutsideRoot},
		{"unrelated", "/config", "/other/foo", "", ErrOutsideRoot},
		{"relative path under namespace root", "/", "foo", "", ErrOutsideRoot},
		{"root segment repeated below", "/config", "/config/config/x", "config:x", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Flatten(tt.root, tt.full)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlatten_Deterministic(t *testing.T) {
	paths := []string{"/config/foo", "/config/db/host", "/config/db/port", "/config/a/b/c"}
	for _, p := range paths {
		first, err := Flatten("/config", p)
		require.NoError(t, err)
		second, err := Flatten("/config", p)
		require.NoError(t, err)
		assert.Equal(t, first, second, p)
	}
}

func TestFlatten_Injective(t *testing.T) {
	seen := map[string]string{}
	for i := range 5 {
		for j := range 5 {
			for _, p := range []string{
				fmt.Sprintf("/config/n%d", i),
				fmt.Sprintf("/config/n%d/m%d", i, j),
				fmt.Sprintf("/config/n%d/m%d/leaf", i, j),
			} {
				key, err := Flatten("/config", p)
				require.NoError(t, err)
				if prev, ok := seen[key]; ok {
					assert.Equal(t, prev, p, "key %q produced by two paths", key)
				}
				seen[key] = p
			}
		}
	}
	assert.Len(t, seen, 5+25+25)
}

func TestSplitChroot(t *testing.T) {
	tests := []struct {
		in          string
		wantServers []string
		wantChroot  string
	}{
		{"localhost:2181", []string{"localhost:2181"}, "/"},
		{"a:2181,b:2181", []string{"a:2181", "b:2181"}, "/"},
		{"a:2181, b:2181 ,", []string{"a:2181", "b:2181"}, "/"},
		{"a:2181,b:2181/app", []string{"a:2181", "b:2181"}, "/app"},
		{"a:2181/app/env/", []string{"a:2181"}, "/app/env"},
		{"", nil, "/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			servers, chroot := SplitChroot(tt.in)
			assert.Equal(t, tt.wantServers, servers)
			assert.Equal(t, tt.wantChroot, chroot)
		})
	}
}
