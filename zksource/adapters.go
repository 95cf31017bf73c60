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
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/viper"

	"github.com/cardinalhq/zkconfig/internal/zkpath"
)

// Nested expands flat "a:b:c" keys into nested maps, the shape koanf and
// viper expect from a provider.
func Nested(flat map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(flat))
	for _, key := range slices.Sorted(maps.Keys(flat)) {
		parts := strings.Split(key, zkpath.KeySeparator)
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p]
			if !ok {
				m := map[string]any{}
				cur[p] = m
				cur = m
				continue
			}
			m, ok := next.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrKeyConflict, key)
			}
			cur = m
		}
		last := parts[len(parts)-1]
		if _, ok := cur[last]; ok {
			return nil, fmt.Errorf("%w: %q", ErrKeyConflict, key)
		}
		cur[last] = flat[key]
	}
	return out, nil
}

// Viper returns a new viper instance, using ":" as its key delimiter, holding
// the current snapshot. Viper folds keys to lower case.
func (s *Source) Viper() (*viper.Viper, error) {
	return NewViper(s.All())
}

// NewViper returns a viper instance holding flat, keyed with ":".
func NewViper(flat map[string]string) (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(zkpath.KeySeparator))
	if err := mergeFlat(v, flat); err != nil {
		return nil, err
	}
	return v, nil
}

// MergeInto merges the current snapshot into v. v must use ":" as its key
// delimiter for keys to line up with Get.
func (s *Source) MergeInto(v *viper.Viper) error {
	return mergeFlat(v, s.All())
}

func mergeFlat(v *viper.Viper, flat map[string]string) error {
	nested, err := Nested(flat)
	if err != nil {
		return err
	}
	return v.MergeConfigMap(nested)
}

// KoanfProvider adapts a Source to koanf.Provider. Load it with a nil parser:
//
//	k := koanf.New(":")
//	err := k.Load(src.KoanfProvider(ctx), nil)
type KoanfProvider struct {
	src *Source
	ctx context.Context
}

var _ koanf.Provider = (*KoanfProvider)(nil)

// KoanfProvider returns a koanf provider whose Read performs a fresh Load.
func (s *Source) KoanfProvider(ctx context.Context) *KoanfProvider {
	return &KoanfProvider{src: s, ctx: ctx}
}

// ReadBytes is not supported; the source has no serialized form.
func (p *KoanfProvider) ReadBytes() ([]byte, error) {
	return nil, ErrReadBytesNotSupported
}

// Read loads the subtree and returns it as a nested map.
func (p *KoanfProvider) Read() (map[string]any, error) {
	if err := p.src.Load(p.ctx); err != nil {
		return nil, err
	}
	return Nested(p.src.All())
}

// Watch starts watching the subtree in the background and calls cb with the
// new *Snapshot whenever a reload changes the data, following koanf's
// provider watch convention. cb may reload through the provider. The watch
// ends when the provider's context is done.
func (p *KoanfProvider) Watch(cb func(event any, err error)) error {
	var mu sync.Mutex
	last := p.src.Snapshot().Checksum
	p.src.OnChange(func(snap *Snapshot) {
		mu.Lock()
		same := snap.Checksum == last
		last = snap.Checksum
		mu.Unlock()
		if !same {
			cb(snap, nil)
		}
	})
	go func() {
		if err := p.src.Watch(p.ctx); err != nil {
			cb(nil, err)
		}
	}()
	return nil
}
