// Copyright 2025 The Warden Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry provides the keyed lookup table behind the instance
// manager. Reads never take a lock and writes never block readers, so the
// hot Lookup path stays contention-free under concurrent Gets.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type Registry[T any] interface {
	Register(key string, item T) error
	Get(key string) (T, bool)
	List() []T
	Keys() []string
	Remove(key string) error
	Count() int
	Clear()
}

// BaseRegistry is a sync.Map backed Registry with an externally visible
// count kept in an atomic.
type BaseRegistry[T any] struct {
	items sync.Map
	count atomic.Int64
}

func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{}
}

// Register inserts item under key. Duplicate keys fail so lost get-or-start
// races are detectable by the caller.
func (r *BaseRegistry[T]) Register(key string, item T) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if _, loaded := r.items.LoadOrStore(key, item); loaded {
		return fmt.Errorf("item with key '%s' already registered", key)
	}
	r.count.Add(1)
	return nil
}

func (r *BaseRegistry[T]) Get(key string) (T, bool) {
	v, ok := r.items.Load(key)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

func (r *BaseRegistry[T]) List() []T {
	var items []T
	r.items.Range(func(_, v any) bool {
		items = append(items, v.(T))
		return true
	})
	return items
}

func (r *BaseRegistry[T]) Keys() []string {
	var keys []string
	r.items.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

func (r *BaseRegistry[T]) Remove(key string) error {
	if _, loaded := r.items.LoadAndDelete(key); !loaded {
		return fmt.Errorf("item '%s' not found", key)
	}
	r.count.Add(-1)
	return nil
}

func (r *BaseRegistry[T]) Count() int {
	return int(r.count.Load())
}

func (r *BaseRegistry[T]) Clear() {
	r.items.Range(func(k, _ any) bool {
		if _, loaded := r.items.LoadAndDelete(k); loaded {
			r.count.Add(-1)
		}
		return true
	})
}
