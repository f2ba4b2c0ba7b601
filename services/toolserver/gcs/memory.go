// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process ObjectStore. Tests and the offline CLI use
// it in place of a real bucket.
//
// # Thread Safety
//
// All operations are thread-safe.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
	reads   map[string]int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		reads:   make(map[string]int),
	}
}

func key(bucket, object string) string { return bucket + "/" + object }

// Put stores an object directly.
func (m *MemoryStore) Put(bucket, object string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key(bucket, object)] = append([]byte(nil), data...)
}

// Object returns a copy of a stored object.
func (m *MemoryStore) Object(bucket, object string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key(bucket, object)]
	return append([]byte(nil), data...), ok
}

// ContentType returns the content type an object was uploaded with.
func (m *MemoryStore) ContentType(bucket, object string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[key(bucket, object)]
}

// Reads returns how many times an object was opened.
func (m *MemoryStore) Reads(bucket, object string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads[key(bucket, object)]
}

// NewReader implements ObjectStore.
func (m *MemoryStore) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key(bucket, object)]
	if !ok {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, bucket, object)
	}
	m.reads[key(bucket, object)]++
	return io.NopCloser(bytes.NewReader(data)), nil
}

// List implements ObjectStore.
func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for k := range m.objects {
		b, object, _ := strings.Cut(k, "/")
		if b == bucket && strings.HasPrefix(object, prefix) {
			names = append(names, object)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Upload implements ObjectStore.
func (m *MemoryStore) Upload(ctx context.Context, bucket, object, contentType string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key(bucket, object)] = data
	m.types[key(bucket, object)] = contentType
	return nil
}
