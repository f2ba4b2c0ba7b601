// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datasource

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/gcs"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_Local(t *testing.T) {
	p := writeFile(t, t.TempDir(), "people.csv", "name,age\nann,31\nbob,\n")

	loaded, err := NewLoader(time.Second).Load(context.Background(), "  "+p+"  ")
	require.NoError(t, err)
	assert.Equal(t, p, loaded.Source)
	assert.Equal(t, 2, loaded.Frame.NumRows())
	assert.Equal(t, 1, loaded.Frame.TotalNulls())
	assert.Empty(t, loaded.Note)
}

func TestLoad_Rejects(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.csv", "a,b\n1,2,3\n")

	tests := []struct {
		name string
		path string
		kind apperr.Kind
		code string
	}{
		{"empty", "  ", apperr.KindInvalidParams, CodeMissingInput},
		{"parquet", filepath.Join(dir, "x.parquet"), apperr.KindInvalidParams, CodeUnsupportedFormat},
		{"missing", filepath.Join(dir, "nope.csv"), apperr.KindNotFound, CodeDatasetNotFound},
		{"malformed", bad, apperr.KindInvalidParams, CodeInvalidCSV},
		{"gs without store", "gs://data/a.csv", apperr.KindInvalidParams, CodeGCSNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(time.Second).Load(context.Background(), tt.path)
			require.Error(t, err)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestLoad_RemoteObject(t *testing.T) {
	store := gcs.NewMemoryStore()
	store.Put("data-lake", "raw/a.csv", []byte("x\n1\n2\n"))

	l := NewLoader(time.Second, WithObjectStore(store), WithFileExists(func(string) bool { return false }))
	loaded, err := l.Load(context.Background(), "data-lake/raw/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "gs://data-lake/raw/a.csv", loaded.Source)
	assert.Contains(t, loaded.Note, "Auto-normalized")
	assert.Equal(t, 2, loaded.Frame.NumRows())
}

func TestLoad_RemotePrefix(t *testing.T) {
	store := gcs.NewMemoryStore()
	store.Put("lake", "part/1.csv", []byte("x,y\n1,a\n"))
	store.Put("lake", "part/2.csv", []byte("x,y\n2,b\n3,c\n"))
	store.Put("lake", "part/notes.txt", []byte("ignored"))
	store.Put("lake", "partition-other/3.csv", []byte("x,y\n9,z\n"))

	loaded, err := NewLoader(time.Second, WithObjectStore(store)).Load(context.Background(), "gs://lake/part/")
	require.NoError(t, err)
	assert.Equal(t, []string{"part/1.csv", "part/2.csv"}, loaded.Files)
	assert.Equal(t, 3, loaded.Frame.NumRows())
}

func TestLoad_Manifest(t *testing.T) {
	store := gcs.NewMemoryStore()
	store.Put("lake", "p/_MANIFEST.json", []byte(`{"files": ["b.csv", {"path": "a.csv"}]}`))
	store.Put("lake", "p/a.csv", []byte("x\n1\n"))
	store.Put("lake", "p/b.csv", []byte("x\n2\n"))
	store.Put("lake", "p/c.csv", []byte("x\n3\n"))

	loaded, err := NewLoader(time.Second, WithObjectStore(store)).Load(context.Background(), "gs://lake/p")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/b.csv", "p/a.csv"}, loaded.Files)
	x, _ := loaded.Frame.Column("x")
	assert.Equal(t, []float64{2, 1}, x.Nums)
}

func TestLoad_RemoteEmptyPrefix(t *testing.T) {
	_, err := NewLoader(time.Second, WithObjectStore(gcs.NewMemoryStore())).Load(context.Background(), "gs://lake/none")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

// gatedStore blocks every read until release is closed.
type gatedStore struct {
	*gcs.MemoryStore
	release chan struct{}
	opens   atomic.Int32
}

func (g *gatedStore) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	g.opens.Add(1)
	<-g.release
	return g.MemoryStore.NewReader(context.WithoutCancel(ctx), bucket, object)
}

func TestLoad_Timeout(t *testing.T) {
	store := &gatedStore{MemoryStore: gcs.NewMemoryStore(), release: make(chan struct{})}
	store.Put("lake", "slow.csv", []byte("x\n1\n"))

	_, err := NewLoader(20*time.Millisecond, WithObjectStore(store)).Load(context.Background(), "gs://lake/slow.csv")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindTimeout, e.Kind)
	assert.Equal(t, CodeLoadTimeout, e.Code)
	close(store.release)
}

func TestLoad_ConcurrentRemoteLoadsShareOneFetch(t *testing.T) {
	store := &gatedStore{MemoryStore: gcs.NewMemoryStore(), release: make(chan struct{})}
	store.Put("lake", "shared.csv", []byte("x\n1\n"))
	l := NewLoader(5*time.Second, WithObjectStore(store))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Loaded, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loaded, err := l.Load(context.Background(), "gs://lake/shared.csv")
			assert.NoError(t, err)
			results[i] = loaded
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.Equal(t, int32(1), store.opens.Load())
	for _, r := range results[1:] {
		require.NotNil(t, r)
		assert.Same(t, results[0].Frame, r.Frame)
	}
}

func TestLooksLikeBucketPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"my-bucket/data.csv", true},
		{"reports.example.com/a/b", true},
		{"bucket/data.csv", false},
		{"my-bucket", false},
		{"./my-bucket/data.csv", false},
		{"/abs/my-bucket/data.csv", false},
		{"~/my-bucket/data.csv", false},
		{"s3://my-bucket/data.csv", false},
		{`my-bucket\data.csv`, false},
		{"My-Bucket/data.csv", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksLikeBucketPath(tt.path))
		})
	}
}

func TestNormalizePath_PrefersExistingLocalFile(t *testing.T) {
	got, note := NormalizePath("my-bucket/data.csv", func(string) bool { return true })
	assert.Equal(t, "my-bucket/data.csv", got)
	assert.Empty(t, note)
}
