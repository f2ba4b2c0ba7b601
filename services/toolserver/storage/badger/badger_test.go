// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetJSON(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.PutJSON(ctx, "job/1", record{Name: "a", Count: 2}))

	var got record
	require.NoError(t, db.GetJSON(ctx, "job/1", &got))
	assert.Equal(t, record{Name: "a", Count: 2}, got)

	assert.ErrorIs(t, db.GetJSON(ctx, "job/missing", &got), ErrNotFound)
}

func TestScanPrefix_KeyOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, seq := range []int{3, 1, 2} {
		require.NoError(t, db.PutJSON(ctx, fmt.Sprintf("ledger/r1/%010d", seq), record{Count: seq}))
	}
	require.NoError(t, db.PutJSON(ctx, "ledger/r10/0000000001", record{Count: 99}))

	var counts []int
	err := db.ScanPrefix(ctx, "ledger/r1/", func(key string, value []byte) error {
		counts = append(counts, len(key))
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, counts, 3, "r10 is not under r1/")

	last, err := db.LastKey(ctx, "ledger/r1/")
	require.NoError(t, err)
	assert.Equal(t, "ledger/r1/0000000003", last)

	none, err := db.LastKey(ctx, "ledger/empty/")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpen_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db.PutJSON(ctx, "k", record{Name: "kept"}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	reopened, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer reopened.Close()

	var got record
	require.NoError(t, reopened.GetJSON(ctx, "k", &got))
	assert.Equal(t, "kept", got.Name)
	assert.Equal(t, dir, reopened.Path())
	assert.False(t, reopened.InMemory())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)

	assert.NoError(t, db.Ping(context.Background()))
	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, db.PutJSON(ctx, "k", record{}))
}
