// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	kv "github.com/AleutianAI/AnalystToolkit/services/toolserver/storage/badger"
)

// Backend persists run histories.
//
// Persist receives the full history including the newly appended entry as
// its last element and must make it durable before returning. Backends that
// store entries individually may write only the tail.
type Backend interface {
	Name() string
	Load(ctx context.Context, runID string) (Loaded, error)
	Persist(ctx context.Context, runID string, history []Entry) error
	ListRuns(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// Mirror receives a copy of each persisted history document. Mirror
// failures are logged and never fail an append.
type Mirror interface {
	MirrorHistory(ctx context.Context, runID string, data []byte) error
}

// =============================================================================
// File Backend
// =============================================================================

const historySuffix = "_history.json"

// FileBackend stores one JSON array per run at {dir}/{run_id}_history.json.
//
// Every Persist rewrites the whole document through a temp file in the
// same directory followed by fsync and rename, so readers observe either
// the previous or the new document, never a partial one. A history that
// loaded with recovery errors is moved aside to
// {run_id}_history.json.corrupt-<unix> before its first rewrite.
type FileBackend struct {
	dir    string
	mirror Mirror
	logger *logging.Logger

	mu    sync.Mutex
	dirty map[string]bool
}

// NewFileBackend creates a file backend rooted at dir. mirror may be nil.
func NewFileBackend(dir string, mirror Mirror, logger *logging.Logger) *FileBackend {
	if logger == nil {
		logger = logging.Nop()
	}
	return &FileBackend{dir: dir, mirror: mirror, logger: logger, dirty: make(map[string]bool)}
}

func (b *FileBackend) Name() string { return "file" }

// Dir returns the history directory.
func (b *FileBackend) Dir() string { return b.dir }

// PathFor returns the history file path for runID.
func (b *FileBackend) PathFor(runID string) string {
	return filepath.Join(b.dir, runID+historySuffix)
}

func (b *FileBackend) Load(ctx context.Context, runID string) (Loaded, error) {
	if err := ctx.Err(); err != nil {
		return Loaded{}, err
	}
	data, err := os.ReadFile(b.PathFor(runID))
	if errors.Is(err, os.ErrNotExist) {
		return Loaded{}, nil
	}
	if err != nil {
		return Loaded{}, fmt.Errorf("read history %s: %w", runID, err)
	}

	out := decodeHistory(data)
	if len(out.ParseErrors) > 0 || out.Skipped > 0 {
		b.mu.Lock()
		b.dirty[runID] = true
		b.mu.Unlock()
	}
	return out, nil
}

func (b *FileBackend) Persist(ctx context.Context, runID string, history []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	path := b.PathFor(runID)
	b.mu.Lock()
	quarantine := b.dirty[runID]
	b.mu.Unlock()
	if quarantine {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if err := os.Rename(path, aside); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("preserve damaged history: %w", err)
		}
		b.logger.Warn("damaged run history preserved before rewrite", "run_id", runID, "path", aside)
		b.mu.Lock()
		delete(b.dirty, runID)
		b.mu.Unlock()
	}

	if err := writeFileAtomic(path, data, 0o640); err != nil {
		return err
	}

	if b.mirror != nil {
		if err := b.mirror.MirrorHistory(ctx, runID, data); err != nil {
			b.logger.Warn("run history mirror failed", "run_id", runID, "error", err)
		}
	}
	return nil
}

func (b *FileBackend) ListRuns(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*"+historySuffix))
	if err != nil {
		return nil, err
	}
	runs := make([]string, 0, len(matches))
	for _, m := range matches {
		runs = append(runs, strings.TrimSuffix(filepath.Base(m), historySuffix))
	}
	sort.Strings(runs)
	return runs, nil
}

// Ping checks that the history directory exists (or can be created) and is
// writable.
func (b *FileBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return fmt.Errorf("history directory unavailable: %w", err)
	}
	probe, err := os.CreateTemp(b.dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("history directory not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// writeFileAtomic writes content to a temp file beside path, syncs it and
// renames it into place, then syncs the parent directory.
func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	tmp, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove destination before rename: %w", rmErr)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("rename temp file after remove: %w", err)
		}
	}
	committed = true

	if dir, err := os.Open(parent); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// =============================================================================
// Badger Backend
// =============================================================================

// BadgerBackend stores each entry under ledger/<run_id>/<seq:%010d> so key
// order is sequence order.
type BadgerBackend struct {
	db *kv.DB
}

// NewBadgerBackend creates a backend over an open database.
func NewBadgerBackend(db *kv.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

func (b *BadgerBackend) Name() string { return "badger" }

func runPrefix(runID string) string {
	return "ledger/" + runID + "/"
}

func entryKey(runID string, seq int) string {
	return fmt.Sprintf("%s%010d", runPrefix(runID), seq)
}

func (b *BadgerBackend) Load(ctx context.Context, runID string) (Loaded, error) {
	var out Loaded
	err := b.db.ScanPrefix(ctx, runPrefix(runID), func(key string, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			out.Skipped++
			out.ParseErrors = append(out.ParseErrors, fmt.Sprintf("%s: %v", key, err))
			return nil
		}
		if e.Summary == nil {
			e.Summary = map[string]any{}
		}
		out.Entries = append(out.Entries, e)
		return nil
	})
	if err != nil {
		return Loaded{}, fmt.Errorf("scan ledger %s: %w", runID, err)
	}

	// Keys outlive undecodable values, so the last key is the seq floor.
	last, err := b.db.LastKey(ctx, runPrefix(runID))
	if err != nil {
		return Loaded{}, fmt.Errorf("last ledger key %s: %w", runID, err)
	}
	if last != "" {
		seq, err := strconv.Atoi(strings.TrimPrefix(last, runPrefix(runID)))
		if err != nil {
			return Loaded{}, fmt.Errorf("malformed ledger key %s", last)
		}
		out.HighSeq = seq
	}
	return out, nil
}

func (b *BadgerBackend) Persist(ctx context.Context, runID string, history []Entry) error {
	if len(history) == 0 {
		return nil
	}
	tail := history[len(history)-1]
	data, err := json.Marshal(tail)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	key := []byte(entryKey(runID, tail.Seq))
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("ledger entry %s already exists", key)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

func (b *BadgerBackend) ListRuns(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := b.db.ScanPrefix(ctx, "ledger/", func(key string, _ []byte) error {
		rest := strings.TrimPrefix(key, "ledger/")
		if i := strings.IndexByte(rest, '/'); i > 0 {
			seen[rest[:i]] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	runs := make([]string, 0, len(seen))
	for r := range seen {
		runs = append(runs, r)
	}
	sort.Strings(runs)
	return runs, nil
}

func (b *BadgerBackend) Ping(ctx context.Context) error {
	return b.db.Ping(ctx)
}
