// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datasource loads tabular input from local CSV files and from
// gs:// objects or prefixes.
package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/gcs"
)

// ManifestName is the partition manifest looked up under a gs:// prefix.
const ManifestName = "_MANIFEST.json"

// Error codes.
const (
	CodeMissingInput      = "missing_input"
	CodeUnsupportedFormat = "unsupported_format"
	CodeDatasetNotFound   = "dataset_not_found"
	CodeInvalidCSV        = "invalid_csv"
	CodeGCSNotConfigured  = "gcs_not_configured"
	CodeLoadTimeout       = "dataset_load_timeout"
	CodeLoadFailed        = "dataset_load_failed"
)

// Loaded is a successfully loaded dataset.
type Loaded struct {
	Frame *dataset.Frame

	// Source is the normalized path the frame was read from.
	Source string

	// Note explains an automatic path rewrite, or is empty.
	Note string

	// Files lists the objects concatenated for a prefix load.
	Files []string
}

// Option configures a Loader.
type Option func(*Loader)

// WithObjectStore enables gs:// loads.
func WithObjectStore(store gcs.ObjectStore) Option {
	return func(l *Loader) { l.store = store }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// WithFileExists overrides the local existence check used for bucket-like
// path detection.
func WithFileExists(exists func(string) bool) Option {
	return func(l *Loader) { l.exists = exists }
}

// Loader reads datasets.
//
// # Description
//
// Local paths are read directly. Remote loads are bounded by the load
// timeout and deduplicated per normalized path with singleflight, so
// concurrent callers asking for the same object share one download and
// receive the same *dataset.Frame. Frames are treated as immutable by the
// rest of the server, which makes the sharing safe.
//
// # Thread Safety
//
// Load is safe for concurrent use.
type Loader struct {
	store   gcs.ObjectStore
	timeout time.Duration
	logger  *logging.Logger
	exists  func(string) bool
	group   singleflight.Group
}

// NewLoader creates a Loader. A non-positive timeout disables the bound.
func NewLoader(timeout time.Duration, opts ...Option) *Loader {
	l := &Loader{
		timeout: timeout,
		logger:  logging.Nop(),
		exists: func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the dataset at p.
//
// # Inputs
//
//   - ctx: Cancels the wait. The remote read itself is also bounded by the
//     loader timeout.
//   - p: Local path, gs:// URI, or a bucket-like "bucket-name/prefix" path
//     that does not exist locally.
//
// # Outputs
//
//   - *Loaded: The frame and where it came from.
//   - error: InvalidParams for empty, parquet or malformed input; NotFound
//     when nothing exists at p; Timeout when the load exceeds the bound.
func (l *Loader) Load(ctx context.Context, p string) (*Loaded, error) {
	normalized, note := NormalizePath(p, l.exists)
	if normalized == "" {
		return nil, apperr.InvalidParams(CodeMissingInput, "either gcs_path or session_id is required").
			WithRemediation("Pass gcs_path with a CSV path or gs:// uri, or a session_id from an earlier call.")
	}
	if strings.HasSuffix(strings.ToLower(normalized), ".parquet") {
		return nil, apperr.InvalidParams(CodeUnsupportedFormat, "parquet input is not supported: %s", normalized).
			WithRemediation("Export the data as CSV.")
	}

	var (
		loaded *Loaded
		err    error
	)
	if strings.HasPrefix(normalized, gcs.Scheme) {
		loaded, err = l.loadRemote(ctx, normalized)
	} else {
		loaded, err = loadLocal(normalized)
	}
	if err != nil {
		return nil, err
	}
	if note != "" {
		l.logger.Info("input path normalized", "from", p, "to", normalized)
	}
	return &Loaded{Frame: loaded.Frame, Source: loaded.Source, Files: loaded.Files, Note: note}, nil
}

func loadLocal(p string) (*Loaded, error) {
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound(CodeDatasetNotFound, "dataset not found: %s", p)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, CodeLoadFailed, "open dataset")
	}
	defer f.Close()

	frame, err := dataset.ReadCSV(f)
	if err != nil {
		return nil, apperr.InvalidParams(CodeInvalidCSV, "%s: %v", p, err)
	}
	return &Loaded{Frame: frame, Source: p}, nil
}

func (l *Loader) loadRemote(ctx context.Context, uri string) (*Loaded, error) {
	if l.store == nil {
		return nil, apperr.InvalidParams(CodeGCSNotConfigured, "cannot read %s: object storage is not configured", uri).
			WithRemediation("Set ANALYST_MCP_GCP_CREDENTIALS or run with Application Default Credentials.")
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	ch := l.group.DoChan(uri, func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		if l.timeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, l.timeout)
			defer cancel()
		}
		return l.fetch(loadCtx, uri)
	})

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Timeout(ctx.Err(), CodeLoadTimeout, fmt.Sprintf("loading %s exceeded %s", uri, l.timeout))
		}
		return nil, apperr.Wrap(ctx.Err(), apperr.KindInternal, CodeLoadFailed, "load cancelled")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		loaded, ok := res.Val.(*Loaded)
		if !ok {
			return nil, apperr.Internal(fmt.Errorf("unexpected type from load group: %T", res.Val), CodeLoadFailed)
		}
		l.logger.Debug("remote dataset loaded",
			"uri", uri,
			"files", len(loaded.Files),
			"rows", loaded.Frame.NumRows(),
			"shared", res.Shared,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return loaded, nil
	}
}

func (l *Loader) fetch(ctx context.Context, uri string) (*Loaded, error) {
	bucket, object, err := gcs.ParseURI(uri)
	if err != nil {
		return nil, apperr.InvalidParams(CodeMissingInput, "%v", err)
	}
	prefix := strings.TrimSuffix(object, "/")

	var files []string
	if strings.HasSuffix(strings.ToLower(prefix), ".csv") {
		files = []string{prefix}
	} else {
		files, err = l.resolvePrefix(ctx, bucket, prefix)
		if err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		return nil, apperr.NotFound(CodeDatasetNotFound, "no data files found at %s", uri)
	}

	frames := make([]*dataset.Frame, 0, len(files))
	for _, name := range files {
		frame, err := l.readObject(ctx, bucket, name)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	frame, err := dataset.Concat(frames...)
	if err != nil {
		return nil, apperr.InvalidParams(CodeInvalidCSV, "cannot combine files under %s: %v", uri, err)
	}
	return &Loaded{Frame: frame, Source: uri, Files: files}, nil
}

// resolvePrefix reads the manifest when present, else lists every .csv
// directly or indirectly under prefix.
func (l *Loader) resolvePrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	manifestPath := path.Join(prefix, ManifestName)
	r, err := l.store.NewReader(ctx, bucket, manifestPath)
	switch {
	case err == nil:
		defer r.Close()
		names, err := parseManifest(r)
		if err != nil {
			return nil, apperr.InvalidParams(CodeInvalidCSV, "gs://%s/%s: %v", bucket, manifestPath, err)
		}
		files := make([]string, 0, len(names))
		for _, n := range names {
			files = append(files, path.Join(prefix, n))
		}
		return files, nil
	case !errors.Is(err, gcs.ErrObjectNotFound):
		return nil, classifyRemote(err, bucket, manifestPath)
	}

	listPrefix := prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	names, err := l.store.List(ctx, bucket, listPrefix)
	if err != nil {
		return nil, classifyRemote(err, bucket, listPrefix)
	}
	var files []string
	for _, n := range names {
		if strings.HasSuffix(strings.ToLower(n), ".csv") {
			files = append(files, n)
		}
	}
	return files, nil
}

func (l *Loader) readObject(ctx context.Context, bucket, name string) (*dataset.Frame, error) {
	r, err := l.store.NewReader(ctx, bucket, name)
	if err != nil {
		return nil, classifyRemote(err, bucket, name)
	}
	defer r.Close()
	frame, err := dataset.ReadCSV(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyRemote(ctx.Err(), bucket, name)
		}
		return nil, apperr.InvalidParams(CodeInvalidCSV, "gs://%s/%s: %v", bucket, name, err)
	}
	return frame, nil
}

func classifyRemote(err error, bucket, name string) error {
	if errors.Is(err, gcs.ErrObjectNotFound) {
		return apperr.NotFound(CodeDatasetNotFound, "dataset not found: gs://%s/%s", bucket, name)
	}
	return apperr.Wrap(err, apperr.KindInternal, CodeLoadFailed, fmt.Sprintf("read gs://%s/%s", bucket, name))
}

// parseManifest accepts {"files": ["a.csv", {"path": "b.csv"}]}.
func parseManifest(r io.Reader) ([]string, error) {
	var doc struct {
		Files []json.RawMessage `json:"files"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	names := make([]string, 0, len(doc.Files))
	for i, raw := range doc.Files {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			names = append(names, name)
			continue
		}
		var entry struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Path == "" {
			return nil, fmt.Errorf("manifest entry %d has no path", i)
		}
		names = append(names, entry.Path)
	}
	return names, nil
}

// =============================================================================
// Path normalization
// =============================================================================

var bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,220}[a-z0-9]$`)

// NormalizePath trims p and rewrites bucket-like paths to gs:// when no
// local file of that name exists. The second result describes a rewrite.
func NormalizePath(p string, exists func(string) bool) (string, string) {
	trimmed := strings.TrimSpace(p)
	if strings.HasPrefix(trimmed, gcs.Scheme) {
		return trimmed, ""
	}
	if LooksLikeBucketPath(trimmed) && (exists == nil || !exists(trimmed)) {
		return gcs.Scheme + trimmed, "Auto-normalized bucket-like input path to " + gcs.Scheme + trimmed
	}
	return trimmed, ""
}

// LooksLikeBucketPath reports whether p reads as "bucket/prefix" with a
// bucket name that contains a dash or dot.
func LooksLikeBucketPath(p string) bool {
	if p == "" || strings.Contains(p, "://") || strings.ContainsAny(p[:1], "/.~") || strings.Contains(p, `\`) {
		return false
	}
	bucket, prefix, ok := strings.Cut(p, "/")
	bucket, prefix = strings.TrimSpace(bucket), strings.TrimSpace(prefix)
	if !ok || bucket == "" || prefix == "" {
		return false
	}
	if !strings.ContainsAny(bucket, "-.") {
		return false
	}
	return bucketPattern.MatchString(bucket)
}
