// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifacts exports tool outputs to disk and, when a report bucket
// is configured, to object storage.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/gcs"
)

// CodeExportFailed marks a local export failure.
const CodeExportFailed = "artifact_export_failed"

// Artifact is one exported data file.
type Artifact struct {
	// Path is the local CSV export.
	Path string `json:"artifact_path"`

	// SummaryPath is the local JSON summary next to it.
	SummaryPath string `json:"summary_path"`

	// URL is the public object URL, empty when uploads are disabled or
	// failed.
	URL string `json:"artifact_url"`
}

// Option configures a Writer.
type Option func(*Writer)

// WithUploads enables uploads to bucket under prefix.
func WithUploads(store gcs.ObjectStore, bucket, prefix string) Option {
	return func(w *Writer) {
		w.store = store
		w.bucket = gcs.BucketName(bucket)
		w.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// Writer exports artifacts.
//
// Local files land under {export_dir}/{module}/{run_id}/. Uploaded blobs
// are named {prefix}/{run_id}/{module}/{file}. Upload failures are logged
// and leave the URL empty; they never fail the tool call that produced
// the artifact.
//
// # Thread Safety
//
// Safe for concurrent use. Two exports of the same module and run
// overwrite each other; the last writer wins.
type Writer struct {
	exportDir string
	store     gcs.ObjectStore
	bucket    string
	prefix    string
	logger    *logging.Logger
}

// NewWriter creates a Writer rooted at exportDir.
func NewWriter(exportDir string, opts ...Option) *Writer {
	w := &Writer{exportDir: exportDir, logger: logging.Nop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// UploadsEnabled reports whether a bucket is configured.
func (w *Writer) UploadsEnabled() bool {
	return w.store != nil && w.bucket != ""
}

// Export writes frame as CSV and summary as JSON.
func (w *Writer) Export(ctx context.Context, module, runID string, frame *dataset.Frame, summary any) (Artifact, error) {
	dir := filepath.Join(w.exportDir, module, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, apperr.Persistence(err, CodeExportFailed, "create export directory")
	}

	var csvBuf bytes.Buffer
	if err := dataset.WriteCSV(&csvBuf, frame); err != nil {
		return Artifact{}, apperr.Persistence(err, CodeExportFailed, "render csv export")
	}
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return Artifact{}, apperr.Persistence(err, CodeExportFailed, "render summary export")
	}

	csvName := fmt.Sprintf("%s_%s.csv", runID, module)
	summaryName := fmt.Sprintf("%s_%s_summary.json", runID, module)
	art := Artifact{
		Path:        filepath.Join(dir, csvName),
		SummaryPath: filepath.Join(dir, summaryName),
	}
	if err := os.WriteFile(art.Path, csvBuf.Bytes(), 0o644); err != nil {
		return Artifact{}, apperr.Persistence(err, CodeExportFailed, "write csv export")
	}
	if err := os.WriteFile(art.SummaryPath, summaryJSON, 0o644); err != nil {
		return Artifact{}, apperr.Persistence(err, CodeExportFailed, "write summary export")
	}

	if w.UploadsEnabled() {
		art.URL = w.upload(ctx, runID, module, csvName, "text/csv", csvBuf.Bytes())
		w.upload(ctx, runID, module, summaryName, "application/json", summaryJSON)
	}
	return art, nil
}

// BlobName is the object name of an uploaded file.
func (w *Writer) BlobName(runID, module, file string) string {
	return path.Join(w.prefix, runID, module, file)
}

// upload returns the public URL, or "" after logging a failure.
func (w *Writer) upload(ctx context.Context, runID, module, file, contentType string, data []byte) string {
	blob := w.BlobName(runID, module, file)
	if err := w.store.Upload(ctx, w.bucket, blob, contentType, bytes.NewReader(data)); err != nil {
		w.logger.Warn("artifact upload failed",
			"bucket", w.bucket,
			"blob", blob,
			"run_id", runID,
			"module", module,
			"error", err,
		)
		return ""
	}
	return gcs.PublicURL(w.bucket, blob)
}

// MirrorHistory implements ledger.Mirror by uploading each persisted run
// history to {prefix}/{run_id}/history/{run_id}_history.json.
func (w *Writer) MirrorHistory(ctx context.Context, runID string, data []byte) error {
	if !w.UploadsEnabled() {
		return nil
	}
	blob := w.BlobName(runID, "history", runID+"_history.json")
	if err := w.store.Upload(ctx, w.bucket, blob, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("mirror history to gs://%s/%s: %w", w.bucket, blob, err)
	}
	return nil
}
