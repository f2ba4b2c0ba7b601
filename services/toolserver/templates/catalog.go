// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package templates serves the golden configuration templates: YAML files
// in one directory, exposed as analyst://templates/<name> resources.
package templates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/pkg/validation"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
)

// URIPrefix prefixes every template resource URI.
const URIPrefix = "analyst://templates/"

// MimeType is the content type of every template.
const MimeType = "application/x-yaml"

// URITemplate is the RFC 6570 form advertised by resources/templates/list.
const URITemplate = URIPrefix + "{name}"

// Error codes.
const (
	CodeInvalidURI      = "invalid_resource_uri"
	CodeNotFound        = "resource_not_found"
	CodeTooLarge        = "template_too_large"
	CodeReadTimeout     = "resource_read_timeout"
	CodeListTimeout     = "resources_list_timeout"
	CodeReadFailed      = "resource_read_failed"
	CodeMalformedYAML   = "template_malformed"
	defaultMaxBytes     = 1 << 20
	reloadDebounce      = 100 * time.Millisecond
	templateDescription = "Golden configuration template"
)

// Template describes one template file.
type Template struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size"`

	path string
}

// Content is the body of one template, shaped as a resources/read item.
type Content struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithMaxBytes bounds the size of a readable template.
func WithMaxBytes(n int64) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithIOTimeout bounds every list and read.
func WithIOTimeout(d time.Duration) Option {
	return func(c *Catalog) { c.ioTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Catalog) { c.logger = logger }
}

// Catalog indexes the template directory.
//
// # Description
//
// The index is rebuilt by Reload, which Watch calls whenever fsnotify
// reports a change in the directory. Reads always go to disk so a template
// edited in place is served fresh even before the watcher fires. A missing
// directory is an empty catalog, not an error.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Catalog struct {
	dir       string
	maxBytes  int64
	ioTimeout time.Duration
	logger    *logging.Logger

	mu      sync.RWMutex
	entries map[string]Template
	loaded  time.Time
}

// NewCatalog scans dir once and returns the catalog.
func NewCatalog(dir string, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		dir:      dir,
		maxBytes: defaultMaxBytes,
		logger:   logging.Nop(),
		entries:  map[string]Template{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the template directory.
func (c *Catalog) Dir() string { return c.dir }

// Reload rescans the directory.
func (c *Catalog) Reload() error {
	entries, err := scan(c.dir)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries = entries
	c.loaded = time.Now()
	c.mu.Unlock()
	c.logger.Debug("template catalog loaded", "dir", c.dir, "templates", len(entries))
	return nil
}

func scan(dir string) (map[string]Template, error) {
	entries := map[string]Template{}
	files, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read template dir %s: %w", dir, err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name, ok := templateName(f.Name())
		if !ok {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		entries[name] = Template{
			Name:        name,
			URI:         URIPrefix + name,
			Description: templateDescription + " " + name,
			MimeType:    MimeType,
			Size:        info.Size(),
			path:        filepath.Join(dir, f.Name()),
		}
	}
	return entries, nil
}

// templateName strips .yaml or .yml. Hidden and temp files are ignored.
func templateName(file string) (string, bool) {
	if strings.HasPrefix(file, ".") {
		return "", false
	}
	for _, ext := range []string{".yaml", ".yml"} {
		if strings.HasSuffix(file, ext) {
			return strings.TrimSuffix(file, ext), true
		}
	}
	return "", false
}

// List returns the templates sorted by name.
//
// When the IO timeout elapses first the result is a Timeout error with
// code resources_list_timeout.
func (c *Catalog) List(ctx context.Context) ([]Template, error) {
	return withTimeout(ctx, c.ioTimeout, CodeListTimeout, "template listing", func() ([]Template, error) {
		c.mu.RLock()
		defer c.mu.RUnlock()
		out := make([]Template, 0, len(c.entries))
		for _, t := range c.entries {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	})
}

// Read returns the template addressed by uri.
//
// # Outputs
//
//   - Content: The YAML text.
//   - error: InvalidParams for a malformed uri or oversized file, NotFound
//     for an unknown template, Timeout when the read exceeds the bound.
func (c *Catalog) Read(ctx context.Context, uri string) (Content, error) {
	name, err := ParseURI(uri)
	if err != nil {
		return Content{}, err
	}
	c.mu.RLock()
	t, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return Content{}, apperr.NotFound(CodeNotFound, "Template resource not found for URI: %s", uri).
			WithRemediation("Refresh resources/list and retry with an existing URI.")
	}

	return withTimeout(ctx, c.ioTimeout, CodeReadTimeout, "template read", func() (Content, error) {
		text, err := c.readFile(t)
		if err != nil {
			return Content{}, err
		}
		return Content{URI: t.URI, MimeType: MimeType, Text: text}, nil
	})
}

func (c *Catalog) readFile(t Template) (string, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", apperr.NotFound(CodeNotFound, "Template resource not found for URI: %s", t.URI)
	}
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, CodeReadFailed, "open template")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, c.maxBytes+1))
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, CodeReadFailed, "read template")
	}
	if int64(len(data)) > c.maxBytes {
		return "", apperr.InvalidParams(CodeTooLarge, "template %s exceeds %d bytes", t.Name, c.maxBytes)
	}
	return string(data), nil
}

// Documents parses every template. Malformed templates are skipped and
// logged, matching how the catalog is advertised.
func (c *Catalog) Documents(ctx context.Context) (map[string]any, error) {
	list, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	docs := make(map[string]any, len(list))
	for _, t := range list {
		content, err := c.Read(ctx, t.URI)
		if err != nil {
			if apperr.Is(err, apperr.KindTimeout) {
				return nil, err
			}
			c.logger.Warn("template skipped", "name", t.Name, "error", err)
			continue
		}
		var doc any
		if err := yaml.Unmarshal([]byte(content.Text), &doc); err != nil {
			c.logger.Warn("template skipped", "name", t.Name, "code", CodeMalformedYAML, "error", err)
			continue
		}
		docs[t.Name] = doc
	}
	return docs, nil
}

// ParseURI returns the template name in analyst://templates/<name>.
func ParseURI(uri string) (string, error) {
	name, ok := strings.CutPrefix(strings.TrimSpace(uri), URIPrefix)
	if !ok || validation.ValidateFileName(name) != nil {
		return "", apperr.InvalidParams(CodeInvalidURI, "resources/read requires an %s<name> URI, got %q", URIPrefix, uri).
			WithRemediation("Pass a valid analyst://templates/... URI from resources/list.")
	}
	return name, nil
}

// =============================================================================
// Watching
// =============================================================================

// Watch reloads the catalog on filesystem changes until ctx is done.
//
// Bursts of events (an editor writing a temp file and renaming it) are
// coalesced into one reload. Returns nil when ctx ends and an error when
// the watcher cannot be created.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create template dir: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch template dir %s: %w", c.dir, err)
	}
	c.logger.Debug("watching template dir", "dir", c.dir)

	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, isTemplate := templateName(filepath.Base(event.Name)); !isTemplate {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.After(reloadDebounce)
			}

		case <-pending:
			pending = nil
			if err := c.Reload(); err != nil {
				c.logger.Warn("template reload failed", "dir", c.dir, "error", err)
				continue
			}
			c.logger.Info("template catalog reloaded", "dir", c.dir)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("template watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

// withTimeout runs fn in its own goroutine and abandons it when the bound
// or ctx ends first. fn must not hold locks the caller needs afterwards.
func withTimeout[T any](ctx context.Context, d time.Duration, code, what string, fn func() (T, error)) (T, error) {
	var zero T
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, apperr.Timeout(ctx.Err(), code, fmt.Sprintf("%s exceeded %s", what, d))
		}
		return zero, apperr.Wrap(ctx.Err(), apperr.KindInternal, code, what+" cancelled")
	}
}
