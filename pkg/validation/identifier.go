// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks caller-supplied names before they become file
// names, storage keys or object paths.
//
// Run ids end up as history file names and badger key prefixes; template
// names end up as paths under the template directory. Both must never be
// able to climb out of their directory or smuggle separators into a key.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLen bounds identifiers so keys and file names stay short.
const MaxIdentifierLen = 128

// identifierPattern: a letter or digit first, then letters, digits, dots,
// underscores or hyphens.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateIdentifier checks a run id or similar key component.
//
// Valid identifiers:
//   - 1-128 characters
//   - Letters, digits, '.', '_' and '-'
//   - Starting with a letter or digit, so ".." and hidden names are out
//
// Example:
//
//	if err := validation.ValidateIdentifier(runID); err != nil {
//	    return err
//	}
//	path := filepath.Join(dir, runID+"_history.json") // cannot escape dir
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier %q (must be 1-%d letters, digits, '.', '_' or '-')", id, MaxIdentifierLen)
	}
	return nil
}

// ValidateFileName checks a single path element such as a template name.
// It is looser than ValidateIdentifier (spaces are fine) but rejects
// separators, hidden names and the relative elements.
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("file name cannot be empty")
	case len(name) > MaxIdentifierLen:
		return fmt.Errorf("file name longer than %d characters", MaxIdentifierLen)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("file name %q contains a path separator", name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("file name %q is hidden or relative", name)
	}
	return nil
}
