// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"errors"
	"fmt"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ErrFileTooLarge is the sentinel wrapped by FileTooLargeError.
var ErrFileTooLarge = errors.New("file too large")

type (
	// FileTooLargeError reports input exceeding the configured size limit.
	FileTooLargeError struct {
		Filename string
		Size     int64
		Max      int64
	}

	// FieldError is one CUE error located at a field path.
	FieldError struct {
		Path    string
		Message string
	}

	// ValidationError collects the field errors reported for one file.
	ValidationError struct {
		Filename string
		Fields   []FieldError
	}
)

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("%s: file size %d bytes exceeds maximum %d bytes", e.Filename, e.Size, e.Max)
}

func (e *FileTooLargeError) Unwrap() error { return ErrFileTooLarge }

func (f FieldError) String() string {
	if f.Path == "" {
		return f.Message
	}
	return f.Path + ": " + f.Message
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 1 {
		return e.Filename + ": " + e.Fields[0].String()
	}
	lines := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		lines[i] = f.String()
	}
	return fmt.Sprintf("%s: validation failed:\n  %s", e.Filename, strings.Join(lines, "\n  "))
}

// CheckFileSize returns a FileTooLargeError when data exceeds maxSize.
func CheckFileSize(data []byte, maxSize int64, filename string) error {
	if int64(len(data)) > maxSize {
		return &FileTooLargeError{Filename: filename, Size: int64(len(data)), Max: maxSize}
	}
	return nil
}

// FormatError converts a CUE error into a *ValidationError whose entries
// carry JSON-style paths. Non-CUE errors are wrapped with the file name.
func FormatError(err error, filename string) error {
	if err == nil {
		return nil
	}

	var cerr cueerrors.Error
	if !errors.As(err, &cerr) {
		return fmt.Errorf("%s: %w", filename, err)
	}

	verr := &ValidationError{Filename: filename}
	for _, e := range cueerrors.Errors(err) {
		path := formatPath(cueerrors.Path(e))
		msg := e.Error()
		if path != "" && strings.HasPrefix(msg, path) {
			msg = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(msg, path), ":"))
		}
		verr.Fields = append(verr.Fields, FieldError{Path: path, Message: msg})
	}
	return verr
}

// formatPath renders ["packages", "2", "name"] as packages[2].name.
func formatPath(parts []string) string {
	var b strings.Builder
	for i, part := range parts {
		switch {
		case i > 0 && isIndex(part):
			b.WriteString("[" + part + "]")
		case i > 0:
			b.WriteByte('.')
			b.WriteString(part)
		default:
			b.WriteString(part)
		}
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
