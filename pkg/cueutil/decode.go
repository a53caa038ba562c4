// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

type (
	// Schema is an embedded CUE schema plus the root definition user files
	// are unified against. The source is recompiled per Decode because
	// values from different cue.Contexts cannot be unified.
	Schema struct {
		source []byte
		root   string
	}

	// Result is a decoded value plus the unified CUE value it came from.
	Result[T any] struct {
		Value   *T
		Unified cue.Value
	}
)

// NewSchema returns a Schema for the definition at root (e.g. "#Definition").
// The schema is compiled once here so authoring errors surface early.
func NewSchema(source []byte, root string) (*Schema, error) {
	s := &Schema{source: source, root: root}
	if _, err := s.compile(cuecontext.New()); err != nil {
		return nil, err
	}
	return s, nil
}

// MustSchema is NewSchema for package-level embedded schemas.
func MustSchema(source []byte, root string) *Schema {
	s, err := NewSchema(source, root)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) compile(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileBytes(s.source, cue.Filename("schema.cue"))
	if v.Err() != nil {
		return cue.Value{}, fmt.Errorf("internal error: compile schema: %w", v.Err())
	}
	root := v.LookupPath(cue.ParsePath(s.root))
	if root.Err() != nil {
		return cue.Value{}, fmt.Errorf("internal error: schema definition %s not found: %w", s.root, root.Err())
	}
	return root, nil
}

// Decode unifies data with the schema, validates it and decodes it into T.
func Decode[T any](s *Schema, data []byte, opts ...Option) (*Result[T], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := CheckFileSize(data, o.maxFileSize, o.filename); err != nil {
		return nil, err
	}

	ctx := cuecontext.New()
	root, err := s.compile(ctx)
	if err != nil {
		return nil, err
	}

	user := ctx.CompileBytes(data, cue.Filename(o.filename))
	if user.Err() != nil {
		return nil, FormatError(user.Err(), o.filename)
	}

	unified := root.Unify(user)
	if err := unified.Validate(cue.Concrete(o.concrete)); err != nil {
		return nil, FormatError(err, o.filename)
	}

	var out T
	if err := unified.Decode(&out); err != nil {
		return nil, FormatError(err, o.filename)
	}
	return &Result[T]{Value: &out, Unified: unified}, nil
}

// DecodeFile reads path and decodes it. Error messages name the file by
// path unless WithFilename says otherwise.
func DecodeFile[T any](s *Schema, path string, opts ...Option) (*Result[T], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > o.maxFileSize {
		return nil, &FileTooLargeError{Filename: path, Size: info.Size(), Max: o.maxFileSize}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode[T](s, data, append([]Option{WithFilename(path)}, opts...)...)
}
