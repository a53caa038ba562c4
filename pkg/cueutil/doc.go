// SPDX-License-Identifier: MPL-2.0

// Package cueutil decodes user-authored CUE files against an embedded schema.
//
// Both the environment definition (strata.cue) and the user configuration
// (config.cue) go through the same flow: compile the schema, compile the
// user data, unify the two at a root definition, validate, and decode into a
// Go struct. Errors carry the file name and a JSON-style field path such as
// packages[2].name so they can be shown to users as-is.
//
//	//go:embed strata_schema.cue
//	var schemaSource []byte
//
//	var schema = cueutil.MustSchema(schemaSource, "#Definition")
//
//	res, err := cueutil.Decode[Definition](schema, data, cueutil.WithFilename("strata.cue"))
package cueutil
