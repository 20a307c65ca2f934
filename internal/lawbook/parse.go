package lawbook

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/warden/internal/ir"
)

// Format is the source encoding of a lawbook document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	}
	return "", fmt.Errorf("unsupported lawbook file extension %q (want .json, .yaml, .yml or .cue)", filepath.Ext(path))
}

// Parsed is a lawbook document together with its stored form.
//
// Content is the canonical JSON of the whole document minus any declared
// "hash" field, and ContentHash is computed over exactly those bytes, so
// the same policy hashes identically whichever format it was written in.
type Parsed struct {
	Document    Document
	Content     []byte
	ContentHash string
}

// Parse decodes, canonicalizes, hashes and validates a lawbook document.
// A document that declares its own "hash" must match the computed one.
func Parse(data []byte, format Format) (*Parsed, error) {
	obj, err := decode(data, format)
	if err != nil {
		return nil, err
	}

	var declared string
	if h, ok := obj["hash"]; ok {
		s, isString := h.(ir.String)
		if !isString {
			return nil, &ValidationError{Field: "hash", Message: "must be a string"}
		}
		declared = string(s)
		delete(obj, "hash")
	}

	content, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("canonicalize lawbook: %w", err)
	}
	contentHash := ContentHash(content)
	if declared != "" && declared != contentHash {
		return nil, &ValidationError{
			Field:   "hash",
			Message: fmt.Sprintf("declared %s does not match content hash %s", declared, contentHash),
		}
	}

	var doc Document
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("decode lawbook fields: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return &Parsed{Document: doc, Content: content, ContentHash: contentHash}, nil
}

// ContentHash is the deterministic hash of stored lawbook content.
func ContentHash(content []byte) string {
	return ir.HashBytes(ir.DomainLawbook, content)
}

func decode(data []byte, format Format) (ir.Object, error) {
	switch format {
	case FormatJSON:
		obj, err := ir.ParseObject(data)
		if err != nil {
			return nil, fmt.Errorf("parse lawbook json: %w", err)
		}
		return obj, nil

	case FormatYAML:
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse lawbook yaml: %w", err)
		}
		v, err := ir.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("parse lawbook yaml: %w", err)
		}
		obj, ok := v.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("parse lawbook yaml: top level must be a mapping")
		}
		return obj, nil

	case FormatCUE:
		return decodeCUE(data)
	}
	return nil, fmt.Errorf("unsupported lawbook format %q", format)
}

// decodeCUE evaluates a CUE lawbook. The document is either the top-level
// struct or, when present, the struct under the "lawbook" field, so a file
// may carry its own schema definitions next to the data.
func decodeCUE(data []byte) (ir.Object, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename("lawbook.cue"))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	if inner := v.LookupPath(cue.ParsePath("lawbook")); inner.Exists() {
		v = inner
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	out, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	obj, err := ir.ParseObject(out)
	if err != nil {
		return nil, fmt.Errorf("parse lawbook cue: %w", err)
	}
	return obj, nil
}

// CUEError carries the source position of a CUE evaluation failure.
type CUEError struct {
	Message string
	Pos     token.Pos
}

func (e *CUEError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: cue: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("cue: %s", e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &CUEError{Message: err.Error()}
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CUEError{Message: firstErr.Error(), Pos: positions[0]}
	}
	return &CUEError{Message: firstErr.Error()}
}
