package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates settings files written in CUE.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	registry := NewSchemaRegistry()
	return &CUEParser{
		// Values must share a runtime to be unified with the schemas.
		ctx:            registry.Context(),
		schemaRegistry: registry,
		validator:      validator.New(),
	}
}

// ParseFile parses a settings file. Syntax and schema problems are reported
// in ParsedSettings.Errors; the error return is reserved for I/O failures.
func (cp *CUEParser) ParseFile(ctx context.Context, path string) (*ParsedSettings, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	return cp.parse(string(content), path), nil
}

// ParseInline parses inline CUE settings content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedSettings, error) {
	return cp.parse(content, "inline"), nil
}

func (cp *CUEParser) parse(content, filename string) *ParsedSettings {
	parsed := &ParsedSettings{
		SourceFile: filename,
		ParsedAt:   time.Now(),
	}

	val := cp.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	if err := cp.schemaRegistry.Check("settings", val); err != nil {
		parsed.Errors = append(parsed.Errors, cp.convertCUEErrors(err)...)
		return parsed
	}

	if err := val.Decode(&parsed.Settings); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			File:     filename,
			Message:  fmt.Sprintf("failed to decode settings: %v", err),
			Severity: "error",
		})
		return parsed
	}

	if err := cp.validator.Struct(parsed.Settings); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			File:     filename,
			Message:  fmt.Sprintf("validation failed: %v", err),
			Severity: "error",
		})
	}
	return parsed
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// FormatErrors renders validation errors as a single error.
func FormatErrors(errs []ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	first := errs[0]
	loc := first.File
	if first.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", first.File, first.Line, first.Column)
	}
	if len(errs) == 1 {
		return fmt.Errorf("%s: %s", loc, first.Message)
	}
	return fmt.Errorf("%s: %s (and %d more errors)", loc, first.Message, len(errs)-1)
}
