// Package validate checks JSON documents against the embedded schema set.
// Schemas are compiled once on first use; validation itself never touches
// the filesystem unless the caller passes a path.
package validate

import (
	"embed"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	SchemaCapsule = "capsule.v1"
	SchemaRecord  = "record.v1"
	SchemaBatch   = "batch.v1"
)

var (
	compileOnce sync.Once
	compileErr  error
	compiled    map[string]*jsonschema.Schema
)

// CapsuleJSON validates one serialized capsule document.
func CapsuleJSON(data []byte) error {
	return validateAgainst(SchemaCapsule, data)
}

// RecordJSON validates one serialized memory record.
func RecordJSON(data []byte) error {
	return validateAgainst(SchemaRecord, data)
}

// BatchJSON validates one serialized batch file, records included.
func BatchJSON(data []byte) error {
	return validateAgainst(SchemaBatch, data)
}

// File validates the named file against one of the embedded schemas.
func File(schemaName, path string) error {
	// #nosec G304 -- validation target is explicit local user input.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read json: %w", err)
	}
	return validateAgainst(schemaName, data)
}

func validateAgainst(schemaName string, data []byte) error {
	schema, err := lookup(schemaName)
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema %s validation failed: %v", schemaName, result.Errors)
}

func lookup(schemaName string) (*jsonschema.Schema, error) {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiled[schemaName]
	if !ok {
		return nil, fmt.Errorf("unknown schema: %s", schemaName)
	}
	return schema, nil
}

func compileAll() {
	compiled = map[string]*jsonschema.Schema{}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	for _, name := range []string{SchemaCapsule, SchemaRecord, SchemaBatch} {
		data, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			compileErr = fmt.Errorf("read embedded schema %s: %w", name, err)
			return
		}
		schema, err := compiler.Compile(data)
		if err != nil {
			compileErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		compiled[name] = schema
	}
}
