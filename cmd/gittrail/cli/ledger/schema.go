package ledger

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed record.schema.json
var recordSchemaJSON []byte

// ErrSchemaViolation marks a record that does not match the record schema.
var ErrSchemaViolation = errors.New("record does not match schema")

var recordSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(recordSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return schema, nil
})

// ValidateRecordJSON checks raw record bytes against the record schema.
func ValidateRecordJSON(data []byte) error {
	schema, err := recordSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrSchemaViolation, result.Errors)
}
