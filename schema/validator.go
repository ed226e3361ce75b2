package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed task.schema.json
var taskSchemaJSON string

// ErrInvalidPayload marks a task body that can never be processed. Consumers
// reject such tasks instead of returning them to the queue.
var ErrInvalidPayload = errors.New("invalid task payload")

// Task is one document to deduplicate.
type Task struct {
	DocID   string `json:"doc_id"`
	Content string `json:"content"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func ValidateTaskPayload(payload []byte) (*Task, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload JSON: %w", ErrInvalidPayload, err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("%w: schema validation failed: %w", ErrInvalidPayload, err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var task Task
	if err := json.Unmarshal(normalized, &task); err != nil {
		return nil, fmt.Errorf("%w: unmarshal payload: %w", ErrInvalidPayload, err)
	}

	if strings.TrimSpace(task.DocID) == "" {
		return nil, fmt.Errorf("%w: doc_id must not be blank", ErrInvalidPayload)
	}

	return &task, nil
}

// EncodeTaskPayload is the publisher side of ValidateTaskPayload.
func EncodeTaskPayload(task Task) ([]byte, error) {
	if strings.TrimSpace(task.DocID) == "" {
		return nil, fmt.Errorf("%w: doc_id must not be blank", ErrInvalidPayload)
	}
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return body, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("task.schema.json", strings.NewReader(taskSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("task.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}
