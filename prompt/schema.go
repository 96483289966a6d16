package prompt

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/teranos/prompter/errors"
)

const schemaURL = "prompter://template-schema.json"

// CheckSchema reports whether text is a usable JSON Schema. Empty text
// means no schema and is always valid.
func CheckSchema(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := jsonschema.CompileString(schemaURL, text)
	return errors.Wrap(err, "invalid JSON schema")
}

// SchemaValidator validates execution inputs and outputs against the
// schemas attached to a template. Compiled schemas are memoized by text.
type SchemaValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty validator
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

func (v *SchemaValidator) schema(text string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.compiled[text]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(schemaURL, text)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid JSON schema"), errors.ErrSchemaValidation)
	}
	v.compiled[text] = s
	return s, nil
}

// ValidateInput checks the execution context against schemaText.
func (v *SchemaValidator) ValidateInput(schemaText string, vars map[string]any) error {
	if strings.TrimSpace(schemaText) == "" {
		return nil
	}
	s, err := v.schema(schemaText)
	if err != nil {
		return err
	}

	// The validator expects values shaped like encoding/json output
	doc, err := normalizeJSON(vars)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "context is not JSON-representable"), errors.ErrSchemaValidation)
	}
	if err := s.Validate(doc); err != nil {
		return errors.Mark(errors.Wrap(err, "input context"), errors.ErrSchemaValidation)
	}
	return nil
}

// ValidateOutput checks a provider response against schemaText. The
// response must be JSON, optionally wrapped in a markdown code fence.
func (v *SchemaValidator) ValidateOutput(schemaText, output string) error {
	if strings.TrimSpace(schemaText) == "" {
		return nil
	}
	s, err := v.schema(schemaText)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal([]byte(stripCodeFence(output)), &doc); err != nil {
		return errors.Mark(errors.Wrap(err, "response is not valid JSON"), errors.ErrSchemaValidation)
	}
	if err := s.Validate(doc); err != nil {
		return errors.Mark(errors.Wrap(err, "response"), errors.ErrSchemaValidation)
	}
	return nil
}

func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(b, &out)
	return out, err
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
