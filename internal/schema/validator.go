// internal/schema/validator.go
// Package schema validates inbound wire messages against embedded JSON
// schemas before the provider decodes them. Malformed envelopes are
// rejected at the boundary instead of failing deeper in the sync path.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// syncEnvelopeSchema constrains the sync-request envelope: the identity and
// integrity fields must be present and well-typed before any base64 or
// crypto work happens.
const syncEnvelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["from", "to", "version", "checksum", "size", "encrypted_size", "data"],
	"properties": {
		"type":           {"type": "string"},
		"from":           {"type": "string", "minLength": 1},
		"to":             {"type": "string", "minLength": 1},
		"version":        {"type": "integer", "minimum": 0},
		"checksum":       {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"size":           {"type": "integer", "minimum": 0},
		"encrypted_size": {"type": "integer", "minimum": 0},
		"data":           {"type": "string"},
		"correlationId":  {"type": "string"},
		"timestamp":      {"type": "string"}
	}
}`

// serveRequestSchema constrains data-serve requests.
const serveRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["device_id", "requester"],
	"properties": {
		"device_id": {"type": "string", "minLength": 1},
		"requester": {"type": "string", "minLength": 1},
		"token":     {"type": "string"}
	}
}`

// Validator holds compiled wire-message schemas.
type Validator struct {
	syncEnvelope *gojsonschema.Schema
	serveRequest *gojsonschema.Schema
}

// NewValidator compiles the embedded schemas. Compilation failure is a
// programming error and is reported rather than deferred to first use.
func NewValidator() (*Validator, error) {
	syncSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(syncEnvelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile sync envelope schema: %w", err)
	}
	serveSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(serveRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("compile serve request schema: %w", err)
	}
	return &Validator{syncEnvelope: syncSchema, serveRequest: serveSchema}, nil
}

// ValidateSyncEnvelope checks a raw sync-request payload against the
// envelope schema.
func (v *Validator) ValidateSyncEnvelope(raw []byte) error {
	return validate(v.syncEnvelope, raw)
}

// ValidateServeRequest checks a raw serve-request payload.
func (v *Validator) ValidateServeRequest(raw []byte) error {
	return validate(v.serveRequest, raw)
}

func validate(schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		descs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			descs = append(descs, e.String())
		}
		return fmt.Errorf("schema validation failed: %s", strings.Join(descs, "; "))
	}
	return nil
}
