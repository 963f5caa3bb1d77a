package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// The wire contract for annotations. The canonical copy lives under
// docs/schema/; this embedded copy is what the daemon enforces, and a
// test keeps the two in sync.
//
//go:embed annotation-v1.schema.json
var annotationSchemaJSON []byte

const annotationSchemaURL = "https://stampd.dev/schema/annotation-v1.schema.json"

// compileAnnotationSchema builds the validator once at server start so a
// broken schema fails loudly instead of on the first save.
func compileAnnotationSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(annotationSchemaURL, bytes.NewReader(annotationSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add annotation schema: %w", err)
	}
	schema, err := c.Compile(annotationSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile annotation schema: %w", err)
	}
	return schema, nil
}

// checkAnnotationSchema validates every element of the envelope's
// annotations array against the wire schema. It works on the raw body
// rather than the decoded structs, so members the typed decode fills
// with zero values still count as missing.
func (s *Server) checkAnnotationSchema(raw []byte) error {
	var envelope struct {
		Annotations []any `json:"annotations"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	for i, item := range envelope.Annotations {
		if err := s.annSchema.Validate(item); err != nil {
			return fmt.Errorf("annotation %d: %w", i, err)
		}
	}
	return nil
}
