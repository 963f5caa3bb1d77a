package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCase struct {
	name         string
	schemaPath   string
	instancePath string
}

func TestSchemaValidation(t *testing.T) {
	repoRoot := repoRoot(t)
	cases := []schemaCase{
		{
			name:         "annotation",
			schemaPath:   filepath.Join(repoRoot, "docs", "schema", "annotation-v1.schema.json"),
			instancePath: filepath.Join(repoRoot, "docs", "spec", "fixtures", "annotation-v1.json"),
		},
		{
			name:         "page-geometry",
			schemaPath:   filepath.Join(repoRoot, "docs", "schema", "page-geometry-v1.schema.json"),
			instancePath: filepath.Join(repoRoot, "docs", "spec", "fixtures", "page-geometry-v1.json"),
		},
		{
			name:         "raw-page-info",
			schemaPath:   filepath.Join(repoRoot, "docs", "schema", "raw-page-info-v1.schema.json"),
			instancePath: filepath.Join(repoRoot, "docs", "spec", "fixtures", "raw-page-info-v1.json"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			validateInstance(t, tc.schemaPath, tc.instancePath)
		})
	}
}

func TestSchemaRejectsInvalid(t *testing.T) {
	repoRoot := repoRoot(t)
	cases := []struct {
		name       string
		schemaPath string
		instance   string
	}{
		{
			name:       "annotation-bad-type",
			schemaPath: filepath.Join(repoRoot, "docs", "schema", "annotation-v1.schema.json"),
			instance: `{"id": "a1", "type": "stamp", "page": 1,
				"x": 0, "y": 0, "width": 150, "height": 75,
				"relativeX": 0, "relativeY": 0, "relativeWidth": 0.2, "relativeHeight": 0.1}`,
		},
		{
			name:       "annotation-font-size-out-of-band",
			schemaPath: filepath.Join(repoRoot, "docs", "schema", "annotation-v1.schema.json"),
			instance: `{"id": "a2", "type": "text", "page": 1,
				"x": 10, "y": 10, "width": 200, "height": 50,
				"relativeX": 0.01, "relativeY": 0.01, "relativeWidth": 0.3, "relativeHeight": 0.06,
				"content": "Sign here", "fontSize": 30}`,
		},
		{
			name:       "annotation-missing-relatives",
			schemaPath: filepath.Join(repoRoot, "docs", "schema", "annotation-v1.schema.json"),
			instance:   `{"id": "a3", "type": "signature", "page": 1, "x": 0, "y": 0, "width": 150, "height": 75}`,
		},
		{
			name:       "geometry-unnormalized-rotation",
			schemaPath: filepath.Join(repoRoot, "docs", "schema", "page-geometry-v1.schema.json"),
			instance: `{"pageNumber": 1, "originalWidth": 612, "originalHeight": 792,
				"rotation": 45, "displayWidth": 612, "displayHeight": 792, "correctionApplied": false}`,
		},
		{
			name:       "raw-page-info-negative-dimensions",
			schemaPath: filepath.Join(repoRoot, "docs", "schema", "raw-page-info-v1.schema.json"),
			instance:   `{"pageNumber": 1, "reportedWidth": -612, "reportedHeight": 792, "rotation": 0}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schema := compileSchema(t, tc.schemaPath)

			var instance any
			if err := json.Unmarshal([]byte(tc.instance), &instance); err != nil {
				t.Fatalf("unmarshal instance: %v", err)
			}
			if err := schema.Validate(instance); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func validateInstance(t *testing.T, schemaPath, instancePath string) {
	instanceData, err := os.ReadFile(instancePath)
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}

	var instance any
	if err := json.Unmarshal(instanceData, &instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	schema := compileSchema(t, schemaPath)
	if err := schema.Validate(instance); err != nil {
		t.Fatalf("schema validation failed for %s: %v", filepath.Base(instancePath), err)
	}
}

func compileSchema(t *testing.T, schemaPath string) *jsonschema.Schema {
	t.Helper()

	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
