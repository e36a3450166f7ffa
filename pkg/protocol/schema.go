package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledParams map[Method]*jsonschema.Schema
)

// paramSchemaFile maps each method to the schema its params must satisfy.
var paramSchemaFile = map[Method]string{
	MethodAuthorize:          "empty.json",
	MethodInitEngine:         "InitEngine.json",
	MethodAddRepository:      "AddRepository.json",
	MethodSyncRepositories:   "empty.json",
	MethodGetPendingPackages: "empty.json",
	MethodCommit:             "empty.json",
	MethodAbort:              "empty.json",
	MethodAnswer:             "Answer.json",
	MethodFreeEngine:         "empty.json",
}

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	byFile := make(map[string]*jsonschema.Schema)
	compiledParams = make(map[Method]*jsonschema.Schema, len(paramSchemaFile))
	for method, file := range paramSchemaFile {
		if compiled, ok := byFile[file]; ok {
			compiledParams[method] = compiled
			continue
		}
		data, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			schemaErr = fmt.Errorf("read schema %s: %w", file, err)
			return
		}
		id := "inmemory://upgrader/" + file
		if err := compiler.AddResource(id, bytes.NewReader(data)); err != nil {
			schemaErr = fmt.Errorf("add schema resource %s: %w", file, err)
			return
		}
		compiled, err := compiler.Compile(id)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", file, err)
			return
		}
		byFile[file] = compiled
		compiledParams[method] = compiled
	}
}

// ValidateParams checks the raw params of a request against the method's
// schema. Absent params are accepted for every method whose schema allows
// an empty object.
func ValidateParams(method Method, params json.RawMessage) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	compiled, ok := compiledParams[method]
	if !ok {
		return fmt.Errorf("unknown method: %s", method)
	}

	var payload any
	if len(params) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(params, &payload); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
