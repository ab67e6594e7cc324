package llmclient

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateJSONSchema checks that opts.JSONSchema, if set, is itself a
// compilable JSON Schema document. A malformed schema is a caller mistake,
// not a transient provider failure, so it is classified PERMANENT and never
// retried.
func validateJSONSchema(schema map[string]any) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("jsonSchema option is not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("jsonSchema option is not valid JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	const resourceURL = "mem://llmclient/options-schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("jsonSchema option could not be registered: %w", err)
	}
	if _, err := c.Compile(resourceURL); err != nil {
		return fmt.Errorf("jsonSchema option does not compile: %w", err)
	}
	return nil
}

// validateAgainstSchema validates a structured output payload against a
// caller-supplied JSON schema. Nothing in this package calls it: Client.call
// returns a response's StructuredOutput as the transport produced it,
// without validating it against Options.JSONSchema.
func validateAgainstSchema(schema map[string]any, instance any) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("jsonSchema option is not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("jsonSchema option is not valid JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	const resourceURL = "mem://llmclient/validate-schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return err
	}
	sch, err := c.Compile(resourceURL)
	if err != nil {
		return err
	}
	return sch.Validate(instance)
}
