package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// SchemaName is the registered name of the parameter schema validator.
const SchemaName = "ParameterSchemaValidator"

const citeSchema = "Gate Parameter Contract"

// ParameterSchemas holds compiled JSON Schemas keyed by verb.
type ParameterSchemas struct {
	schemas map[string]*jsonschema.Schema
}

// CompileSchemas compiles one Draft 2020-12 schema per verb.
func CompileSchemas(byVerb map[string]string) (*ParameterSchemas, error) {
	ps := &ParameterSchemas{schemas: make(map[string]*jsonschema.Schema, len(byVerb))}
	for verb, doc := range byVerb {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://gate.schemas.local/params/%s.schema.json", verb)
		if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("schema load failed for %s: %w", verb, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema compile failed for %s: %w", verb, err)
		}
		ps.schemas[verb] = compiled
	}
	return ps, nil
}

// NewSchema returns a validator that rejects actions whose parameters do not
// match the schema registered for their verb.
func NewSchema(byVerb map[string]string) (Validator, error) {
	ps, err := CompileSchemas(byVerb)
	if err != nil {
		return nil, err
	}
	return New(SchemaName, DefaultTimeout, ps.Check), nil
}

// Check implements Rule.
func (ps *ParameterSchemas) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	schema, ok := ps.schemas[a.Verb]
	if !ok {
		return NotApplicable(), nil
	}
	params, err := jsonParams(a.Parameters)
	if err != nil {
		return Outcome{}, err
	}
	if err := schema.Validate(params); err != nil {
		return Fail(citeSchema, "Parameters rejected for %s: %v", a.Verb, err), nil
	}
	return Pass("Parameters conform to %s schema", a.Verb), nil
}
