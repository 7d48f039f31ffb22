package controlplane

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// bundleSchemaJSON validates the shape of an ingested journal.Bundle
// before it ever reaches journal.Store.Append, per spec §4.6 ("request
// bodies are JSON-Schema validated ... before decode"). It mirrors the
// same santhosh-tekuri/jsonschema/v6 dependency internal/policy already
// uses, rather than hand-rolled field checks.
const bundleSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["target", "bundleId", "events"],
	"properties": {
		"target": {"type": "string", "minLength": 1},
		"bundleId": {"type": "string", "minLength": 1},
		"events": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["eventId", "eventType", "timestamp", "actorId"],
				"properties": {
					"eventId": {"type": "string", "minLength": 1},
					"eventType": {"type": "string", "minLength": 1},
					"timestamp": {"type": "string", "minLength": 1},
					"actorId": {"type": "string", "minLength": 1},
					"payload": {"type": "object"}
				}
			}
		},
		"artifacts": {"type": "array"}
	}
}`

var bundleSchema = mustCompileBundleSchema()

func mustCompileBundleSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bundleSchemaJSON))
	if err != nil {
		panic("controlplane: invalid embedded bundle schema: " + err.Error())
	}
	if err := c.AddResource("bundle.json", doc); err != nil {
		panic("controlplane: cannot add bundle schema resource: " + err.Error())
	}
	s, err := c.Compile("bundle.json")
	if err != nil {
		panic("controlplane: cannot compile bundle schema: " + err.Error())
	}
	return s
}

func validateBundleDoc(doc interface{}) error {
	return bundleSchema.Validate(doc)
}
