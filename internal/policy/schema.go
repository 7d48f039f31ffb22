package policy

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// policySchema and backlogSchema are compiled once and reused across
// every LoadPolicy/LoadBacklog call. Strict mode (spec §4.3) rejects
// unknown top-level fields; it only activates when the document declares
// a schemaVersion, so existing lenient documents are unaffected.
const policySchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"schemaVersion": {"type": "string"},
		"autonomyEnabled": {"type": "boolean"},
		"allowedPathPrefixes": {"type": "array", "items": {"type": "string"}},
		"maxOpenPRs": {"type": "integer"},
		"maxRunningAttempts": {"type": "integer"},
		"maxAttemptsPerTask": {"type": "integer"},
		"circuitBreakerFailures": {"type": "integer"},
		"attemptTimeoutSeconds": {"type": "integer"},
		"scheduleIntervalSeconds": {"type": "integer"},
		"autoMerge": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"rules": {"type": "object"}
			}
		}
	}
}`

const backlogSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"schemaVersion": {"type": "string"},
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"additionalProperties": false,
				"required": ["id", "title", "ready", "allowedPaths"],
				"properties": {
					"id": {"type": "string"},
					"title": {"type": "string"},
					"scope": {"type": "string"},
					"ready": {"type": "boolean"},
					"status": {"type": "string", "enum": ["pending", "inProgress", "completed", "blocked"]},
					"priority": {"type": "string", "enum": ["low", "normal", "high"]},
					"allowedPaths": {"type": "array", "items": {"type": "string"}},
					"dependencies": {"type": "array", "items": {"type": "string"}},
					"acceptanceCriteria": {"type": "array", "items": {"type": "string"}},
					"attempts": {"type": "array"}
				}
			}
		}
	}
}`

var policySchema = mustCompile("policy.json", policySchemaJSON)
var backlogSchema = mustCompile("backlog.json", backlogSchemaJSON)

func mustCompile(name, schemaJSON string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic("policy: invalid embedded schema " + name + ": " + err.Error())
	}
	if err := c.AddResource(name, doc); err != nil {
		panic("policy: cannot add schema resource " + name + ": " + err.Error())
	}
	s, err := c.Compile(name)
	if err != nil {
		panic("policy: cannot compile schema " + name + ": " + err.Error())
	}
	return s
}

// validateIfStrict decodes raw as a generic YAML document and, only if
// it carries a schemaVersion field, validates it against schema in
// strict (additionalProperties: false) mode.
func validateIfStrict(raw []byte, schema *jsonschema.Schema) error {
	var probe map[string]interface{}
	if err := yaml.NewDecoder(bytes.NewReader(raw)).Decode(&probe); err != nil {
		return leverr.New("policy.validateIfStrict", leverr.ValidationFailed, err)
	}
	if probe == nil {
		return nil
	}
	if _, ok := probe["schemaVersion"]; !ok {
		return nil // lenient mode: unknown fields tolerated
	}

	doc, err := toJSONDoc(probe)
	if err != nil {
		return leverr.New("policy.validateIfStrict", leverr.ValidationFailed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return leverr.New("policy.validateIfStrict", leverr.ValidationFailed, err)
	}
	return nil
}

// toJSONDoc converts a yaml.v3-decoded map[string]interface{} (whose
// nested maps may be map[string]interface{} already, but whose scalar
// types don't always match encoding/json's) into the plain
// map[string]interface{}/[]interface{}/float64/string/bool shape
// jsonschema/v6 expects, by round-tripping through encoding/json.
func toJSONDoc(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
