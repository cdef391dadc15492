package registry

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"

	"github.com/cranklabs/crank-controller/pkg/capability"
)

// SchemaValidator checks a CapabilityDefinition against the core-field and
// optional-field rules in the capability contract before the registry
// accepts it. Required-field/shape checks run through a struct-tag
// validator; version parsing and JSON-schema syntax checks are handled
// separately since neither fits a generic struct tag.
type SchemaValidator struct {
	v *validator.Validate
}

// NewSchemaValidator builds a SchemaValidator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{v: validator.New()}
}

// Validate returns a *ValidationError naming the first offending field, or
// nil if def satisfies every core and optional-field rule.
func (s *SchemaValidator) Validate(def capability.Definition) error {
	if err := s.v.Struct(def); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: jsonFieldName(fe.StructField()), Message: fe.Tag()}
		}
		return &ValidationError{Field: "unknown", Message: err.Error()}
	}

	if !isValidSemver(def.Version) {
		return &ValidationError{Field: "version", Message: "not a parseable semantic version"}
	}
	if !isSyntacticJSONObject(def.InputSchema) {
		return &ValidationError{Field: "input_schema", Message: "not a syntactically valid JSON schema"}
	}
	if !isSyntacticJSONObject(def.OutputSchema) {
		return &ValidationError{Field: "output_schema", Message: "not a syntactically valid JSON schema"}
	}
	return nil
}

// ValidateBatch additionally rejects duplicate (verb, name) pairs within a
// single registration payload.
func (s *SchemaValidator) ValidateBatch(defs []capability.Definition) error {
	seen := make(map[capability.Key]struct{}, len(defs))
	for _, def := range defs {
		if err := s.Validate(def); err != nil {
			return err
		}
		k := def.Key()
		if _, dup := seen[k]; dup {
			return &ValidationError{Field: "verb,name", Message: fmt.Sprintf("duplicate capability key %q in registration", k)}
		}
		seen[k] = struct{}{}
	}
	return nil
}

// isValidSemver normalizes a bare "major.minor.patch" string to the
// leading-"v" form golang.org/x/mod/semver expects before validating it.
func isValidSemver(version string) bool {
	if version == "" {
		return false
	}
	v := version
	if v[0] != 'v' {
		v = "v" + v
	}
	return semver.IsValid(v)
}

// isSyntacticJSONObject checks only that the raw bytes parse as a JSON
// object; full JSON-Schema semantic validation is out of scope.
func isSyntacticJSONObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var m map[string]any
	return json.Unmarshal(raw, &m) == nil
}

// jsonFieldName maps a Go struct field name back to its JSON tag for
// wire-facing error messages; unknown fields fall back to their Go name.
func jsonFieldName(goName string) string {
	switch goName {
	case "Name":
		return "name"
	case "Verb":
		return "verb"
	case "Version":
		return "version"
	case "InputSchema":
		return "input_schema"
	case "OutputSchema":
		return "output_schema"
	case "MaxConcurrency":
		return "max_concurrency"
	default:
		return goName
	}
}
