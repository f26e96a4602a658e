// Package configschema validates extension configuration against the JSON
// Schema and field rules declared in the extension's manifest.
package configschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// Validation rule names
const (
	RuleRequired  = "required"
	RuleType      = "type"
	RulePattern   = "pattern"
	RuleMinLength = "min_length"
	RuleMaxLength = "max_length"
	RuleMinimum   = "minimum"
	RuleMaximum   = "maximum"
	RuleEnum      = "enum"
)

const schemaResource = "inmemory://configuration"

// Validate checks config against the extension's schema and validation
// rules. It returns nil or a non-empty extensions.ValidationErrors.
func Validate(cfg extensions.Configuration, config map[string]interface{}) error {
	payload, err := normalize(config)
	if err != nil {
		return extensions.ValidationErrors{{Field: "configuration", Message: err.Error()}}
	}

	var errs extensions.ValidationErrors
	if len(cfg.Schema) > 0 {
		errs = append(errs, validateSchema(cfg.Schema, payload)...)
	}
	for _, rule := range cfg.ValidationRules {
		if verr := applyRule(rule, payload); verr != nil {
			errs = append(errs, *verr)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Merge returns current overlaid with update. Neither input is modified.
func Merge(current, update map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(current)+len(update))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

// normalize turns config into the plain JSON value types the schema
// validator accepts.
func normalize(config map[string]interface{}) (map[string]interface{}, error) {
	if config == nil {
		return map[string]interface{}{}, nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("configuration is not JSON encodable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return out, nil
}

func validateSchema(schema map[string]interface{}, payload map[string]interface{}) extensions.ValidationErrors {
	data, err := json.Marshal(schema)
	if err != nil {
		return extensions.ValidationErrors{{Field: "schema", Message: fmt.Sprintf("marshal schema: %v", err)}}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, bytes.NewReader(data)); err != nil {
		return extensions.ValidationErrors{{Field: "schema", Message: fmt.Sprintf("add schema resource: %v", err)}}
	}
	compiled, err := compiler.Compile(schemaResource)
	if err != nil {
		return extensions.ValidationErrors{{Field: "schema", Message: fmt.Sprintf("compile schema: %v", err)}}
	}

	err = compiled.Validate(payload)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return extensions.ValidationErrors{{Field: "configuration", Message: err.Error()}}
	}

	var errs extensions.ValidationErrors
	collectLeaves(verr, &errs)
	return errs
}

func collectLeaves(verr *jsonschema.ValidationError, errs *extensions.ValidationErrors) {
	if len(verr.Causes) == 0 {
		*errs = append(*errs, extensions.ValidationError{
			Field:   fieldName(verr.InstanceLocation),
			Message: verr.Message,
		})
		return
	}
	for _, cause := range verr.Causes {
		collectLeaves(cause, errs)
	}
}

// fieldName converts a JSON pointer into a dotted field path
func fieldName(pointer string) string {
	field := strings.ReplaceAll(strings.TrimPrefix(pointer, "/"), "/", ".")
	if field == "" {
		return "configuration"
	}
	return field
}

func applyRule(rule extensions.ValidationRule, config map[string]interface{}) *extensions.ValidationError {
	value, present := config[rule.Field]
	fail := func(format string, args ...interface{}) *extensions.ValidationError {
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf(format, args...)
		}
		return &extensions.ValidationError{Field: rule.Field, Message: msg}
	}

	if rule.Rule == RuleRequired {
		if !present || value == nil {
			return fail("%s is required", rule.Field)
		}
		return nil
	}
	// remaining rules only constrain values that are set
	if !present || value == nil {
		return nil
	}

	switch rule.Rule {
	case RuleType:
		if jsonType(value) != rule.Value {
			return fail("%s must be of type %s", rule.Field, rule.Value)
		}
	case RulePattern:
		re, err := regexp.Compile(rule.Value)
		if err != nil {
			return fail("invalid pattern %q", rule.Value)
		}
		s, ok := value.(string)
		if !ok || !re.MatchString(s) {
			return fail("%s must match %s", rule.Field, rule.Value)
		}
	case RuleMinLength, RuleMaxLength:
		limit, err := strconv.Atoi(rule.Value)
		if err != nil {
			return fail("invalid length %q", rule.Value)
		}
		s, ok := value.(string)
		if !ok {
			return fail("%s must be a string", rule.Field)
		}
		if rule.Rule == RuleMinLength && len(s) < limit {
			return fail("%s must be at least %d characters", rule.Field, limit)
		}
		if rule.Rule == RuleMaxLength && len(s) > limit {
			return fail("%s must be at most %d characters", rule.Field, limit)
		}
	case RuleMinimum, RuleMaximum:
		limit, err := strconv.ParseFloat(rule.Value, 64)
		if err != nil {
			return fail("invalid bound %q", rule.Value)
		}
		n, ok := value.(json.Number)
		if !ok {
			return fail("%s must be a number", rule.Field)
		}
		f, err := n.Float64()
		if err != nil {
			return fail("%s must be a number", rule.Field)
		}
		if rule.Rule == RuleMinimum && f < limit {
			return fail("%s must be >= %s", rule.Field, rule.Value)
		}
		if rule.Rule == RuleMaximum && f > limit {
			return fail("%s must be <= %s", rule.Field, rule.Value)
		}
	case RuleEnum:
		s := fmt.Sprint(value)
		for _, allowed := range rule.Values {
			if s == allowed {
				return nil
			}
		}
		return fail("%s must be one of %s", rule.Field, strings.Join(rule.Values, ", "))
	default:
		return fail("unknown validation rule %q", rule.Rule)
	}
	return nil
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "null"
	}
}
