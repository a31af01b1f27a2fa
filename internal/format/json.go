package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONPlugin expects a single JSON document wrapped in the JSON
// envelope and validates it against the phase's JSON schema contract
type JSONPlugin struct{}

func (*JSONPlugin) Name() string { return "json" }

func (*JSONPlugin) Extract(raw string) (string, error) {
	if body, ok := envelope(raw, "JSON"); ok {
		return body, nil
	}
	if body, ok := fencedBlock(raw); ok {
		return body, nil
	}
	return strings.TrimSpace(raw), nil
}

func (*JSONPlugin) Validate(content, contract string) []domain.ValidationError {
	var value interface{}
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return []domain.ValidationError{{
			Kind:    "json",
			Message: fmt.Sprintf("output is not valid JSON: %v", err),
		}}
	}

	if contract == "" {
		return nil
	}

	sch, err := jsonschema.CompileString("schema.json", contract)
	if err != nil {
		return []domain.ValidationError{{
			Kind:    "schema",
			Message: fmt.Sprintf("contract does not compile: %v", err),
		}}
	}

	err = sch.Validate(value)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []domain.ValidationError{{Kind: "schema", Message: err.Error()}}
	}
	return flattenSchemaErrors(ve)
}

// flattenSchemaErrors walks the cause tree and keeps the leaves, which
// carry the actionable instance locations
func flattenSchemaErrors(ve *jsonschema.ValidationError) []domain.ValidationError {
	if len(ve.Causes) == 0 {
		location := ve.InstanceLocation
		if location == "" {
			location = "/"
		}
		return []domain.ValidationError{{
			Kind:     "schema",
			Location: location,
			Message:  ve.Message,
		}}
	}

	var errs []domain.ValidationError
	for _, cause := range ve.Causes {
		errs = append(errs, flattenSchemaErrors(cause)...)
	}
	return errs
}

func (*JSONPlugin) Format(content, format string) (string, error) {
	switch format {
	case "raw":
		return content, nil
	case "compact":
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(content)); err != nil {
			return "", err
		}
		return buf.String(), nil
	case "pretty":
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(content), "", "  "); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	return "", fmt.Errorf("json plugin does not support format %q", format)
}

func (*JSONPlugin) FileExtension() string { return "json" }

func (*JSONPlugin) Guidance() string {
	return strings.TrimSpace(`
Respond with a single JSON document wrapped in markers:

%%% JSON START %%%
{ ... }
%%% JSON END %%%

No prose outside the markers. The document must satisfy the schema
included in the prompt.
`)
}

func (*JSONPlugin) CanRepair() bool { return true }
