// Package prompt renders phase templates by substituting placeholder
// references with batch parameters, upstream outputs, guidance
// documents and schemas. Rendering is pure: the same template and
// context always produce byte-identical output.
package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

// tokenRegex matches candidate placeholders. Only tokens whose head is
// a reserved keyword are interpreted; everything else stays verbatim so
// literal JSON braces in prompt bodies survive rendering.
var tokenRegex = regexp.MustCompile(`\{([A-Z_]+)((?::[A-Za-z0-9_./-]+)*)\}`)

var reservedHeads = map[string]bool{
	"BATCH_NAME": true,
	"BATCH_ID":   true,
	"PARAM":      true,
	"OUTPUT":     true,
	"GUIDANCE":   true,
	"SCHEMA":     true,
}

// Output is a validated upstream output available to templates
type Output struct {
	Content string
	Plugin  string
}

// Formatter converts an output through its producing plugin's format
// converter. The raw format never reaches it.
type Formatter interface {
	Format(plugin, content, format string) (string, error)
}

// Context carries everything a template may reference
type Context struct {
	BatchName string
	BatchID   string
	Params    map[string]string

	// Outputs holds validated upstream outputs keyed "stage/phase"
	Outputs map[string]Output
	// LastPhase maps a stage name to the name of its last phase, for
	// output references that name only a stage
	LastPhase map[string]string

	// Guidance documents keyed by name ("generic", "frame",
	// "plugins/json")
	Guidance map[string]string

	// Schemas keyed like guidance; SchemaName names the current
	// phase's schema within it, empty when the phase declares none
	Schemas    map[string]string
	SchemaName string

	Formatter Formatter
}

// Render substitutes every reserved placeholder in template. All
// unresolvable references are collected and reported together.
func Render(template string, ctx Context) (string, error) {
	var errs []error

	rendered := tokenRegex.ReplaceAllStringFunc(template, func(token string) string {
		m := tokenRegex.FindStringSubmatch(token)
		head := m[1]
		if !reservedHeads[head] {
			return token
		}

		var args []string
		if m[2] != "" {
			args = strings.Split(strings.TrimPrefix(m[2], ":"), ":")
		}

		value, err := resolve(head, args, token, ctx)
		if err != nil {
			errs = append(errs, err)
			return token
		}
		return value
	})

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return rendered, nil
}

func resolve(head string, args []string, token string, ctx Context) (string, error) {
	switch head {
	case "BATCH_NAME":
		return ctx.BatchName, nil

	case "BATCH_ID":
		return ctx.BatchID, nil

	case "PARAM":
		if len(args) != 1 {
			return "", unresolved(token, "malformed parameter reference")
		}
		value, ok := ctx.Params[args[0]]
		if !ok {
			return "", unresolved(token, fmt.Sprintf("batch has no parameter %q", args[0]))
		}
		return value, nil

	case "OUTPUT":
		return resolveOutput(args, token, ctx)

	case "GUIDANCE":
		if len(args) != 2 {
			return "", unresolved(token, "malformed guidance reference")
		}
		var key string
		switch args[0] {
		case "TYPE":
			key = args[1]
		case "PLUGIN":
			key = "plugins/" + args[1]
		default:
			return "", unresolved(token, "guidance selector must be TYPE or PLUGIN")
		}
		doc, ok := ctx.Guidance[key]
		if !ok {
			return "", unresolved(token, fmt.Sprintf("no guidance document %q", key))
		}
		return doc, nil

	case "SCHEMA":
		if len(args) == 0 {
			if ctx.SchemaName == "" {
				return "", unresolved(token, "phase declares no schema")
			}
			schema, ok := ctx.Schemas[ctx.SchemaName]
			if !ok {
				return "", unresolved(token, fmt.Sprintf("no schema %q", ctx.SchemaName))
			}
			return schema, nil
		}
		if len(args) != 2 || args[0] != "PLUGIN" {
			return "", unresolved(token, "malformed schema reference")
		}
		schema, ok := ctx.Schemas["plugins/"+args[1]]
		if !ok {
			return "", unresolved(token, fmt.Sprintf("no schema for plugin %q", args[1]))
		}
		return schema, nil
	}

	return "", unresolved(token, "unknown reference")
}

// resolveOutput handles OUTPUT:STAGE:s[:PHASE:p][:FORMAT:f]
func resolveOutput(args []string, token string, ctx Context) (string, error) {
	if len(args) < 2 || args[0] != "STAGE" {
		return "", unresolved(token, "output reference must start with STAGE")
	}
	stage := args[1]
	rest := args[2:]

	phase := ""
	if len(rest) >= 2 && rest[0] == "PHASE" {
		phase = rest[1]
		rest = rest[2:]
	}

	format := "raw"
	if len(rest) >= 2 && rest[0] == "FORMAT" {
		format = rest[1]
		rest = rest[2:]
	}
	if len(rest) != 0 {
		return "", unresolved(token, "malformed output reference")
	}

	if phase == "" {
		last, ok := ctx.LastPhase[stage]
		if !ok {
			return "", unresolved(token, fmt.Sprintf("unknown stage %q", stage))
		}
		phase = last
	}

	key := stage + "/" + phase
	out, ok := ctx.Outputs[key]
	if !ok {
		return "", unresolved(token, fmt.Sprintf("output of %s is not available", key))
	}

	if format == "raw" {
		return out.Content, nil
	}
	if ctx.Formatter == nil {
		return "", unresolved(token, fmt.Sprintf("no formatter for format %q", format))
	}
	converted, err := ctx.Formatter.Format(out.Plugin, out.Content, format)
	if err != nil {
		return "", unresolved(token, err.Error())
	}
	return converted, nil
}

func unresolved(ref, reason string) error {
	return &domain.UnresolvedReferenceError{Ref: ref, Reason: reason}
}
