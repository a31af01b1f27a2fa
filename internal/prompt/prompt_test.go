package prompt

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

type fakeFormatter struct{}

func (fakeFormatter) Format(plugin, content, format string) (string, error) {
	if format == "unsupported" {
		return "", fmt.Errorf("plugin %s does not support format %s", plugin, format)
	}
	return plugin + "/" + format + ":" + content, nil
}

func testContext() Context {
	return Context{
		BatchName: "aldhollow",
		BatchID:   "b-1",
		Params:    map[string]string{"theme": "ironpunk"},
		Outputs: map[string]Output{
			"frame/outline": {Content: `{"name":"Aldhollow"}`, Plugin: "json"},
			"frame/regions": {Content: "- North Reach\n- Mirefall", Plugin: "list"},
		},
		LastPhase: map[string]string{"frame": "regions"},
		Guidance: map[string]string{
			"generic":      "Be concise.",
			"frame":        "Frame guidance.",
			"plugins/json": "Wrap JSON in markers.",
		},
		Schemas: map[string]string{
			"outline":      `{"type":"object"}`,
			"plugins/list": `{"type":"array"}`,
		},
		SchemaName: "outline",
		Formatter:  fakeFormatter{},
	}
}

func TestRender_BatchIdentity(t *testing.T) {
	got, err := Render("World {BATCH_NAME} ({BATCH_ID})", testContext())
	if err != nil {
		t.Fatal(err)
	}
	if got != "World aldhollow (b-1)" {
		t.Errorf("Render() = %q", got)
	}
}

func TestRender_Param(t *testing.T) {
	got, err := Render("Theme: {PARAM:theme}", testContext())
	if err != nil {
		t.Fatal(err)
	}
	if got != "Theme: ironpunk" {
		t.Errorf("Render() = %q", got)
	}

	_, err = Render("{PARAM:ghost}", testContext())
	var unres *domain.UnresolvedReferenceError
	if !errors.As(err, &unres) {
		t.Fatalf("missing param error = %v, want UnresolvedReferenceError", err)
	}
	if unres.Ref != "{PARAM:ghost}" {
		t.Errorf("Ref = %q, want {PARAM:ghost}", unres.Ref)
	}
}

func TestRender_Output(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"stage and phase", "{OUTPUT:STAGE:frame:PHASE:outline}", `{"name":"Aldhollow"}`},
		{"last phase of stage", "{OUTPUT:STAGE:frame}", "- North Reach\n- Mirefall"},
		{"explicit raw format", "{OUTPUT:STAGE:frame:PHASE:outline:FORMAT:raw}", `{"name":"Aldhollow"}`},
		{"converted format", "{OUTPUT:STAGE:frame:PHASE:regions:FORMAT:lines}", "list/lines:- North Reach\n- Mirefall"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, testContext())
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Render(%s) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestRender_Output_Unresolved(t *testing.T) {
	templates := []string{
		"{OUTPUT:STAGE:ghost}",
		"{OUTPUT:STAGE:frame:PHASE:ghost}",
		"{OUTPUT:STAGE:frame:PHASE:regions:FORMAT:unsupported}",
	}

	for _, template := range templates {
		_, err := Render(template, testContext())
		var unres *domain.UnresolvedReferenceError
		if !errors.As(err, &unres) {
			t.Errorf("Render(%s) error = %v, want UnresolvedReferenceError", template, err)
		}
	}
}

func TestRender_Guidance(t *testing.T) {
	got, err := Render("{GUIDANCE:TYPE:generic}\n{GUIDANCE:TYPE:frame}\n{GUIDANCE:PLUGIN:json}", testContext())
	if err != nil {
		t.Fatal(err)
	}
	want := "Be concise.\nFrame guidance.\nWrap JSON in markers."
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}

	if _, err := Render("{GUIDANCE:TYPE:ghost}", testContext()); err == nil {
		t.Error("unknown guidance = nil error, want UnresolvedReference")
	}
}

func TestRender_Schema(t *testing.T) {
	got, err := Render("{SCHEMA} / {SCHEMA:PLUGIN:list}", testContext())
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"type":"object"} / {"type":"array"}` {
		t.Errorf("Render() = %q", got)
	}

	ctx := testContext()
	ctx.SchemaName = ""
	_, err = Render("{SCHEMA}", ctx)
	var unres *domain.UnresolvedReferenceError
	if !errors.As(err, &unres) {
		t.Fatalf("schema without declaration error = %v, want UnresolvedReferenceError", err)
	}
	if !strings.Contains(unres.Reason, "no schema") {
		t.Errorf("Reason = %q, want no schema", unres.Reason)
	}
}

func TestRender_UnknownTokensVerbatim(t *testing.T) {
	// Literal braces, lowercase tokens and unreserved heads pass
	// through untouched, including repair placeholders
	template := `Return {"ok": true} or {not_a_ref} or {CONTENT} with {VALIDATION_ERRORS}`

	got, err := Render(template, testContext())
	if err != nil {
		t.Fatal(err)
	}
	if got != template {
		t.Errorf("Render() = %q, want verbatim %q", got, template)
	}
}

func TestRender_CollectsAllErrors(t *testing.T) {
	_, err := Render("{PARAM:ghost} and {OUTPUT:STAGE:ghost}", testContext())
	if err == nil {
		t.Fatal("Render() error = nil, want joined unresolved references")
	}

	msg := err.Error()
	if !strings.Contains(msg, "{PARAM:ghost}") || !strings.Contains(msg, "{OUTPUT:STAGE:ghost}") {
		t.Errorf("joined error = %q, want both references", msg)
	}

	var unres *domain.UnresolvedReferenceError
	if !errors.As(err, &unres) {
		t.Errorf("joined error does not unwrap to UnresolvedReferenceError")
	}
}

func TestRender_Deterministic(t *testing.T) {
	template := "{BATCH_NAME} {PARAM:theme}\n{OUTPUT:STAGE:frame}\n{GUIDANCE:TYPE:generic}\n{SCHEMA}"

	first, err := Render(template, testContext())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		got, err := Render(template, testContext())
		if err != nil {
			t.Fatal(err)
		}
		if got != first {
			t.Fatalf("render %d differs from first", i)
		}
	}
}
