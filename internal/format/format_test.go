package format

import (
	"strings"
	"testing"
)

func TestJSONExtract(t *testing.T) {
	p := &JSONPlugin{}

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			"envelope",
			"Some preamble\n%%% JSON START %%%\n{\"name\": \"Aldhollow\"}\n%%% JSON END %%%\ntrailing",
			`{"name": "Aldhollow"}`,
		},
		{
			"fenced block",
			"Here you go:\n```json\n{\"a\": 1}\n```\nDone.",
			`{"a": 1}`,
		},
		{
			"bare",
			"  {\"a\": 1}\n",
			`{"a": 1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Extract(tt.raw)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if got != tt.want {
				t.Errorf("Extract = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJSONValidate_InvalidJSON(t *testing.T) {
	p := &JSONPlugin{}
	errs := p.Validate("{not json", "")
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if errs[0].Kind != "json" {
		t.Errorf("Kind = %q, want json", errs[0].Kind)
	}
}

func TestJSONValidate_NoContract(t *testing.T) {
	p := &JSONPlugin{}
	if errs := p.Validate(`{"anything": true}`, ""); len(errs) != 0 {
		t.Errorf("got %d errors, want 0 without a contract", len(errs))
	}
}

func TestJSONValidate_SchemaViolations(t *testing.T) {
	contract := `{
		"type": "object",
		"required": ["name", "regions"],
		"properties": {
			"name": {"type": "string"},
			"regions": {"type": "array"}
		}
	}`

	p := &JSONPlugin{}
	errs := p.Validate(`{"name": 7}`, contract)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}

	locations := make(map[string]bool)
	for _, e := range errs {
		if e.Kind != "schema" {
			t.Errorf("Kind = %q, want schema", e.Kind)
		}
		locations[e.Location] = true
	}
	if !locations["/name"] {
		t.Errorf("missing violation at /name, got %v", errs)
	}
	if !locations["/"] {
		t.Errorf("missing root violation for required, got %v", errs)
	}
}

func TestJSONValidate_BadContract(t *testing.T) {
	p := &JSONPlugin{}
	errs := p.Validate(`{}`, `{"type": 42}`)
	if len(errs) != 1 || errs[0].Kind != "schema" {
		t.Fatalf("got %v, want a single schema error for a bad contract", errs)
	}
	if !strings.Contains(errs[0].Message, "compile") {
		t.Errorf("Message = %q, should mention compile", errs[0].Message)
	}
}

func TestJSONFormat(t *testing.T) {
	p := &JSONPlugin{}
	content := "{\"a\": 1,\n  \"b\": 2}"

	compact, err := p.Format(content, "compact")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if compact != `{"a":1,"b":2}` {
		t.Errorf("compact = %q", compact)
	}

	pretty, err := p.Format(`{"a":1}`, "pretty")
	if err != nil {
		t.Fatalf("pretty: %v", err)
	}
	if !strings.Contains(pretty, "\n  \"a\": 1") {
		t.Errorf("pretty = %q", pretty)
	}

	raw, err := p.Format(content, "raw")
	if err != nil || raw != content {
		t.Errorf("raw = %q, %v", raw, err)
	}

	if _, err := p.Format(content, "yaml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestListExtractAndValidate(t *testing.T) {
	p := &ListPlugin{}

	got, err := p.Extract("intro\n%%% LIST START %%%\n- North Reach\n- Mirefall\n%%% LIST END %%%")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "- North Reach\n- Mirefall" {
		t.Errorf("Extract = %q", got)
	}

	if errs := p.Validate(got, ""); len(errs) != 0 {
		t.Errorf("valid list produced errors: %v", errs)
	}

	errs := p.Validate("no bullets here", "")
	if len(errs) == 0 {
		t.Fatal("expected errors for a list with no items")
	}
	if errs[0].Message != "list has no items" {
		t.Errorf("Message = %q", errs[0].Message)
	}

	errs = p.Validate("- one\nplain line\n- two", "")
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(errs), errs)
	}
	if errs[0].Location != "line 2" {
		t.Errorf("Location = %q, want line 2", errs[0].Location)
	}
}

func TestListFormat(t *testing.T) {
	p := &ListPlugin{}
	content := "- North Reach\n- Mirefall"

	lines, err := p.Format(content, "lines")
	if err != nil || lines != "North Reach\nMirefall" {
		t.Errorf("lines = %q, %v", lines, err)
	}

	csv, err := p.Format(content, "csv")
	if err != nil || csv != "North Reach, Mirefall" {
		t.Errorf("csv = %q, %v", csv, err)
	}

	if _, err := p.Format(content, "table"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestTextPlugin(t *testing.T) {
	p := &TextPlugin{}

	got, err := p.Extract("  some prose  \n")
	if err != nil || got != "some prose" {
		t.Errorf("Extract = %q, %v", got, err)
	}

	if errs := p.Validate("some prose", ""); len(errs) != 0 {
		t.Errorf("prose produced errors: %v", errs)
	}
	if errs := p.Validate("   ", ""); len(errs) != 1 {
		t.Errorf("empty output should produce one error, got %v", errs)
	}

	if _, err := p.Format("x", "lines"); err == nil {
		t.Error("text plugin should only support raw")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	want := []string{"json", "list", "text"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := r.Get("json"); err != nil {
		t.Errorf("Get(json): %v", err)
	}
	if _, err := r.Get("xml"); err == nil {
		t.Error("expected error for unknown plugin")
	}

	out, err := r.Format("list", "- a\n- b", "csv")
	if err != nil || out != "a, b" {
		t.Errorf("Format = %q, %v", out, err)
	}
}
