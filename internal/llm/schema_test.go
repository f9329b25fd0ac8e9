package llm

import (
	"strings"
	"testing"
)

var testSchema = &Schema{
	Type: "object",
	Properties: map[string]SchemaProperty{
		"headline": {Type: "string"},
		"score":    {Type: "number"},
	},
	Required: []string{"headline", "score"},
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced no lang", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose wrapped", `Sure! Here you go: {"a": 1} hope that helps`, `{"a": 1}`},
		{"no object", "no json here", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := strings.TrimSpace(ExtractJSON(tc.reply))
			if got != tc.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tc.reply, got, tc.want)
			}
		})
	}
}

func TestSchemaValidate(t *testing.T) {
	if _, err := testSchema.Validate(`{"headline": "h", "score": 0.5}`); err != nil {
		t.Errorf("valid object rejected: %v", err)
	}

	if _, err := testSchema.Validate(`{"headline": "h"}`); err == nil {
		t.Error("missing required field accepted")
	}

	if _, err := testSchema.Validate(`{"headline": null, "score": 1}`); err == nil {
		t.Error("null required field accepted")
	}

	if _, err := testSchema.Validate("I cannot answer that."); err == nil {
		t.Error("prose accepted")
	}

	// Fenced output is cleaned before validation.
	out, err := testSchema.Validate("```json\n{\"headline\": \"h\", \"score\": 1}\n```")
	if err != nil {
		t.Fatalf("fenced valid object rejected: %v", err)
	}
	if strings.Contains(out, "```") {
		t.Errorf("fences not stripped: %q", out)
	}
}
