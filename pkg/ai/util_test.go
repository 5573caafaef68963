package ai

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	type person struct {
		Name string `json:"name"`
		Age  int    `json:"age,omitempty"`
	}

	tests := []struct {
		name  string
		input string
		want  person
	}{
		{
			name:  "valid json object",
			input: `{"name":"John"}`,
			want:  person{Name: "John"},
		},
		{
			name:  "unquoted key and single quotes",
			input: `{name: 'John'}`,
			want:  person{Name: "John"},
		},
		{
			name:  "trailing comma",
			input: `{"name":"John",}`,
			want:  person{Name: "John"},
		},
		{
			name:  "missing endbracket",
			input: `{"name":"John`,
			want:  person{Name: "John"},
		},
		{
			name:  "stringified invalid json object",
			input: `"{name: 'John'}"`,
			want:  person{Name: "John"},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"name\": \"John\"\n}\n",
			want:  person{Name: "John"},
		},
		{
			name:  "markdown code fence",
			input: "```json\n{\"name\": \"John\"}\n```",
			want:  person{Name: "John"},
		},
		{
			name:  "duplicate leading brace no newlines",
			input: `{ { "name": "John" }`,
			want:  person{Name: "John"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got person
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Name != tc.want.Name || got.Age != tc.want.Age {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_ArrayVariants(t *testing.T) {
	type person struct {
		Name string `json:"name"`
		Age  int    `json:"age,omitempty"`
	}

	input := `[{name:'A'},{name:'B',}]`
	var got []person
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "A" || got[1].Name != "B" {
		t.Fatalf("UnmarshalFlexible() got = %+v, want two persons A,B", got)
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	type person struct {
		Name string `json:"name"`
		Age  int    `json:"age,omitempty"`
	}

	var got person
	err := UnmarshalFlexible("hello", &got)
	if err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("UnmarshalFlexible() error = %v, want ErrMalformedOutput", err)
	}

	if err := UnmarshalFlexible("   ", &got); !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("UnmarshalFlexible() error = %v, want ErrMalformedOutput", err)
	}
}

func TestUnmarshalFlexible_CountryExamples(t *testing.T) {
	type country struct {
		Name      string   `json:"name"`
		Capital   string   `json:"capital"`
		Languages []string `json:"languages"`
	}

	tests := []struct {
		name  string
		input string
		want  country
	}{
		{
			name:  "canada simple stringified",
			input: `"{ \"name\": \"Canada\", \"capital\": \"Ottawa\", \"languages\": [ \"English\", \"French\" ] }"`,
			want:  country{Name: "Canada", Capital: "Ottawa", Languages: []string{"English", "French"}},
		},
		{
			name:  "canada stringified with newlines",
			input: `"{\n  \"name\": \"Canada\",\n  \"capital\": \"Ottawa\",\n  \"languages\": [\"English\", \"French\", \"Other Indigenous Languages (e.g., Cree, Inuktitut)\"]\n  }\n"`,
			want:  country{Name: "Canada", Capital: "Ottawa", Languages: []string{"English", "French", "Other Indigenous Languages (e.g., Cree, Inuktitut)"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got country
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Name != tc.want.Name || got.Capital != tc.want.Capital {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
			if len(got.Languages) != len(tc.want.Languages) {
				t.Fatalf("UnmarshalFlexible() languages length got = %d, want %d", len(got.Languages), len(tc.want.Languages))
			}
			for i := range got.Languages {
				if got.Languages[i] != tc.want.Languages[i] {
					t.Fatalf("UnmarshalFlexible() languages[%d] = %q, want %q", i, got.Languages[i], tc.want.Languages[i])
				}
			}
		})
	}
}

func TestGenerateSchema(t *testing.T) {
	type entity struct {
		Name string `json:"name" jsonschema_description:"Entity name"`
	}
	type response struct {
		Entities []entity `json:"entities"`
	}

	raw, err := json.Marshal(GenerateSchema(&response{}))
	if err != nil {
		t.Fatalf("Marshal(GenerateSchema()) error = %v", err)
	}
	schema := string(raw)
	for _, want := range []string{`"entities"`, `"name"`, `"additionalProperties":false`, `"Entity name"`} {
		if !strings.Contains(schema, want) {
			t.Errorf("GenerateSchema() = %s, missing %s", schema, want)
		}
	}
	if strings.Contains(schema, "$ref") {
		t.Errorf("GenerateSchema() = %s, want inlined definitions", schema)
	}
}

func TestFitDimension(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		dim  int
		want []float32
	}{
		{name: "exact", in: []float64{1, 2}, dim: 2, want: []float32{1, 2}},
		{name: "truncate", in: []float64{1, 2, 3}, dim: 2, want: []float32{1, 2}},
		{name: "pad", in: []float64{1}, dim: 3, want: []float32{1, 0, 0}},
		{name: "empty", in: nil, dim: 2, want: []float32{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FitDimension(tt.in, tt.dim)
			if len(got) != len(tt.want) {
				t.Fatalf("FitDimension() = %#v, want %#v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("FitDimension() = %#v, want %#v", got, tt.want)
				}
			}
		})
	}
}

func TestAddMetrics(t *testing.T) {
	var total ModelMetrics
	AddMetrics(&total, ModelMetrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, DurationMs: 500})
	AddMetrics(&total, ModelMetrics{InputTokens: 5, TotalTokens: 5, DurationMs: 500})

	if total.TotalTokens != 20 || total.DurationMs != 1000 {
		t.Fatalf("AddMetrics() = %+v", total)
	}
	if total.TokenPerSecond != 20 {
		t.Fatalf("expected 20 tokens per second, got %v", total.TokenPerSecond)
	}
}
