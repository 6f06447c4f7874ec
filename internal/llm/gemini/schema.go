package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type field struct {
	name        string
	description string
}

var bookFields = []field{
	{"title", "Main title of the book"},
	{"pageCount", "Estimated number of pages (e.g. '150')"},
	{"chapters", "Comma-separated chapter titles (e.g. 'Intro, Chapter 1, Chapter 2')"},
	{"content", "Full book content formatted as mobile-friendly Markdown"},
}

// responseSchema is the OpenAPI-subset schema the API uses to constrain output.
func responseSchema() map[string]any {
	props := make(map[string]any, len(bookFields))
	required := make([]string, 0, len(bookFields))
	for _, f := range bookFields {
		props[f.name] = map[string]any{"type": "STRING", "description": f.description}
		required = append(required, f.name)
	}
	return map[string]any{
		"type":       "OBJECT",
		"properties": props,
		"required":   required,
	}
}

// validationSchema mirrors responseSchema as standard JSON Schema.
func validationSchema() map[string]any {
	props := make(map[string]any, len(bookFields))
	required := make([]string, 0, len(bookFields))
	for _, f := range bookFields {
		props[f.name] = map[string]any{"type": "string"}
		required = append(required, f.name)
	}
	return map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

var compiledBookSchema = mustCompile(validationSchema())

func mustCompile(schemaMap map[string]any) *jsonschema.Schema {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		panic(fmt.Sprintf("marshal schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("book.json", bytes.NewReader(b)); err != nil {
		panic(fmt.Sprintf("add schema: %v", err))
	}
	return compiler.MustCompile("book.json")
}

// validateBook checks the model answer against the book schema.
func validateBook(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := compiledBookSchema.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

const prompt = `
You are an expert in digital book publishing and accessibility.
Analyze the provided PDF file (a complete book or chapters of a book).

TASK:
1. Extract the book title.
2. Estimate the number of pages (from the content or metadata).
3. List the chapter titles found.
4. Extract ALL the textual content of the book and FORMAT IT FOR MOBILE.

FORMATTING RULES (mobile friendly):
- Break long paragraphs into shorter ones for reading on small screens.
- Use Markdown.
- Chapter titles must be H2 (## Title).
- Subtitles must be H3 (### Subtitle).
- Quotations must use blockquote (> text).
- Lists must be formatted correctly.
- Remove repetitive page headers and footers (page numbers, author name at the top).
- Keep the original text intact; change only the visual and structural formatting.

Return ONLY valid JSON with the requested structure.
`

func buildPrompt() string {
	return strings.TrimSpace(prompt)
}
