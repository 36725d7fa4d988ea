package modules

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode"

	"github.com/nidhogg/sentio/internal/orchestrator"
)

// Codegen renders code skeletons from a short description.
type Codegen struct {
	templates map[string]*template.Template
}

var skeletons = map[string]string{
	"go": `// {{.Func}} {{.Description}}
func {{.Func}}(ctx context.Context, input string) (string, error) {
	if input == "" {
		return "", fmt.Errorf("{{.Snake}}: empty input")
	}
	return input, nil
}
`,
	"javascript": `// {{.Description}}
export async function {{.Func}}(input) {
  if (!input) {
    throw new Error('{{.Snake}}: empty input');
  }
  return input;
}
`,
	"python": `def {{.Snake}}(input: str) -> str:
    """{{.Description}}"""
    if not input:
        raise ValueError("{{.Snake}}: empty input")
    return input
`,
}

// NewCodegen parses the built-in templates.
func NewCodegen() *Codegen {
	c := &Codegen{templates: make(map[string]*template.Template, len(skeletons))}
	for lang, src := range skeletons {
		c.templates[lang] = template.Must(template.New(lang).Parse(src))
	}
	return c
}

func (c *Codegen) Name() string { return "self_coding" }

// GenerateCode renders the skeleton for req.Language, defaulting to Go.
func (c *Codegen) GenerateCode(_ context.Context, req orchestrator.CodeRequest) (orchestrator.CodeResult, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return orchestrator.CodeResult{}, fmt.Errorf("empty description")
	}
	lang := strings.ToLower(req.Language)
	if lang == "" {
		lang = "go"
	}
	tmpl, ok := c.templates[lang]
	if !ok {
		return orchestrator.CodeResult{}, fmt.Errorf("unsupported language %q", req.Language)
	}

	words := identWords(desc)
	data := struct {
		Func, Snake, Description string
	}{
		Func:        camel(words, lang == "go"),
		Snake:       strings.Join(words, "_"),
		Description: desc,
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return orchestrator.CodeResult{}, fmt.Errorf("render %s: %w", lang, err)
	}
	return orchestrator.CodeResult{
		Language:    lang,
		Code:        b.String(),
		Description: desc,
		GeneratedAt: time.Now(),
	}, nil
}

// identWords lowercases the first few alphanumeric words of s.
func identWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) > 4 {
		fields = fields[:4]
	}
	if len(fields) == 0 {
		return []string{"generated"}
	}
	if unicode.IsDigit([]rune(fields[0])[0]) {
		fields[0] = "n" + fields[0]
	}
	return fields
}

func camel(words []string, exported bool) string {
	var b strings.Builder
	for i, w := range words {
		r := []rune(w)
		if i > 0 || exported {
			r[0] = unicode.ToUpper(r[0])
		}
		b.WriteString(string(r))
	}
	return b.String()
}
