package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
	"truncate": func(n int, s string) string {
		if n <= 0 || len(s) <= n {
			return s
		}
		return s[:n] + "..."
	},
}

// ParseTemplate compiles a prompt template with the shared helper funcs.
func ParseTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return tmpl, nil
}

// RenderTemplate executes a compiled template against data.
func RenderTemplate(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
