package template

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/midnight-protocol/admin/internal/models"
)

// placeholderPattern matches {{name}} with optional inner whitespace. Tokens
// whose identifier starts with a digit, or that are empty, never match and
// stay literal text.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ExtractVariables returns the distinct placeholder names in text, in order
// of first appearance.
func ExtractVariables(text string) []string {
	vars := []string{}
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			vars = append(vars, m[1])
			seen[m[1]] = true
		}
	}
	return vars
}

// AllVariables unions the variables of every slot: subject, html, text, body.
func AllVariables(c models.Content) []string {
	vars := []string{}
	seen := make(map[string]bool)
	for _, slot := range slots(c) {
		for _, v := range ExtractVariables(slot) {
			if !seen[v] {
				vars = append(vars, v)
				seen[v] = true
			}
		}
	}
	return vars
}

func slots(c models.Content) []string {
	return []string{c.Subject, c.HTML, c.Text, c.Body}
}

// CoerceVariables turns the stored variables column into an ordered set.
// Rows written by older dashboards hold null, a bare string or arrays with
// non-string entries.
func CoerceVariables(raw []byte) []string {
	vars := []string{}
	if len(raw) == 0 {
		return vars
	}

	var items []interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			items = []interface{}{single}
		}
	}

	seen := make(map[string]bool)
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		vars = append(vars, s)
		seen[s] = true
	}
	return vars
}
