package template

import (
	"strings"

	"github.com/midnight-protocol/admin/internal/models"
)

// Render replaces each {{name}} in text with values[name]. Placeholders
// without a non-empty value keep their original token, so rendering a
// partially rendered string again loses nothing.
func Render(text string, values map[string]string) string {
	if len(values) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if v := values[name]; v != "" {
			return v
		}
		return match
	})
}

// RenderContent renders every slot of c.
func RenderContent(c models.Content, values map[string]string) models.Content {
	return models.Content{
		Subject: Render(c.Subject, values),
		HTML:    Render(c.HTML, values),
		Text:    Render(c.Text, values),
		Body:    Render(c.Body, values),
	}
}

// MissingVariables lists the variables of c that values does not resolve.
func MissingVariables(c models.Content, values map[string]string) []string {
	missing := []string{}
	for _, v := range AllVariables(c) {
		if values[v] == "" {
			missing = append(missing, v)
		}
	}
	return missing
}
