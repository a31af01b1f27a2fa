package format

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

// ListPlugin expects a flat bullet list, one item per line
type ListPlugin struct{}

func (*ListPlugin) Name() string { return "list" }

func (*ListPlugin) Extract(raw string) (string, error) {
	if body, ok := envelope(raw, "LIST"); ok {
		return body, nil
	}
	return strings.TrimSpace(raw), nil
}

func (*ListPlugin) Validate(content, contract string) []domain.ValidationError {
	items := listItems(content)
	if len(items) == 0 {
		return []domain.ValidationError{{
			Kind:    "content",
			Message: "list has no items",
		}}
	}

	var errs []domain.ValidationError
	for i, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "- ") {
			errs = append(errs, domain.ValidationError{
				Kind:     "content",
				Location: fmt.Sprintf("line %d", i+1),
				Message:  fmt.Sprintf("not a bullet item: %q", line),
			})
		}
	}
	return errs
}

func (*ListPlugin) Format(content, format string) (string, error) {
	switch format {
	case "raw":
		return content, nil
	case "lines":
		return strings.Join(listItems(content), "\n"), nil
	case "csv":
		return strings.Join(listItems(content), ", "), nil
	}
	return "", fmt.Errorf("list plugin does not support format %q", format)
}

func (*ListPlugin) FileExtension() string { return "md" }

func (*ListPlugin) Guidance() string {
	return strings.TrimSpace(`
Respond with a flat bullet list, one item per line:

- first item
- second item

No numbering, no nesting, no prose before or after the list.
`)
}

func (*ListPlugin) CanRepair() bool { return false }

func listItems(content string) []string {
	var items []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			items = append(items, strings.TrimSpace(strings.TrimPrefix(line, "- ")))
		}
	}
	return items
}
