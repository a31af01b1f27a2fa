package format

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

// TextPlugin accepts free-form prose with no envelope and no contract
type TextPlugin struct{}

func (*TextPlugin) Name() string { return "text" }

func (*TextPlugin) Extract(raw string) (string, error) {
	return strings.TrimSpace(raw), nil
}

func (*TextPlugin) Validate(content, contract string) []domain.ValidationError {
	if strings.TrimSpace(content) == "" {
		return []domain.ValidationError{{
			Kind:    "content",
			Message: "output is empty",
		}}
	}
	return nil
}

func (*TextPlugin) Format(content, format string) (string, error) {
	if format != "raw" {
		return "", fmt.Errorf("text plugin does not support format %q", format)
	}
	return content, nil
}

func (*TextPlugin) FileExtension() string { return "md" }

func (*TextPlugin) Guidance() string { return "" }

func (*TextPlugin) CanRepair() bool { return false }
