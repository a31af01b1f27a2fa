// Package format handles phase output contracts: extracting the
// payload from raw backend output, validating it against the phase's
// contract, and converting it for downstream templates. Each output
// format is a Plugin; phases pick one by name.
package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

// Plugin handles one output format
type Plugin interface {
	Name() string

	// Extract pulls the payload out of raw backend output, stripping
	// the output envelope when the plugin uses one
	Extract(raw string) (string, error)

	// Validate checks extracted content against the phase's contract.
	// An empty slice means the content is acceptable.
	Validate(content, contract string) []domain.ValidationError

	// Format converts validated content into another representation.
	// Every plugin supports at least "raw".
	Format(content, format string) (string, error)

	// FileExtension names the extension for persisted outputs
	FileExtension() string

	// Guidance returns the plugin's built-in envelope instructions,
	// used when the pipeline ships no plugins/<name>.md override
	Guidance() string

	// CanRepair reports whether invalid output is worth a repair round
	CanRepair() bool
}

// envelope delimits plugin payloads in backend output, e.g.
// %%% JSON START %%% ... %%% JSON END %%%
func envelope(raw, tag string) (string, bool) {
	start := "%%% " + tag + " START %%%"
	end := "%%% " + tag + " END %%%"

	i := strings.Index(raw, start)
	if i < 0 {
		return "", false
	}
	rest := raw[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

// fencedBlock returns the body of the first fenced code block, with or
// without a language tag
func fencedBlock(raw string) (string, bool) {
	i := strings.Index(raw, "```")
	if i < 0 {
		return "", false
	}
	rest := raw[i+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	j := strings.Index(rest, "```")
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

// Registry holds the known format plugins
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry creates a Registry with all built-in plugins registered
func NewRegistry() *Registry {
	r := &Registry{plugins: make(map[string]Plugin)}
	r.Register(&JSONPlugin{})
	r.Register(&ListPlugin{})
	r.Register(&TextPlugin{})
	return r
}

// Register adds a plugin, replacing any previous one with the same name
func (r *Registry) Register(p Plugin) {
	r.plugins[p.Name()] = p
}

// Get returns the plugin for a format identifier
func (r *Registry) Get(name string) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("unknown format plugin %q", name)
	}
	return p, nil
}

// Names returns the registered plugin names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Format converts an output through its producing plugin. This is the
// converter the prompt resolver calls for FORMAT references.
func (r *Registry) Format(plugin, content, format string) (string, error) {
	p, err := r.Get(plugin)
	if err != nil {
		return "", err
	}
	return p.Format(content, format)
}
