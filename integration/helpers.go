//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDBPath returns a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// TempConfigPath returns a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.toml")
}

// WriteTestPipeline creates a two-stage pipeline under a temp dir. All
// phases use the text plugin so the mock backend's echo output passes
// validation, and the cross-phase references exercise output resolution.
func WriteTestPipeline(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "chronicle")

	files := map[string]string{
		"10_draft/stage.yaml": "display_name: Draft\ndescription: First pass over the premise.\n",
		"10_draft/01_premise.md": `---
plugin: text
temperature: 0.6
---
Write a two sentence premise for a setting named {BATCH_NAME}.
Region of focus: {PARAM:region}
`,
		"10_draft/02_cast.md": `---
plugin: text
---
The premise so far:

{OUTPUT:STAGE:draft:PHASE:premise}

Name three characters who could carry this premise.
`,
		"20_polish/stage.yaml": "display_name: Polish\ndescription: Merge the draft outputs into prose.\n",
		"20_polish/01_final.md": `---
plugin: text
---
Premise:

{OUTPUT:STAGE:draft:PHASE:premise}

Cast:

{OUTPUT:STAGE:draft:PHASE:cast}

Write one paragraph introducing the setting and its cast.
`,
	}

	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}

	return dir
}

// WriteTestConfig writes a config that keeps all state in temp dirs and
// generates through the mock backend
func WriteTestConfig(t *testing.T, dataDir, pipelineDir, dbPath string) string {
	t.Helper()
	configPath := TempConfigPath(t)

	config := `[general]
data_dir = "` + dataDir + `"
pipeline_dir = "` + pipelineDir + `"
database_path = "` + dbPath + `"

[backend]
kind = "mock"

[notifications]
desktop = false
`
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	return configPath
}
