// Package workspace manages per-batch artifact directories. Each batch
// owns one directory under batches/ holding two planes: validated
// phase outputs, which survive cleanup, and ephemeral scratch files
// (rendered prompts, raw responses, repair candidates), which are
// reclaimed after a retention window.
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

// Workspace manages batch directories under one data root
type Workspace struct {
	root string
}

// New creates a new Workspace rooted at the data directory
func New(dir string) *Workspace {
	return &Workspace{root: dir}
}

// Root returns the workspace root directory
func (w *Workspace) Root() string {
	return w.root
}

// Batch returns the handle for one batch's directory. The directory
// name carries an ID fragment so a recreated batch with a reused name
// never collides with old artifacts.
func (w *Workspace) Batch(name, id string) *Batch {
	frag := id
	if len(frag) > 8 {
		frag = frag[:8]
	}
	return &Batch{
		ws:  w,
		dir: filepath.Join("batches", name+"-"+frag),
	}
}

// ReadOutput reads a persisted output by its root-relative pointer
func (w *Workspace) ReadOutput(ptr string) ([]byte, error) {
	abs, err := w.resolve(ptr)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// OutputPath resolves a root-relative pointer to an absolute path
func (w *Workspace) OutputPath(ptr string) (string, error) {
	return w.resolve(ptr)
}

// CleanupEphemeral removes the ephemeral plane of every batch that has
// not been touched within the retention window. Output planes are
// never pruned. Returns how many batch planes were removed.
func (w *Workspace) CleanupEphemeral(retention time.Duration) (int, error) {
	dir := filepath.Join(w.root, "batches")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		eph := filepath.Join(dir, entry.Name(), "ephemeral")
		info, err := os.Stat(eph)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(eph); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}

// resolve joins a pointer onto the root, rejecting pointers that
// escape the workspace
func (w *Workspace) resolve(ptr string) (string, error) {
	if ptr == "" {
		return "", fmt.Errorf("empty output pointer")
	}
	if !filepath.IsLocal(ptr) {
		return "", fmt.Errorf("output pointer %q escapes workspace", ptr)
	}
	return filepath.Join(w.root, ptr), nil
}

func (w *Workspace) writeAtomic(rel string, content []byte) error {
	abs, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}

	tmp := abs + "." + randomSuffix() + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Batch is the handle for one batch's artifact directory
type Batch struct {
	ws  *Workspace
	dir string
}

// Dir returns the batch directory's absolute path
func (b *Batch) Dir() string {
	return filepath.Join(b.ws.root, b.dir)
}

// Ensure creates both artifact planes
func (b *Batch) Ensure() error {
	for _, sub := range []string{"outputs", "ephemeral"} {
		if err := os.MkdirAll(filepath.Join(b.Dir(), sub), 0755); err != nil {
			return fmt.Errorf("creating workspace dir: %w", err)
		}
	}
	return nil
}

// WriteOutput persists a validated phase output and returns its
// root-relative pointer. The write goes through a temp file and rename
// so a crash never leaves a half-written output behind a succeeded
// record.
func (b *Batch) WriteOutput(key domain.PhaseKey, ext string, content []byte) (string, error) {
	rel := filepath.Join(b.dir, "outputs", key.Stage, key.Phase+"."+ext)
	if err := b.ws.writeAtomic(rel, content); err != nil {
		return "", err
	}
	return rel, nil
}

// WriteEphemeral stores a scratch artifact for a phase, such as the
// rendered prompt or a raw backend response
func (b *Batch) WriteEphemeral(key domain.PhaseKey, name string, content []byte) (string, error) {
	rel := filepath.Join(b.dir, "ephemeral", key.Stage, key.Phase, name)
	if err := b.ws.writeAtomic(rel, content); err != nil {
		return "", err
	}
	return rel, nil
}

// ReportPath returns where the batch report lives
func (b *Batch) ReportPath() string {
	return filepath.Join(b.Dir(), "REPORT.md")
}

// WriteReport persists the batch report next to the outputs
func (b *Batch) WriteReport(content []byte) (string, error) {
	rel := filepath.Join(b.dir, "REPORT.md")
	if err := b.ws.writeAtomic(rel, content); err != nil {
		return "", err
	}
	return rel, nil
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
