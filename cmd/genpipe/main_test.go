package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/genpipe/internal/config"
	"github.com/hochfrequenz/genpipe/internal/notify"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{
			name:  "empty",
			pairs: nil,
			want:  nil,
		},
		{
			name:  "single pair",
			pairs: []string{"region=north"},
			want:  map[string]string{"region": "north"},
		},
		{
			name:  "multiple pairs",
			pairs: []string{"region=north", "seed=42"},
			want:  map[string]string{"region": "north", "seed": "42"},
		},
		{
			name:  "value may contain equals",
			pairs: []string{"query=a=b"},
			want:  map[string]string{"query": "a=b"},
		},
		{
			name:  "empty value allowed",
			pairs: []string{"note="},
			want:  map[string]string{"note": ""},
		},
		{
			name:  "later pair wins",
			pairs: []string{"region=north", "region=south"},
			want:  map[string]string{"region": "south"},
		},
		{
			name:    "missing equals",
			pairs:   []string{"region"},
			wantErr: true,
		},
		{
			name:    "empty key",
			pairs:   []string{"=north"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.pairs)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseParams(%v) = %v, want error", tt.pairs, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseParams(%v): %v", tt.pairs, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseParams(%v) = %v, want %v", tt.pairs, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseParams(%v)[%s] = %q, want %q", tt.pairs, k, got[k], v)
				}
			}
		})
	}
}

func TestResolvePipelineDir(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.General.PipelineDir = filepath.Join(dir, "pipelines")

	existing := filepath.Join(dir, "worldgen")
	if err := os.Mkdir(existing, 0o755); err != nil {
		t.Fatal(err)
	}

	// A reference that exists as a directory loads directly
	if got := resolvePipelineDir(cfg, existing); got != existing {
		t.Errorf("resolvePipelineDir(existing dir) = %q, want %q", got, existing)
	}

	// Anything else resolves under the configured pipeline dir
	want := filepath.Join(cfg.General.PipelineDir, "lorebook")
	if got := resolvePipelineDir(cfg, "lorebook"); got != want {
		t.Errorf("resolvePipelineDir(name) = %q, want %q", got, want)
	}
}

type captureNotifier struct {
	sent []notify.Notification
}

func (c *captureNotifier) Send(n notify.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

func TestMuteNotifier(t *testing.T) {
	inner := &captureNotifier{}
	mute := newMuteNotifier(inner)

	mute.Mute("nightly-20260825-060000")

	if err := mute.Send(notify.Notification{Batch: "nightly-20260825-060000", Title: "done"}); err != nil {
		t.Fatal(err)
	}
	if err := mute.Send(notify.Notification{Batch: "adhoc", Title: "done"}); err != nil {
		t.Fatal(err)
	}
	if len(inner.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(inner.sent))
	}
	if inner.sent[0].Batch != "adhoc" {
		t.Errorf("sent[0].Batch = %q, want %q", inner.sent[0].Batch, "adhoc")
	}

	mute.Unmute("nightly-20260825-060000")
	if err := mute.Send(notify.Notification{Batch: "nightly-20260825-060000", Title: "done"}); err != nil {
		t.Fatal(err)
	}
	if len(inner.sent) != 2 {
		t.Fatalf("after unmute, sent %d notifications, want 2", len(inner.sent))
	}
}
