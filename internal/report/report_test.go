package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/workspace"
)

func key(stage, phase string) domain.PhaseKey {
	return domain.PhaseKey{Stage: stage, Phase: phase}
}

func testBatchData() (*domain.Batch, *domain.BatchResult, []*domain.PhaseEvent) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(8 * time.Minute)

	batch := &domain.Batch{
		ID:       "b-42",
		Name:     "aldhollow-3",
		Pipeline: "worldgen",
		Params:   map[string]string{"region": "north", "tone": "grim"},
		Status:   domain.BatchFailed,
	}

	res := &domain.BatchResult{
		BatchID:     "b-42",
		Name:        "aldhollow-3",
		Status:      domain.BatchFailed,
		StartedAt:   &started,
		CompletedAt: &completed,
		Stages: []domain.StageResult{
			{
				Stage:  "terrain",
				Status: domain.StageFailed,
				Phases: []domain.PhaseResult{
					{
						Key:       key("terrain", "heightmap"),
						Status:    domain.PhaseSucceeded,
						Attempts:  1,
						Repairs:   1,
						OutputPtr: "batches/aldhollow-3-b-42/outputs/terrain/heightmap.json",
					},
					{
						Key:      key("terrain", "rivers"),
						Status:   domain.PhaseFailed,
						Attempts: 2,
						Err: &domain.PhaseError{
							Code:    domain.ErrCodeRepairExhausted,
							Message: "1 validation error after 2 repair rounds",
							Validation: []domain.ValidationError{
								{Kind: "schema", Location: "$.rivers[0].mouth", Message: "required property missing"},
							},
						},
					},
				},
			},
			{
				Stage:  "culture",
				Status: domain.StageSkipped,
				Phases: []domain.PhaseResult{
					{Key: key("culture", "myths"), Status: domain.PhaseSkipped},
				},
			},
		},
	}

	events := []*domain.PhaseEvent{
		{Key: key("terrain", "heightmap"), To: domain.PhaseRunning, At: started},
		{Key: key("terrain", "heightmap"), To: domain.PhaseSucceeded, At: started.Add(45 * time.Second)},
		{Key: key("terrain", "rivers"), To: domain.PhaseRunning, At: started.Add(time.Minute)},
		{Key: key("terrain", "rivers"), To: domain.PhaseFailed, At: started.Add(3 * time.Minute)},
	}

	return batch, res, events
}

func TestRender(t *testing.T) {
	batch, res, events := testBatchData()

	md := string(Render(batch, res, events))

	wantFragments := []string{
		"# Batch Report: aldhollow-3",
		"- **Pipeline**: worldgen",
		"- **Batch ID**: `b-42`",
		"- **Status**: 🔴 failed",
		"- **Params**: `region=north`, `tone=grim`",
		"- **Wall time**: 8m0s",
		"- **Phases**: 1 succeeded, 1 failed, 1 skipped, 0 pending",
		"| terrain | 🔴 | 1/2 succeeded |",
		"| culture | ⏭️ | 0/1 succeeded |",
		"| heightmap | 🟢 | 1 | 1 | 45s | `batches/aldhollow-3-b-42/outputs/terrain/heightmap.json` |",
		"| rivers | 🔴 | 2 | 0 | 2m0s | - |",
		"| myths | ⏭️ | 0 | 0 | - | - |",
		"## Failures",
		"### terrain/rivers",
		"- **Code**: `repair_exhausted`",
		"schema at $.rivers[0].mouth: required property missing",
	}

	for _, want := range wantFragments {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q\n\n%s", want, md)
		}
	}
}

func TestRender_NoFailureSectionWhenClean(t *testing.T) {
	batch, res, events := testBatchData()
	res.Status = domain.BatchCompleted
	res.Stages = res.Stages[:1]
	res.Stages[0].Status = domain.StageCompleted
	res.Stages[0].Phases = res.Stages[0].Phases[:1]

	md := string(Render(batch, res, events))

	if strings.Contains(md, "## Failures") {
		t.Error("clean batch should have no failures section")
	}
	if !strings.Contains(md, "- **Status**: 🟢 completed") {
		t.Error("completed batch should carry the completed marker")
	}
}

func TestStatusEmoji(t *testing.T) {
	tests := []struct {
		status domain.PhaseStatus
		want   string
	}{
		{domain.PhasePending, "⚪"},
		{domain.PhaseRunning, "🟡"},
		{domain.PhaseValidating, "🟡"},
		{domain.PhaseRepairing, "🟡"},
		{domain.PhaseSucceeded, "🟢"},
		{domain.PhaseFailed, "🔴"},
		{domain.PhaseSkipped, "⏭️"},
	}

	for _, tt := range tests {
		got := StatusEmoji(tt.status)
		if got != tt.want {
			t.Errorf("StatusEmoji(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestWrite(t *testing.T) {
	batch, res, events := testBatchData()
	ws := workspace.New(t.TempDir())

	rel, err := Write(ws, batch, res, events)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(ws.Root(), rel)
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if filepath.Base(path) != "REPORT.md" {
		t.Errorf("report file = %s, want REPORT.md", filepath.Base(path))
	}
	if !strings.Contains(string(content), "# Batch Report: aldhollow-3") {
		t.Error("written report missing title")
	}
}
