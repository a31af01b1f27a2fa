package batch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},   // 10 PM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},  // every 5 minutes
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestScheduleEntry_Validate(t *testing.T) {
	entry := ScheduleEntry{
		Name:        "nightly",
		Pipeline:    "worldgen",
		Cron:        "0 22 * * *",
		MaxDuration: 8 * time.Hour,
	}

	if err := entry.Validate(); err != nil {
		t.Errorf("Valid entry should not error: %v", err)
	}

	entry.Name = ""
	if err := entry.Validate(); err == nil {
		t.Error("Empty name should error")
	}

	entry.Name = "nightly"
	entry.Pipeline = ""
	if err := entry.Validate(); err == nil {
		t.Error("Empty pipeline should error")
	}

	entry.Pipeline = "worldgen"
	entry.Cron = "not a cron"
	if err := entry.Validate(); err == nil {
		t.Error("Invalid cron should error")
	}
}

func TestScheduleEntry_ValidateDefaults(t *testing.T) {
	entry := ScheduleEntry{
		Name:     "nightly",
		Pipeline: "worldgen",
		Cron:     "0 22 * * *",
	}

	if err := entry.Validate(); err != nil {
		t.Fatal(err)
	}
	if entry.MaxDuration != 4*time.Hour {
		t.Errorf("MaxDuration = %v, want 4h default", entry.MaxDuration)
	}
}

func TestScheduler_NextRun(t *testing.T) {
	entry := ScheduleEntry{
		Name:     "nightly",
		Pipeline: "worldgen",
		Cron:     "0 22 * * *", // 10 PM daily
	}

	sched, err := NewScheduler([]ScheduleEntry{entry})
	if err != nil {
		t.Fatal(err)
	}

	next := sched.NextRun("nightly")
	if next.IsZero() {
		t.Error("NextRun should return a time")
	}

	// Should be in the future
	if !next.After(time.Now()) {
		t.Error("NextRun should be in the future")
	}

	if !sched.NextRun("unknown").IsZero() {
		t.Error("NextRun for unknown entry should be zero")
	}
}

func TestScheduler_ShouldRun(t *testing.T) {
	entry := ScheduleEntry{
		Name:        "frequent",
		Pipeline:    "worldgen",
		Cron:        "* * * * *", // Every minute
		MaxDuration: time.Hour,
	}

	sched, err := NewScheduler([]ScheduleEntry{entry})
	if err != nil {
		t.Fatal(err)
	}

	// Mark as last run two minutes ago
	sched.lastRun["frequent"] = time.Now().Add(-2 * time.Minute)

	if !sched.ShouldRun("frequent") {
		t.Error("Should run after cron interval passed")
	}
}

func TestScheduler_ShouldRunSkipsActive(t *testing.T) {
	entry := ScheduleEntry{
		Name:     "frequent",
		Pipeline: "worldgen",
		Cron:     "* * * * *",
	}

	sched, err := NewScheduler([]ScheduleEntry{entry})
	if err != nil {
		t.Fatal(err)
	}

	sched.lastRun["frequent"] = time.Now().Add(-2 * time.Minute)
	sched.MarkRunning("frequent")

	if sched.ShouldRun("frequent") {
		t.Error("Entry already running should not run again")
	}

	sched.MarkComplete("frequent")
	if sched.ShouldRun("frequent") {
		t.Error("Entry that just completed should wait for the next slot")
	}
}

func TestLoadScheduleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.toml")

	content := `
[[schedule]]
name = "nightly"
pipeline = "worldgen"
cron = "0 22 * * *"
notify_on_complete = true

[schedule.params]
region = "north"

[[schedule]]
name = "weekly"
pipeline = "lorebook"
cron = "0 6 * * 1"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadScheduleConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Entries) != 2 {
		t.Fatalf("Entries = %d, want 2", len(cfg.Entries))
	}

	first := cfg.Entries[0]
	if first.Name != "nightly" || first.Pipeline != "worldgen" {
		t.Errorf("first entry = %s/%s, want nightly/worldgen", first.Name, first.Pipeline)
	}
	if first.Params["region"] != "north" {
		t.Errorf("Params[region] = %q, want north", first.Params["region"])
	}
	if !first.NotifyOnComplete {
		t.Error("NotifyOnComplete should be true")
	}
	if first.MaxDuration != 4*time.Hour {
		t.Errorf("MaxDuration = %v, want 4h default", first.MaxDuration)
	}
}

func TestLoadScheduleConfig_Missing(t *testing.T) {
	cfg, err := LoadScheduleConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Entries) != 0 {
		t.Errorf("Entries = %d, want 0 for missing file", len(cfg.Entries))
	}
}

func TestLoadScheduleConfig_RejectsInvalidEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule.toml")

	content := `
[[schedule]]
name = "broken"
pipeline = "worldgen"
cron = "not a cron"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadScheduleConfig(path); err == nil {
		t.Error("Invalid cron in schedule file should error")
	}
}
