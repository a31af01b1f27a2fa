package scheduler

import (
	"errors"
	"strings"
	"testing"

	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/pipeline"
)

func key(stage, phase string) domain.PhaseKey {
	return domain.PhaseKey{Stage: stage, Phase: phase}
}

func phase(stage, name string, order int, deps ...domain.PhaseKey) *pipeline.Phase {
	return &pipeline.Phase{Name: name, Stage: stage, Order: order, DependsOn: deps}
}

func stage(name string, order int, deps []string, phases ...*pipeline.Phase) *pipeline.Stage {
	return &pipeline.Stage{Name: name, Order: order, Enabled: true, DependsOn: deps, Phases: phases}
}

func statusOf(m map[string]domain.PhaseStatus) StatusFn {
	return func(k domain.PhaseKey) domain.PhaseStatus {
		if s, ok := m[k.String()]; ok {
			return s
		}
		return domain.PhasePending
	}
}

func TestStageOrder(t *testing.T) {
	stages := []*pipeline.Stage{
		stage("detail", 2, []string{"frame"}),
		stage("frame", 1, nil),
		stage("polish", 3, []string{"detail"}),
	}

	order, err := StageOrder(stages)
	if err != nil {
		t.Fatalf("StageOrder() error = %v", err)
	}

	got := make([]string, len(order))
	for i, s := range order {
		got[i] = s.Name
	}
	want := "frame,detail,polish"
	if strings.Join(got, ",") != want {
		t.Errorf("StageOrder() = %s, want %s", strings.Join(got, ","), want)
	}
}

func TestStageOrder_IndependentStagesByPrefix(t *testing.T) {
	stages := []*pipeline.Stage{
		stage("maps", 2, nil),
		stage("frame", 1, nil),
		stage("lore", 2, nil),
	}

	order, err := StageOrder(stages)
	if err != nil {
		t.Fatalf("StageOrder() error = %v", err)
	}

	// Same prefix ties break on name
	got := make([]string, len(order))
	for i, s := range order {
		got[i] = s.Name
	}
	want := "frame,lore,maps"
	if strings.Join(got, ",") != want {
		t.Errorf("StageOrder() = %s, want %s", strings.Join(got, ","), want)
	}
}

func TestStageOrder_Cycle(t *testing.T) {
	stages := []*pipeline.Stage{
		stage("frame", 1, []string{"detail"}),
		stage("detail", 2, []string{"frame"}),
		stage("maps", 3, nil),
	}

	_, err := StageOrder(stages)
	if err == nil {
		t.Fatal("StageOrder() error = nil, want cycle error")
	}

	var cycErr *domain.CyclicDependencyError
	if !errors.As(err, &cycErr) {
		t.Fatalf("StageOrder() error = %T, want *domain.CyclicDependencyError", err)
	}

	// Witness path is deterministic and closed
	want := "detail -> frame -> detail"
	if got := strings.Join(cycErr.Cycle, " -> "); got != want {
		t.Errorf("Cycle witness = %s, want %s", got, want)
	}
}

func TestStageOrder_UnknownDependency(t *testing.T) {
	stages := []*pipeline.Stage{
		stage("frame", 1, []string{"ghost"}),
	}

	_, err := StageOrder(stages)
	if err == nil {
		t.Fatal("StageOrder() error = nil, want unknown dependency error")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error = %v, want mention of ghost", err)
	}
}

func TestValidatePhaseGraph(t *testing.T) {
	order := []*pipeline.Stage{
		stage("frame", 1, nil,
			phase("frame", "outline", 1),
			phase("frame", "regions", 2, key("frame", "outline")),
		),
		stage("detail", 2, []string{"frame"},
			phase("detail", "chronicle", 1, key("frame", "regions")),
		),
	}

	if err := ValidatePhaseGraph(order); err != nil {
		t.Errorf("ValidatePhaseGraph() error = %v, want nil", err)
	}
}

func TestValidatePhaseGraph_UnknownPhase(t *testing.T) {
	order := []*pipeline.Stage{
		stage("frame", 1, nil,
			phase("frame", "outline", 1, key("frame", "ghost")),
		),
	}

	err := ValidatePhaseGraph(order)
	if err == nil {
		t.Fatal("ValidatePhaseGraph() error = nil, want unknown phase error")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error = %v, want mention of ghost", err)
	}
}

func TestValidatePhaseGraph_LaterStage(t *testing.T) {
	order := []*pipeline.Stage{
		stage("frame", 1, nil,
			phase("frame", "outline", 1, key("detail", "chronicle")),
		),
		stage("detail", 2, []string{"frame"},
			phase("detail", "chronicle", 1),
		),
	}

	err := ValidatePhaseGraph(order)
	if err == nil {
		t.Fatal("ValidatePhaseGraph() error = nil, want later-stage error")
	}
	if !strings.Contains(err.Error(), "later stage") {
		t.Errorf("error = %v, want later stage complaint", err)
	}
}

func TestValidatePhaseGraph_IntraStageCycle(t *testing.T) {
	order := []*pipeline.Stage{
		stage("frame", 1, nil,
			phase("frame", "outline", 1, key("frame", "regions")),
			phase("frame", "regions", 2, key("frame", "outline")),
		),
	}

	err := ValidatePhaseGraph(order)
	if err == nil {
		t.Fatal("ValidatePhaseGraph() error = nil, want cycle error")
	}

	var cycErr *domain.CyclicDependencyError
	if !errors.As(err, &cycErr) {
		t.Fatalf("error = %T, want *domain.CyclicDependencyError", err)
	}
	want := "frame/outline -> frame/regions -> frame/outline"
	if got := strings.Join(cycErr.Cycle, " -> "); got != want {
		t.Errorf("Cycle witness = %s, want %s", got, want)
	}
}

func TestScheduler_Ready(t *testing.T) {
	phases := []*pipeline.Phase{
		phase("frame", "outline", 1),
		phase("frame", "regions", 2, key("frame", "outline")),
		phase("frame", "factions", 3, key("frame", "regions")),
	}

	sched := New(phases)
	ready := sched.Ready(statusOf(nil), 10)

	// Only the root phase has no unmet dependencies
	if len(ready) != 1 {
		t.Fatalf("Ready count = %d, want 1", len(ready))
	}
	if ready[0].Name != "outline" {
		t.Errorf("Ready phase = %s, want outline", ready[0].Name)
	}
}

func TestScheduler_Ready_WithSucceeded(t *testing.T) {
	phases := []*pipeline.Phase{
		phase("frame", "outline", 1),
		phase("frame", "regions", 2, key("frame", "outline")),
		phase("frame", "factions", 3, key("frame", "regions")),
	}

	sched := New(phases)
	ready := sched.Ready(statusOf(map[string]domain.PhaseStatus{
		"frame/outline": domain.PhaseSucceeded,
	}), 10)

	// Only regions is unblocked; factions still waits on regions
	if len(ready) != 1 {
		t.Fatalf("Ready count = %d, want 1", len(ready))
	}
	if ready[0].Name != "regions" {
		t.Errorf("Ready phase = %s, want regions", ready[0].Name)
	}
}

func TestScheduler_Ready_SkipsActivePhases(t *testing.T) {
	phases := []*pipeline.Phase{
		phase("frame", "outline", 1),
		phase("frame", "regions", 2),
	}

	sched := New(phases)
	ready := sched.Ready(statusOf(map[string]domain.PhaseStatus{
		"frame/outline": domain.PhaseRunning,
	}), 10)

	if len(ready) != 1 {
		t.Fatalf("Ready count = %d, want 1", len(ready))
	}
	if ready[0].Name != "regions" {
		t.Errorf("Ready phase = %s, want regions", ready[0].Name)
	}
}

func TestScheduler_Ready_Limit(t *testing.T) {
	phases := []*pipeline.Phase{
		phase("frame", "outline", 1),
		phase("frame", "regions", 2),
		phase("frame", "factions", 3),
	}

	sched := New(phases)
	ready := sched.Ready(statusOf(nil), 2)

	if len(ready) != 2 {
		t.Errorf("Ready count = %d, want 2 (limited)", len(ready))
	}
}

func TestScheduler_Ready_DepthFirst(t *testing.T) {
	// factions unblocks two phases, lore none; factions must come first
	// despite its later file order
	phases := []*pipeline.Phase{
		phase("frame", "lore", 1),
		phase("frame", "factions", 2),
		phase("frame", "leaders", 3, key("frame", "factions")),
		phase("frame", "conflicts", 4, key("frame", "leaders")),
	}

	sched := New(phases)
	ready := sched.Ready(statusOf(nil), 10)

	if len(ready) != 2 {
		t.Fatalf("Ready count = %d, want 2", len(ready))
	}
	if ready[0].Name != "factions" {
		t.Errorf("First ready = %s, want factions (unblocks more)", ready[0].Name)
	}
}

func TestScheduler_CountDependents(t *testing.T) {
	phases := []*pipeline.Phase{
		phase("frame", "outline", 1),
		phase("frame", "regions", 2, key("frame", "outline")),
		phase("frame", "factions", 3, key("frame", "regions")),
		phase("frame", "lore", 4),
	}

	sched := New(phases)

	// outline unblocks regions and factions, lore nothing
	if got := sched.depth[key("frame", "outline")]; got != 2 {
		t.Errorf("outline depth = %d, want 2", got)
	}
	if got := sched.depth[key("frame", "lore")]; got != 0 {
		t.Errorf("lore depth = %d, want 0", got)
	}
}

func TestScheduler_Blocked(t *testing.T) {
	phases := []*pipeline.Phase{
		phase("frame", "outline", 1),
		phase("frame", "regions", 2, key("frame", "outline")),
		phase("frame", "factions", 3, key("frame", "regions")),
		phase("frame", "lore", 4),
	}

	sched := New(phases)
	status := map[string]domain.PhaseStatus{
		"frame/outline": domain.PhaseFailed,
	}

	blocked := sched.Blocked(statusOf(status))
	if len(blocked) != 1 {
		t.Fatalf("Blocked count = %d, want 1", len(blocked))
	}
	if blocked[0].Name != "regions" {
		t.Errorf("Blocked phase = %s, want regions", blocked[0].Name)
	}

	// Marking regions skipped surfaces factions on the next pass
	status["frame/regions"] = domain.PhaseSkipped
	blocked = sched.Blocked(statusOf(status))
	if len(blocked) != 1 {
		t.Fatalf("Blocked count after skip = %d, want 1", len(blocked))
	}
	if blocked[0].Name != "factions" {
		t.Errorf("Blocked phase = %s, want factions", blocked[0].Name)
	}

	// lore has no failed dependencies and stays runnable
	ready := sched.Ready(statusOf(status), 10)
	if len(ready) != 1 || ready[0].Name != "lore" {
		t.Errorf("Ready = %v, want [lore]", names(ready))
	}
}

func names(phases []*pipeline.Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = p.Name
	}
	return out
}
