package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-runs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleRun(id string, started time.Time) *Run {
	return &Run{
		ID:         id,
		Archive:    "export.zip",
		Backend:    "nocodb",
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Created:    3,
		Updated:    1,
		Skipped:    7,
		Failed:     2,
		Failures: []Failure{
			{EntryID: "e-04", Kind: "validation", Message: `{"msg":"bad value"}`},
			{EntryID: "e-09", Kind: "transport", Message: "503"},
		},
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.RecordRun(context.Background(), sampleRun("r1", t0)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("run lost after re-open")
	}
}

func TestRecordRun_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := sampleRun("r1", t0)
	if err := s.RecordRun(ctx, want); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Archive != want.Archive || got.Backend != want.Backend {
		t.Errorf("archive/backend = %q/%q", got.Archive, got.Backend)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("times = %v..%v, want %v..%v", got.StartedAt, got.FinishedAt, want.StartedAt, want.FinishedAt)
	}
	if got.Created != 3 || got.Updated != 1 || got.Skipped != 7 || got.Failed != 2 {
		t.Errorf("counts = %d/%d/%d/%d", got.Created, got.Updated, got.Skipped, got.Failed)
	}
	if len(got.Failures) != 2 {
		t.Fatalf("Failures len = %d, want 2", len(got.Failures))
	}
	if got.Failures[0] != want.Failures[0] || got.Failures[1] != want.Failures[1] {
		t.Errorf("Failures = %+v", got.Failures)
	}
}

func TestRecordRun_ReplacesSameID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.RecordRun(ctx, sampleRun("r1", t0)); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	again := sampleRun("r1", t0)
	again.Failed = 0
	again.Failures = nil
	if err := s.RecordRun(ctx, again); err != nil {
		t.Fatalf("second RecordRun: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Failed != 0 || len(got.Failures) != 0 {
		t.Errorf("failures not replaced: %d, %+v", got.Failed, got.Failures)
	}
}

func TestRecordRun_EmptyID(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordRun(context.Background(), &Run{}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRecent_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	// Sub-second differences must still order correctly.
	for i, id := range []string{"a", "b", "c"} {
		if err := s.RecordRun(ctx, sampleRun(id, t0.Add(time.Duration(i)*500*time.Millisecond))); err != nil {
			t.Fatalf("RecordRun %s: %v", id, err)
		}
	}

	runs, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("Recent = %v", runIDs(runs))
	}
	if len(runs[0].Failures) != 0 {
		t.Error("Recent should not load failures")
	}
}

func TestResumePoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cutoff, err := s.ResumePoint(ctx, "export.zip", "nocodb")
	if err != nil || cutoff != "" {
		t.Fatalf("ResumePoint on empty store = %q, %v", cutoff, err)
	}

	interrupted := sampleRun("r1", t0)
	interrupted.Cancelled = true
	interrupted.CutoffID = "e-05"
	if err := s.RecordRun(ctx, interrupted); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	// A later dry run does not move the resume point.
	dry := sampleRun("r2", t0.Add(time.Minute))
	dry.DryRun = true
	if err := s.RecordRun(ctx, dry); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	cutoff, err = s.ResumePoint(ctx, "export.zip", "nocodb")
	if err != nil {
		t.Fatalf("ResumePoint: %v", err)
	}
	if cutoff != "e-05" {
		t.Errorf("cutoff = %q, want e-05", cutoff)
	}

	if c, _ := s.ResumePoint(ctx, "export.zip", "teable"); c != "" {
		t.Errorf("other backend cutoff = %q, want empty", c)
	}

	done := sampleRun("r3", t0.Add(2*time.Minute))
	if err := s.RecordRun(ctx, done); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	cutoff, err = s.ResumePoint(ctx, "export.zip", "nocodb")
	if err != nil {
		t.Fatalf("ResumePoint: %v", err)
	}
	if cutoff != "" {
		t.Errorf("cutoff after completed run = %q, want empty", cutoff)
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
