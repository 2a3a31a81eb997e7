package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/cohortguard/internal/models"
)

func mustStorage(t *testing.T, max int) *Storage {
	t.Helper()
	s, err := New(max, ":memory:")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newAssessment(id, runID string, at time.Time, flagged bool) *models.Assessment {
	z := make(map[string]float64, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		z[name] = float64(i) * 0.5
	}
	return &models.Assessment{
		ID:         id,
		RunID:      runID,
		AssessedAt: at,
		AssessmentResult: models.AssessmentResult{
			PatientID:        "patient-" + id,
			IsolationAnomaly: flagged,
			IsolationScore:   0.42,
			ZScores:          z,
		},
	}
}

func TestStorage_SaveAndGetRun(t *testing.T) {
	s := mustStorage(t, 100)
	ctx := context.Background()
	now := time.Now().Add(-time.Minute).Truncate(time.Microsecond)

	for i := 0; i < 3; i++ {
		a := newAssessment(fmt.Sprintf("a-%d", i), "run-1", now.Add(time.Duration(i)*time.Second), i == 1)
		if err := s.SaveAssessment(ctx, a); err != nil {
			t.Fatalf("SaveAssessment failed: %v", err)
		}
	}
	if err := s.SaveAssessment(ctx, newAssessment("b-0", "run-2", now, true)); err != nil {
		t.Fatalf("SaveAssessment failed: %v", err)
	}

	run, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if len(run) != 3 {
		t.Fatalf("Expected 3 assessments, got %d", len(run))
	}
	if run[0].ID != "a-0" || run[2].ID != "a-2" {
		t.Errorf("Unexpected order: %s, %s", run[0].ID, run[2].ID)
	}
	if !run[1].IsolationAnomaly || run[0].IsolationAnomaly {
		t.Errorf("Flags not preserved: %+v", run)
	}
	if run[0].PatientID != "patient-a-0" {
		t.Errorf("Unexpected patient: %s", run[0].PatientID)
	}
	if got := run[0].ZScores[models.FeaturePulsePost]; got != 4.0 {
		t.Errorf("Expected pulsepost z-score 4.0, got %f", got)
	}
	if !run[0].AssessedAt.Equal(now) {
		t.Errorf("Expected time %v, got %v", now, run[0].AssessedAt)
	}

	count, err := s.CountAnomalies(ctx, "run-1")
	if err != nil {
		t.Fatalf("CountAnomalies failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 anomaly, got %d", count)
	}
}

func TestStorage_GetRunNotFound(t *testing.T) {
	s := mustStorage(t, 10)
	if _, err := s.GetRun(context.Background(), "missing"); err == nil {
		t.Error("Expected error for unknown run")
	}
}

func TestStorage_RejectsInvalidAssessment(t *testing.T) {
	s := mustStorage(t, 10)
	a := newAssessment("x", "run", time.Now().Add(-time.Second), false)
	a.IsolationScore = 1.5

	if err := s.SaveAssessment(context.Background(), a); err == nil {
		t.Error("Expected validation error")
	}

	all, err := s.GetAssessments(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetAssessments failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Invalid assessment was stored")
	}
}

func TestStorage_RejectsInfiniteZScore(t *testing.T) {
	s := mustStorage(t, 10)
	a := newAssessment("inf", "run", time.Now().Add(-time.Second), true)
	a.ZScores[models.FeatureWeightPre] = math.Inf(1)

	err := s.SaveAssessment(context.Background(), a)
	if !errors.Is(err, models.ErrNonFinite) {
		t.Fatalf("SaveAssessment() = %v, want ErrNonFinite", err)
	}
}

func TestStorage_DuplicateID(t *testing.T) {
	s := mustStorage(t, 10)
	ctx := context.Background()
	a := newAssessment("dup", "run", time.Now().Add(-time.Second), false)

	if err := s.SaveAssessment(ctx, a); err != nil {
		t.Fatalf("SaveAssessment failed: %v", err)
	}
	if err := s.SaveAssessment(ctx, a); err == nil {
		t.Error("Expected error for duplicate ID")
	}
}

func TestStorage_GetAssessmentsNewestFirst(t *testing.T) {
	s := mustStorage(t, 100)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		a := newAssessment(fmt.Sprintf("a-%d", i), "run", base.Add(time.Duration(i)*time.Minute), false)
		if err := s.SaveAssessment(ctx, a); err != nil {
			t.Fatalf("SaveAssessment failed: %v", err)
		}
	}

	latest, err := s.GetAssessments(ctx, 2)
	if err != nil {
		t.Fatalf("GetAssessments failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("Expected 2 assessments, got %d", len(latest))
	}
	if latest[0].ID != "a-4" || latest[1].ID != "a-3" {
		t.Errorf("Expected a-4, a-3; got %s, %s", latest[0].ID, latest[1].ID)
	}
}

func TestStorage_RotateAssessments(t *testing.T) {
	s := mustStorage(t, 3)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 7; i++ {
		a := newAssessment(fmt.Sprintf("a-%d", i), "run", base.Add(time.Duration(i)*time.Minute), false)
		if err := s.SaveAssessment(ctx, a); err != nil {
			t.Fatalf("SaveAssessment failed: %v", err)
		}
	}

	removed, err := s.RotateAssessments(ctx)
	if err != nil {
		t.Fatalf("RotateAssessments failed: %v", err)
	}
	if removed != 4 {
		t.Errorf("Expected 4 removed, got %d", removed)
	}

	kept, err := s.GetAssessments(ctx, 0)
	if err != nil {
		t.Fatalf("GetAssessments failed: %v", err)
	}
	if len(kept) != 3 || kept[2].ID != "a-4" {
		t.Errorf("Unexpected rotation result: %+v", kept)
	}
}

func TestStorage_FilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	ctx := context.Background()

	s, err := New(10, path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.SaveAssessment(ctx, newAssessment("p", "run", time.Now().Add(-time.Second), true)); err != nil {
		t.Fatalf("SaveAssessment failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(10, path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Path() != path {
		t.Errorf("Unexpected path: %s", reopened.Path())
	}
	count, err := reopened.CountAnomalies(ctx, "run")
	if err != nil {
		t.Fatalf("CountAnomalies failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 persisted anomaly, got %d", count)
	}
}
