package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/utubchat/growth-system/internal/model"
)

func TestAssignVariant_UnknownTestIsEmptyState(t *testing.T) {
	svc := newTestService(newStubRepo())

	res, err := svc.AssignVariant(context.Background(), "missing", "u1")
	if err != nil {
		t.Fatalf("AssignVariant error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result for unknown test, got %+v", res)
	}
}

func TestAssignVariant_InactiveTestIsEmptyState(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusDraft, model.Variant{ID: "v1", Name: "a", TrafficAllocation: 100})

	svc := newTestService(repo)

	res, err := svc.AssignVariant(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("AssignVariant error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result for draft test, got %+v", res)
	}
}

func TestAssignVariant_NoVariantsConfigured(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusActive)

	svc := newTestService(repo)

	_, err := svc.AssignVariant(context.Background(), "t1", "u1")
	if !errors.Is(err, ErrNoVariants) {
		t.Fatalf("expected ErrNoVariants, got %v", err)
	}
}

func TestAssignVariant_Idempotent(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusActive,
		model.Variant{ID: "va", Name: "a", MessageTitle: "Sale!", TrafficAllocation: 50},
		model.Variant{ID: "vb", Name: "b", MessageTitle: "Discount!", TrafficAllocation: 50},
	)

	svc := newTestService(repo)

	first, err := svc.AssignVariant(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("AssignVariant error: %v", err)
	}
	if !first.IsNew {
		t.Fatalf("first call must create a new assignment")
	}

	for i := 0; i < 5; i++ {
		res, err := svc.AssignVariant(context.Background(), "t1", "u1")
		if err != nil {
			t.Fatalf("AssignVariant error: %v", err)
		}
		if res.IsNew {
			t.Fatalf("repeated call reported a new assignment")
		}
		if res.Assignment.VariantID != first.Assignment.VariantID {
			t.Fatalf("variant changed between calls: %s -> %s", first.Assignment.VariantID, res.Assignment.VariantID)
		}
	}

	if len(repo.assignments) != 1 {
		t.Fatalf("assignments stored = %d, want 1", len(repo.assignments))
	}
}

func TestAssignVariant_LostRaceReturnsWinner(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusActive,
		model.Variant{ID: "va", Name: "a", TrafficAllocation: 100},
		model.Variant{ID: "vb", Name: "b", TrafficAllocation: 100},
	)
	// Конкурентный запрос успел вставить закрепление на вариант vb.
	repo.raceWinnerVariantID = "vb"

	svc := newTestService(repo)

	res, err := svc.AssignVariant(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("AssignVariant error: %v", err)
	}
	if res.IsNew {
		t.Fatalf("lost race must not report a new assignment")
	}
	if res.Assignment.VariantID != "vb" {
		t.Fatalf("variant = %s, want winner vb", res.Assignment.VariantID)
	}
}

func TestAssignVariant_MetricFailureDoesNotFailAssignment(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusActive, model.Variant{ID: "va", Name: "a", TrafficAllocation: 100})
	repo.createMetricErr = errors.New("metrics table unavailable")

	svc := newTestService(repo)

	res, err := svc.AssignVariant(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("AssignVariant error: %v", err)
	}
	if res == nil || !res.IsNew {
		t.Fatalf("assignment must stand despite metric failure, got %+v", res)
	}
}

func TestAssignVariant_ZeroWeightsFallBackToFirstByName(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusActive,
		model.Variant{ID: "vz", Name: "zeta", TrafficAllocation: 0},
		model.Variant{ID: "va", Name: "alpha", TrafficAllocation: 0},
		model.Variant{ID: "vm", Name: "mid", TrafficAllocation: 0},
	)

	svc := newTestService(repo)

	for i := 0; i < 100; i++ {
		userID := fmt.Sprintf("u%d", i)
		res, err := svc.AssignVariant(context.Background(), "t1", userID)
		if err != nil {
			t.Fatalf("AssignVariant error: %v", err)
		}
		if res.Variant.Name != "alpha" {
			t.Fatalf("zero-weight fallback picked %s, want alpha", res.Variant.Name)
		}
	}
}

func TestAssignVariant_WeightedDistributionConverges(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusActive,
		model.Variant{ID: "va", Name: "a", TrafficAllocation: 70},
		model.Variant{ID: "vb", Name: "b", TrafficAllocation: 30},
	)

	svc := newTestService(repo)

	const users = 10000
	counts := map[string]int{}
	for i := 0; i < users; i++ {
		userID := fmt.Sprintf("u%d", i)
		res, err := svc.AssignVariant(context.Background(), "t1", userID)
		if err != nil {
			t.Fatalf("AssignVariant error: %v", err)
		}
		counts[res.Variant.Name]++
	}

	shareA := float64(counts["a"]) / users
	if shareA < 0.66 || shareA > 0.74 {
		t.Fatalf("share of variant a = %.3f, want near 0.70", shareA)
	}
}

func TestPickVariant_ProportionalToRelativeWeights(t *testing.T) {
	// Веса не нормированы к 100: выбор должен оставаться пропорциональным.
	variants := []model.Variant{
		{ID: "va", Name: "a", TrafficAllocation: 3},
		{ID: "vb", Name: "b", TrafficAllocation: 1},
	}

	svc := newTestService(newStubRepo())

	counts := map[string]int{}
	const draws = 10000
	for i := 0; i < draws; i++ {
		v := svc.pickVariant(variants)
		counts[v.Name]++
	}

	shareA := float64(counts["a"]) / draws
	if shareA < 0.71 || shareA > 0.79 {
		t.Fatalf("share of variant a = %.3f, want near 0.75", shareA)
	}
}

func TestPickVariant_UpperEdgePicksLast(t *testing.T) {
	svc := newTestService(newStubRepo())
	// Случайная величина на самом краю диапазона.
	svc.randFloat = func() float64 { return 0.9999999999999999 }

	variants := []model.Variant{
		{ID: "va", Name: "a", TrafficAllocation: 1},
		{ID: "vb", Name: "b", TrafficAllocation: 1},
	}

	v := svc.pickVariant(variants)
	if v.ID != "vb" {
		t.Fatalf("picked %s, want vb for r at upper edge", v.ID)
	}
}

func TestTrackEvent_RequiresAssignment(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusActive, model.Variant{ID: "va", Name: "a", TrafficAllocation: 100})

	svc := newTestService(repo)

	err := svc.TrackEvent(context.Background(), "t1", "u1", model.EventViewed)
	if err == nil {
		t.Fatalf("expected error for missing assignment")
	}
}

func TestTrackEvent_MonotonicFlags(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusActive, model.Variant{ID: "va", Name: "a", TrafficAllocation: 100})

	svc := newTestService(repo)

	if _, err := svc.AssignVariant(context.Background(), "t1", "u1"); err != nil {
		t.Fatalf("AssignVariant error: %v", err)
	}

	for _, ev := range []model.EventType{model.EventViewed, model.EventClicked} {
		if err := svc.TrackEvent(context.Background(), "t1", "u1", ev); err != nil {
			t.Fatalf("TrackEvent(%s) error: %v", ev, err)
		}
	}

	// Повторный viewed не должен сбросить clicked.
	if err := svc.TrackEvent(context.Background(), "t1", "u1", model.EventViewed); err != nil {
		t.Fatalf("TrackEvent(viewed) error: %v", err)
	}

	m := repo.metrics["t1|va|u1"]
	if m == nil {
		t.Fatalf("metric record missing")
	}
	if !m.Viewed || !m.Clicked {
		t.Fatalf("flags lost: viewed=%v clicked=%v", m.Viewed, m.Clicked)
	}
	if m.Converted {
		t.Fatalf("converted set without tracking")
	}
}

func TestTrackEvent_VariantTakenFromAssignment(t *testing.T) {
	repo := newStubRepo()
	repo.addTest("t1", model.TestStatusActive,
		model.Variant{ID: "va", Name: "a", TrafficAllocation: 100},
		model.Variant{ID: "vb", Name: "b", TrafficAllocation: 0},
	)
	repo.assignments["t1|u1"] = &model.Assignment{TestID: "t1", UserID: "u1", VariantID: "va"}

	svc := newTestService(repo)

	if err := svc.TrackEvent(context.Background(), "t1", "u1", model.EventConverted); err != nil {
		t.Fatalf("TrackEvent error: %v", err)
	}

	if repo.metrics["t1|va|u1"] == nil {
		t.Fatalf("metric not written under assigned variant")
	}
	if repo.metrics["t1|vb|u1"] != nil {
		t.Fatalf("metric leaked into foreign variant")
	}
}
