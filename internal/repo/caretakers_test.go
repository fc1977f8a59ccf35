package repo_test

import (
	"context"
	"testing"
	"time"

	"signoff/internal/domain"
)

func assignment(pk, endDate string) domain.CaretakerAssignment {
	return domain.CaretakerAssignment{
		PK: pk, UserPK: "lead", CaretakerPK: "helper",
		Reason: "leave", EndDate: endDate,
		CreatedAt: "2026-03-01T00:00:00Z",
	}
}

func TestSetCaretakerReplacesActive(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	if err := r.SetCaretaker(ctx, assignment("ca-1", "")); err != nil {
		t.Fatalf("first set: %v", err)
	}
	// A second assignment retires the first instead of violating the
	// single-active rule.
	second := assignment("ca-2", "")
	second.CaretakerPK = "other"
	if err := r.SetCaretaker(ctx, second); err != nil {
		t.Fatalf("replace: %v", err)
	}
	active, err := r.ActiveCaretaker(ctx, "lead", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if active.PK != "ca-2" || active.CaretakerPK != "other" {
		t.Fatalf("active: %+v", active)
	}
	all, err := r.ListCaretakers(ctx, "lead", true)
	if err != nil || len(all) != 2 {
		t.Fatalf("history: %d %v", len(all), err)
	}
	current, err := r.ListCaretakers(ctx, "lead", false)
	if err != nil || len(current) != 1 {
		t.Fatalf("current: %d %v", len(current), err)
	}
}

func TestActiveCaretakerHonorsEndDate(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	if err := r.SetCaretaker(ctx, assignment("ca-1", "2026-03-15T00:00:00Z")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ActiveCaretaker(ctx, "lead", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("within window: %v", err)
	}
	if _, err := r.ActiveCaretaker(ctx, "lead", time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)); err == nil {
		t.Fatalf("expired assignment should not resolve")
	}
	// Extending moves the window.
	if err := r.ExtendCaretaker(ctx, "lead", "2026-04-30T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ActiveCaretaker(ctx, "lead", time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("after extension: %v", err)
	}
}

func TestRemoveCaretakerKeepsHistory(t *testing.T) {
	r := openTestRepo(t)
	ctx := context.Background()
	if err := r.SetCaretaker(ctx, assignment("ca-1", "")); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveCaretaker(ctx, "lead"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := r.ActiveCaretaker(ctx, "lead", time.Now()); err == nil {
		t.Fatalf("removed assignment should not resolve")
	}
	all, err := r.ListCaretakers(ctx, "lead", true)
	if err != nil || len(all) != 1 {
		t.Fatalf("audit row must remain: %d %v", len(all), err)
	}
}
