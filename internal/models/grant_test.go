package models

import (
	"testing"
	"time"
)

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	g := Grant{}
	if g.DaysRemaining(now) != nil {
		t.Fatal("no deadline must yield nil")
	}

	// 36 hours out rounds up to 2 days.
	deadline := now.Add(36 * time.Hour)
	g.Deadline = &deadline
	if d := g.DaysRemaining(now); d == nil || *d != 2 {
		t.Fatalf("expected 2 days, got %v", d)
	}

	past := now.Add(-48 * time.Hour)
	g.Deadline = &past
	if d := g.DaysRemaining(now); d == nil || *d != -2 {
		t.Fatalf("expected -2 days, got %v", d)
	}
}

func TestUIStatus(t *testing.T) {
	cases := map[ApplicationStatus]string{
		StatusOpen:       "active",
		StatusUpcoming:   "upcoming",
		StatusClosed:     "closed",
		StatusNotApplied: "active",
	}
	for status, want := range cases {
		g := Grant{Status: status}
		if got := g.UIStatus(); got != want {
			t.Errorf("%s: expected %s, got %s", status, want, got)
		}
	}
}

func TestFormatAmountMan(t *testing.T) {
	amount := int64(45_000_000)
	g := Grant{AmountYen: &amount}
	if got := g.FormatAmountMan(); got != "4,500" {
		t.Fatalf("expected 4,500, got %q", got)
	}

	small := int64(500_000)
	g.AmountYen = &small
	if got := g.FormatAmountMan(); got != "50" {
		t.Fatalf("expected 50, got %q", got)
	}

	g.AmountYen = nil
	g.AmountDisplay = "上限なし"
	if got := g.FormatAmountMan(); got != "上限なし" {
		t.Fatalf("expected display fallback, got %q", got)
	}

	g.AmountDisplay = ""
	if got := g.FormatAmountMan(); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestFormatDeadline(t *testing.T) {
	deadline := time.Date(2026, 11, 30, 15, 0, 0, 0, time.UTC)
	g := Grant{Deadline: &deadline}
	if got := g.FormatDeadline(); got != "2026年11月30日" {
		t.Fatalf("unexpected format: %q", got)
	}
}

func TestSummarizeSplitsCategories(t *testing.T) {
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	g := Grant{
		Title: "IT導入補助金",
		Categories: []Category{
			{Name: "IT・デジタル", Slug: "it"},
			{Name: "DX推進", Slug: "dx"},
		},
		Status: StatusOpen,
	}

	s := Summarize(&g, now)
	if s.MainCategory != "IT・デジタル" {
		t.Fatalf("unexpected main category: %q", s.MainCategory)
	}
	if len(s.RelatedCategories) != 1 || s.RelatedCategories[0] != "DX推進" {
		t.Fatalf("unexpected related categories: %v", s.RelatedCategories)
	}
	if s.Status != "active" {
		t.Fatalf("unexpected status: %q", s.Status)
	}
	if s.IsFavorite {
		t.Fatal("favorite flag must default to false")
	}
}
