package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"carwatch/pkg/carwatch"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	return New(nil, "", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func vestaCandidate(observed time.Time) *carwatch.Candidate {
	return &carwatch.Candidate{
		Source:     "berkat.ru",
		ExternalID: "123456",
		Title:      "Lada Vesta 2019",
		Brand:      "Lada",
		Model:      "Vesta 2019",
		Year:       carwatch.Int(2019),
		Price:      carwatch.Int(550000),
		URL:        "https://berkat.ru/content/123456",
		ObservedAt: observed,
	}
}

func TestUpsertListingIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	t1 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t1 }

	first, isNew, err := s.UpsertListing(ctx, vestaCandidate(t1))
	if err != nil {
		t.Fatalf("UpsertListing() error = %v", err)
	}
	if !isNew {
		t.Error("first upsert reported isNew = false")
	}

	t2 := t1.Add(10 * time.Minute)
	s.now = func() time.Time { return t2 }

	changed := vestaCandidate(t2)
	changed.Price = carwatch.Int(499000)
	changed.Title = "Lada Vesta 2019 срочно"

	second, isNew, err := s.UpsertListing(ctx, changed)
	if err != nil {
		t.Fatalf("UpsertListing() second error = %v", err)
	}
	if isNew {
		t.Error("second upsert reported isNew = true")
	}
	if second.ID != first.ID {
		t.Errorf("ID changed: %s -> %s", first.ID, second.ID)
	}
	if *second.Price != 550000 || second.Title != "Lada Vesta 2019" {
		t.Errorf("stored fields were overwritten: price=%d title=%q", *second.Price, second.Title)
	}
	if !second.FirstSeenAt.Equal(t1) {
		t.Errorf("FirstSeenAt = %v, want %v", second.FirstSeenAt, t1)
	}
	if !second.LastSeenAt.Equal(t2) {
		t.Errorf("LastSeenAt = %v, want %v", second.LastSeenAt, t2)
	}
	if !second.ObservedAt.Equal(t1) {
		t.Errorf("ObservedAt = %v, want first observation %v", second.ObservedAt, t1)
	}

	loaded, err := s.Listing(ctx, first.ID)
	if err != nil {
		t.Fatalf("Listing() error = %v", err)
	}
	if !loaded.LastSeenAt.Equal(t2) || *loaded.Price != 550000 {
		t.Errorf("Listing() = %+v", loaded)
	}
}

func TestUpsertListingConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := s.UpsertListing(ctx, vestaCandidate(time.Now()))
			if err != nil {
				t.Errorf("UpsertListing() error = %v", err)
				return
			}
			results <- isNew
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for isNew := range results {
		if isNew {
			created++
		}
	}
	if created != 1 {
		t.Errorf("%d upserts reported isNew, want exactly 1", created)
	}
}

func TestUpsertListingRequiresKey(t *testing.T) {
	s := newLocalStore(t)
	c := vestaCandidate(time.Now())
	c.ExternalID = ""
	if _, _, err := s.UpsertListing(context.Background(), c); err == nil {
		t.Error("UpsertListing() accepted a candidate without external id")
	}
}

func TestListingNotFound(t *testing.T) {
	s := newLocalStore(t)
	for _, id := range []string{"deadbeef", "../etc/passwd", ""} {
		if _, err := s.Listing(context.Background(), id); !errors.Is(err, carwatch.ErrNotFound) {
			t.Errorf("Listing(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	sent, err := s.WasNotified(ctx, "u1", "l1", "f1")
	if err != nil || sent {
		t.Fatalf("WasNotified() = %v, %v; want false, nil", sent, err)
	}

	rec := &carwatch.NotificationRecord{User: "u1", ListingID: "l1", FilterID: "f1", SentAt: time.Now()}
	if err := s.RecordNotified(ctx, rec); err != nil {
		t.Fatalf("RecordNotified() error = %v", err)
	}
	if err := s.RecordNotified(ctx, rec); !errors.Is(err, carwatch.ErrAlreadyNotified) {
		t.Errorf("second RecordNotified() error = %v, want ErrAlreadyNotified", err)
	}

	sent, err = s.WasNotified(ctx, "u1", "l1", "f1")
	if err != nil || !sent {
		t.Errorf("WasNotified() after record = %v, %v; want true, nil", sent, err)
	}

	// Each part of the triple is significant.
	for _, other := range []carwatch.NotificationRecord{
		{User: "u2", ListingID: "l1", FilterID: "f1"},
		{User: "u1", ListingID: "l2", FilterID: "f1"},
		{User: "u1", ListingID: "l1", FilterID: "f2"},
	} {
		if err := s.RecordNotified(ctx, &other); err != nil {
			t.Errorf("RecordNotified(%+v) error = %v", other, err)
		}
	}
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	older := &carwatch.FilterSpec{Owner: "alice", Name: "cheap lada", Brand: "lada", Active: true, CreatedAt: base}
	newer := &carwatch.FilterSpec{Owner: "bob", Name: "any bmw", Brand: "bmw", Active: true, CreatedAt: base.Add(time.Hour)}
	paused := &carwatch.FilterSpec{Owner: "alice", Name: "old", Active: false, CreatedAt: base}

	for _, f := range []*carwatch.FilterSpec{newer, older, paused} {
		if err := s.SaveFilter(ctx, f); err != nil {
			t.Fatalf("SaveFilter() error = %v", err)
		}
		if f.ID == "" {
			t.Fatal("SaveFilter() did not assign an id")
		}
	}

	active, err := s.ActiveFilters(ctx)
	if err != nil {
		t.Fatalf("ActiveFilters() error = %v", err)
	}
	if len(active) != 2 || active[0].ID != older.ID || active[1].ID != newer.ID {
		t.Fatalf("ActiveFilters() = %v, want [older newer]", active)
	}

	mine, err := s.FiltersByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("FiltersByOwner() error = %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("FiltersByOwner(alice) = %d filters, want 2", len(mine))
	}

	if err := s.DeactivateFilter(ctx, older.ID); err != nil {
		t.Fatalf("DeactivateFilter() error = %v", err)
	}
	active, err = s.ActiveFilters(ctx)
	if err != nil {
		t.Fatalf("ActiveFilters() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != newer.ID {
		t.Errorf("ActiveFilters() after deactivate = %v", active)
	}

	if err := s.DeactivateFilter(ctx, "no-such-filter"); !errors.Is(err, carwatch.ErrNotFound) {
		t.Errorf("DeactivateFilter(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSaveFilterRejectsInvalid(t *testing.T) {
	s := newLocalStore(t)
	tests := []struct {
		name string
		f    carwatch.FilterSpec
	}{
		{"no owner", carwatch.FilterSpec{Name: "x"}},
		{"inverted price", carwatch.FilterSpec{Owner: "a", Name: "x", MinPrice: carwatch.Int(10), MaxPrice: carwatch.Int(5)}},
		{"path in id", carwatch.FilterSpec{ID: "../x", Owner: "a", Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SaveFilter(context.Background(), &tt.f); !errors.Is(err, carwatch.ErrInvalidFilter) {
				t.Errorf("SaveFilter() error = %v, want ErrInvalidFilter", err)
			}
		})
	}
}

func TestListIgnoresForeignFiles(t *testing.T) {
	s := newLocalStore(t)
	if err := os.WriteFile(filepath.Join(s.localPath, "filter-x.json.123.tmp"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.localPath, "notes.txt"), []byte("hi"), 0o600); err != nil {
		t.Fatal(err)
	}
	filters, err := s.ActiveFilters(context.Background())
	if err != nil {
		t.Fatalf("ActiveFilters() error = %v", err)
	}
	if len(filters) != 0 {
		t.Errorf("ActiveFilters() = %v, want none", filters)
	}
}

func TestUpsertListingRepairsTornObject(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	c := vestaCandidate(now)
	key := listingPrefix + carwatch.ListingID(c.Source, c.ExternalID) + ".json"
	if err := os.WriteFile(filepath.Join(s.localPath, key), []byte(`{"source":"ber`), 0o600); err != nil {
		t.Fatal(err)
	}

	l, isNew, err := s.UpsertListing(ctx, c)
	if err != nil {
		t.Fatalf("UpsertListing() error = %v", err)
	}
	if !isNew || l.Title != "Lada Vesta 2019" {
		t.Errorf("UpsertListing() = %+v, isNew %v", l, isNew)
	}

	if _, isNew, err = s.UpsertListing(ctx, c); err != nil || isNew {
		t.Errorf("second UpsertListing() isNew = %v, error = %v", isNew, err)
	}
	got, err := s.Listing(ctx, l.ID)
	if err != nil || got.ExternalID != c.ExternalID {
		t.Errorf("Listing() = %+v, %v", got, err)
	}
}

func TestCreateLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	if err := s.create(ctx, "sent-a.json", []byte(`{}`)); err != nil {
		t.Fatalf("create() error = %v", err)
	}
	if err := s.create(ctx, "sent-a.json", []byte(`{"other":true}`)); !errors.Is(err, errExists) {
		t.Errorf("second create() error = %v, want errExists", err)
	}

	entries, err := os.ReadDir(s.localPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "sent-a.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory = %v, want only sent-a.json", names)
	}
	data, err := os.ReadFile(filepath.Join(s.localPath, "sent-a.json"))
	if err != nil || string(data) != `{}` {
		t.Errorf("sent-a.json = %q, %v; first write must win", data, err)
	}
}
