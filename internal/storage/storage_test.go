package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"koi-vetter/internal/features"
	"koi-vetter/internal/ml"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	invalidPath := filepath.Join(t.TempDir(), "missing", "dir")

	_, err := New(invalidPath)
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_CloseNilDB(t *testing.T) {
	store := &Store{db: nil}
	if err := store.Close(); err != nil {
		t.Errorf("Expected no error for nil db, got: %v", err)
	}
	if _, err := store.Append(Record{}); err == nil {
		t.Error("Expected error appending to a closed store")
	}
}

func TestStore_AppendAndRecent(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := Record{
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			Source:        "form",
			Label:         i % 2,
			Probabilities: [2]float64{0.4, 0.6},
		}
		if _, err := store.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	recent, err := store.Recent(3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recent))
	}
	for i, rec := range recent {
		want := base.Add(time.Duration(4-i) * time.Second)
		if !rec.Timestamp.Equal(want) {
			t.Errorf("record %d: expected %v, got %v", i, want, rec.Timestamp)
		}
		if rec.ID == uuid.Nil {
			t.Errorf("record %d: expected generated ID", i)
		}
	}

	all, err := store.Recent(100)
	if err != nil || len(all) != 5 {
		t.Errorf("Expected all 5 records, got %d (%v)", len(all), err)
	}

	if none, _ := store.Recent(0); len(none) != 0 {
		t.Errorf("Expected no records for n=0, got %d", len(none))
	}

	n, err := store.Count()
	if err != nil || n != 5 {
		t.Errorf("Expected count 5, got %d (%v)", n, err)
	}
}

func TestStore_SameTimestampKeepsBoth(t *testing.T) {
	store := newTestStore(t)
	ts := time.Now()

	store.Append(Record{Timestamp: ts})
	store.Append(Record{Timestamp: ts})

	if n, _ := store.Count(); n != 2 {
		t.Errorf("Expected 2 records with identical timestamps, got %d", n)
	}
}

func TestStore_Range(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		store.Append(Record{Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	records, err := store.Range(base.Add(2*time.Minute), base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Expected 4 records in inclusive range, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if !records[i].Timestamp.After(records[i-1].Timestamp) {
			t.Error("Expected records in ascending time order")
		}
	}

	records, err = store.Range(base.Add(time.Hour), base.Add(2*time.Hour))
	if err != nil || len(records) != 0 {
		t.Errorf("Expected empty range, got %d (%v)", len(records), err)
	}
}

func TestStore_Persistence(t *testing.T) {
	dir := t.TempDir()

	store, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	saved, err := store.Append(Record{Source: "api", Label: 1})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	store.Close()

	store, err = New(dir)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()

	recent, err := store.Recent(1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("Expected 1 record after reopen, got %d (%v)", len(recent), err)
	}
	if recent[0].ID != saved.ID || recent[0].Source != "api" {
		t.Errorf("Unexpected record after reopen: %+v", recent[0])
	}
}

func TestNewRecord(t *testing.T) {
	v := features.Defaults()
	r := ml.PredictionResult{Label: 1, Probabilities: [2]float64{0.0433, 0.9567}}

	rec := NewRecord("dashboard", v, r, "v1")
	if rec.Text != "CONFIRMED PLANET" || rec.Confidence != "95.67%" {
		t.Errorf("Unexpected verdict fields: %s %s", rec.Text, rec.Confidence)
	}
	if rec.Features["period"] != 30 || len(rec.Features) != features.Size {
		t.Errorf("Unexpected features: %v", rec.Features)
	}
	if rec.ID == uuid.Nil || rec.Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be set")
	}
}

func TestSummarize(t *testing.T) {
	records := []Record{
		{Label: 1, Probabilities: [2]float64{0.2, 0.8}},
		{Label: 1, Probabilities: [2]float64{0.4, 0.6}},
		{Label: 0, Probabilities: [2]float64{0.9, 0.1}},
	}
	s := Summarize(records)
	if s.Total != 3 || s.Confirmed != 2 || s.FalsePositive != 1 {
		t.Errorf("Unexpected summary %+v", s)
	}
	if s.MeanProbPlanet < 0.4999 || s.MeanProbPlanet > 0.5001 {
		t.Errorf("Expected mean 0.5, got %f", s.MeanProbPlanet)
	}

	if empty := Summarize(nil); empty.Total != 0 || empty.MeanProbPlanet != 0 {
		t.Errorf("Unexpected empty summary %+v", empty)
	}
}
