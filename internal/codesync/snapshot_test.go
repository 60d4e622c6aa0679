package codesync

import (
	"testing"
)

func TestSnapshot_LoadMissingReturnsEmpty(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	snap, err := LoadSnapshot("/some/codebase")
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}
	if len(snap.Paths) != 0 {
		t.Fatalf("expected empty snapshot, got %d entries", len(snap.Paths))
	}
}

func TestSnapshot_SaveThenLoadRoundTrips(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	codebase := "/some/codebase"

	snap := &Snapshot{Paths: map[string]string{"a.go": "hash-a", "b.go": "hash-b"}}
	if err := snap.Save(codebase); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	reloaded, err := LoadSnapshot(codebase)
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}
	if len(reloaded.Paths) != 2 || reloaded.Paths["a.go"] != "hash-a" || reloaded.Paths["b.go"] != "hash-b" {
		t.Fatalf("round-tripped snapshot mismatch: %+v", reloaded.Paths)
	}
}

// TestSnapshot_DeltaSoundness exercises spec §8's delta-soundness property:
// (added ∪ modified) ⊆ current, removed ⊆ snapshot, added ∩ removed = ∅, and
// modified is exactly the keys present in both with a changed hash.
func TestSnapshot_DeltaSoundness(t *testing.T) {
	snap := &Snapshot{Paths: map[string]string{
		"unchanged.go": "h1",
		"edited.go":    "h2",
		"gone.go":      "h3",
	}}
	current := map[string]string{
		"unchanged.go": "h1",
		"edited.go":    "h2-new",
		"new.go":       "h4",
	}

	d := snap.Delta(current)

	if got, want := d.Added, []string{"new.go"}; !equalSlices(got, want) {
		t.Errorf("Added = %v, want %v", got, want)
	}
	if got, want := d.Removed, []string{"gone.go"}; !equalSlices(got, want) {
		t.Errorf("Removed = %v, want %v", got, want)
	}
	if got, want := d.Modified, []string{"edited.go"}; !equalSlices(got, want) {
		t.Errorf("Modified = %v, want %v", got, want)
	}

	for _, p := range d.Added {
		for _, r := range d.Removed {
			if p == r {
				t.Fatalf("added and removed overlap on %q", p)
			}
		}
	}
}

func TestSnapshot_DeltaEmptyWhenUnchanged(t *testing.T) {
	snap := &Snapshot{Paths: map[string]string{"a.go": "h1"}}
	current := map[string]string{"a.go": "h1"}

	d := snap.Delta(current)
	if len(d.Added) != 0 || len(d.Removed) != 0 || len(d.Modified) != 0 {
		t.Fatalf("expected empty delta, got %+v", d)
	}
}

func TestSnapshot_ApplyThenSavePersistsCurrentState(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	codebase := "/some/codebase"

	snap, err := LoadSnapshot(codebase)
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}
	current := map[string]string{"a.go": "h1"}
	snap.Apply(current)
	if err := snap.Save(codebase); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	reloaded, err := LoadSnapshot(codebase)
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}
	if len(reloaded.Delta(current).Added) != 0 || len(reloaded.Delta(current).Modified) != 0 {
		t.Fatalf("expected no delta against freshly applied snapshot, got %+v", reloaded.Delta(current))
	}
}

func equalSlices(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
