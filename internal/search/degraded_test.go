package search

import "testing"

// TestScaleFusedResults_DegradesScores exercises the hybrid-fallback scaling
// required when a search degrades to a single source: surviving scores are
// scaled down so a degraded result set cannot be mistaken for a healthy
// two-source fusion.
func TestScaleFusedResults_DegradesScores(t *testing.T) {
	results := []*fusedResult{
		{chunkID: "a", rrfScore: 1.0},
		{chunkID: "b", rrfScore: 0.5},
	}

	scaleFusedResults(results, degradedHybridScale)

	if got, want := results[0].rrfScore, 0.9; got != want {
		t.Errorf("results[0].rrfScore = %v, want %v", got, want)
	}
	if got, want := results[1].rrfScore, 0.45; got != want {
		t.Errorf("results[1].rrfScore = %v, want %v", got, want)
	}
}

func TestScaleFusedResults_EmptyIsNoop(t *testing.T) {
	var results []*fusedResult
	scaleFusedResults(results, degradedHybridScale)
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestDegradedHybridScale_MatchesSpecConstant(t *testing.T) {
	if degradedHybridScale != 0.9 {
		t.Fatalf("degradedHybridScale = %v, want 0.9", degradedHybridScale)
	}
}
