package supervisor

import "testing"

func TestDriftDetector_NoSignalsOnFreshWindow(t *testing.T) {
	d := NewDriftDetector(DriftConfig{})
	for _, tok := range []string{"the", "quick", "brown", "fox"} {
		d.Observe(tok)
	}
	result := d.Evaluate()
	if result.Detected {
		t.Errorf("expected no drift on varied short input, got %+v", result)
	}
}

func TestDriftDetector_IdenticalTokenRun(t *testing.T) {
	d := NewDriftDetector(DriftConfig{IdenticalTokenRun: 4})
	for i := 0; i < 4; i++ {
		d.Observe("loop")
	}
	result := d.Evaluate()
	if !result.Detected {
		t.Fatalf("expected drift detected on identical-token run, got %+v", result)
	}
	if !containsString(result.Types, string(DriftIdenticalTokens)) {
		t.Errorf("expected DriftIdenticalTokens in types, got %v", result.Types)
	}
}

func TestDriftDetector_ZeroProgressRun(t *testing.T) {
	d := NewDriftDetector(DriftConfig{ZeroProgressTokens: 3})
	for i := 0; i < 3; i++ {
		d.Observe("   ")
	}
	result := d.Evaluate()
	if !result.Detected {
		t.Fatalf("expected drift detected on zero-progress run, got %+v", result)
	}
}

func TestDriftDetector_NGramRepetition(t *testing.T) {
	d := NewDriftDetector(DriftConfig{NGramSize: 2, NGramRepetitionRatio: 0.3, Threshold: 1.0})
	tokens := []string{"a", "b", "a", "b", "a", "b", "a", "b"}
	for _, tok := range tokens {
		d.Observe(tok)
	}
	result := d.Evaluate()
	if !containsString(result.Types, string(DriftNGramRepetition)) {
		t.Errorf("expected n-gram repetition signal, got %+v", result)
	}
}

func TestDriftDetector_TopicalDivergenceHeuristic(t *testing.T) {
	d := NewDriftDetector(DriftConfig{
		TopicalDivergence: func(window []string) float64 { return 1.0 },
		Threshold:         1.0,
	})
	d.Observe("anything")
	result := d.Evaluate()
	if !result.Detected {
		t.Fatalf("expected topical divergence to trigger detection, got %+v", result)
	}
	if !containsString(result.Types, string(DriftTopicalDivergence)) {
		t.Errorf("expected DriftTopicalDivergence in types, got %v", result.Types)
	}
}

func TestDriftDetector_PartialTopicalDivergenceContributesScore(t *testing.T) {
	d := NewDriftDetector(DriftConfig{
		TopicalDivergence: func(window []string) float64 { return 0.5 },
		Threshold:         1.0,
	})
	d.Observe("anything")
	result := d.Evaluate()
	if result.Score != 0.5 {
		t.Errorf("expected partial divergence to contribute its raw value to score, got %v", result.Score)
	}
	if result.Detected {
		t.Errorf("expected score below threshold to not be detected, got %+v", result)
	}
}

func TestDriftDetector_WindowSizeBoundsObservations(t *testing.T) {
	d := NewDriftDetector(DriftConfig{WindowSize: 3})
	d.Observe("one")
	d.Observe("two")
	d.Observe("three")
	d.Observe("four")
	if len(d.tokens) != 3 {
		t.Fatalf("expected window to be trimmed to 3 tokens, got %d", len(d.tokens))
	}
	if d.tokens[0] != "two" {
		t.Errorf("expected the oldest token to be evicted, got %v", d.tokens)
	}
}

func TestDriftDetector_EmptyTokensIgnored(t *testing.T) {
	d := NewDriftDetector(DriftConfig{})
	d.Observe("")
	if len(d.tokens) != 0 {
		t.Error("expected empty tokens to be ignored by Observe")
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
