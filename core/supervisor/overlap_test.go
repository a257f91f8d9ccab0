package supervisor

import "testing"

func TestDetectOverlap_NoOverlap(t *testing.T) {
	result := DetectOverlap("hello world", "goodbye moon", OverlapOptions{})
	if result.HasOverlap {
		t.Errorf("expected no overlap, got %+v", result)
	}
	if result.DeduplicatedContinuation != "goodbye moon" {
		t.Errorf("expected continuation unchanged, got %q", result.DeduplicatedContinuation)
	}
}

func TestDetectOverlap_ExactSuffixPrefixMatch(t *testing.T) {
	result := DetectOverlap("the quick brown", " brown fox jumps", OverlapOptions{})
	if !result.HasOverlap {
		t.Fatalf("expected overlap, got %+v", result)
	}
	if result.OverlapText != " brown" {
		t.Errorf("expected overlap text ' brown', got %q", result.OverlapText)
	}
	if result.DeduplicatedContinuation != " fox jumps" {
		t.Errorf("expected deduplicated continuation ' fox jumps', got %q", result.DeduplicatedContinuation)
	}
}

func TestDetectOverlap_EmptyInputs(t *testing.T) {
	result := DetectOverlap("", "continuation", OverlapOptions{})
	if result.HasOverlap || result.DeduplicatedContinuation != "continuation" {
		t.Errorf("expected empty checkpoint to pass continuation through unchanged, got %+v", result)
	}

	result = DetectOverlap("checkpoint", "", OverlapOptions{})
	if result.HasOverlap || result.DeduplicatedContinuation != "" {
		t.Errorf("expected empty continuation to pass through unchanged, got %+v", result)
	}
}

func TestDetectOverlap_MinOverlapSuppressesShortMatch(t *testing.T) {
	result := DetectOverlap("abc", "c remainder", OverlapOptions{MinOverlap: 2})
	if result.HasOverlap {
		t.Errorf("expected a 1-rune overlap to be suppressed by MinOverlap=2, got %+v", result)
	}
	if result.DeduplicatedContinuation != "c remainder" {
		t.Errorf("expected continuation unchanged when overlap is suppressed, got %q", result.DeduplicatedContinuation)
	}
}

func TestDetectOverlap_MaxOverlapBoundsSearch(t *testing.T) {
	checkpoint := "aaaaaaaaaa" // 10 a's
	continuation := "aaaaaaaaaa trailing text"
	result := DetectOverlap(checkpoint, continuation, OverlapOptions{MaxOverlap: 3})
	if result.OverlapLength > 3 {
		t.Errorf("expected overlap bounded to 3, got %d", result.OverlapLength)
	}
}

func TestDetectOverlap_IgnoreCase(t *testing.T) {
	result := DetectOverlap("Hello WORLD", "world, nice to meet you", OverlapOptions{IgnoreCase: true})
	if !result.HasOverlap {
		t.Fatalf("expected case-insensitive overlap to be detected, got %+v", result)
	}
}

func TestDetectOverlap_CaseSensitiveByDefault(t *testing.T) {
	result := DetectOverlap("Hello WORLD", "world, nice to meet you", OverlapOptions{})
	if result.HasOverlap {
		t.Errorf("expected the zero-value (case-sensitive) default to reject the mismatched-case overlap, got %+v", result)
	}
}

func TestDetectOverlap_WhitespaceNormalization(t *testing.T) {
	checkpoint := "the quick   brown"
	continuation := "brown fox"
	result := DetectOverlap(checkpoint, continuation, OverlapOptions{NormalizeWhitespace: true})
	if !result.HasOverlap {
		t.Fatalf("expected whitespace-normalized overlap to be detected, got %+v", result)
	}
	if result.DeduplicatedContinuation != " fox" {
		t.Errorf("expected deduplicated continuation ' fox', got %q", result.DeduplicatedContinuation)
	}
}

func TestDetectOverlap_UnicodeSafe(t *testing.T) {
	checkpoint := "café au"
	continuation := " au lait \U0001F600"
	result := DetectOverlap(checkpoint, continuation, OverlapOptions{})
	if !result.HasOverlap {
		t.Fatalf("expected overlap across multi-byte runes, got %+v", result)
	}
	if []rune(result.OverlapText)[0] != ' ' {
		t.Errorf("expected overlap to start with a space, got %q", result.OverlapText)
	}
	// The emoji at the tail must survive intact, not be split mid-rune.
	runes := []rune(result.DeduplicatedContinuation)
	if runes[len(runes)-1] != '\U0001F600' {
		t.Errorf("expected trailing emoji to be preserved intact, got %q", result.DeduplicatedContinuation)
	}
}

func TestLongestSuffixPrefixMatch_Basic(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"abcdef", "defghi", 3},
		{"abc", "xyz", 0},
		{"abc", "abc", 3},
		{"", "abc", 0},
		{"abc", "", 0},
	}
	for _, tc := range cases {
		got := longestSuffixPrefixMatch([]rune(tc.a), []rune(tc.b))
		if got != tc.want {
			t.Errorf("longestSuffixPrefixMatch(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
