package supervisor

// OverlapOptions tunes DetectOverlap. The zero value reproduces spec §4.4
// defaults exactly: case-sensitive comparison, no whitespace normalization,
// minOverlap=0. IgnoreCase is the inverse of the spec's caseSensitive flag so
// that Go's zero value (false) lines up with the spec default (caseSensitive
// = true).
type OverlapOptions struct {
	MinOverlap          int
	MaxOverlap          int
	IgnoreCase          bool
	NormalizeWhitespace bool
}

// OverlapResult is the output of DetectOverlap.
type OverlapResult struct {
	HasOverlap               bool
	OverlapLength            int
	OverlapText              string
	DeduplicatedContinuation string
}

// DetectOverlap finds the longest suffix of checkpoint that equals a prefix
// of continuation, bounded by [opts.MinOverlap, opts.MaxOverlap] code
// points, per spec §4.4. It operates on Unicode scalar values (rune slices),
// never raw bytes, so multi-byte characters are never split.
//
// The comparison window is checkpoint's suffix of length maxOverlap
// concatenated with continuation's prefix of length maxOverlap (bounded by
// each string's own length), searched with the Knuth-Morris-Pratt failure
// function so the whole operation is O(|checkpoint| + |continuation|) time.
// Both inputs are converted to rune slices in full, so auxiliary space is
// O(|checkpoint| + |continuation|).
func DetectOverlap(checkpoint, continuation string, opts OverlapOptions) OverlapResult {
	if checkpoint == "" || continuation == "" {
		return OverlapResult{DeduplicatedContinuation: continuation}
	}

	checkpointRunes := []rune(checkpoint)
	continuationRunes := []rune(continuation)

	maxOverlap := opts.MaxOverlap
	if maxOverlap <= 0 || maxOverlap > len(checkpointRunes) {
		maxOverlap = len(checkpointRunes)
	}
	if maxOverlap > len(continuationRunes) {
		maxOverlap = len(continuationRunes)
	}

	if maxOverlap <= 0 {
		return OverlapResult{DeduplicatedContinuation: continuation}
	}

	suffixStart := len(checkpointRunes) - maxOverlap
	suffix := checkpointRunes[suffixStart:]
	prefix := continuationRunes[:maxOverlap]

	compareSuffix, comparePrefix := suffix, prefix
	if opts.NormalizeWhitespace {
		compareSuffix = collapseWhitespace(suffix)
		comparePrefix = collapseWhitespace(prefix)
	}
	if opts.IgnoreCase {
		compareSuffix = toLowerRunes(compareSuffix)
		comparePrefix = toLowerRunes(comparePrefix)
	}

	overlapLen := longestSuffixPrefixMatch(compareSuffix, comparePrefix)

	minOverlap := opts.MinOverlap
	if overlapLen < minOverlap || overlapLen == 0 {
		return OverlapResult{DeduplicatedContinuation: continuation}
	}

	// Re-anchor overlapLen against the *original* (uncollapsed) prefix: when
	// NormalizeWhitespace is set, the match length was computed on collapsed
	// runes, so translate it back to an original-rune count by walking the
	// original prefix and collapsing as we go until we've consumed overlapLen
	// collapsed runes.
	originalOverlapLen := overlapLen
	if opts.NormalizeWhitespace {
		originalOverlapLen = expandCollapsedLength(prefix, overlapLen)
	}

	overlapText := string(continuationRunes[:originalOverlapLen])
	remainder := string(continuationRunes[originalOverlapLen:])

	return OverlapResult{
		HasOverlap:               true,
		OverlapLength:            originalOverlapLen,
		OverlapText:              overlapText,
		DeduplicatedContinuation: remainder,
	}
}

// longestSuffixPrefixMatch returns the length of the longest suffix of a
// that equals a prefix of b, using the KMP failure function built over
// b + sentinel + a. The rightmost-in-a tie-break falls out naturally: the
// failure function tracks the longest border ending at each position, and
// scanning left-to-right over b keeps the match anchored at the end of a.
func longestSuffixPrefixMatch(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	// Build pattern = b + sentinel + a, then compute the failure function.
	// The failure value at the final position (end of a) gives the length of
	// the longest prefix of b that is also a suffix of a, bounded by
	// min(len(a), len(b)) automatically since a border cannot exceed either.
	pattern := make([]rune, 0, len(b)+1+len(a))
	pattern = append(pattern, b...)
	pattern = append(pattern, 0) // sentinel: rune 0 cannot appear in normal text safely enough for this bounded use
	pattern = append(pattern, a...)

	failure := make([]int, len(pattern))
	k := 0
	for i := 1; i < len(pattern); i++ {
		for k > 0 && pattern[i] != pattern[k] {
			k = failure[k-1]
		}
		if pattern[i] == pattern[k] {
			k++
		}
		failure[i] = k
	}

	result := failure[len(pattern)-1]
	if result > len(a) {
		result = len(a)
	}
	if result > len(b) {
		result = len(b)
	}
	return result
}

func collapseWhitespace(runes []rune) []rune {
	out := make([]rune, 0, len(runes))
	inSpace := false
	for _, r := range runes {
		if isWhitespaceRune(r) {
			if !inSpace && len(out) > 0 {
				out = append(out, ' ')
			}
			inSpace = true
			continue
		}
		inSpace = false
		out = append(out, r)
	}
	// Trim a single trailing collapsed space, matching typical whitespace
	// collapse semantics (leading space from mid-string collapse is kept so
	// position correspondence stays as close as possible to the original).
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	return out
}

func isWhitespaceRune(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}

func toLowerRunes(runes []rune) []rune {
	out := make([]rune, len(runes))
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out[i] = r
	}
	return out
}

// expandCollapsedLength finds how many runes of the original (uncollapsed)
// prefix correspond to the first `collapsedLen` runes of its whitespace-
// collapsed form.
func expandCollapsedLength(original []rune, collapsedLen int) int {
	if collapsedLen <= 0 {
		return 0
	}

	collapsedCount := 0
	inSpace := false
	seenNonSpace := false
	for i, r := range original {
		if isWhitespaceRune(r) {
			// Leading whitespace is dropped by collapseWhitespace, so it
			// contributes no collapsed rune.
			if !inSpace && seenNonSpace {
				collapsedCount++
				if collapsedCount >= collapsedLen {
					return i + 1
				}
			}
			inSpace = true
			continue
		}
		inSpace = false
		seenNonSpace = true
		collapsedCount++
		if collapsedCount >= collapsedLen {
			return i + 1
		}
	}
	return len(original)
}
