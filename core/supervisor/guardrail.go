package supervisor

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/kaptinlin/jsonrepair"
)

// RuleContext is the input a Rule's Check function inspects, per spec §4.3.
type RuleContext struct {
	Content     string
	Completed   bool
	TokenCount  uint64
	Metadata    map[string]any
	AttemptTime time.Duration // time elapsed since the attempt's first byte
}

// Rule is a declarative guardrail evaluated against accumulated content.
// Streaming rules run after every non-error event; non-streaming rules only
// run once, on Complete, alongside the streaming rules' final pass.
type Rule struct {
	Name        string
	Description string
	Streaming   bool
	Severity    Severity
	Recoverable bool
	Check       func(ctx RuleContext) []Violation
}

// GuardrailEngine runs a fixed set of Rules against accumulated content,
// per spec §4.3's "Engine behavior".
type GuardrailEngine struct {
	rules []Rule
}

// NewGuardrailEngine constructs an engine over the given rules, evaluated in
// the order supplied.
func NewGuardrailEngine(rules ...Rule) *GuardrailEngine {
	return &GuardrailEngine{rules: rules}
}

// Evaluate runs the rules selected by ctx.Completed: on a Token event callers
// pass completed=false and only rules with Streaming=true fire; on Complete
// callers pass completed=true and every rule fires once more.
func (g *GuardrailEngine) Evaluate(ctx RuleContext) []Violation {
	var violations []Violation
	for _, rule := range g.rules {
		if !ctx.Completed && !rule.Streaming {
			continue
		}
		for _, v := range rule.Check(ctx) {
			if v.Rule == "" {
				v.Rule = rule.Name
			}
			if v.Severity == "" {
				v.Severity = rule.Severity
			}
			violations = append(violations, v)
		}
	}
	return violations
}

// JSONRule validates accumulated content as JSON. While streaming it uses
// jsonrepair to tolerate an in-progress partial document (the same
// lenient-repair approach core/parse/parse.go applies to structured tool
// output); once Completed it requires exact well-formedness.
func JSONRule(recoverable bool) Rule {
	return Rule{
		Name:        "json",
		Description: "accumulated content must be (or repair into) well-formed JSON",
		Streaming:   true,
		Severity:    SeverityError,
		Recoverable: recoverable,
		Check: func(ctx RuleContext) []Violation {
			trimmed := strings.TrimSpace(ctx.Content)
			if trimmed == "" {
				return nil
			}
			if ctx.Completed {
				if !json.Valid([]byte(trimmed)) {
					return []Violation{{
						Message:     "content is not well-formed JSON at completion",
						Recoverable: recoverable,
						Content:     ctx.Content,
					}}
				}
				return nil
			}
			// In-progress: only flag content that jsonrepair itself cannot
			// make sense of, not a document that is merely unterminated.
			if _, err := jsonrepair.JSONRepair(trimmed); err != nil && looksLikeJSON(trimmed) {
				return []Violation{{
					Message:     "in-progress content is not recoverable JSON",
					Recoverable: recoverable,
					Content:     ctx.Content,
				}}
			}
			return nil
		},
	}
}

// StrictJSONRule is JSONRule with recoverable=false, matching the spec's
// "strict-json" contract name.
func StrictJSONRule() Rule {
	rule := JSONRule(false)
	rule.Name = "strict-json"
	return rule
}

func looksLikeJSON(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '{', '[', '"', 't', 'f', 'n', '-':
		return true
	default:
		return unicode.IsDigit(rune(s[0]))
	}
}

// MarkdownRule flags content that opens a fenced code block (```) without
// ever closing it once the attempt completes.
func MarkdownRule() Rule {
	return Rule{
		Name:        "markdown",
		Description: "fenced code blocks must balance by completion",
		Streaming:   false,
		Severity:    SeverityWarning,
		Recoverable: true,
		Check: func(ctx RuleContext) []Violation {
			if !ctx.Completed {
				return nil
			}
			if strings.Count(ctx.Content, "```")%2 != 0 {
				return []Violation{{Message: "unbalanced fenced code block", Recoverable: true, Content: ctx.Content}}
			}
			return nil
		},
	}
}

// LatexRule flags content with unbalanced \[ \] or $$ ... $$ display-math
// delimiters once the attempt completes.
func LatexRule() Rule {
	return Rule{
		Name:        "latex",
		Description: "display-math delimiters must balance by completion",
		Streaming:   false,
		Severity:    SeverityWarning,
		Recoverable: true,
		Check: func(ctx RuleContext) []Violation {
			if !ctx.Completed {
				return nil
			}
			if strings.Count(ctx.Content, `\[`) != strings.Count(ctx.Content, `\]`) ||
				strings.Count(ctx.Content, "$$")%2 != 0 {
				return []Violation{{Message: "unbalanced LaTeX display-math delimiters", Recoverable: true, Content: ctx.Content}}
			}
			return nil
		},
	}
}

// PatternRule flags content matching (mustNotMatch=true) or failing to match
// (mustNotMatch=false) the given regular expression once the attempt
// completes. Named "pattern" in the spec's contract; CustomPatternRule below
// supplies the same shape under the "custom-pattern" name for callers that
// want the two kept distinct.
func PatternRule(name string, pattern *regexp.Regexp, mustNotMatch bool, severity Severity, recoverable bool) Rule {
	return Rule{
		Name:        name,
		Description: "content must satisfy a regular expression constraint",
		Streaming:   false,
		Severity:    severity,
		Recoverable: recoverable,
		Check: func(ctx RuleContext) []Violation {
			if !ctx.Completed {
				return nil
			}
			matched := pattern.MatchString(ctx.Content)
			if matched == mustNotMatch {
				return []Violation{{Message: "content violated pattern constraint " + pattern.String(), Recoverable: recoverable, Content: ctx.Content}}
			}
			return nil
		},
	}
}

// CustomPatternRule is PatternRule under the "custom-pattern" contract name.
func CustomPatternRule(pattern *regexp.Regexp, mustNotMatch bool, severity Severity, recoverable bool) Rule {
	return PatternRule("custom-pattern", pattern, mustNotMatch, severity, recoverable)
}

// ZeroOutputRule implements the spec §4.3 zero-output rule exactly: on
// completed or tokenCount>=5, empty/whitespace-only/punctuation-repeat/instant
// content is a single non-recoverable error violation.
func ZeroOutputRule() Rule {
	return Rule{
		Name:        "zero-output",
		Description: "the attempt must produce meaningful, non-trivial content",
		Streaming:   true,
		Severity:    SeverityError,
		Recoverable: false,
		Check: func(ctx RuleContext) []Violation {
			if !ctx.Completed && ctx.TokenCount < 5 {
				return nil
			}
			if !isZeroOutput(ctx) {
				return nil
			}
			return []Violation{{
				Rule:        "zero-output",
				Severity:    SeverityError,
				Message:     "attempt produced no meaningful content",
				Recoverable: false,
				Content:     ctx.Content,
			}}
		},
	}
}

func isZeroOutput(ctx RuleContext) bool {
	trimmed := strings.TrimSpace(ctx.Content)
	if trimmed == "" {
		return true
	}
	if isPunctuationRepeat(trimmed) {
		return true
	}
	if ctx.AttemptTime > 0 && ctx.AttemptTime < 100*time.Millisecond && ctx.TokenCount < 5 {
		return true
	}
	return false
}

// isPunctuationRepeat reports whether s consists entirely of punctuation, or
// entirely of one repeated character.
func isPunctuationRepeat(s string) bool {
	allPunct := true
	runes := []rune(s)
	for _, r := range runes {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) && !unicode.IsSpace(r) {
			allPunct = false
			break
		}
	}
	if allPunct {
		return true
	}

	if len(runes) == 0 {
		return false
	}
	first := runes[0]
	for _, r := range runes[1:] {
		if r != first {
			return false
		}
	}
	return true
}
