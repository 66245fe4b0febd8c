package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RegexPreprocessorConfig configures the fast-path precheck and the ReDoS
// security validation applied to every regex operator before it reaches
// the regex engine.
type RegexPreprocessorConfig struct {
	EnableFirstPassFiltering bool
	PrecheckSpecialChars     string
	MinimumLiteralLength     int
	MaxQuantifierLimit       int
}

// DefaultRegexPreprocessorConfig returns the baseline configuration.
func DefaultRegexPreprocessorConfig() RegexPreprocessorConfig {
	return RegexPreprocessorConfig{
		EnableFirstPassFiltering: true,
		PrecheckSpecialChars:     "+-@#$%&*=<>!~`€£{}[].",
		MinimumLiteralLength:     2,
		MaxQuantifierLimit:       100,
	}
}

// RegexPreprocessor avoids running a regex when it cannot possibly match
// (should_run_regex) and rejects patterns that can cause catastrophic
// backtracking before they reach the engine (ValidateSecurity).
type RegexPreprocessor struct {
	config RegexPreprocessorConfig
}

// NewRegexPreprocessor creates a preprocessor with the given config.
func NewRegexPreprocessor(config RegexPreprocessorConfig) *RegexPreprocessor {
	return &RegexPreprocessor{config: config}
}

// DefaultRegexPreprocessor returns a preprocessor using DefaultRegexPreprocessorConfig.
func DefaultRegexPreprocessor() *RegexPreprocessor {
	return NewRegexPreprocessor(DefaultRegexPreprocessorConfig())
}

var (
	alternationUnderQuantifier = regexp.MustCompile(`\([^)]*\|[^)]*\)[*+]`)
	dangerousPatterns          = []*regexp.Regexp{
		regexp.MustCompile(`\([^)]*[*+]\)[*+]`),           // nested quantifiers
		regexp.MustCompile(`[*+][*+]`),                    // adjacent quantifiers
		regexp.MustCompile(`\.[*+].*[*+]`),                // multiple .* / .+ patterns
		regexp.MustCompile(`\([^)]*\)[*+].*\([^)]*\)[*+]`), // multiple quantified groups
	}
)

// quantifierInfo is the parsed {min,max} bound of a {n}, {n,}, {n,m} quantifier.
type quantifierInfo struct {
	min int
	max int // -1 means unbounded
}

// ValidateSecurity rejects patterns that are prone to catastrophic
// backtracking (ReDoS). Nested/adjacent quantifiers and quantifier bounds
// that exceed the configured limit are hard rejections; alternation under
// a quantifier is only a warning (returned errors never include it).
func (r *RegexPreprocessor) ValidateSecurity(pattern string) error {
	if err := r.detectNestedQuantifiers(pattern); err != nil {
		return err
	}
	if err := r.detectExponentialBacktracking(pattern); err != nil {
		return err
	}
	if err := r.validateQuantifierLimits(pattern); err != nil {
		return err
	}

	complexity := r.calculateComplexity(pattern)
	if complexity > 50 {
		return fmt.Errorf("pattern complexity score %d exceeds safety threshold of 50; simplify the regex to avoid performance issues", complexity)
	}

	return nil
}

// HasAlternationOverlapWarning reports whether the pattern contains an
// alternation group immediately followed by a quantifier (e.g. "(a|a)*").
// This is a warning-only signal; callers may log it but must not reject
// the pattern on this basis alone.
func (r *RegexPreprocessor) HasAlternationOverlapWarning(pattern string) bool {
	return alternationUnderQuantifier.MatchString(pattern)
}

// detectNestedQuantifiers rejects a quantified group whose body also
// contains a quantifier, the classic (a+)+ family.
func (r *RegexPreprocessor) detectNestedQuantifiers(pattern string) error {
	runes := []rune(pattern)
	parenDepth := 0
	quantifierLevels := make([]bool, 0, 4)

	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '(':
			parenDepth++
			if len(quantifierLevels) < parenDepth {
				quantifierLevels = append(quantifierLevels, false)
			}
		case ')':
			if parenDepth > 0 {
				if i+1 < len(runes) {
					next := runes[i+1]
					if next == '*' || next == '+' || next == '?' || next == '{' {
						if quantifierLevels[parenDepth-1] {
							return fmt.Errorf("nested quantifiers detected (e.g. (a+)+); this pattern can cause catastrophic backtracking and ReDoS")
						}
					}
				}
				parenDepth--
				if len(quantifierLevels) > parenDepth {
					quantifierLevels = quantifierLevels[:parenDepth]
				}
			}
		case '*', '+', '?':
			if parenDepth > 0 && parenDepth <= len(quantifierLevels) {
				quantifierLevels[parenDepth-1] = true
			}
		case '{':
			for i < len(runes) && runes[i] != '}' {
				i++
			}
			if parenDepth > 0 && parenDepth <= len(quantifierLevels) {
				quantifierLevels[parenDepth-1] = true
			}
		}
	}

	return nil
}

// detectExponentialBacktracking rejects a small set of known-dangerous
// shapes (adjacent quantifiers, repeated .* / .+, multiple quantified
// groups) via fixed lookups.
func (r *RegexPreprocessor) detectExponentialBacktracking(pattern string) error {
	for _, dangerous := range dangerousPatterns {
		if dangerous.MatchString(pattern) {
			return fmt.Errorf("potentially dangerous regex pattern %q can cause exponential backtracking", pattern)
		}
	}
	return nil
}

// validateQuantifierLimits rejects individual {n} / {n,m} bounds above
// MaxQuantifierLimit.
func (r *RegexPreprocessor) validateQuantifierLimits(pattern string) error {
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '{' {
			continue
		}
		q, consumed := parseQuantifier(runes[i+1:])
		i += consumed

		if q.min > r.config.MaxQuantifierLimit {
			return fmt.Errorf("quantifier min value %d exceeds security limit of %d", q.min, r.config.MaxQuantifierLimit)
		}
		if q.max >= 0 && q.max > r.config.MaxQuantifierLimit {
			return fmt.Errorf("quantifier max value %d exceeds security limit of %d", q.max, r.config.MaxQuantifierLimit)
		}
	}
	return nil
}

// calculateComplexity scores a pattern's evaluation cost per the fixed
// weighting table: * + -> 3, ? -> 1, unbounded {n,} -> 5, bounded {n,m}
// -> 2, ( | . -> 2, [...] -> 1, escape -> 1.
func (r *RegexPreprocessor) calculateComplexity(pattern string) int {
	runes := []rune(pattern)
	complexity := 0

	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*', '+':
			complexity += 3
		case '?':
			complexity += 1
		case '{':
			q, consumed := parseQuantifier(runes[i+1:])
			i += consumed
			if q.max < 0 {
				complexity += 5
			} else {
				complexity += 2
			}
		case '(':
			complexity += 2
		case '|':
			complexity += 2
		case '.':
			complexity += 2
		case '[':
			complexity += 1
			for i < len(runes) && runes[i] != ']' {
				i++
			}
		case '\\':
			i++ // skip escaped character
			complexity += 1
		}
	}

	return complexity
}

// ShouldRunRegex decides whether it is even possible for pattern to match
// fieldValue, avoiding an expensive regex evaluation when it cannot. False
// positives (returning true when the regex won't actually match) are
// acceptable; false negatives are not: soundness requires that whenever
// this returns false, the regex genuinely cannot match.
func (r *RegexPreprocessor) ShouldRunRegex(fieldValue, pattern string) bool {
	if !r.config.EnableFirstPassFiltering {
		return true
	}

	literals := r.extractRequiredLiterals(pattern)
	specialChars := r.extractRequiredSpecialChars(pattern)

	specialCharsPresent := false
	for _, c := range specialChars {
		if strings.ContainsRune(fieldValue, c) {
			specialCharsPresent = true
			break
		}
	}

	hasSignificantLiteral := false
	for _, lit := range literals {
		if len([]rune(lit)) >= r.config.MinimumLiteralLength {
			hasSignificantLiteral = true
			break
		}
	}

	literalsPresent := true
	if hasSignificantLiteral {
		literalsPresent = false
		for _, lit := range literals {
			if len([]rune(lit)) >= r.config.MinimumLiteralLength && strings.Contains(fieldValue, lit) {
				literalsPresent = true
				break
			}
		}
	}

	return specialCharsPresent || literalsPresent
}

// extractRequiredLiterals extracts contiguous runs of literal (non-special)
// characters from pattern, excluding any run whose final character is
// immediately quantified (and therefore optional, not required).
func (r *RegexPreprocessor) extractRequiredLiterals(pattern string) []string {
	var literals []string
	var current []rune
	runes := []rune(pattern)

	flush := func() {
		if len(current) > 0 {
			literals = append(literals, string(current))
			current = nil
		}
	}

	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '\\':
			if i+1 < len(runes) {
				i++
				if !isFollowedByOptionalQuantifier(runes, i+1) {
					current = append(current, runes[i])
				} else {
					flush()
				}
			}
		case ch == '[':
			flush()
			for i < len(runes) && runes[i] != ']' {
				i++
			}
		case ch == '(':
			flush()
			depth := 1
			i++
			for i < len(runes) && depth > 0 {
				switch runes[i] {
				case '(':
					depth++
				case ')':
					depth--
				}
				i++
			}
			i--
		case ch == ')' || ch == '|' || ch == '^' || ch == '$' || ch == '.':
			flush()
		case ch == '*' || ch == '+' || ch == '?':
			if len(current) > 0 {
				current = current[:len(current)-1]
				flush()
			}
		case ch == '{':
			q, consumed := parseQuantifier(runes[i+1:])
			i += consumed
			if q.min == 0 && len(current) > 0 {
				current = current[:len(current)-1]
				flush()
			}
		case ch == '}':
			// handled via '{' above
		case isLiteralRune(ch):
			current = append(current, ch)
		default:
			flush()
		}
	}
	flush()

	return literals
}

// extractRequiredSpecialChars extracts the configured precheck special
// characters that the pattern explicitly, literally requires (i.e. not
// behind an optional quantifier), deduplicated.
func (r *RegexPreprocessor) extractRequiredSpecialChars(pattern string) []rune {
	seen := make(map[rune]bool)
	var out []rune
	runes := []rune(pattern)

	add := func(c rune) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch ch {
		case '\\':
			if i+1 < len(runes) {
				i++
				escaped := runes[i]
				if strings.ContainsRune(r.config.PrecheckSpecialChars, escaped) && !isFollowedByOptionalQuantifier(runes, i+1) {
					add(escaped)
				}
			}
		case '[':
			var classChars []rune
			i++
			for i < len(runes) && runes[i] != ']' {
				if strings.ContainsRune(r.config.PrecheckSpecialChars, runes[i]) {
					classChars = append(classChars, runes[i])
				}
				i++
			}
			if !isFollowedByOptionalQuantifier(runes, i+1) {
				for _, c := range classChars {
					add(c)
				}
			}
		default:
			if strings.ContainsRune(r.config.PrecheckSpecialChars, ch) && !isRegexSyntaxRune(ch) {
				if !isFollowedByOptionalQuantifier(runes, i+1) {
					add(ch)
				}
			}
		}
	}

	return out
}

func isRegexSyntaxRune(ch rune) bool {
	switch ch {
	case '^', '$', '.', '*', '+', '?', '(', ')', '[', ']', '{', '}', '|':
		return true
	default:
		return false
	}
}

func isLiteralRune(ch rune) bool {
	if ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' {
		return true
	}
	return ch == ' ' || ch == '-' || ch == '_'
}

// isFollowedByOptionalQuantifier reports whether runes[at:] begins with an
// optional quantifier ('?', '*', or '{0,n}').
func isFollowedByOptionalQuantifier(runes []rune, at int) bool {
	if at >= len(runes) {
		return false
	}
	switch runes[at] {
	case '?', '*':
		return true
	case '{':
		q, _ := parseQuantifier(runes[at+1:])
		return q.min == 0
	}
	return false
}

// parseQuantifier parses the body of a {...} quantifier starting right
// after the opening brace and returns the parsed bound plus how many
// runes (including the closing brace) were consumed.
func parseQuantifier(rest []rune) (quantifierInfo, int) {
	end := -1
	for i, r := range rest {
		if r == '}' {
			end = i
			break
		}
	}
	if end < 0 {
		return quantifierInfo{min: 1, max: 1}, len(rest)
	}

	body := string(rest[:end])
	consumed := end + 1

	if strings.Contains(body, ",") {
		parts := strings.SplitN(body, ",", 2)
		min, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			min = 1
		}
		max := -1
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			if m, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
				max = m
			}
		}
		return quantifierInfo{min: min, max: max}, consumed
	}

	count, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		count = 1
	}
	return quantifierInfo{min: count, max: count}, consumed
}
