// Package optimizer rewrites raw user queries into a form expected to
// retrieve better matches. All transformations are pure and best-effort:
// a query that cannot be improved passes through unchanged.
package optimizer

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
)

// Complexity classifies a query for downstream processing strategies.
type Complexity string

const (
	ComplexitySimple      Complexity = "SIMPLE"
	ComplexityModerate    Complexity = "MODERATE"
	ComplexityComplex     Complexity = "COMPLEX"
	ComplexityVeryComplex Complexity = "VERY_COMPLEX"
)

// OptimizedQuery is the result of query optimization.
type OptimizedQuery struct {
	Original     string     `json:"original"`
	Query        string     `json:"query"`
	Complexity   Complexity `json:"complexity"`
	KeyTerms     []string   `json:"key_terms,omitempty"`
	Alternatives []string   `json:"alternatives,omitempty"`
	Optimized    bool       `json:"optimized"`
}

// QueryAnalysis reports quality issues and improvement suggestions for a
// query, used by UIs to give users feedback.
type QueryAnalysis struct {
	Query          string     `json:"query"`
	CharacterCount int        `json:"character_count"`
	WordCount      int        `json:"word_count"`
	Complexity     Complexity `json:"complexity"`
	Issues         []string   `json:"issues,omitempty"`
	Suggestions    []string   `json:"suggestions,omitempty"`
	KeyTerms       []string   `json:"key_terms,omitempty"`
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "that": {}, "the": {}, "to": {}, "was": {}, "will": {},
	"with": {}, "this": {}, "these": {}, "those": {},
}

var acronymExpansions = map[string]string{
	"AI":    "artificial intelligence",
	"ML":    "machine learning",
	"API":   "application programming interface",
	"REST":  "representational state transfer",
	"HTTP":  "hypertext transfer protocol",
	"JSON":  "javascript object notation",
	"SQL":   "structured query language",
	"NoSQL": "not only structured query language",
}

var (
	extraWhitespace = regexp.MustCompile(`\s+`)
	noisePunct      = regexp.MustCompile(`[!@#$%^&*()+=\[\]{}|;':"<>]`)
	alphaWord       = regexp.MustCompile(`^[a-zA-Z]+$`)
	conjunctions    = regexp.MustCompile(`(?i)\b(and|or|but|however|therefore)\b`)
	camelCaseIssue  = regexp.MustCompile(`[a-z]{2}[A-Z]`)
	digitLetter     = regexp.MustCompile(`\d[a-zA-Z]`)
	longWord        = regexp.MustCompile(`[a-zA-Z]{15,}`)
	sentenceSplit   = regexp.MustCompile(`[.!?]+`)
)

// Optimizer applies query optimization heuristics.
type Optimizer struct {
	config config.OptimizerConfig
	logger *slog.Logger
}

// New creates an Optimizer.
func New(cfg config.OptimizerConfig, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{config: cfg, logger: logger.With("component", "query-optimizer")}
}

// Optimize rewrites rawQuery. A blank query is rejected with InvalidArgument;
// any other condition degrades to the raw query with Optimized=false rather
// than failing.
func (o *Optimizer) Optimize(tenantID, rawQuery string) (*OptimizedQuery, error) {
	if strings.TrimSpace(rawQuery) == "" {
		return nil, ragerrors.InvalidArgument("query must not be blank")
	}

	result := &OptimizedQuery{
		Original:   rawQuery,
		Query:      rawQuery,
		Complexity: o.classifyComplexity(rawQuery),
		KeyTerms:   o.ExtractKeyTerms(rawQuery),
	}

	if !o.config.Enabled {
		return result, nil
	}

	optimized := o.rewrite(rawQuery)
	if len(optimized) < o.config.MinQueryLength {
		// Optimization made the query worse, keep the original.
		o.logger.Debug("Optimization discarded, result too short",
			"tenant_id", tenantID, "original", rawQuery)
		return result, nil
	}

	if optimized != rawQuery {
		result.Query = optimized
		result.Optimized = true
		o.logger.Debug("Query optimized",
			"tenant_id", tenantID,
			"original", rawQuery,
			"optimized", optimized,
		)
	}
	result.Alternatives = o.SuggestAlternatives(result.Query)
	return result, nil
}

// Analyze reports quality issues and suggestions for a query.
func (o *Optimizer) Analyze(query string) *QueryAnalysis {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &QueryAnalysis{Complexity: ComplexitySimple}
	}

	var issues, suggestions []string

	if len(trimmed) < o.config.MinQueryLength {
		issues = append(issues, "query is very short and may not provide enough context")
		suggestions = append(suggestions, "try adding more specific details or context to your question")
	} else if len(trimmed) > o.config.MaxQueryLength {
		issues = append(issues, "query is very long and may be too complex")
		suggestions = append(suggestions, "try breaking down your question into more specific parts")
	}

	if containsOnlyStopWords(trimmed) {
		issues = append(issues, "query contains mostly common words")
		suggestions = append(suggestions, "add more specific terms related to your topic")
	}
	if containsUnexpandedAcronyms(trimmed) {
		suggestions = append(suggestions, "consider spelling out acronyms for better matching")
	}
	if looksLikeTypos(trimmed) {
		suggestions = append(suggestions, "check for potential spelling errors")
	}

	return &QueryAnalysis{
		Query:          trimmed,
		CharacterCount: len(trimmed),
		WordCount:      countWords(trimmed),
		Complexity:     o.classifyComplexity(trimmed),
		Issues:         issues,
		Suggestions:    suggestions,
		KeyTerms:       o.ExtractKeyTerms(trimmed),
	}
}

// ExtractKeyTerms returns the significant terms of a query: lowercase,
// alphabetic, longer than two characters, stopwords removed, deduplicated.
func (o *Optimizer) ExtractKeyTerms(query string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		if len(word) <= 2 || !alphaWord.MatchString(word) {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		terms = append(terms, word)
	}
	return terms
}

// SuggestAlternatives generates up to five alternative phrasings.
func (o *Optimizer) SuggestAlternatives(query string) []string {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil
	}

	var alternatives []string
	if !strings.HasSuffix(trimmed, "?") {
		lower := strings.ToLower(trimmed)
		alternatives = append(alternatives,
			"What is "+lower+"?",
			"How does "+lower+" work?",
			"Tell me about "+lower,
		)
	}
	alternatives = append(alternatives,
		trimmed+" examples",
		trimmed+" definition",
		trimmed+" best practices",
	)
	if len(alternatives) > 5 {
		alternatives = alternatives[:5]
	}
	return alternatives
}

func (o *Optimizer) rewrite(query string) string {
	optimized := strings.TrimSpace(query)
	optimized = noisePunct.ReplaceAllString(optimized, " ")

	if o.config.ExpandAcronyms {
		optimized = expandAcronyms(optimized)
	}
	if o.config.RemoveStopwords {
		optimized = removeStopwords(optimized)
	}

	return strings.TrimSpace(extraWhitespace.ReplaceAllString(optimized, " "))
}

func (o *Optimizer) classifyComplexity(query string) Complexity {
	words := countWords(query)
	sentences := 0
	for _, part := range sentenceSplit.Split(query, -1) {
		if strings.TrimSpace(part) != "" {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}
	hasConjunctions := conjunctions.MatchString(query)

	switch {
	case words < 3:
		return ComplexitySimple
	case words < 8 && sentences == 1 && !hasConjunctions:
		return ComplexityModerate
	case words < 15 && sentences <= 2:
		return ComplexityComplex
	default:
		return ComplexityVeryComplex
	}
}

func expandAcronyms(query string) string {
	expanded := query
	for acronym, expansion := range acronymExpansions {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(acronym) + `\b`)
		expanded = re.ReplaceAllString(expanded, expansion+" ("+acronym+")")
	}
	return expanded
}

func removeStopwords(query string) string {
	var kept []string
	for _, word := range strings.Fields(query) {
		if _, stop := stopWords[strings.ToLower(word)]; !stop {
			kept = append(kept, word)
		}
	}
	return strings.Join(kept, " ")
}

func containsOnlyStopWords(query string) bool {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if _, stop := stopWords[strings.Trim(w, ".,!?")]; !stop {
			return false
		}
	}
	return true
}

func containsUnexpandedAcronyms(query string) bool {
	upper := strings.ToUpper(query)
	for acronym := range acronymExpansions {
		if strings.Contains(upper, acronym) {
			return true
		}
	}
	return false
}

func looksLikeTypos(query string) bool {
	return camelCaseIssue.MatchString(query) ||
		digitLetter.MatchString(query) ||
		strings.Contains(query, "..") ||
		longWord.MatchString(query)
}

func countWords(query string) int {
	return len(strings.Fields(query))
}
