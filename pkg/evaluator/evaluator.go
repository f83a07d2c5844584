// Package evaluator scores assistant responses with deterministic heuristics.
package evaluator

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/session"
)

// Metric names reported in EvaluationReport.Scores.
const (
	MetricRelevance       = "relevance"
	MetricLength          = "length"
	MetricCompleteness    = "completeness"
	MetricQueryOverlap    = "query_overlap"
	MetricToolCorrectness = "tool_correctness"
)

// NeutralRelevance is reported when no context was retrieved.
const NeutralRelevance = 0.5

// Defaults applied by New.
const (
	DefaultRelevanceThreshold       = 0.1
	DefaultToolCorrectnessThreshold = 1.0
	DefaultMaxChars                 = 8000
)

// OutputValidator checks a tool result against the tool's declared output schema.
type OutputValidator interface {
	ValidateOutput(name string, output any) error
}

// Config configures an Evaluator.
type Config struct {
	RelevanceThreshold       float64 `json:"relevance_threshold" mapstructure:"relevance_threshold"`
	ToolCorrectnessThreshold float64 `json:"tool_correctness_threshold" mapstructure:"tool_correctness_threshold"`
	MaxChars                 int     `json:"max_chars" mapstructure:"max_chars"`
	// Validator may be nil, in which case any successful tool result is correct.
	Validator OutputValidator `json:"-" mapstructure:"-"`
}

// Input is everything one evaluation looks at.
type Input struct {
	User      session.Turn
	Assistant session.Turn
	Context   []retrieval.Passage
	ToolCalls []session.ToolCall
}

// Evaluator produces EvaluationReports. It holds no mutable state.
type Evaluator struct {
	cfg Config
}

// New creates an Evaluator, filling unset thresholds with defaults.
func New(cfg Config) *Evaluator {
	if cfg.RelevanceThreshold <= 0 {
		cfg.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if cfg.ToolCorrectnessThreshold <= 0 {
		cfg.ToolCorrectnessThreshold = DefaultToolCorrectnessThreshold
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return &Evaluator{cfg: cfg}
}

// Evaluate scores the assistant turn. Identical inputs always give identical reports.
func (e *Evaluator) Evaluate(in Input) session.EvaluationReport {
	scores := make(map[string]float64, 5)
	var failures []string

	answer := in.Assistant.Content
	answerTokens := retrieval.Tokenize(answer)

	lengthOK, lengthProblem := e.checkLength(answer, answerTokens)
	if lengthOK {
		scores[MetricLength] = 1
	} else {
		scores[MetricLength] = 0
		failures = append(failures, lengthProblem)
	}

	if len(in.Context) == 0 {
		scores[MetricRelevance] = NeutralRelevance
	} else {
		contextTokens := []string{}
		for _, p := range in.Context {
			contextTokens = append(contextTokens, retrieval.Tokenize(p.Text)...)
		}
		rel := overlap(answerTokens, contextTokens)
		scores[MetricRelevance] = rel
		if rel < e.cfg.RelevanceThreshold {
			failures = append(failures, fmt.Sprintf("relevance %.2f below threshold %.2f", rel, e.cfg.RelevanceThreshold))
		}
	}

	scores[MetricCompleteness] = completeness(answer)
	scores[MetricQueryOverlap] = queryOverlap(retrieval.Tokenize(in.User.Content), answerTokens)

	if len(in.ToolCalls) > 0 {
		tc := e.toolCorrectness(in.ToolCalls)
		scores[MetricToolCorrectness] = tc
		if tc < e.cfg.ToolCorrectnessThreshold {
			failures = append(failures, fmt.Sprintf("tool correctness %.2f below threshold %.2f", tc, e.cfg.ToolCorrectnessThreshold))
		}
	}

	rationale := "all checks passed"
	if len(failures) > 0 {
		rationale = strings.Join(failures, "; ")
	}

	return session.EvaluationReport{
		Scores:     scores,
		Passed:     len(failures) == 0,
		Rationale:  rationale,
		Confidence: Confidence(scores, len(in.Assistant.Citations), len(in.ToolCalls)),
	}
}

// Confidence combines the average score with bonuses for citations and tool use.
func Confidence(scores map[string]float64, citations, toolCalls int) float64 {
	conf := 0.5
	if len(scores) > 0 {
		keys := make([]string, 0, len(scores))
		for k := range scores {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sum := 0.0
		for _, k := range keys {
			sum += scores[k]
		}
		conf += 0.3 * sum / float64(len(scores))
	}
	conf += min(0.2, 0.05*float64(citations))
	conf += min(0.1, 0.05*float64(toolCalls))
	return min(1.0, conf)
}

func (e *Evaluator) checkLength(answer string, tokens []string) (bool, string) {
	if strings.TrimSpace(answer) == "" {
		return false, "empty response"
	}
	if n := utf8.RuneCountInString(answer); n > e.cfg.MaxChars {
		return false, fmt.Sprintf("response length %d exceeds %d characters", n, e.cfg.MaxChars)
	}
	if len(tokens) > 1 && len(distinct(tokens)) == 1 {
		return false, "degenerate response repeats a single token"
	}
	return true, ""
}

func (e *Evaluator) toolCorrectness(calls []session.ToolCall) float64 {
	valid := 0
	for _, c := range calls {
		if c.Error != nil {
			continue
		}
		if e.cfg.Validator != nil {
			if err := e.cfg.Validator.ValidateOutput(c.Name, c.Result); err != nil {
				continue
			}
		}
		valid++
	}
	return float64(valid) / float64(len(calls))
}

func completeness(answer string) float64 {
	switch n := utf8.RuneCountInString(answer); {
	case n < 50:
		return 0.3
	case n < 200:
		return 0.7
	default:
		return 1.0
	}
}

// overlap is the share of distinct answer tokens that appear in the reference.
func overlap(answer, reference []string) float64 {
	a := distinct(answer)
	if len(a) == 0 {
		return 0
	}
	ref := distinct(reference)
	hits := 0
	for tok := range a {
		if _, ok := ref[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}

func queryOverlap(query, answer []string) float64 {
	q := distinct(query)
	if len(q) == 0 {
		return 0
	}
	ans := distinct(answer)
	hits := 0
	for tok := range q {
		if _, ok := ans[tok]; ok {
			hits++
		}
	}
	return min(1.0, 2*float64(hits)/float64(len(q)))
}

func distinct(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
