package taskflow

import "strings"

// Verdict is an evaluator's reading of free-text step feedback.
type Verdict struct {
	Proceed  bool
	Positive float64
	Negative float64
	Reason   string
}

// Evaluator turns an evaluation reply into a proceed/retry decision.
type Evaluator interface {
	Decide(text string) Verdict
}

type weighted struct {
	phrase string
	weight float64
}

var (
	positiveIndicators = []weighted{
		{"proceed", 1}, {"next step", 1}, {"successfully", 1}, {"completed", 1},
		{"continue", 1}, {"move forward", 1},
		{"sufficient", 0.5}, {"adequate", 0.5},
	}
	negativeIndicators = []weighted{
		{"retry", 1}, {"failed", 1}, {"try again", 1}, {"not successful", 1}, {"unsuccessful", 1},
		{"error", 0.7},
		{"incorrect", 0.5}, {"missing", 0.5},
	}
	forcePhrases    = []string{"force proceed", "skip step", "continue anyway"}
	exhaustPhrases  = []string{"maximum retries", "too many attempts"}
	advanceKeywords = []string{"proceed", "continue", "skip"}
)

// KeywordEvaluator scores the reply against weighted positive and negative
// phrases. Each phrase counts once. Ties proceed. Force phrases always
// proceed; mentions of exhausted retries proceed only if the text also says
// proceed, continue or skip.
type KeywordEvaluator struct{}

func (KeywordEvaluator) Decide(text string) Verdict {
	t := strings.ToLower(text)

	for _, p := range forcePhrases {
		if strings.Contains(t, p) {
			return Verdict{Proceed: true, Reason: "override: " + p}
		}
	}
	for _, p := range exhaustPhrases {
		if strings.Contains(t, p) {
			return Verdict{Proceed: containsAny(t, advanceKeywords), Reason: "retries exhausted: " + p}
		}
	}

	v := Verdict{
		Positive: score(t, positiveIndicators),
		Negative: score(t, negativeIndicators),
	}
	v.Proceed = v.Positive >= v.Negative
	v.Reason = "keyword score"
	return v
}

func score(text string, set []weighted) float64 {
	var total float64
	for _, w := range set {
		if strings.Contains(text, w.phrase) {
			total += w.weight
		}
	}
	return total
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
