package models

import "fmt"

// Regression is a previously passing example that fails under a candidate.
type Regression struct {
	ExampleID string `json:"example_id" msgpack:"example_id"`
	Gold      string `json:"gold" msgpack:"gold"`
	Before    string `json:"before" msgpack:"before"`
	After     string `json:"after" msgpack:"after"`
	Failure   string `json:"failure,omitempty" msgpack:"failure,omitempty"`
}

// ValidationResult has the same shape for every validator strategy.
type ValidationResult struct {
	Strategy     string             `json:"strategy" msgpack:"strategy"`
	Accepted     bool               `json:"accepted" msgpack:"accepted"`
	Reason       string             `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Regressions  []Regression       `json:"regressions,omitempty" msgpack:"regressions,omitempty"`
	Checked      int                `json:"checked" msgpack:"checked"`
	PassedBefore int                `json:"passed_before" msgpack:"passed_before"`
	PassedAfter  int                `json:"passed_after" msgpack:"passed_after"`
	Score        float64            `json:"score" msgpack:"score"`
	Results      []EvaluationResult `json:"-" msgpack:"-"`
}

// Margin is the change in passing examples, negative on net loss.
func (v ValidationResult) Margin() int {
	return v.PassedAfter - v.PassedBefore
}

// Accept builds an accepting result.
func Accept(strategy string, checked int, score float64) ValidationResult {
	return ValidationResult{Strategy: strategy, Accepted: true, Checked: checked, Score: score}
}

// RejectRegressions builds a rejection naming the regressed examples.
func RejectRegressions(strategy string, regressions []Regression) ValidationResult {
	reason := fmt.Sprintf("%d previously passing example(s) regressed", len(regressions))
	if len(regressions) == 1 {
		reason = fmt.Sprintf("example %s regressed: expected %q, got %q",
			regressions[0].ExampleID, regressions[0].Gold, regressions[0].After)
	}
	return ValidationResult{Strategy: strategy, Accepted: false, Reason: reason, Regressions: regressions}
}
