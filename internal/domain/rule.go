package domain

import "time"

// CustomRule is an operator-defined screening rule evaluated alongside
// the built-in heuristics. The expression is a CEL predicate over order
// and beneficiary variables; when it evaluates true the order is flagged
// with the rule's configured kind, severity, and risk score.
type CustomRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Expression is the CEL predicate, e.g.
	// "order_total > 2000.0 && !verified".
	Expression string `json:"expression"`

	Kind      IssueKind `json:"kind"`
	Severity  Severity  `json:"severity"`
	RiskScore float64   `json:"riskScore"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
