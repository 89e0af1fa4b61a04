package domain

import "time"

// IssueKind classifies an audit finding.
type IssueKind string

const (
	KindEligibility      IssueKind = "eligibility"
	KindQuotaExcess      IssueKind = "quota_excess"
	KindUnusualPattern   IssueKind = "unusual_pattern"
	KindDuplicate        IssueKind = "duplicate"
	KindSuspiciousAmount IssueKind = "suspicious_amount"
)

// Severity grades a single audit issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskLevel is the aggregated risk classification of a report.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// NoOrderID marks issues raised at the beneficiary level rather than
// against a specific order.
const NoOrderID = "N/A"

// AuditIssue is a single flagged finding from the rules engine.
type AuditIssue struct {
	OrderID       string    `json:"orderId"`
	BeneficiaryID string    `json:"beneficiaryId"`
	Kind          IssueKind `json:"kind"`
	Severity      Severity  `json:"severity"`
	Description   string    `json:"description"`
	Evidence      string    `json:"evidence"`

	// RiskScore is in [0,100] and contributes additively to the
	// report's average risk.
	RiskScore float64 `json:"riskScore"`
}

// AuditReport is the outcome of one audit run over a store's order batch.
// Immutable after creation; appended to the capped report history.
type AuditReport struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"storeId"`
	GeneratedAt time.Time `json:"generatedAt"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`

	OrderCount           int                   `json:"orderCount"`
	QuantityByCommodity  map[Commodity]float64 `json:"quantityByCommodity"`
	TotalAmount          float64               `json:"totalAmount"`

	Issues          []AuditIssue `json:"issues"`
	RiskLevel       RiskLevel    `json:"riskLevel"`
	ComplianceRate  float64      `json:"complianceRate"` // percent, 0-100
	Recommendations []string     `json:"recommendations"`
	Summary         string       `json:"summary"`

	// PolicyVersion records which policy table produced this report,
	// so findings stay reproducible as ceilings change over time.
	PolicyVersion string `json:"policyVersion"`
}

// IssuesOfKind returns the issues matching kind.
func (r *AuditReport) IssuesOfKind(kind IssueKind) []AuditIssue {
	var out []AuditIssue
	for _, issue := range r.Issues {
		if issue.Kind == kind {
			out = append(out, issue)
		}
	}
	return out
}

// CountBySeverity returns how many issues carry the given severity.
func (r *AuditReport) CountBySeverity(s Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == s {
			n++
		}
	}
	return n
}

// ClampScore bounds a numeric score to [0,100].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// RiskLevelForScore maps an average risk score to a report risk level.
// Thresholds: >=80 critical, >=60 high, >=40 medium, else low.
func RiskLevelForScore(avg float64) RiskLevel {
	switch {
	case avg >= 80:
		return RiskCritical
	case avg >= 60:
		return RiskHigh
	case avg >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}
