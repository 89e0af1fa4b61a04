// Package audit implements the audit orchestrator. It runs every
// screening rule over a batch of orders, aggregates the findings into
// a risk-graded report, and appends the report to the capped history.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-pds/granary/internal/domain"
	"github.com/opensource-pds/granary/internal/repository"
	"github.com/opensource-pds/granary/internal/rules"
)

// historyWindowDays is the trailing window used for pattern and
// duplicate checks, and for automated audit batches.
const historyWindowDays = 30

// Auditor orchestrates rule evaluation and report aggregation for one
// or more ration stores. Collaborator failures on the persistence side
// never fail an audit: the report is always produced from inputs.
type Auditor struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	custom *rules.CustomEngine

	policy     *domain.Policy
	maxWorkers int

	// now is swappable for deterministic tests.
	now func() time.Time
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// WithMaxWorkers bounds concurrent per-order evaluation.
func WithMaxWorkers(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.maxWorkers = n
		}
	}
}

// NewAuditor creates an audit orchestrator. The custom engine and the
// cache and bus collaborators are optional; the repository is required
// only for automated audits and report history.
func NewAuditor(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, custom *rules.CustomEngine, policy *domain.Policy, opts ...Option) *Auditor {
	if policy == nil {
		policy = domain.DefaultPolicy()
	}

	a := &Auditor{
		repo:       repo,
		cache:      cache,
		bus:        eventBus,
		custom:     custom,
		policy:     policy,
		maxWorkers: 10,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Policy returns the active policy table.
func (a *Auditor) Policy() *domain.Policy {
	return a.policy
}

// SetPolicy swaps the active policy table.
func (a *Auditor) SetPolicy(p *domain.Policy) {
	if p != nil {
		a.policy = p
	}
}

// AuditOrders screens a batch of orders against the roster and returns
// the aggregated report. Orders from beneficiaries missing from the
// roster are flagged critical and skip the per-order rules. The report
// append and event publish are best-effort.
func (a *Auditor) AuditOrders(ctx context.Context, storeID string, orders []*domain.Order, roster map[string]*domain.BeneficiaryProfile) (*domain.AuditReport, error) {
	if storeID == "" {
		return nil, fmt.Errorf("storeID is required")
	}

	now := a.now().UTC()

	report := &domain.AuditReport{
		ID:                  uuid.New().String(),
		StoreID:             storeID,
		GeneratedAt:         now,
		PeriodStart:         now.AddDate(0, 0, -historyWindowDays),
		PeriodEnd:           now,
		OrderCount:          len(orders),
		QuantityByCommodity: make(map[domain.Commodity]float64),
		PolicyVersion:       a.policy.Version,
	}

	if len(orders) == 0 {
		report.RiskLevel = domain.RiskLow
		report.ComplianceRate = 100
		report.Recommendations = []string{"No orders in the audit window; no action required"}
		report.Summary = fmt.Sprintf("No orders audited for store %s in the trailing %d days.", storeID, historyWindowDays)
		a.persistAndPublish(ctx, report)
		return report, nil
	}

	histories := a.buildHistories(ctx, orders)

	// Evaluate orders in parallel; results stay index-aligned so the
	// report is deterministic regardless of finish order.
	results := make([][]domain.AuditIssue, len(orders))
	var wg sync.WaitGroup
	sem := make(chan struct{}, a.maxWorkers)

	for i, order := range orders {
		wg.Add(1)
		go func(idx int, o *domain.Order) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = a.auditOrder(ctx, o, roster[o.BeneficiaryID], histories[o.BeneficiaryID], now)
		}(i, order)
	}

	wg.Wait()

	// Beneficiary-level pattern issues repeat per order; keep one each.
	seenPattern := make(map[string]bool)
	for _, issues := range results {
		for _, issue := range issues {
			if issue.OrderID == domain.NoOrderID {
				key := string(issue.Kind) + ":" + issue.BeneficiaryID
				if seenPattern[key] {
					continue
				}
				seenPattern[key] = true
			}
			report.Issues = append(report.Issues, issue)
		}
	}

	for _, order := range orders {
		report.TotalAmount += order.TotalAmount
		for _, item := range order.Items {
			report.QuantityByCommodity[bucketCommodity(item.Commodity)] += item.Quantity
		}
	}

	a.aggregate(report)
	a.persistAndPublish(ctx, report)

	return report, nil
}

// RunAutomatedAudit loads the trailing month of orders and the store
// roster from the repository and audits them. Collaborator failures on
// the read side abort the run.
func (a *Auditor) RunAutomatedAudit(ctx context.Context, storeID string) (*domain.AuditReport, error) {
	if a.repo == nil {
		return nil, fmt.Errorf("repository is required for automated audits")
	}

	since := a.now().UTC().AddDate(0, 0, -historyWindowDays)
	orders, err := a.repo.FetchOrders(ctx, storeID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch orders: %w", err)
	}

	roster := make(map[string]*domain.BeneficiaryProfile)
	for _, order := range orders {
		if _, ok := roster[order.BeneficiaryID]; ok {
			continue
		}

		profile, err := a.lookupProfile(ctx, storeID, order.BeneficiaryID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve beneficiary %s: %w", order.BeneficiaryID, err)
		}
		if profile != nil {
			roster[order.BeneficiaryID] = profile
		}
	}

	return a.AuditOrders(ctx, storeID, orders, roster)
}

// LatestReport returns the most recent audit report for a store.
func (a *Auditor) LatestReport(ctx context.Context, storeID string) (*domain.AuditReport, error) {
	if a.repo == nil {
		return nil, fmt.Errorf("repository is required for report history")
	}
	return a.repo.LatestAuditReport(ctx, storeID)
}

// lookupProfile checks the cache first, then the repository, and
// backfills the cache on a repository hit. A beneficiary missing from
// both is reported as nil so the audit can flag it.
func (a *Auditor) lookupProfile(ctx context.Context, storeID, beneficiaryID string) (*domain.BeneficiaryProfile, error) {
	if a.cache != nil {
		profile, err := a.cache.GetProfile(ctx, storeID, beneficiaryID)
		if err == nil && profile != nil {
			return profile, nil
		}
	}

	profile, err := a.repo.FetchBeneficiary(ctx, beneficiaryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if a.cache != nil {
		if err := a.cache.SetProfile(ctx, storeID, profile, 10*time.Minute); err != nil {
			slog.Debug("profile cache write failed",
				"store_id", storeID,
				"beneficiary_id", beneficiaryID,
				"error", err,
			)
		}
	}

	return profile, nil
}

// buildHistories groups the batch per beneficiary and merges in stored
// history when a repository is available. The merged slice feeds the
// pattern and duplicate checks.
func (a *Auditor) buildHistories(ctx context.Context, orders []*domain.Order) map[string][]*domain.Order {
	histories := make(map[string][]*domain.Order)
	for _, order := range orders {
		histories[order.BeneficiaryID] = append(histories[order.BeneficiaryID], order)
	}

	if a.repo == nil {
		return histories
	}

	for beneficiaryID := range histories {
		stored, err := a.repo.FetchOrderHistory(ctx, beneficiaryID, historyWindowDays)
		if err != nil {
			slog.Warn("order history fetch failed, auditing batch only",
				"beneficiary_id", beneficiaryID,
				"error", err,
			)
			continue
		}

		seen := make(map[string]bool, len(histories[beneficiaryID]))
		for _, o := range histories[beneficiaryID] {
			seen[o.ID] = true
		}
		for _, o := range stored {
			if !seen[o.ID] {
				histories[beneficiaryID] = append(histories[beneficiaryID], o)
			}
		}
	}

	return histories
}

// auditOrder runs every check against one order. Checks never
// short-circuit: an order can carry multiple issues at once.
func (a *Auditor) auditOrder(ctx context.Context, order *domain.Order, b *domain.BeneficiaryProfile, history []*domain.Order, now time.Time) []domain.AuditIssue {
	if b == nil {
		return []domain.AuditIssue{{
			OrderID:       order.ID,
			BeneficiaryID: order.BeneficiaryID,
			Kind:          domain.KindEligibility,
			Severity:      domain.SeverityCritical,
			Description:   "order placed by a beneficiary not on the store roster",
			Evidence:      fmt.Sprintf("beneficiary %s has no registered profile", order.BeneficiaryID),
			RiskScore:     100,
		}}
	}

	var issues []domain.AuditIssue

	if issue := rules.CheckEligibility(order, b, a.policy); issue != nil {
		issues = append(issues, *issue)
	}
	if issue := rules.CheckQuota(order, b, a.policy); issue != nil {
		issues = append(issues, *issue)
	}
	if issue := rules.CheckOrderPattern(b, history, now, a.policy); issue != nil {
		issues = append(issues, *issue)
	}
	if issue := rules.CheckSuspiciousAmount(order, b, a.policy); issue != nil {
		issues = append(issues, *issue)
	}
	if issue := rules.CheckDuplicate(order, history, a.policy); issue != nil {
		issues = append(issues, *issue)
	}

	if a.custom != nil {
		customIssues, err := a.custom.EvaluateAll(ctx, order, b, historyWindowDays*24*3600)
		if err != nil {
			slog.Warn("custom rule evaluation failed",
				"order_id", order.ID,
				"error", err,
			)
		}
		for _, issue := range customIssues {
			issues = append(issues, *issue)
		}
	}

	return issues
}

// aggregate fills risk level, compliance, recommendations, and summary
// from the report's collected issues.
func (a *Auditor) aggregate(report *domain.AuditReport) {
	totalRisk := 0.0
	flaggedOrders := make(map[string]bool)
	for _, issue := range report.Issues {
		totalRisk += issue.RiskScore
		if issue.OrderID != domain.NoOrderID {
			flaggedOrders[issue.OrderID] = true
		}
	}

	avgRisk := totalRisk / float64(report.OrderCount)
	report.RiskLevel = domain.RiskLevelForScore(avgRisk)

	compliance := float64(report.OrderCount-len(report.Issues)) / float64(report.OrderCount) * 100
	report.ComplianceRate = domain.ClampScore(compliance)

	report.Recommendations = a.recommend(report)
	report.Summary = fmt.Sprintf(
		"Audited %d orders for store %s: %d issue(s) across %d order(s), average risk %.1f (%s), compliance %.1f%%.",
		report.OrderCount, report.StoreID, len(report.Issues), len(flaggedOrders),
		avgRisk, report.RiskLevel, report.ComplianceRate,
	)

	critical := report.CountBySeverity(domain.SeverityCritical)
	high := report.CountBySeverity(domain.SeverityHigh)
	if critical+high > 0 {
		report.Summary += fmt.Sprintf(" Severity mix: %d critical, %d high.", critical, high)
	}
}

// recommend derives the action list from the issue mix. Order is
// stable: urgency first, then per-kind actions, then compliance.
func (a *Auditor) recommend(report *domain.AuditReport) []string {
	if len(report.Issues) == 0 {
		return []string{"No compliance issues detected; no action required"}
	}

	var recs []string

	if report.RiskLevel == domain.RiskCritical || report.RiskLevel == domain.RiskHigh {
		recs = append(recs, "Escalate store for immediate field investigation")
	}

	kinds := make(map[domain.IssueKind]int)
	for _, issue := range report.Issues {
		kinds[issue.Kind]++
	}

	ordered := make([]domain.IssueKind, 0, len(kinds))
	for kind := range kinds {
		ordered = append(ordered, kind)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, kind := range ordered {
		switch kind {
		case domain.KindEligibility:
			recs = append(recs, fmt.Sprintf("Re-verify ration card records for %d flagged order(s)", kinds[kind]))
		case domain.KindQuotaExcess:
			recs = append(recs, fmt.Sprintf("Reconcile stock registers against %d over-quota order(s)", kinds[kind]))
		case domain.KindUnusualPattern:
			recs = append(recs, fmt.Sprintf("Monitor %d beneficiary pattern alert(s) over the next cycle", kinds[kind]))
		case domain.KindDuplicate:
			recs = append(recs, fmt.Sprintf("Review point-of-sale logs for %d suspected duplicate(s)", kinds[kind]))
		case domain.KindSuspiciousAmount:
			recs = append(recs, fmt.Sprintf("Cross-check billing for %d suspicious amount(s)", kinds[kind]))
		}
	}

	if report.ComplianceRate < a.policy.ComplianceAlertBelow {
		recs = append(recs, fmt.Sprintf("Compliance %.1f%% is below the %.0f%% threshold; schedule a compliance drive",
			report.ComplianceRate, a.policy.ComplianceAlertBelow))
	}

	return recs
}

// persistAndPublish appends the report and emits completion events.
// Both are best-effort: a storage or bus outage never loses the report
// for the caller.
func (a *Auditor) persistAndPublish(ctx context.Context, report *domain.AuditReport) {
	if a.repo != nil {
		if err := a.repo.AppendAuditReport(ctx, report); err != nil {
			slog.Error("audit report append failed",
				"store_id", report.StoreID,
				"report_id", report.ID,
				"error", err,
			)
		}
	}

	if a.bus == nil {
		return
	}

	payload := []byte(fmt.Sprintf(`{"reportId":%q,"riskLevel":%q,"complianceRate":%.1f}`,
		report.ID, report.RiskLevel, report.ComplianceRate))

	if err := a.bus.Publish(ctx, report.StoreID, domain.TopicAuditCompleted, payload); err != nil {
		slog.Warn("audit completed publish failed",
			"store_id", report.StoreID,
			"error", err,
		)
	}

	if report.RiskLevel == domain.RiskHigh || report.RiskLevel == domain.RiskCritical {
		if err := a.bus.Publish(ctx, report.StoreID, domain.TopicAlert, payload); err != nil {
			slog.Warn("alert publish failed",
				"store_id", report.StoreID,
				"error", err,
			)
		}
	}
}

// bucketCommodity folds the long tail into the reporting buckets.
func bucketCommodity(c domain.Commodity) domain.Commodity {
	switch c {
	case domain.CommodityRice, domain.CommodityWheat, domain.CommoditySugar:
		return c
	default:
		return domain.CommodityOther
	}
}
