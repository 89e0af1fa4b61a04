// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-pds/granary/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveStore upserts a store registry entry.
func (r *SQLRepository) SaveStore(ctx context.Context, info *domain.StoreInfo) error {
	if info == nil || info.ID == "" {
		return fmt.Errorf("%w: store id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO stores (id, name, district, latitude, longitude)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			district = excluded.district,
			latitude = excluded.latitude,
			longitude = excluded.longitude
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		info.ID, info.Name, info.District, info.Latitude, info.Longitude,
	)
	return err
}

// FetchStoreInfo retrieves a store registry entry by ID.
func (r *SQLRepository) FetchStoreInfo(ctx context.Context, storeID string) (*domain.StoreInfo, error) {
	if storeID == "" {
		return nil, fmt.Errorf("%w: storeID is required", ErrInvalidInput)
	}

	query := `SELECT id, name, district, latitude, longitude FROM stores WHERE id = ?`

	var info domain.StoreInfo
	err := r.db.QueryRowContext(ctx, r.rebind(query), storeID).Scan(
		&info.ID, &info.Name, &info.District, &info.Latitude, &info.Longitude,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &info, nil
}

// SaveBeneficiary upserts a beneficiary profile.
func (r *SQLRepository) SaveBeneficiary(ctx context.Context, profile *domain.BeneficiaryProfile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("%w: beneficiary id is required", ErrInvalidInput)
	}

	consumption, _ := json.Marshal(profile.MonthlyConsumption)

	verified := 0
	if profile.Verified {
		verified = 1
	}

	updatedAt := profile.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO beneficiaries (
			id, home_store_id, card_tier, household_size, verified, monthly_consumption, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			home_store_id = excluded.home_store_id,
			card_tier = excluded.card_tier,
			household_size = excluded.household_size,
			verified = excluded.verified,
			monthly_consumption = excluded.monthly_consumption,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		profile.ID, profile.HomeStoreID, string(profile.CardTier),
		profile.HouseholdSize, verified, string(consumption), updatedAt,
	)
	return err
}

// FetchBeneficiary retrieves a beneficiary profile by ID.
func (r *SQLRepository) FetchBeneficiary(ctx context.Context, beneficiaryID string) (*domain.BeneficiaryProfile, error) {
	if beneficiaryID == "" {
		return nil, fmt.Errorf("%w: beneficiaryID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, home_store_id, card_tier, household_size, verified, monthly_consumption, updated_at
		FROM beneficiaries
		WHERE id = ?
	`

	profile, err := scanBeneficiary(r.db.QueryRowContext(ctx, r.rebind(query), beneficiaryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return profile, err
}

// ListBeneficiaries retrieves all beneficiaries registered to a store.
func (r *SQLRepository) ListBeneficiaries(ctx context.Context, storeID string) ([]*domain.BeneficiaryProfile, error) {
	if storeID == "" {
		return nil, fmt.Errorf("%w: storeID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, home_store_id, card_tier, household_size, verified, monthly_consumption, updated_at
		FROM beneficiaries
		WHERE home_store_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*domain.BeneficiaryProfile
	for rows.Next() {
		profile, err := scanBeneficiary(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	return profiles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBeneficiary(row rowScanner) (*domain.BeneficiaryProfile, error) {
	var profile domain.BeneficiaryProfile
	var tier, consumption string
	var verified int

	if err := row.Scan(
		&profile.ID, &profile.HomeStoreID, &tier,
		&profile.HouseholdSize, &verified, &consumption, &profile.UpdatedAt,
	); err != nil {
		return nil, err
	}

	profile.CardTier = domain.CardTier(tier)
	profile.Verified = verified == 1
	if consumption != "" {
		json.Unmarshal([]byte(consumption), &profile.MonthlyConsumption)
	}
	if profile.MonthlyConsumption == nil {
		profile.MonthlyConsumption = map[domain.Commodity]float64{}
	}

	return &profile, nil
}

// SaveOrder stores an order with its line items serialized as JSON.
func (r *SQLRepository) SaveOrder(ctx context.Context, order *domain.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	items, _ := json.Marshal(order.Items)

	query := `
		INSERT INTO orders (id, beneficiary_id, store_id, items, total_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		order.ID, order.BeneficiaryID, order.StoreID,
		string(items), order.TotalAmount, order.CreatedAt,
	)
	return err
}

// FetchOrders retrieves all orders placed at a store since the given time.
func (r *SQLRepository) FetchOrders(ctx context.Context, storeID string, since time.Time) ([]*domain.Order, error) {
	if storeID == "" {
		return nil, fmt.Errorf("%w: storeID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, beneficiary_id, store_id, items, total_amount, created_at
		FROM orders
		WHERE store_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), storeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// FetchOrderHistory retrieves a beneficiary's orders from the trailing
// withinDays days, most recent first.
func (r *SQLRepository) FetchOrderHistory(ctx context.Context, beneficiaryID string, withinDays int) ([]*domain.Order, error) {
	if beneficiaryID == "" {
		return nil, fmt.Errorf("%w: beneficiaryID is required", ErrInvalidInput)
	}
	if withinDays <= 0 {
		withinDays = 30
	}

	since := time.Now().UTC().AddDate(0, 0, -withinDays)

	query := `
		SELECT id, beneficiary_id, store_id, items, total_amount, created_at
		FROM orders
		WHERE beneficiary_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), beneficiaryID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var orders []*domain.Order
	for rows.Next() {
		var order domain.Order
		var items string

		if err := rows.Scan(
			&order.ID, &order.BeneficiaryID, &order.StoreID,
			&items, &order.TotalAmount, &order.CreatedAt,
		); err != nil {
			return nil, err
		}

		if items != "" {
			json.Unmarshal([]byte(items), &order.Items)
		}

		orders = append(orders, &order)
	}

	return orders, rows.Err()
}

// SaveDemandPoint upserts one month of observed demand for a store/item pair.
func (r *SQLRepository) SaveDemandPoint(ctx context.Context, storeID string, item domain.Commodity, point *domain.HistoricalDemandPoint) error {
	if storeID == "" || item == "" || point == nil {
		return fmt.Errorf("%w: storeID, item, and point are required", ErrInvalidInput)
	}

	factors, _ := json.Marshal(point.Factors)

	query := `
		INSERT INTO demand_history (store_id, item, period, demand, factors)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(store_id, item, period) DO UPDATE SET
			demand = excluded.demand,
			factors = excluded.factors
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		storeID, string(item), point.Period, point.Demand, string(factors),
	)
	return err
}

// FetchDemandHistory retrieves the most recent months of demand for a
// store/item pair, oldest first.
func (r *SQLRepository) FetchDemandHistory(ctx context.Context, storeID string, item domain.Commodity, months int) ([]domain.HistoricalDemandPoint, error) {
	if storeID == "" || item == "" {
		return nil, fmt.Errorf("%w: storeID and item are required", ErrInvalidInput)
	}
	if months <= 0 {
		months = 12
	}

	query := `
		SELECT period, demand, factors
		FROM demand_history
		WHERE store_id = ? AND item = ?
		ORDER BY period DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), storeID, string(item), months)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.HistoricalDemandPoint
	for rows.Next() {
		var point domain.HistoricalDemandPoint
		var factors string

		if err := rows.Scan(&point.Period, &point.Demand, &factors); err != nil {
			return nil, err
		}
		if factors != "" {
			json.Unmarshal([]byte(factors), &point.Factors)
		}

		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returns newest first; forecasting wants chronological order.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}

	return points, nil
}

// SetCurrentStock upserts the current stock level for a store/item pair.
func (r *SQLRepository) SetCurrentStock(ctx context.Context, storeID string, item domain.Commodity, quantity float64) error {
	if storeID == "" || item == "" {
		return fmt.Errorf("%w: storeID and item are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO stock_levels (store_id, item, quantity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(store_id, item) DO UPDATE SET
			quantity = excluded.quantity,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		storeID, string(item), quantity, time.Now().UTC(),
	)
	return err
}

// FetchCurrentStock retrieves the current stock level for a store/item pair.
func (r *SQLRepository) FetchCurrentStock(ctx context.Context, storeID string, item domain.Commodity) (float64, error) {
	if storeID == "" || item == "" {
		return 0, fmt.Errorf("%w: storeID and item are required", ErrInvalidInput)
	}

	query := `SELECT quantity FROM stock_levels WHERE store_id = ? AND item = ?`

	var quantity float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), storeID, string(item)).Scan(&quantity)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	return quantity, nil
}

// AppendAuditReport inserts an audit report and evicts the oldest rows
// beyond the retention cap in the same transaction.
func (r *SQLRepository) AppendAuditReport(ctx context.Context, report *domain.AuditReport) error {
	if report == nil || report.ID == "" || report.StoreID == "" {
		return fmt.Errorf("%w: report id and storeID are required", ErrInvalidInput)
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize audit report: %w", err)
	}

	return r.appendCapped(ctx, "audit_reports", report.ID, report.StoreID, report.GeneratedAt, payload)
}

// LatestAuditReport retrieves the most recent audit report for a store.
func (r *SQLRepository) LatestAuditReport(ctx context.Context, storeID string) (*domain.AuditReport, error) {
	if storeID == "" {
		return nil, fmt.Errorf("%w: storeID is required", ErrInvalidInput)
	}

	query := `
		SELECT payload FROM audit_reports
		WHERE store_id = ?
		ORDER BY generated_at DESC
		LIMIT 1
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), storeID).Scan(&payload)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var report domain.AuditReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("failed to parse audit report: %w", err)
	}

	return &report, nil
}

// AppendDemandReport inserts a demand report with the same capped
// retention as audit reports.
func (r *SQLRepository) AppendDemandReport(ctx context.Context, report *domain.StoreDemandReport) error {
	if report == nil || report.ID == "" || report.StoreID == "" {
		return fmt.Errorf("%w: report id and storeID are required", ErrInvalidInput)
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize demand report: %w", err)
	}

	return r.appendCapped(ctx, "demand_reports", report.ID, report.StoreID, report.GeneratedAt, payload)
}

// appendCapped inserts a report row then deletes everything past the
// newest ReportRetention rows for the store, atomically.
func (r *SQLRepository) appendCapped(ctx context.Context, table, id, storeID string, generatedAt time.Time, payload []byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`INSERT INTO %s (id, store_id, generated_at, payload) VALUES (?, ?, ?, ?)`, table)
	if _, err := tx.ExecContext(ctx, r.rebind(insert), id, storeID, generatedAt, string(payload)); err != nil {
		return err
	}

	evict := fmt.Sprintf(`
		DELETE FROM %s
		WHERE store_id = ? AND id NOT IN (
			SELECT id FROM %s
			WHERE store_id = ?
			ORDER BY generated_at DESC
			LIMIT %d
		)
	`, table, table, domain.ReportRetention)
	if _, err := tx.ExecContext(ctx, r.rebind(evict), storeID, storeID); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveCustomRule upserts a custom screening rule version.
func (r *SQLRepository) SaveCustomRule(ctx context.Context, rule *domain.CustomRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	version := rule.Version
	if version == "" {
		version = "1"
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO custom_rules (
			id, version, name, description, expression, kind, severity, risk_score, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			kind = excluded.kind,
			severity = excluded.severity,
			risk_score = excluded.risk_score,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, version, rule.Name, rule.Description, rule.Expression,
		string(rule.Kind), string(rule.Severity), rule.RiskScore, enabled,
		now, now,
	)
	return err
}

// ListCustomRules retrieves all enabled custom screening rules.
func (r *SQLRepository) ListCustomRules(ctx context.Context) ([]*domain.CustomRule, error) {
	query := `
		SELECT id, version, name, description, expression, kind, severity, risk_score, enabled, created_at, updated_at
		FROM custom_rules
		WHERE enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.CustomRule
	for rows.Next() {
		var rule domain.CustomRule
		var kind, severity string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Version, &rule.Name, &rule.Description, &rule.Expression,
			&kind, &severity, &rule.RiskScore, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Kind = domain.IssueKind(kind)
		rule.Severity = domain.Severity(severity)
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SavePolicy stores a policy version.
func (r *SQLRepository) SavePolicy(ctx context.Context, policy *domain.Policy) error {
	if policy == nil || policy.Version == "" {
		return fmt.Errorf("%w: policy version is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to serialize policy: %w", err)
	}

	createdAt := policy.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO policies (version, payload, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			payload = excluded.payload
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), policy.Version, string(payload), createdAt)
	return err
}

// ActivePolicy retrieves the most recently created policy version.
// Falls back to the built-in defaults when none has been stored.
func (r *SQLRepository) ActivePolicy(ctx context.Context) (*domain.Policy, error) {
	query := `SELECT payload FROM policies ORDER BY created_at DESC LIMIT 1`

	var payload string
	err := r.db.QueryRowContext(ctx, query).Scan(&payload)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultPolicy(), nil
	}
	if err != nil {
		return nil, err
	}

	var policy domain.Policy
	if err := json.Unmarshal([]byte(payload), &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	return &policy, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
