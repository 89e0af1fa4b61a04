package domain

import (
	"context"
	"time"
)

// Repository defines the persistence collaborator consumed by the audit
// and forecasting engines. Fetch methods are read-by-filter; report
// appends are best-effort with capped retention.
type Repository interface {
	// Store registry
	SaveStore(ctx context.Context, info *StoreInfo) error
	FetchStoreInfo(ctx context.Context, storeID string) (*StoreInfo, error)

	// Beneficiary roster
	SaveBeneficiary(ctx context.Context, profile *BeneficiaryProfile) error
	FetchBeneficiary(ctx context.Context, beneficiaryID string) (*BeneficiaryProfile, error)
	ListBeneficiaries(ctx context.Context, storeID string) ([]*BeneficiaryProfile, error)

	// Orders
	SaveOrder(ctx context.Context, order *Order) error
	FetchOrders(ctx context.Context, storeID string, since time.Time) ([]*Order, error)
	FetchOrderHistory(ctx context.Context, beneficiaryID string, withinDays int) ([]*Order, error)

	// Demand history and stock
	SaveDemandPoint(ctx context.Context, storeID string, item Commodity, point *HistoricalDemandPoint) error
	FetchDemandHistory(ctx context.Context, storeID string, item Commodity, months int) ([]HistoricalDemandPoint, error)
	SetCurrentStock(ctx context.Context, storeID string, item Commodity, quantity float64) error
	FetchCurrentStock(ctx context.Context, storeID string, item Commodity) (float64, error)

	// Report history (capped at ReportRetention most recent per store
	// per kind; oldest evicted first)
	AppendAuditReport(ctx context.Context, report *AuditReport) error
	LatestAuditReport(ctx context.Context, storeID string) (*AuditReport, error)
	AppendDemandReport(ctx context.Context, report *StoreDemandReport) error

	// Custom screening rules
	SaveCustomRule(ctx context.Context, rule *CustomRule) error
	ListCustomRules(ctx context.Context) ([]*CustomRule, error)

	// Versioned policy
	SavePolicy(ctx context.Context, policy *Policy) error
	ActivePolicy(ctx context.Context) (*Policy, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ReportRetention is the number of reports kept per store per kind.
const ReportRetention = 50

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
