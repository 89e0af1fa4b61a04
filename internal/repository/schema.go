package repository

// Schema definitions for the Granary database.
// Compatible with both SQLite and PostgreSQL.

const schemaStores = `
CREATE TABLE IF NOT EXISTS stores (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    district TEXT NOT NULL,
    latitude REAL NOT NULL DEFAULT 0,
    longitude REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_stores_district ON stores(district);
`

const schemaBeneficiaries = `
CREATE TABLE IF NOT EXISTS beneficiaries (
    id TEXT PRIMARY KEY,
    home_store_id TEXT NOT NULL,
    card_tier TEXT NOT NULL,
    household_size INTEGER NOT NULL,
    verified INTEGER NOT NULL DEFAULT 0,
    monthly_consumption TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_beneficiaries_store ON beneficiaries(home_store_id);
CREATE INDEX IF NOT EXISTS idx_beneficiaries_tier ON beneficiaries(card_tier);
`

const schemaOrders = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    beneficiary_id TEXT NOT NULL,
    store_id TEXT NOT NULL,
    items TEXT NOT NULL,
    total_amount REAL NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_store ON orders(store_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_beneficiary ON orders(beneficiary_id, created_at);
`

const schemaDemandHistory = `
CREATE TABLE IF NOT EXISTS demand_history (
    store_id TEXT NOT NULL,
    item TEXT NOT NULL,
    period TEXT NOT NULL,
    demand REAL NOT NULL,
    factors TEXT,
    PRIMARY KEY (store_id, item, period)
);

CREATE INDEX IF NOT EXISTS idx_demand_history_store ON demand_history(store_id, item);
`

const schemaStockLevels = `
CREATE TABLE IF NOT EXISTS stock_levels (
    store_id TEXT NOT NULL,
    item TEXT NOT NULL,
    quantity REAL NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (store_id, item)
);
`

const schemaAuditReports = `
CREATE TABLE IF NOT EXISTS audit_reports (
    id TEXT PRIMARY KEY,
    store_id TEXT NOT NULL,
    generated_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_reports_store ON audit_reports(store_id, generated_at);
`

const schemaDemandReports = `
CREATE TABLE IF NOT EXISTS demand_reports (
    id TEXT PRIMARY KEY,
    store_id TEXT NOT NULL,
    generated_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_demand_reports_store ON demand_reports(store_id, generated_at);
`

const schemaCustomRules = `
CREATE TABLE IF NOT EXISTS custom_rules (
    id TEXT NOT NULL,
    version TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    kind TEXT NOT NULL,
    severity TEXT NOT NULL,
    risk_score REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_custom_rules_enabled ON custom_rules(enabled);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    version TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaStores,
		schemaBeneficiaries,
		schemaOrders,
		schemaDemandHistory,
		schemaStockLevels,
		schemaAuditReports,
		schemaDemandReports,
		schemaCustomRules,
		schemaPolicies,
	}
}
