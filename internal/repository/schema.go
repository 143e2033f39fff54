package repository

// Schema definitions for Harrier database.
// Compatible with both SQLite and PostgreSQL.

// Amounts are stored as decimal strings so they round-trip exactly.
const schemaFilings = `
CREATE TABLE IF NOT EXISTS filings (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    taxpayer_id TEXT NOT NULL,
    income TEXT NOT NULL,
    deductions TEXT NOT NULL,
    business_sector TEXT NOT NULL,
    tax_period TEXT NOT NULL,
    submitted_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_filings_tenant ON filings(tenant_id);
CREATE INDEX IF NOT EXISTS idx_filings_taxpayer ON filings(tenant_id, taxpayer_id, submitted_at);
`

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    filing_id TEXT NOT NULL,
    taxpayer_id TEXT NOT NULL,
    method TEXT NOT NULL,
    score REAL NOT NULL,
    level TEXT NOT NULL,
    flagged INTEGER NOT NULL DEFAULT 0,
    confidence REAL NOT NULL,
    degraded INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    assessment TEXT NOT NULL,
    decision TEXT,
    patterns TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant_id);
CREATE INDEX IF NOT EXISTS idx_analyses_filing ON analyses(tenant_id, filing_id);
CREATE INDEX IF NOT EXISTS idx_analyses_level ON analyses(tenant_id, level);
CREATE INDEX IF NOT EXISTS idx_analyses_timestamp ON analyses(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_analyses_taxpayer ON analyses(tenant_id, taxpayer_id, timestamp);
`

// schemaFraudPatterns defines the fraud_patterns table.
// Patterns are CEL expressions evaluated against every analyzed filing.
const schemaFraudPatterns = `
CREATE TABLE IF NOT EXISTS fraud_patterns (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    risk_weight REAL NOT NULL DEFAULT 1.0,
    indicators TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    detection_count INTEGER NOT NULL DEFAULT 0,
    false_positive_count INTEGER NOT NULL DEFAULT 0,
    last_detected TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_patterns_tenant ON fraud_patterns(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_patterns_enabled ON fraud_patterns(tenant_id, enabled);
`

// Payloads are JSON text to stay portable across both drivers.
const schemaModelArtifacts = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (name, version)
);

CREATE INDEX IF NOT EXISTS idx_model_artifacts_created ON model_artifacts(name, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFilings,
		schemaAnalyses,
		schemaFraudPatterns,
		schemaModelArtifacts,
	}
}
