package postgres

// SQL queries for tenant, event, rollup and webhook storage.

const (
	querySaveEvent = `
		INSERT INTO events (id, tenant_id, feature, tokens, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	queryGetTenant = `
		SELECT id, name, monthly_quota, billing_day, created_at
		FROM tenants
		WHERE id = $1
	`

	queryGetTenantByName = `
		SELECT id, name, monthly_quota, billing_day, created_at
		FROM tenants
		WHERE name = $1
	`

	queryCreateTenant = `
		INSERT INTO tenants (id, name, monthly_quota, billing_day, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING
		RETURNING id
	`

	// queryGetWebhook only returns enabled endpoints; a disabled webhook is
	// indistinguishable from a missing one to the notifier.
	queryGetWebhook = `
		SELECT tenant_id, url, enabled, created_at
		FROM slack_webhooks
		WHERE tenant_id = $1 AND enabled = TRUE
	`

	// queryUpsertRollup is the atomic increment the whole pipeline leans on.
	// The increment happens inside the statement, so concurrent workers hitting
	// the same (tenant_id, feature, minute) key serialize in the database and
	// no update is lost.
	queryUpsertRollup = `
		INSERT INTO rollups (tenant_id, feature, minute, total_tokens, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, feature, minute)
		DO UPDATE SET
			total_tokens = rollups.total_tokens + EXCLUDED.total_tokens,
			updated_at   = EXCLUDED.updated_at
	`

	// queryMonthlyUsage joins the quota so zero-rollup tenants still resolve.
	// $2 is the start of the current billing period (UTC month start).
	queryMonthlyUsage = `
		SELECT t.monthly_quota, COALESCE(SUM(r.total_tokens), 0)::bigint AS total_tokens
		FROM tenants t
		LEFT JOIN rollups r ON r.tenant_id = t.id AND r.minute >= $2
		WHERE t.id = $1
		GROUP BY t.id, t.monthly_quota
	`
)
