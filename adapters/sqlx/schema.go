package sqlx

import "strings"

// column types that differ per driver
type dialect struct {
	key     string
	decimal string
	boolean string
}

func dialectFor(d Driver) dialect {
	switch d {
	case DriverMySQL:
		// InnoDB cannot index TEXT without a prefix length
		return dialect{key: "VARCHAR(191)", decimal: "DECIMAL(30,8)", boolean: "BOOLEAN"}
	case DriverSQLite:
		// NUMERIC affinity would round-trip balances through float64
		return dialect{key: "TEXT", decimal: "TEXT", boolean: "INTEGER"}
	default:
		return dialect{key: "TEXT", decimal: "NUMERIC(30,8)", boolean: "BOOLEAN"}
	}
}

var tableDDL = []string{
	`CREATE TABLE IF NOT EXISTS characters (
		id {key} PRIMARY KEY,
		name TEXT NOT NULL,
		position TEXT NOT NULL,
		experience BIGINT NOT NULL,
		level INTEGER NOT NULL,
		skill_points INTEGER NOT NULL,
		stats TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		character_id {key} PRIMARY KEY,
		address TEXT NOT NULL,
		balance {decimal} NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		event_id {key} PRIMARY KEY,
		character_id {key} NOT NULL,
		reason TEXT NOT NULL,
		experience_delta BIGINT NOT NULL,
		currency_delta {decimal} NOT NULL,
		bonus_skill_points INTEGER NOT NULL,
		skill_points_granted INTEGER NOT NULL,
		level_before INTEGER NOT NULL,
		level_after INTEGER NOT NULL,
		experience_after BIGINT NOT NULL,
		balance_after {decimal} NOT NULL,
		applied_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS missions (
		id {key} PRIMARY KEY,
		club_id {key} NOT NULL,
		title TEXT NOT NULL,
		event_type {key} NOT NULL,
		target_value BIGINT NOT NULL,
		reward_exp BIGINT NOT NULL,
		reward_coins BIGINT NOT NULL,
		reward_skill_points INTEGER NOT NULL,
		scope {key} NOT NULL,
		per_member {boolean} NOT NULL,
		status {key} NOT NULL,
		deadline BIGINT NULL,
		completed_at BIGINT NULL,
		completed_by {key} NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mission_progress (
		mission_id {key} NOT NULL,
		character_id {key} NOT NULL,
		progress_value BIGINT NOT NULL,
		completed_at BIGINT NULL,
		updated_at BIGINT NOT NULL,
		applied_events TEXT NULL,
		PRIMARY KEY (mission_id, character_id)
	)`,
	`CREATE TABLE IF NOT EXISTS clubs (
		id {key} PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		created_by {key} NOT NULL,
		member_count INTEGER NOT NULL,
		weekly_contribution BIGINT NOT NULL,
		total_contribution BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS club_members (
		character_id {key} PRIMARY KEY,
		club_id {key} NOT NULL,
		role {key} NOT NULL,
		weekly_contribution BIGINT NOT NULL,
		total_contribution BIGINT NOT NULL,
		last_contribution_at BIGINT NULL,
		joined_at BIGINT NOT NULL
	)`,
}

var indexDDL = [][2]string{
	{"idx_missions_event_type", "missions (event_type)"},
	{"idx_club_members_club", "club_members (club_id)"},
}

// schema returns the DDL statements for driver in execution order.
func schema(d Driver) []string {
	dl := dialectFor(d)
	r := strings.NewReplacer("{key}", dl.key, "{decimal}", dl.decimal, "{boolean}", dl.boolean)
	stmts := make([]string, 0, len(tableDDL)+len(indexDDL))
	for _, ddl := range tableDDL {
		stmts = append(stmts, r.Replace(ddl))
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS; its indexes are added by Migrate
	if d == DriverMySQL {
		return stmts
	}
	for _, idx := range indexDDL {
		stmts = append(stmts, "CREATE INDEX IF NOT EXISTS "+idx[0]+" ON "+idx[1])
	}
	return stmts
}
