package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are additive and applied in order. Never edit an applied one,
// append a new version instead.
var migrations = []migration{
	{
		version: 1,
		name:    "initial",
		stmts: []string{
			`CREATE TABLE server_information (
				id {{pk}},
				server_id {{name}} NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE credentials (
				id {{pk}},
				name {{name}} NOT NULL UNIQUE,
				cred_type {{name}} NOT NULL,
				username {{text}} NOT NULL,
				password {{text}} NOT NULL,
				ssh_key {{text}} NOT NULL,
				ssh_passphrase {{text}} NOT NULL,
				auth_token {{text}} NOT NULL,
				become_method {{name}} NOT NULL,
				become_user {{name}} NOT NULL,
				become_password {{text}} NOT NULL
			)`,
			`CREATE TABLE sources (
				id {{pk}},
				name {{name}} NOT NULL UNIQUE,
				source_type {{name}} NOT NULL,
				hosts {{text}} NOT NULL,
				exclude_hosts {{text}} NOT NULL,
				port INTEGER NOT NULL,
				options_json {{text}} NOT NULL
			)`,
			`CREATE TABLE source_credentials (
				source_id BIGINT NOT NULL,
				credential_id BIGINT NOT NULL,
				position INTEGER NOT NULL,
				PRIMARY KEY (source_id, credential_id)
			)`,
			`CREATE TABLE scans (
				id {{pk}},
				name {{name}} NOT NULL UNIQUE,
				scan_type {{name}} NOT NULL,
				options_json {{text}} NOT NULL
			)`,
			`CREATE TABLE scan_sources (
				scan_id BIGINT NOT NULL,
				source_id BIGINT NOT NULL,
				position INTEGER NOT NULL,
				PRIMARY KEY (scan_id, source_id)
			)`,
			`CREATE TABLE scan_jobs (
				id {{pk}},
				scan_id BIGINT NOT NULL,
				status {{name}} NOT NULL,
				status_message {{text}} NOT NULL,
				options_json {{text}} NOT NULL,
				start_time BIGINT NULL,
				end_time BIGINT NULL,
				report_id BIGINT NULL
			)`,
			`CREATE TABLE scan_tasks (
				id {{pk}},
				job_id BIGINT NOT NULL,
				source_id BIGINT NOT NULL,
				phase {{name}} NOT NULL,
				status {{name}} NOT NULL,
				status_message {{text}} NOT NULL,
				sequence_number INTEGER NOT NULL,
				systems_count INTEGER NOT NULL DEFAULT 0,
				systems_scanned INTEGER NOT NULL DEFAULT 0,
				systems_failed INTEGER NOT NULL DEFAULT 0,
				systems_unreachable INTEGER NOT NULL DEFAULT 0,
				start_time BIGINT NULL,
				end_time BIGINT NULL
			)`,
			`CREATE INDEX scan_tasks_job_idx ON scan_tasks (job_id)`,
			`CREATE TABLE connect_results (
				id {{pk}},
				task_id BIGINT NOT NULL,
				job_id BIGINT NOT NULL,
				source_id BIGINT NOT NULL,
				name {{name}} NOT NULL,
				status {{name}} NOT NULL,
				credential_id BIGINT NULL
			)`,
			`CREATE INDEX connect_results_job_source_idx ON connect_results (job_id, source_id)`,
			`CREATE TABLE inspect_groups (
				id {{pk}},
				job_id BIGINT NOT NULL,
				source_id BIGINT NOT NULL,
				server_id {{name}} NOT NULL,
				server_version {{name}} NOT NULL,
				source_name {{name}} NOT NULL,
				source_type {{name}} NOT NULL,
				UNIQUE (job_id, source_id)
			)`,
			`CREATE TABLE inspect_results (
				id {{pk}},
				group_id BIGINT NOT NULL,
				name {{name}} NOT NULL,
				status {{name}} NOT NULL
			)`,
			`CREATE TABLE inspect_result_tasks (
				result_id BIGINT NOT NULL,
				task_id BIGINT NOT NULL,
				PRIMARY KEY (result_id, task_id)
			)`,
			`CREATE TABLE raw_facts (
				id {{pk}},
				result_id BIGINT NOT NULL,
				name {{name}} NOT NULL,
				value {{text}} NOT NULL,
				UNIQUE (result_id, name)
			)`,
			`CREATE TABLE reports (
				id {{pk}},
				job_id BIGINT NOT NULL,
				report_version {{name}} NOT NULL,
				platform_id {{name}} NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE system_fingerprints (
				id {{pk}},
				report_id BIGINT NOT NULL,
				name {{name}} NOT NULL,
				fingerprint {{text}} NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "report_per_job",
		stmts: []string{
			`CREATE UNIQUE INDEX reports_job_idx ON reports (job_id)`,
			`CREATE INDEX system_fingerprints_report_idx ON system_fingerprints (report_id)`,
		},
	},
}

func (s *Store) ddl(stmt string) string {
	var pk, name, text string
	switch s.dbms {
	case Postgres:
		pk, name, text = "BIGSERIAL PRIMARY KEY", "VARCHAR(255)", "TEXT"
	case MySQL:
		pk, name, text = "BIGINT AUTO_INCREMENT PRIMARY KEY", "VARCHAR(255)", "LONGTEXT"
	default:
		pk, name, text = "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT", "TEXT"
	}
	return strings.NewReplacer("{{pk}}", pk, "{{name}}", name, "{{text}}", text).Replace(stmt)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name VARCHAR(255) NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var applied []int
	if err := s.db.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations ORDER BY version`); err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations {
		if done[m.version] {
			continue
		}
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, s.ddl(stmt)); err != nil {
					return fmt.Errorf("migration %d %s: %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`), m.version, m.name)
			return err
		})
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "migration applied", slog.Int("version", m.version), slog.String("name", m.name))
	}
	return nil
}
