package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/quipucords/quipucords/internal/model"
)

// FingerprintRow is a serialized system fingerprint of a report.
type FingerprintRow struct {
	ID          int64           `db:"id" json:"id"`
	ReportID    int64           `db:"report_id" json:"report_id"`
	Name        string          `db:"name" json:"name"`
	Fingerprint json.RawMessage `db:"-" json:"fingerprint"`
}

type reportRow struct {
	ID         int64  `db:"id"`
	JobID      int64  `db:"job_id"`
	Version    string `db:"report_version"`
	PlatformID string `db:"platform_id"`
	CreatedAt  int64  `db:"created_at"`
}

func (r reportRow) report() model.Report {
	return model.Report{
		ID:         r.ID,
		Version:    r.Version,
		PlatformID: r.PlatformID,
		JobID:      r.JobID,
		CreatedAt:  time.UnixMicro(r.CreatedAt).UTC(),
	}
}

// CreateReport stores the report of a job together with its fingerprints and
// links it to the job, all in one transaction. When finalStatus is set the
// job is transitioned to it in the same transaction, so a completed job
// always has its report. A job owns at most one report.
func (s *Store) CreateReport(ctx context.Context, jobID int64, version string, fingerprints []FingerprintRow, finalStatus model.Status, message string) (model.Report, error) {
	var report model.Report
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.ReportID != nil {
			return fmt.Errorf("job %d report: %w", jobID, model.ErrAlreadyExists)
		}
		report = model.Report{
			Version:    version,
			PlatformID: uuid.NewString(),
			JobID:      jobID,
			CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
		}
		report.ID, err = s.insert(ctx, tx,
			`INSERT INTO reports (job_id, report_version, platform_id, created_at) VALUES (?, ?, ?, ?)`,
			jobID, report.Version, report.PlatformID, report.CreatedAt.UnixMicro())
		if err != nil {
			return err
		}
		for _, fp := range fingerprints {
			if _, err := s.insert(ctx, tx,
				`INSERT INTO system_fingerprints (report_id, name, fingerprint) VALUES (?, ?, ?)`,
				report.ID, fp.Name, string(fp.Fingerprint)); err != nil {
				return err
			}
		}
		if _, err := exec(ctx, tx, `UPDATE scan_jobs SET report_id = ? WHERE id = ?`, report.ID, jobID); err != nil {
			return err
		}
		if finalStatus != "" {
			if _, err := transitionJob(ctx, tx, jobID, finalStatus, message); err != nil {
				return err
			}
		}
		return nil
	})
	return report, err
}

func (s *Store) GetReport(ctx context.Context, id int64) (model.Report, error) {
	var row reportRow
	err := get(ctx, s.db, &row,
		`SELECT id, job_id, report_version, platform_id, created_at FROM reports WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Report{}, notFound("report", id)
	}
	if err != nil {
		return model.Report{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row.report(), nil
}

func (s *Store) ReportByJob(ctx context.Context, jobID int64) (model.Report, error) {
	var row reportRow
	err := get(ctx, s.db, &row,
		`SELECT id, job_id, report_version, platform_id, created_at FROM reports WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Report{}, notFound("report of job", jobID)
	}
	if err != nil {
		return model.Report{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row.report(), nil
}

// ReportFingerprints returns the fingerprints of a report in insertion order.
func (s *Store) ReportFingerprints(ctx context.Context, reportID int64) ([]FingerprintRow, error) {
	var rows []struct {
		ID          int64  `db:"id"`
		ReportID    int64  `db:"report_id"`
		Name        string `db:"name"`
		Fingerprint string `db:"fingerprint"`
	}
	if err := selectAll(ctx, s.db, &rows,
		`SELECT id, report_id, name, fingerprint FROM system_fingerprints WHERE report_id = ? ORDER BY id`, reportID); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	ret := make([]FingerprintRow, len(rows))
	for i, r := range rows {
		ret[i] = FingerprintRow{ID: r.ID, ReportID: r.ReportID, Name: r.Name, Fingerprint: json.RawMessage(r.Fingerprint)}
	}
	return ret, nil
}

// ServerID returns the identifier of this installation, created on first call.
func (s *Store) ServerID(ctx context.Context) (string, error) {
	var id string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := get(ctx, tx, &id, `SELECT server_id FROM server_information ORDER BY id LIMIT 1`)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		id = uuid.NewString()
		_, err = s.insert(ctx, tx, `INSERT INTO server_information (server_id, created_at) VALUES (?, ?)`,
			id, time.Now().UTC().UnixMicro())
		return err
	})
	return id, err
}
