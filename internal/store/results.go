package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/quipucords/quipucords/internal/model"
)

// RecordConnectResult persists the probe result of one host and bumps the
// matching task counter in the same transaction.
func (s *Store) RecordConnectResult(ctx context.Context, task model.ScanTask, r model.ConnectResult) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var credID *int64
		if r.CredentialID != 0 {
			credID = &r.CredentialID
		}
		if _, err := s.insert(ctx, tx,
			`INSERT INTO connect_results (task_id, job_id, source_id, name, status, credential_id) VALUES (?, ?, ?, ?, ?, ?)`,
			task.ID, task.JobID, task.SourceID, r.Name, r.Status, credID,
		); err != nil {
			return err
		}
		return incrementCounter(ctx, tx, task.ID, r.Status)
	})
}

type connectRow struct {
	Name         string `db:"name"`
	Status       string `db:"status"`
	CredentialID *int64 `db:"credential_id"`
}

func (r connectRow) result() model.ConnectResult {
	ret := model.ConnectResult{Name: r.Name, Status: model.HostStatus(r.Status)}
	if r.CredentialID != nil {
		ret.CredentialID = *r.CredentialID
	}
	return ret
}

// ConnectResults returns every probe result of a task in probe order.
func (s *Store) ConnectResults(ctx context.Context, taskID int64) ([]model.ConnectResult, error) {
	var rows []connectRow
	if err := selectAll(ctx, s.db, &rows,
		`SELECT name, status, credential_id FROM connect_results WHERE task_id = ? ORDER BY id`, taskID); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	ret := make([]model.ConnectResult, len(rows))
	for i, r := range rows {
		ret[i] = r.result()
	}
	return ret, nil
}

// ReachableHosts returns the hosts the connect task of the source reached in
// the job, with the credential which worked.
func (s *Store) ReachableHosts(ctx context.Context, jobID, sourceID int64) ([]model.ConnectResult, error) {
	var rows []connectRow
	if err := selectAll(ctx, s.db, &rows,
		`SELECT name, status, credential_id FROM connect_results
		WHERE job_id = ? AND source_id = ? AND status = ? ORDER BY id`,
		jobID, sourceID, model.HostSuccess); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	ret := make([]model.ConnectResult, len(rows))
	for i, r := range rows {
		ret[i] = r.result()
	}
	return ret, nil
}

// GroupKey identifies the InspectGroup which results of a task belong to.
type GroupKey struct {
	ServerID      string
	ServerVersion string
	Source        model.Source
}

// SaveInspectResults persists results of task in one transaction: the group
// is created on first use, every result is linked to the task, raw facts are
// inserted and the task counters incremented.
func (s *Store) SaveInspectResults(ctx context.Context, task model.ScanTask, key GroupKey, results ...model.InspectResult) ([]int64, error) {
	ids := make([]int64, 0, len(results))
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		groupID, err := s.inspectGroup(ctx, tx, task, key)
		if err != nil {
			return err
		}
		for _, r := range results {
			id, err := s.insert(ctx, tx,
				`INSERT INTO inspect_results (group_id, name, status) VALUES (?, ?, ?)`,
				groupID, r.Name, r.Status)
			if err != nil {
				return err
			}
			if _, err := exec(ctx, tx,
				`INSERT INTO inspect_result_tasks (result_id, task_id) VALUES (?, ?)`, id, task.ID); err != nil {
				return err
			}
			names := make([]string, 0, len(r.Facts))
			for name := range r.Facts {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				value, err := json.Marshal(r.Facts[name])
				if err != nil {
					return fmt.Errorf("host %s fact %s: %w", r.Name, name, err)
				}
				if _, err := exec(ctx, tx,
					`INSERT INTO raw_facts (result_id, name, value) VALUES (?, ?, ?)`,
					id, name, string(value)); err != nil {
					return err
				}
			}
			if err := incrementCounter(ctx, tx, task.ID, r.Status); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) inspectGroup(ctx context.Context, tx *sqlx.Tx, task model.ScanTask, key GroupKey) (int64, error) {
	var id int64
	err := get(ctx, tx, &id, `SELECT id FROM inspect_groups WHERE job_id = ? AND source_id = ?`, task.JobID, task.SourceID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}
	return s.insert(ctx, tx,
		`INSERT INTO inspect_groups (job_id, source_id, server_id, server_version, source_name, source_type)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.JobID, task.SourceID, key.ServerID, key.ServerVersion, key.Source.Name, key.Source.Type)
}

// ResetTaskResults drops what a previous run of the task persisted, so a
// resumed task starts from a clean slate. Results shared with another task
// are only unlinked.
func (s *Store) ResetTaskResults(ctx context.Context, taskID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := resetTaskResults(ctx, tx, taskID); err != nil {
			return err
		}
		_, err := exec(ctx, tx,
			`UPDATE scan_tasks SET systems_scanned = 0, systems_failed = 0, systems_unreachable = 0 WHERE id = ?`, taskID)
		return err
	})
}

func resetTaskResults(ctx context.Context, tx *sqlx.Tx, taskID int64) error {
	var linked []int64
	if err := selectAll(ctx, tx, &linked, `SELECT result_id FROM inspect_result_tasks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	if _, err := exec(ctx, tx, `DELETE FROM inspect_result_tasks WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	for _, resultID := range linked {
		var refs int
		if err := get(ctx, tx, &refs, `SELECT COUNT(*) FROM inspect_result_tasks WHERE result_id = ?`, resultID); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if refs > 0 {
			continue
		}
		if _, err := exec(ctx, tx, `DELETE FROM raw_facts WHERE result_id = ?`, resultID); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, `DELETE FROM inspect_results WHERE id = ?`, resultID); err != nil {
			return err
		}
	}
	_, err := exec(ctx, tx, `DELETE FROM connect_results WHERE task_id = ?`, taskID)
	return err
}

type groupRow struct {
	ID            int64  `db:"id"`
	SourceID      int64  `db:"source_id"`
	ServerID      string `db:"server_id"`
	ServerVersion string `db:"server_version"`
	SourceName    string `db:"source_name"`
	SourceType    string `db:"source_type"`
}

type resultRow struct {
	ID      int64  `db:"id"`
	GroupID int64  `db:"group_id"`
	Name    string `db:"name"`
	Status  string `db:"status"`
}

type factRow struct {
	ResultID int64  `db:"result_id"`
	Name     string `db:"name"`
	Value    string `db:"value"`
}

// InspectGroups returns the raw facts of a job grouped by source. Only
// results linked to tasks in a terminal state are returned, so the snapshot
// is consistent with finished work.
func (s *Store) InspectGroups(ctx context.Context, jobID int64) ([]model.InspectGroup, error) {
	var groups []groupRow
	if err := selectAll(ctx, s.db, &groups,
		`SELECT id, source_id, server_id, server_version, source_name, source_type
		FROM inspect_groups WHERE job_id = ? ORDER BY id`, jobID); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}

	var results []resultRow
	if err := selectAll(ctx, s.db, &results,
		`SELECT DISTINCT r.id, r.group_id, r.name, r.status
		FROM inspect_results r
		JOIN inspect_groups g ON g.id = r.group_id
		JOIN inspect_result_tasks rt ON rt.result_id = r.id
		JOIN scan_tasks t ON t.id = rt.task_id
		WHERE g.job_id = ? AND t.status IN (?, ?, ?)
		ORDER BY r.id`,
		jobID, model.StatusCompleted, model.StatusFailed, model.StatusCanceled); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}

	var facts []factRow
	if err := selectAll(ctx, s.db, &facts,
		`SELECT f.result_id, f.name, f.value
		FROM raw_facts f
		JOIN inspect_results r ON r.id = f.result_id
		JOIN inspect_groups g ON g.id = r.group_id
		WHERE g.job_id = ?
		ORDER BY f.id`, jobID); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	factsOf := make(map[int64]model.Facts)
	for _, f := range facts {
		var v any
		if err := json.Unmarshal([]byte(f.Value), &v); err != nil {
			return nil, fmt.Errorf("result %d fact %s: %w", f.ResultID, f.Name, err)
		}
		if factsOf[f.ResultID] == nil {
			factsOf[f.ResultID] = make(model.Facts)
		}
		factsOf[f.ResultID][f.Name] = v
	}

	resultsOf := make(map[int64][]model.InspectResult)
	for _, r := range results {
		fs := factsOf[r.ID]
		if fs == nil {
			fs = model.Facts{}
		}
		resultsOf[r.GroupID] = append(resultsOf[r.GroupID], model.InspectResult{
			ID:     r.ID,
			Name:   r.Name,
			Status: model.HostStatus(r.Status),
			Facts:  fs,
		})
	}

	ret := make([]model.InspectGroup, 0, len(groups))
	for _, g := range groups {
		ret = append(ret, model.InspectGroup{
			ID:            g.ID,
			ServerID:      g.ServerID,
			ServerVersion: g.ServerVersion,
			SourceID:      g.SourceID,
			SourceName:    g.SourceName,
			SourceType:    model.SourceType(g.SourceType),
			Results:       resultsOf[g.ID],
		})
	}
	return ret, nil
}
