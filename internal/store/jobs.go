package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/quipucords/quipucords/internal/model"
)

type jobRow struct {
	ID            int64  `db:"id"`
	ScanID        int64  `db:"scan_id"`
	Status        string `db:"status"`
	StatusMessage string `db:"status_message"`
	Options       string `db:"options_json"`
	StartTime     *int64 `db:"start_time"`
	EndTime       *int64 `db:"end_time"`
	ReportID      *int64 `db:"report_id"`
}

func (r jobRow) job() (model.ScanJob, error) {
	j := model.ScanJob{
		ID:            r.ID,
		ScanID:        r.ScanID,
		Status:        model.Status(r.Status),
		StatusMessage: r.StatusMessage,
		StartTime:     timeFromDB(r.StartTime),
		EndTime:       timeFromDB(r.EndTime),
		ReportID:      r.ReportID,
	}
	if err := fromJSON(r.Options, &j.Options); err != nil {
		return model.ScanJob{}, fmt.Errorf("job %d options: %w", r.ID, err)
	}
	return j, nil
}

const jobColumns = `id, scan_id, status, status_message, options_json, start_time, end_time, report_id`

type taskRow struct {
	ID                 int64  `db:"id"`
	JobID              int64  `db:"job_id"`
	SourceID           int64  `db:"source_id"`
	Phase              string `db:"phase"`
	Status             string `db:"status"`
	StatusMessage      string `db:"status_message"`
	Sequence           int    `db:"sequence_number"`
	SystemsCount       int    `db:"systems_count"`
	SystemsScanned     int    `db:"systems_scanned"`
	SystemsFailed      int    `db:"systems_failed"`
	SystemsUnreachable int    `db:"systems_unreachable"`
	StartTime          *int64 `db:"start_time"`
	EndTime            *int64 `db:"end_time"`
}

func (r taskRow) task() model.ScanTask {
	return model.ScanTask{
		ID:                 r.ID,
		JobID:              r.JobID,
		SourceID:           r.SourceID,
		Phase:              model.ScanPhase(r.Phase),
		Status:             model.Status(r.Status),
		StatusMessage:      r.StatusMessage,
		Sequence:           r.Sequence,
		SystemsCount:       r.SystemsCount,
		SystemsScanned:     r.SystemsScanned,
		SystemsFailed:      r.SystemsFailed,
		SystemsUnreachable: r.SystemsUnreachable,
		StartTime:          timeFromDB(r.StartTime),
		EndTime:            timeFromDB(r.EndTime),
	}
}

const taskColumns = `id, job_id, source_id, phase, status, status_message, sequence_number,
	systems_count, systems_scanned, systems_failed, systems_unreachable, start_time, end_time`

// CreateJob creates a job of scan in status created, with one connect and one
// inspect task per source. The scan options are copied into the job.
func (s *Store) CreateJob(ctx context.Context, scanID int64) (model.ScanJob, error) {
	var job model.ScanJob
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		scan, err := getScan(ctx, tx, scanID)
		if err != nil {
			return err
		}
		opts, err := toJSON(scan.Options)
		if err != nil {
			return err
		}
		id, err := s.insert(ctx, tx,
			`INSERT INTO scan_jobs (scan_id, status, status_message, options_json) VALUES (?, ?, '', ?)`,
			scanID, model.StatusCreated, opts,
		)
		if err != nil {
			return err
		}
		job = model.ScanJob{ID: id, ScanID: scanID, Status: model.StatusCreated, Options: scan.Options}

		seq := 0
		for _, phase := range []model.ScanPhase{model.PhaseConnect, model.PhaseInspect} {
			for _, sourceID := range scan.SourceIDs {
				if _, err := s.insert(ctx, tx,
					`INSERT INTO scan_tasks (job_id, source_id, phase, status, status_message, sequence_number)
					VALUES (?, ?, ?, ?, '', ?)`,
					id, sourceID, phase, model.StatusPending, seq,
				); err != nil {
					return err
				}
				seq++
			}
		}
		return nil
	})
	return job, err
}

func (s *Store) GetJob(ctx context.Context, id int64) (model.ScanJob, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id int64) (model.ScanJob, error) {
	var row jobRow
	err := get(ctx, q, &row, `SELECT `+jobColumns+` FROM scan_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScanJob{}, notFound("job", id)
	}
	if err != nil {
		return model.ScanJob{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row.job()
}

// ListJobs returns the jobs of a scan, or all jobs for scanID 0.
func (s *Store) ListJobs(ctx context.Context, scanID int64) ([]model.ScanJob, error) {
	var rows []jobRow
	var err error
	if scanID == 0 {
		err = selectAll(ctx, s.db, &rows, `SELECT `+jobColumns+` FROM scan_jobs ORDER BY id`)
	} else {
		err = selectAll(ctx, s.db, &rows, `SELECT `+jobColumns+` FROM scan_jobs WHERE scan_id = ? ORDER BY id`, scanID)
	}
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return jobs(rows)
}

// JobsByStatus is used at startup to recover jobs left behind by a previous process.
func (s *Store) JobsByStatus(ctx context.Context, statuses ...model.Status) ([]model.ScanJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := inClause(`SELECT `+jobColumns+` FROM scan_jobs WHERE status IN (?) ORDER BY id`, statuses)
	if err != nil {
		return nil, err
	}
	var rows []jobRow
	if err := selectAll(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return jobs(rows)
}

func jobs(rows []jobRow) ([]model.ScanJob, error) {
	ret := make([]model.ScanJob, 0, len(rows))
	for _, r := range rows {
		j, err := r.job()
		if err != nil {
			return nil, err
		}
		ret = append(ret, j)
	}
	return ret, nil
}

// ListTasks returns the tasks of a job ordered by sequence number.
func (s *Store) ListTasks(ctx context.Context, jobID int64) ([]model.ScanTask, error) {
	var rows []taskRow
	if err := selectAll(ctx, s.db, &rows,
		`SELECT `+taskColumns+` FROM scan_tasks WHERE job_id = ? ORDER BY sequence_number`, jobID); err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	ret := make([]model.ScanTask, len(rows))
	for i, r := range rows {
		ret[i] = r.task()
	}
	return ret, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (model.ScanTask, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q sqlx.QueryerContext, id int64) (model.ScanTask, error) {
	var row taskRow
	err := get(ctx, q, &row, `SELECT `+taskColumns+` FROM scan_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScanTask{}, notFound("task", id)
	}
	if err != nil {
		return model.ScanTask{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row.task(), nil
}

// TransitionJob moves the job to status to. The update is a compare-and-set on
// the status read in the same transaction, so concurrent transitions cannot
// both succeed.
func (s *Store) TransitionJob(ctx context.Context, id int64, to model.Status, message string) (model.ScanJob, error) {
	var job model.ScanJob
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		job, err = transitionJob(ctx, tx, id, to, message)
		return err
	})
	return job, err
}

func transitionJob(ctx context.Context, tx *sqlx.Tx, id int64, to model.Status, message string) (model.ScanJob, error) {
	job, err := getJob(ctx, tx, id)
	if err != nil {
		return model.ScanJob{}, err
	}
	if err := model.Transition(job.Status, to); err != nil {
		return model.ScanJob{}, fmt.Errorf("job %d: %w", id, err)
	}
	start, end := stamps(job.StartTime, job.EndTime, to)
	n, err := exec(ctx, tx,
		`UPDATE scan_jobs SET status = ?, status_message = ?, start_time = ?, end_time = ? WHERE id = ? AND status = ?`,
		to, message, timeToDB(start), timeToDB(end), id, job.Status,
	)
	if err != nil {
		return model.ScanJob{}, err
	}
	if n != 1 {
		return model.ScanJob{}, fmt.Errorf("job %d changed concurrently: %w", id, model.ErrInvalidTransition)
	}
	job.Status, job.StatusMessage, job.StartTime, job.EndTime = to, message, start, end
	return job, nil
}

// TransitionTask moves the task to status to, see TransitionJob.
func (s *Store) TransitionTask(ctx context.Context, id int64, to model.Status, message string) (model.ScanTask, error) {
	var task model.ScanTask
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		task, err = transitionTask(ctx, tx, id, to, message)
		return err
	})
	return task, err
}

func transitionTask(ctx context.Context, tx *sqlx.Tx, id int64, to model.Status, message string) (model.ScanTask, error) {
	task, err := getTask(ctx, tx, id)
	if err != nil {
		return model.ScanTask{}, err
	}
	if err := model.Transition(task.Status, to); err != nil {
		return model.ScanTask{}, fmt.Errorf("task %d: %w", id, err)
	}
	start, end := stamps(task.StartTime, task.EndTime, to)
	n, err := exec(ctx, tx,
		`UPDATE scan_tasks SET status = ?, status_message = ?, start_time = ?, end_time = ? WHERE id = ? AND status = ?`,
		to, message, timeToDB(start), timeToDB(end), id, task.Status,
	)
	if err != nil {
		return model.ScanTask{}, err
	}
	if n != 1 {
		return model.ScanTask{}, fmt.Errorf("task %d changed concurrently: %w", id, model.ErrInvalidTransition)
	}
	task.Status, task.StatusMessage, task.StartTime, task.EndTime = to, message, start, end
	return task, nil
}

// stamps records the first start and the end of the terminal or paused status.
func stamps(start, end *time.Time, to model.Status) (*time.Time, *time.Time) {
	now := time.Now().UTC()
	switch {
	case to == model.StatusRunning:
		if start == nil {
			start = &now
		}
		end = nil
	case to.IsTerminal() || to == model.StatusPaused:
		end = &now
	}
	return start, end
}

// InterruptJob moves the job and every task that can take it to status to
// (canceled or paused) in one transaction. It is used for jobs which are not
// executed by a runner at the moment, such as queued or paused ones.
func (s *Store) InterruptJob(ctx context.Context, id int64, to model.Status, message string) (model.ScanJob, error) {
	var job model.ScanJob
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		job, err = transitionJob(ctx, tx, id, to, message)
		if err != nil {
			return err
		}
		return interruptTasks(ctx, tx, id, to, message)
	})
	return job, err
}

func interruptTasks(ctx context.Context, tx *sqlx.Tx, jobID int64, to model.Status, message string) error {
	var rows []taskRow
	if err := selectAll(ctx, tx, &rows, `SELECT `+taskColumns+` FROM scan_tasks WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	for _, r := range rows {
		if !model.CanTransition(model.Status(r.Status), to) {
			continue
		}
		if _, err := transitionTask(ctx, tx, r.ID, to, message); err != nil {
			return err
		}
	}
	return nil
}

// ResumeJob moves a paused job and its paused tasks back to pending.
func (s *Store) ResumeJob(ctx context.Context, id int64) (model.ScanJob, error) {
	var job model.ScanJob
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		job, err = transitionJob(ctx, tx, id, model.StatusPending, "")
		if err != nil {
			return err
		}
		var paused []int64
		if err := selectAll(ctx, tx, &paused, `SELECT id FROM scan_tasks WHERE job_id = ? AND status = ?`,
			id, model.StatusPaused); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		for _, taskID := range paused {
			if _, err := transitionTask(ctx, tx, taskID, model.StatusPending, ""); err != nil {
				return err
			}
		}
		return nil
	})
	return job, err
}

// SetTaskCounts resets the counters of a task before it runs: systems_count is
// set to count and the others to zero.
func (s *Store) SetTaskCounts(ctx context.Context, taskID int64, count int) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := exec(ctx, tx,
			`UPDATE scan_tasks SET systems_count = ?, systems_scanned = 0, systems_failed = 0, systems_unreachable = 0
			WHERE id = ?`, count, taskID)
		if err != nil {
			return err
		}
		if n != 1 {
			return notFound("task", taskID)
		}
		return nil
	})
}

// ExpectSystems updates systems_count of a running task without touching the
// other counters. The new count may not be lower than what was already recorded.
func (s *Store) ExpectSystems(ctx context.Context, taskID int64, count int) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := exec(ctx, tx,
			`UPDATE scan_tasks SET systems_count = ?
			WHERE id = ? AND systems_scanned + systems_failed + systems_unreachable <= ?`, count, taskID, count)
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		if _, err := getTask(ctx, tx, taskID); err != nil {
			return err
		}
		return fmt.Errorf("task %d: %w", taskID, ErrCounterOverflow)
	})
}

// incrementCounter bumps the counter of status by one, failing when the sum of
// counters would exceed systems_count.
func incrementCounter(ctx context.Context, tx *sqlx.Tx, taskID int64, status model.HostStatus) error {
	var column string
	switch status {
	case model.HostSuccess:
		column = "systems_scanned"
	case model.HostFailed:
		column = "systems_failed"
	case model.HostUnreachable:
		column = "systems_unreachable"
	default:
		return fmt.Errorf("unknown host status %q", status)
	}
	n, err := exec(ctx, tx,
		`UPDATE scan_tasks SET `+column+` = `+column+` + 1
		WHERE id = ? AND systems_scanned + systems_failed + systems_unreachable < systems_count`, taskID)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("task %d: %w", taskID, ErrCounterOverflow)
	}
	return nil
}

// DeleteJob removes the job with its tasks, results, raw facts and report.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status == model.StatusRunning {
			return fmt.Errorf("job %d is running: %w", id, ErrInUse)
		}
		var tasks []int64
		if err := selectAll(ctx, tx, &tasks, `SELECT id FROM scan_tasks WHERE job_id = ?`, id); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		for _, taskID := range tasks {
			if err := resetTaskResults(ctx, tx, taskID); err != nil {
				return err
			}
		}
		stmts := []string{
			`DELETE FROM inspect_groups WHERE job_id = ?`,
			`DELETE FROM connect_results WHERE job_id = ?`,
			`DELETE FROM scan_tasks WHERE job_id = ?`,
			`DELETE FROM system_fingerprints WHERE report_id IN (SELECT id FROM reports WHERE job_id = ?)`,
			`DELETE FROM reports WHERE job_id = ?`,
			`DELETE FROM scan_jobs WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := exec(ctx, tx, stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
}
