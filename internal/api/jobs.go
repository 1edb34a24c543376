package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/store"
)

// jobView is a job with its tasks and the sums of their counters.
type jobView struct {
	model.ScanJob
	SystemsCount       int              `json:"systems_count"`
	SystemsScanned     int              `json:"systems_scanned"`
	SystemsFailed      int              `json:"systems_failed"`
	SystemsUnreachable int              `json:"systems_unreachable"`
	Tasks              []model.ScanTask `json:"tasks"`
}

// newJobView sums the counters of the inspect tasks, or of the connect tasks
// while no inspect task started.
func newJobView(job model.ScanJob, tasks []model.ScanTask) jobView {
	v := jobView{ScanJob: job, Tasks: tasks}
	phase := model.PhaseConnect
	for _, t := range tasks {
		if t.Phase == model.PhaseInspect && t.Status != model.StatusPending && t.Status != model.StatusCreated {
			phase = model.PhaseInspect
			break
		}
	}
	for _, t := range tasks {
		if t.Phase != phase {
			continue
		}
		v.SystemsCount += t.SystemsCount
		v.SystemsScanned += t.SystemsScanned
		v.SystemsFailed += t.SystemsFailed
		v.SystemsUnreachable += t.SystemsUnreachable
	}
	return v
}

func (s *Server) jobView(ctx context.Context, job model.ScanJob) (jobView, error) {
	tasks, err := s.store.ListTasks(ctx, job.ID)
	if err != nil {
		return jobView{}, fmt.Errorf("loading tasks of job %d: %w", job.ID, err)
	}
	return newJobView(job, tasks), nil
}

func (s *Server) listJobs(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.GetScan(ctx, id); err != nil {
		abort(c, err)
		return
	}
	jobs, err := s.store.ListJobs(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(jobs), "results": jobs})
}

// createJob creates a job of the scan and queues it.
func (s *Server) createJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	job, err := s.store.CreateJob(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	if err := s.manager.Enqueue(ctx, job.ID); err != nil {
		abort(c, err)
		return
	}
	if job, err = s.store.GetJob(ctx, job.ID); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	v, err := s.jobView(ctx, job)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) deleteJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if s.manager.Running(id) {
		abort(c, fmt.Errorf("job %d is running: %w", id, store.ErrInUse))
		return
	}
	if err := s.store.DeleteJob(c.Request.Context(), id); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// control applies op to the job and answers with its new state. The manager
// interrupts running jobs asynchronously, so the state may still be running.
func (s *Server) control(op func(ctx context.Context, id int64) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if _, err := s.store.GetJob(ctx, id); err != nil {
			abort(c, err)
			return
		}
		if err := op(ctx, id); err != nil {
			abort(c, err)
			return
		}
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func (s *Server) cancelJob(c *gin.Context) {
	s.control(s.manager.Cancel)(c)
}

func (s *Server) pauseJob(c *gin.Context) {
	s.control(s.manager.Pause)(c)
}

func (s *Server) resumeJob(c *gin.Context) {
	s.control(s.manager.Resume)(c)
}
