// Package api is the HTTP surface of quipucords: inventory CRUD, scan jobs
// control, reports download and server status.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/report"
	"github.com/quipucords/quipucords/internal/secret"
	"github.com/quipucords/quipucords/internal/store"
)

// APIVersion is the version of the routes under /api/v1.
const APIVersion = 1

// Store is the persistence the API needs, implemented by *store.Store.
type Store interface {
	report.Store

	CreateCredential(ctx context.Context, c model.Credential) (model.Credential, error)
	GetCredential(ctx context.Context, id int64) (model.Credential, error)
	ListCredentials(ctx context.Context) ([]model.Credential, error)
	UpdateCredential(ctx context.Context, c model.Credential) (model.Credential, error)
	DeleteCredential(ctx context.Context, id int64) error

	CreateSource(ctx context.Context, src model.Source) (model.Source, error)
	GetSource(ctx context.Context, id int64) (model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	UpdateSource(ctx context.Context, src model.Source) (model.Source, error)
	DeleteSource(ctx context.Context, id int64) error

	CreateScan(ctx context.Context, scan model.Scan) (model.Scan, error)
	GetScan(ctx context.Context, id int64) (model.Scan, error)
	ListScans(ctx context.Context) ([]model.Scan, error)
	UpdateScan(ctx context.Context, scan model.Scan) (model.Scan, error)
	DeleteScan(ctx context.Context, id int64) error

	CreateJob(ctx context.Context, scanID int64) (model.ScanJob, error)
	GetJob(ctx context.Context, id int64) (model.ScanJob, error)
	ListJobs(ctx context.Context, scanID int64) ([]model.ScanJob, error)
	ListTasks(ctx context.Context, jobID int64) ([]model.ScanTask, error)
	DeleteJob(ctx context.Context, id int64) error
}

var _ Store = (*store.Store)(nil)

// Manager controls the execution of jobs, implemented by *manager.Manager.
type Manager interface {
	Enqueue(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Running(id int64) bool
}

// Options of the server.
type Options struct {
	Version string
	Build   string
	// Environ returns the redacted server environment shown by /status/.
	Environ  func() map[string]string
	Username string
	Password string
}

type Server struct {
	store   Store
	manager Manager
	reports *report.Builder
	box     secret.Box
	auth    *Auth
	opts    Options
	engine  *gin.Engine
}

// New builds the routing table. Credentials secrets are sealed with box
// before they reach st.
func New(st Store, mgr Manager, box secret.Box, opts Options) *Server {
	if opts.Environ == nil {
		opts.Environ = func() map[string]string { return map[string]string{} }
	}
	s := &Server{
		store:   st,
		manager: mgr,
		reports: report.NewBuilder(st, opts.Version),
		box:     box,
		auth:    NewAuth(opts.Username, opts.Password),
		opts:    opts,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(), s.versionHeader())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status/", s.status)
		v1.POST("/token/", s.token)

		v1.Use(s.auth.Middleware())

		creds := v1.Group("/credentials")
		{
			creds.GET("/", s.listCredentials)
			creds.POST("/", s.createCredential)
			creds.GET("/:id/", s.getCredential)
			creds.PUT("/:id/", s.updateCredential)
			creds.DELETE("/:id/", s.deleteCredential)
		}

		sources := v1.Group("/sources")
		{
			sources.GET("/", s.listSources)
			sources.POST("/", s.createSource)
			sources.GET("/:id/", s.getSource)
			sources.PUT("/:id/", s.updateSource)
			sources.DELETE("/:id/", s.deleteSource)
		}

		scans := v1.Group("/scans")
		{
			scans.GET("/", s.listScans)
			scans.POST("/", s.createScan)
			scans.GET("/:id/", s.getScan)
			scans.PUT("/:id/", s.updateScan)
			scans.DELETE("/:id/", s.deleteScan)
			scans.GET("/:id/jobs/", s.listJobs)
			scans.POST("/:id/jobs/", s.createJob)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("/:id/", s.getJob)
			jobs.DELETE("/:id/", s.deleteJob)
			jobs.POST("/:id/cancel/", s.cancelJob)
			jobs.POST("/:id/pause/", s.pauseJob)
			jobs.POST("/:id/resume/", s.resumeJob)
		}

		reports := v1.Group("/reports")
		{
			reports.GET("/:id/", s.getReport)
			reports.GET("/:id/insights/", s.getInsights)
			reports.GET("/:id/status/", s.reportStatus)
		}
	}
	return r
}

// Handler serves the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) versionHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Server-Version", s.opts.Version)
		c.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
