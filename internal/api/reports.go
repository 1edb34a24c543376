package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/report"
)

const (
	mimeTarGz = "application/gzip"
	mimeCSV   = "text/csv"
)

var errNoInsightsHosts = errors.New("no system of the report carries a canonical fact")

func wantsCSV(c *gin.Context) bool {
	return c.Query("format") == "csv" || strings.Contains(c.GetHeader("Accept"), mimeCSV)
}

// getReport answers the tar.gz bundle of every view, or the single view
// selected by report_type.
func (s *Server) getReport(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var buf bytes.Buffer
	var err error
	switch typ := c.Query("report_type"); typ {
	case "":
		var b report.Bundle
		if b, err = s.reports.Bundle(ctx, id); err == nil {
			err = report.WriteBundle(&buf, b)
		}
		s.attachment(c, err, &buf, mimeTarGz, b.Dir()+".tar.gz")
		return
	case report.TypeDetails:
		var d report.Details
		if d, err = s.reports.Details(ctx, id); err == nil && wantsCSV(c) {
			err = d.WriteCSV(&buf)
			s.attachment(c, err, &buf, mimeCSV, fmt.Sprintf("report_id_%d_details.csv", id))
			return
		}
		s.render(c, err, d)
	case report.TypeDeployments:
		var d report.Deployments
		if d, err = s.reports.Deployments(ctx, id); err == nil && wantsCSV(c) {
			err = d.WriteCSV(&buf)
			s.attachment(c, err, &buf, mimeCSV, fmt.Sprintf("report_id_%d_deployments.csv", id))
			return
		}
		s.render(c, err, d)
	case report.TypeAggregate:
		a, err := s.reports.Aggregate(ctx, id)
		s.render(c, err, a)
	default:
		badRequest(c, fmt.Errorf("report_type %q is not one of %s", typ, strings.Join(report.Types, ", ")))
	}
}

func (s *Server) render(c *gin.Context, err error, v any) {
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) attachment(c *gin.Context, err error, buf *bytes.Buffer, mime, name string) {
	if err != nil {
		abort(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Data(http.StatusOK, mime, buf.Bytes())
}

// getInsights answers the insights tar.gz: metadata.json and the host slices.
func (s *Server) getInsights(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	r, err := s.reports.Report(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	in, err := s.reports.Insights(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	if len(in.Hosts) == 0 {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": errNoInsightsHosts.Error()})
		return
	}
	var buf bytes.Buffer
	err = report.WriteInsights(&buf, in, report.DefaultSliceSize, r.CreatedAt)
	s.attachment(c, err, &buf, mimeTarGz, fmt.Sprintf("report_id_%d_insights.tar.gz", id))
}

type reportStatus struct {
	model.Report
	Status        model.Status `json:"status"`
	StatusMessage string       `json:"status_message,omitempty"`
}

func (s *Server) reportStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	r, err := s.reports.Report(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}
	job, err := s.store.GetJob(ctx, r.JobID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, reportStatus{Report: r, Status: job.Status, StatusMessage: job.StatusMessage})
}
