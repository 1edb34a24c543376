// Package report derives the report views of a job from the persisted raw
// facts and fingerprints, and renders them as JSON, CSV and tar.gz.
package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/store"
)

// Report types accepted by the report_type selector.
const (
	TypeDetails     = "details"
	TypeDeployments = "deployments"
	TypeAggregate   = "aggregate"
	TypeInsights    = "insights"
)

// Types lists the types rendered into the report bundle.
var Types = []string{TypeDetails, TypeDeployments, TypeAggregate}

// Header is common to every view.
type Header struct {
	ReportID         int64  `json:"report_id"`
	ReportType       string `json:"report_type"`
	ReportVersion    string `json:"report_version"`
	ReportPlatformID string `json:"report_platform_id"`
}

func header(r model.Report, typ string) Header {
	return Header{
		ReportID:         r.ID,
		ReportType:       typ,
		ReportVersion:    r.Version,
		ReportPlatformID: r.PlatformID,
	}
}

// Details are the raw facts per source, one entry per host.
type Details struct {
	Header
	Sources []DetailsSource `json:"sources"`
}

type DetailsSource struct {
	ServerID      string           `json:"server_id"`
	ServerVersion string           `json:"report_version"`
	SourceName    string           `json:"source_name"`
	SourceType    model.SourceType `json:"source_type"`
	Facts         []model.Facts    `json:"facts"`
	// verdict of every inspected host, successful or not
	statuses []model.HostStatus
}

// NewDetails lists the successfully inspected hosts of every group.
func NewDetails(r model.Report, groups []model.InspectGroup) Details {
	ret := Details{Header: header(r, TypeDetails), Sources: make([]DetailsSource, 0, len(groups))}
	for _, g := range groups {
		src := DetailsSource{
			ServerID:      g.ServerID,
			ServerVersion: g.ServerVersion,
			SourceName:    g.SourceName,
			SourceType:    g.SourceType,
			Facts:         []model.Facts{},
		}
		for _, res := range g.Results {
			src.statuses = append(src.statuses, res.Status)
			if res.Status != model.HostSuccess {
				continue
			}
			src.Facts = append(src.Facts, res.Facts)
		}
		ret.Sources = append(ret.Sources, src)
	}
	return ret
}

// Deployments are the fingerprints of the report.
type Deployments struct {
	Header
	SystemFingerprints []map[string]any `json:"system_fingerprints"`
}

// NewDeployments decodes the stored fingerprints, in their stored order.
func NewDeployments(r model.Report, rows []store.FingerprintRow) (Deployments, error) {
	ret := Deployments{Header: header(r, TypeDeployments), SystemFingerprints: make([]map[string]any, 0, len(rows))}
	for _, row := range rows {
		var fp map[string]any
		if err := json.Unmarshal(row.Fingerprint, &fp); err != nil {
			return Deployments{}, fmt.Errorf("decoding fingerprint %q: %w", row.Name, err)
		}
		ret.SystemFingerprints = append(ret.SystemFingerprints, fp)
	}
	return ret, nil
}

// Store is the persistence the builder needs, implemented by *store.Store.
type Store interface {
	GetReport(ctx context.Context, id int64) (model.Report, error)
	ReportFingerprints(ctx context.Context, reportID int64) ([]store.FingerprintRow, error)
	InspectGroups(ctx context.Context, jobID int64) ([]model.InspectGroup, error)
	ServerID(ctx context.Context) (string, error)
}

// Builder loads the views of a report from the store.
type Builder struct {
	store   Store
	version string
}

func NewBuilder(st Store, serverVersion string) *Builder {
	return &Builder{store: st, version: serverVersion}
}

func (b *Builder) Report(ctx context.Context, id int64) (model.Report, error) {
	return b.store.GetReport(ctx, id)
}

func (b *Builder) Details(ctx context.Context, id int64) (Details, error) {
	r, err := b.store.GetReport(ctx, id)
	if err != nil {
		return Details{}, err
	}
	groups, err := b.store.InspectGroups(ctx, r.JobID)
	if err != nil {
		return Details{}, fmt.Errorf("loading raw facts of report %d: %w", id, err)
	}
	return NewDetails(r, groups), nil
}

func (b *Builder) Deployments(ctx context.Context, id int64) (Deployments, error) {
	r, err := b.store.GetReport(ctx, id)
	if err != nil {
		return Deployments{}, err
	}
	rows, err := b.store.ReportFingerprints(ctx, id)
	if err != nil {
		return Deployments{}, fmt.Errorf("loading fingerprints of report %d: %w", id, err)
	}
	return NewDeployments(r, rows)
}

func (b *Builder) Aggregate(ctx context.Context, id int64) (Aggregate, error) {
	details, err := b.Details(ctx, id)
	if err != nil {
		return Aggregate{}, err
	}
	deployments, err := b.Deployments(ctx, id)
	if err != nil {
		return Aggregate{}, err
	}
	return NewAggregate(deployments, details), nil
}

func (b *Builder) Insights(ctx context.Context, id int64) (Insights, error) {
	deployments, err := b.Deployments(ctx, id)
	if err != nil {
		return Insights{}, err
	}
	serverID, err := b.store.ServerID(ctx)
	if err != nil {
		return Insights{}, err
	}
	return NewInsights(deployments, serverID, b.version), nil
}

// Bundle loads every view of the report, ready for WriteBundle.
func (b *Builder) Bundle(ctx context.Context, id int64) (Bundle, error) {
	r, err := b.store.GetReport(ctx, id)
	if err != nil {
		return Bundle{}, err
	}
	groups, err := b.store.InspectGroups(ctx, r.JobID)
	if err != nil {
		return Bundle{}, fmt.Errorf("loading raw facts of report %d: %w", id, err)
	}
	rows, err := b.store.ReportFingerprints(ctx, id)
	if err != nil {
		return Bundle{}, fmt.Errorf("loading fingerprints of report %d: %w", id, err)
	}
	details := NewDetails(r, groups)
	deployments, err := NewDeployments(r, rows)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{
		Details:     details,
		Deployments: deployments,
		Aggregate:   NewAggregate(deployments, details),
		CreatedAt:   r.CreatedAt,
	}, nil
}
