package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceType identifies the kind of infrastructure a Source points at.
type SourceType string

const (
	SourceNetwork   SourceType = "network"
	SourceVCenter   SourceType = "vcenter"
	SourceSatellite SourceType = "satellite"
	SourceOpenShift SourceType = "openshift"
	SourceAnsible   SourceType = "ansible"
	SourceRHACS     SourceType = "rhacs"
)

// SourceTypes lists every source type in merge priority order, highest first.
var SourceTypes = []SourceType{
	SourceNetwork,
	SourceVCenter,
	SourceSatellite,
	SourceOpenShift,
	SourceAnsible,
	SourceRHACS,
}

// Priority returns the merge rank of the type, 0 being the highest.
// Unknown types sort after every known one.
func (t SourceType) Priority() int {
	for i, s := range SourceTypes {
		if s == t {
			return i
		}
	}
	return len(SourceTypes)
}

func (t SourceType) Valid() bool {
	return t.Priority() < len(SourceTypes)
}

// DefaultPort is the port used when a Source does not define one.
func (t SourceType) DefaultPort() int {
	if t == SourceNetwork {
		return 22
	}
	return 443
}

// ScanPhase is the stage a ScanTask executes for its source.
type ScanPhase string

const (
	PhaseConnect ScanPhase = "connect"
	PhaseInspect ScanPhase = "inspect"
)

const ScanTypeInspect = "inspect"

// Become methods accepted for network credentials.
var BecomeMethods = []string{"sudo", "su", "pbrun", "pfexec", "doas", "dzdo", "ksu", "runas"}

// Credential holds the secret material used to authenticate against a source.
// Secret fields are sealed (see internal/secret) everywhere except inside the
// task runner.
type Credential struct {
	ID             int64      `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	Type           SourceType `json:"cred_type" db:"cred_type"`
	Username       string     `json:"username,omitempty" db:"username"`
	Password       string     `json:"password,omitempty" db:"password"`
	SSHKey         string     `json:"ssh_key,omitempty" db:"ssh_key"`
	SSHPassphrase  string     `json:"ssh_passphrase,omitempty" db:"ssh_passphrase"`
	AuthToken      string     `json:"auth_token,omitempty" db:"auth_token"`
	BecomeMethod   string     `json:"become_method,omitempty" db:"become_method"`
	BecomeUser     string     `json:"become_user,omitempty" db:"become_user"`
	BecomePassword string     `json:"become_password,omitempty" db:"become_password"`
}

// Redacted returns a copy safe to serialize: secrets are dropped and replaced by flags.
func (c Credential) Redacted() RedactedCredential {
	return RedactedCredential{
		ID:                c.ID,
		Name:              c.Name,
		Type:              c.Type,
		Username:          c.Username,
		BecomeMethod:      c.BecomeMethod,
		BecomeUser:        c.BecomeUser,
		HasPassword:       c.Password != "",
		HasSSHKey:         c.SSHKey != "",
		HasAuthToken:      c.AuthToken != "",
		HasBecomePassword: c.BecomePassword != "",
	}
}

type RedactedCredential struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Type              SourceType `json:"cred_type"`
	Username          string     `json:"username,omitempty"`
	BecomeMethod      string     `json:"become_method,omitempty"`
	BecomeUser        string     `json:"become_user,omitempty"`
	HasPassword       bool       `json:"has_password"`
	HasSSHKey         bool       `json:"has_ssh_key"`
	HasAuthToken      bool       `json:"has_auth_token"`
	HasBecomePassword bool       `json:"has_become_password"`
}

type SourceOptions struct {
	SSLCertVerify *bool  `json:"ssl_cert_verify,omitempty"`
	SSLProtocol   string `json:"ssl_protocol,omitempty"`
	DisableSSL    bool   `json:"disable_ssl,omitempty"`
	UseProxy      bool   `json:"use_proxy,omitempty"`
}

// VerifyTLS reports whether certificates presented by the source must be verified.
func (o SourceOptions) VerifyTLS() bool {
	return o.SSLCertVerify == nil || *o.SSLCertVerify
}

type Source struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Type          SourceType    `json:"source_type"`
	Hosts         []string      `json:"hosts"`
	ExcludeHosts  []string      `json:"exclude_hosts,omitempty"`
	Port          int           `json:"port"`
	Options       SourceOptions `json:"options"`
	CredentialIDs []int64       `json:"credentials"`
}

type ScanOptions struct {
	MaxConcurrency           int             `json:"max_concurrency,omitempty"`
	SearchDirectories        []string        `json:"search_directories,omitempty"`
	DisabledOptionalProducts map[string]bool `json:"disabled_optional_products,omitempty"`
	ExtendedProductSearch    map[string]bool `json:"enabled_extended_product_search,omitempty"`
}

const DefaultMaxConcurrency = 50

// Concurrency returns the host fan-out bound for the scan.
func (o ScanOptions) Concurrency() int {
	if o.MaxConcurrency <= 0 {
		return DefaultMaxConcurrency
	}
	return o.MaxConcurrency
}

// ProductEnabled reports whether the optional product was not disabled.
func (o ScanOptions) ProductEnabled(product string) bool {
	return !o.DisabledOptionalProducts[product]
}

// ExtendedSearch reports whether the extended (filesystem wide) search is enabled for product.
func (o ScanOptions) ExtendedSearch(product string) bool {
	return o.ExtendedProductSearch[product]
}

type Scan struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	ScanType  string      `json:"scan_type"`
	SourceIDs []int64     `json:"sources"`
	Options   ScanOptions `json:"options"`
}

type ScanJob struct {
	ID            int64       `json:"id"`
	ScanID        int64       `json:"scan_id"`
	Status        Status      `json:"status"`
	StatusMessage string      `json:"status_message,omitempty"`
	Options       ScanOptions `json:"options"`
	StartTime     *time.Time  `json:"start_time,omitempty"`
	EndTime       *time.Time  `json:"end_time,omitempty"`
	ReportID      *int64      `json:"report_id,omitempty"`
}

type ScanTask struct {
	ID                 int64      `json:"id"`
	JobID              int64      `json:"job_id"`
	SourceID           int64      `json:"source"`
	Phase              ScanPhase  `json:"scan_type"`
	Status             Status     `json:"status"`
	StatusMessage      string     `json:"status_message,omitempty"`
	Sequence           int        `json:"sequence_number"`
	SystemsCount       int        `json:"systems_count"`
	SystemsScanned     int        `json:"systems_scanned"`
	SystemsFailed      int        `json:"systems_failed"`
	SystemsUnreachable int        `json:"systems_unreachable"`
	StartTime          *time.Time `json:"start_time,omitempty"`
	EndTime            *time.Time `json:"end_time,omitempty"`
}

func (t ScanTask) String() string {
	return fmt.Sprintf("task %d (job %d, source %d, %s)", t.ID, t.JobID, t.SourceID, t.Phase)
}

// HostStatus is the per host verdict recorded by a task.
type HostStatus string

const (
	HostSuccess     HostStatus = "success"
	HostFailed      HostStatus = "failed"
	HostUnreachable HostStatus = "unreachable"
)

// ConnectResult is the probe outcome of a single host in a connect task.
type ConnectResult struct {
	Name         string     `json:"name"`
	Status       HostStatus `json:"status"`
	CredentialID int64      `json:"credential,omitempty"`
}

// Facts is the JSON shaped raw fact dictionary of one host.
type Facts map[string]any

type RawFact struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// InspectGroup binds raw facts to the identity of the source that produced them.
type InspectGroup struct {
	ID            int64           `json:"id"`
	ServerID      string          `json:"server_id"`
	ServerVersion string          `json:"server_version"`
	SourceID      int64           `json:"source_id,omitempty"`
	SourceName    string          `json:"source_name"`
	SourceType    SourceType      `json:"source_type"`
	Results       []InspectResult `json:"results"`
}

type InspectResult struct {
	ID     int64      `json:"id"`
	Name   string     `json:"name"`
	Status HostStatus `json:"status"`
	Facts  Facts      `json:"facts"`
}

type Report struct {
	ID         int64     `json:"id"`
	Version    string    `json:"report_version"`
	PlatformID string    `json:"report_platform_id"`
	JobID      int64     `json:"scan_job_id"`
	CreatedAt  time.Time `json:"created_at"`
}
