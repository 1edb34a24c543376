package report_test

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/quipucords/quipucords/internal/fingerprint"
	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/report"
	"github.com/quipucords/quipucords/internal/store"
	"github.com/stretchr/testify/require"
)

var testReport = model.Report{
	ID:         7,
	Version:    "1.2.0",
	PlatformID: "5f2bd8a4-7d5e-4f4c-9d0e-2b4b8f7c1a10",
	JobID:      3,
	CreatedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
}

const fingerprintsJSON = `[
	{
		"name": "web1",
		"bios_uuid": "abc",
		"ip_addresses": ["10.0.0.1"],
		"os_name": "RHEL",
		"os_version": "9.3",
		"infrastructure_type": "virtualized",
		"cpu_socket_count": 2,
		"cpu_core_count": 4,
		"system_memory_bytes": 4294967296,
		"vm_host": "ESX1",
		"is_redhat": true,
		"system_creation_date": "2023-01-01",
		"source_types": ["network", "vcenter"],
		"products": [
			{"name": "JBoss EAP", "presence": "present"},
			{"name": "JBoss Fuse", "presence": "absent"},
			{"name": "JBoss BRMS", "presence": "unknown"}
		],
		"metadata": {"name": {"server_id": "s", "source_name": "lab", "source_type": "network", "raw_fact_key": "uname_hostname"}},
		"sources": [{"server_id": "s", "source_name": "lab", "source_type": "network"}]
	},
	{
		"name": "db1",
		"fqdn": "db1.example.com",
		"os_name": "CentOS Linux",
		"os_version": "7",
		"infrastructure_type": "bare_metal",
		"cpu_socket_count": 3,
		"is_redhat": false,
		"vm_host": "esx1",
		"system_creation_date": "2023-01-05",
		"source_types": ["network"]
	},
	{
		"name": "lonely",
		"source_types": ["ansible"]
	}
]`

func testRows(t *testing.T) []store.FingerprintRow {
	t.Helper()
	var fps []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(fingerprintsJSON), &fps))
	rows := make([]store.FingerprintRow, len(fps))
	for i, fp := range fps {
		rows[i] = store.FingerprintRow{Name: fmt.Sprintf("fp%d", i), Fingerprint: fp}
	}
	return rows
}

func testGroups() []model.InspectGroup {
	return []model.InspectGroup{
		{
			ServerID: "s", ServerVersion: "1.2.0", SourceName: "lab", SourceType: model.SourceNetwork,
			Results: []model.InspectResult{
				{Name: "10.0.0.1", Status: model.HostSuccess, Facts: model.Facts{"uname_hostname": "web1", "cpu_count": 4.0}},
				{Name: "10.0.0.2", Status: model.HostFailed, Facts: model.Facts{}},
				{Name: "10.0.0.3", Status: model.HostUnreachable, Facts: model.Facts{}},
			},
		},
		{
			ServerID: "s", ServerVersion: "1.2.0", SourceName: "vc", SourceType: model.SourceVCenter,
			Results: []model.InspectResult{
				{Name: "web1", Status: model.HostSuccess, Facts: model.Facts{"vm.name": "web1"}},
			},
		},
	}
}

func testDeployments(t *testing.T) report.Deployments {
	t.Helper()
	d, err := report.NewDeployments(testReport, testRows(t))
	require.NoError(t, err)
	return d
}

func TestNewDetails(t *testing.T) {
	t.Parallel()
	d := report.NewDetails(testReport, testGroups())
	require.Equal(t, report.Header{ReportID: 7, ReportType: "details", ReportVersion: "1.2.0", ReportPlatformID: testReport.PlatformID}, d.Header)
	require.Len(t, d.Sources, 2)
	require.Equal(t, "lab", d.Sources[0].SourceName)
	require.Equal(t, []model.Facts{{"uname_hostname": "web1", "cpu_count": 4.0}}, d.Sources[0].Facts)
	require.Len(t, d.Sources[1].Facts, 1)

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf, d))
	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "details", got["report_type"])
	require.Len(t, got["sources"], 2)
}

func TestNewDeployments(t *testing.T) {
	t.Parallel()
	d := testDeployments(t)
	require.Len(t, d.SystemFingerprints, 3)
	require.Equal(t, "web1", d.SystemFingerprints[0]["name"])

	_, err := report.NewDeployments(testReport, []store.FingerprintRow{{Name: "bad", Fingerprint: json.RawMessage(`[`)}})
	require.Error(t, err)
}

func TestNewAggregate(t *testing.T) {
	t.Parallel()
	agg := report.NewAggregate(testDeployments(t), report.NewDetails(testReport, testGroups()))
	require.Equal(t, "aggregate", agg.ReportType)

	date := "2023-01-03"
	require.Equal(t, report.AggregateResults{
		TotalInstances:     3,
		InstancesPhysical:  1,
		InstancesVirtual:   1,
		InstancesUnknown:   1,
		InstancesNotRedHat: 1,
		SocketPairs:        2,
		CPUSocketsVirtual:  2,
		CPUCoresVirtual:    4,
		SystemMemoryBytes:  4294967296,
		VMwareHosts:        1,
		OSByNameAndVersion: map[string]int{"RHEL 9.3": 1, "CentOS Linux 7": 1},
		InstancesBySource:  map[string]int{"network": 2, "vcenter": 1, "ansible": 1},
		JBossEAPInstances:  1,
		SystemCreationDate: &date,
	}, agg.Results)
	require.Equal(t, report.Diagnostics{
		InspectResultsSuccess:     2,
		InspectResultsFailed:      1,
		InspectResultsUnreachable: 1,
		MissingCPUSocketCount:     1,
		MissingSystemCreationDate: 1,
		MissingInfrastructureType: 1,
	}, agg.Diagnostics)
}

func TestNewInsights(t *testing.T) {
	t.Parallel()
	in := report.NewInsights(testDeployments(t), "server-1", "1.2.0")
	require.Equal(t, "insights", in.ReportType)
	require.Len(t, in.Hosts, 2, "hosts without canonical facts are dropped")

	web := in.Hosts[0]
	require.Equal(t, "web1", web["display_name"])
	require.Equal(t, "abc", web["bios_uuid"])
	require.Equal(t, []any{"10.0.0.1"}, web["ip_addresses"])
	require.Equal(t, map[string]any{
		"infrastructure_type": "virtualized",
		"os_release":          "9.3",
		"number_of_sockets":   int64(2),
		"system_memory_bytes": int64(4294967296),
		"operating_system":    map[string]any{"name": "RHEL", "major": 9, "minor": 3},
	}, web["system_profile"])

	facts := web["facts"].([]any)[0].(map[string]any)
	require.Equal(t, "qpc", facts["namespace"])
	qpc := facts["facts"].(map[string]any)
	require.NotContains(t, qpc, "metadata")
	require.NotContains(t, qpc, "sources")
	require.Equal(t, testReport.PlatformID, qpc["report_platform_id"])

	db := in.Hosts[1]
	require.Equal(t, "db1.example.com", db["fqdn"])
	require.NotContains(t, db["system_profile"], "operating_system")
}

func TestInsights_Slices(t *testing.T) {
	t.Parallel()
	in := report.Insights{Header: report.Header{ReportPlatformID: testReport.PlatformID}}
	for i := range 5 {
		in.Hosts = append(in.Hosts, map[string]any{"fqdn": fmt.Sprintf("h%d", i)})
	}

	var testCases = []struct {
		scenario string
		size     int
		then     []int
	}{
		{scenario: "even", size: 5, then: []int{5}},
		{scenario: "remainder", size: 2, then: []int{2, 2, 1}},
		{scenario: "default", size: 0, then: []int{5}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			slices := in.Slices(tc.size)
			var sizes []int
			ids := map[string]bool{}
			for _, s := range slices {
				sizes = append(sizes, len(s.Hosts))
				ids[s.ID] = true
			}
			require.Equal(t, tc.then, sizes)
			require.Len(t, ids, len(slices))
			require.Equal(t, slices, in.Slices(tc.size), "slice ids are stable")
		})
	}
	require.Empty(t, report.Insights{}.Slices(10))
}

func TestDeployments_WriteCSV(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, testDeployments(t).WriteCSV(&buf))

	records, err := readCSV(buf.String())
	require.NoError(t, err)
	require.Equal(t, []string{"Report ID", "Report Type", "Report Version", "Report Platform ID"}, records[0])
	require.Equal(t, []string{"7", "deployments", "1.2.0", testReport.PlatformID}, records[1])
	require.Equal(t, []string{"System Fingerprints:"}, records[2])

	columns := records[3]
	require.NotContains(t, columns, "metadata")
	require.NotContains(t, columns, "sources")
	require.Contains(t, columns, "products")
	require.Len(t, records, 7)

	row := map[string]string{}
	for i, c := range columns {
		row[c] = records[4][i]
	}
	require.Equal(t, "web1", row["name"])
	require.Equal(t, "2", row["cpu_socket_count"])
	require.Equal(t, `["network","vcenter"]`, row["source_types"])
	require.Equal(t, "true", row["is_redhat"])
	require.Empty(t, records[6][0], "missing facts are empty cells")
}

func TestDetails_WriteCSV(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, report.NewDetails(testReport, testGroups()).WriteCSV(&buf))

	records, err := readCSV(buf.String())
	require.NoError(t, err)
	require.Equal(t, []string{"7", "details", "1.2.0", testReport.PlatformID, "2"}, records[1])
	require.Equal(t, []string{"Source"}, records[2])
	require.Equal(t, []string{"s", "lab", "network"}, records[4])
	require.Equal(t, []string{"Facts"}, records[5])
	require.Equal(t, []string{"cpu_count", "uname_hostname"}, records[6])
	require.Equal(t, []string{"4", "web1"}, records[7])
	require.Equal(t, []string{"vm.name"}, records[len(records)-2])
}

// readCSV reads records of varying length, skipping blank lines.
func readCSV(s string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(s))
	r.FieldsPerRecord = -1
	return r.ReadAll()
}

func readTarGz(t *testing.T, r io.Reader) map[string][]byte {
	t.Helper()
	gr, err := gzip.NewReader(r)
	require.NoError(t, err)
	tr := tar.NewReader(gr)
	ret := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(tr)
		require.NoError(t, err)
		ret[hdr.Name] = b
	}
	return ret
}

func TestWriteBundle(t *testing.T) {
	t.Parallel()
	details := report.NewDetails(testReport, testGroups())
	deployments := testDeployments(t)
	b := report.Bundle{
		Details:     details,
		Deployments: deployments,
		Aggregate:   report.NewAggregate(deployments, details),
		CreatedAt:   testReport.CreatedAt,
	}
	var buf bytes.Buffer
	require.NoError(t, report.WriteBundle(&buf, b))
	files := readTarGz(t, &buf)

	names := []string{"details.json", "details.csv", "deployments.json", "deployments.csv", "aggregate.json", "SHA256SUM"}
	require.Len(t, files, len(names))
	for _, n := range names {
		require.Contains(t, files, path.Join("report_id_7", n))
	}

	sums := strings.Split(strings.TrimSpace(string(files["report_id_7/SHA256SUM"])), "\n")
	require.Len(t, sums, len(names)-1)
	for _, line := range sums {
		sum, name, ok := strings.Cut(line, "  ")
		require.True(t, ok, line)
		got := sha256.Sum256(files[path.Join("report_id_7", name)])
		require.Equal(t, hex.EncodeToString(got[:]), sum, name)
	}

	var agg report.Aggregate
	require.NoError(t, json.Unmarshal(files["report_id_7/aggregate.json"], &agg))
	require.Equal(t, 3, agg.Results.TotalInstances)
}

func TestWriteInsights(t *testing.T) {
	t.Parallel()
	in := report.NewInsights(testDeployments(t), "server-1", "1.2.0")
	var buf bytes.Buffer
	require.NoError(t, report.WriteInsights(&buf, in, 1, testReport.CreatedAt))
	files := readTarGz(t, &buf)
	require.Len(t, files, 3)

	var meta struct {
		ReportID       int64          `json:"report_id"`
		Source         string         `json:"source"`
		SourceMetadata map[string]any `json:"source_metadata"`
		ReportSlices   map[string]struct {
			NumberHosts int `json:"number_hosts"`
		} `json:"report_slices"`
	}
	require.NoError(t, json.Unmarshal(files[testReport.PlatformID+"/metadata.json"], &meta))
	require.EqualValues(t, 7, meta.ReportID)
	require.Equal(t, "qpc", meta.Source)
	require.Equal(t, "server-1", meta.SourceMetadata["qpc_server_id"])
	require.Len(t, meta.ReportSlices, 2)
	for id, s := range meta.ReportSlices {
		require.Equal(t, 1, s.NumberHosts)
		var slice report.Slice
		require.NoError(t, json.Unmarshal(files[path.Join(testReport.PlatformID, id+".json")], &slice))
		require.Equal(t, id, slice.ID)
		require.Len(t, slice.Hosts, 1)
	}
}

func TestBuilder(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st, err := store.Open(ctx, store.SQLite, filepath.Join(t.TempDir(), "qpc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cred, err := st.CreateCredential(ctx, model.Credential{Name: "ssh", Type: model.SourceNetwork, Username: "root", Password: "sealed"})
	require.NoError(t, err)
	src, err := st.CreateSource(ctx, model.Source{Name: "lab", Type: model.SourceNetwork, Hosts: []string{"10.0.0.1"}, CredentialIDs: []int64{cred.ID}})
	require.NoError(t, err)
	scan, err := st.CreateScan(ctx, model.Scan{Name: "scan", SourceIDs: []int64{src.ID}})
	require.NoError(t, err)
	job, err := st.CreateJob(ctx, scan.ID)
	require.NoError(t, err)
	for _, to := range []model.Status{model.StatusPending, model.StatusRunning} {
		_, err = st.TransitionJob(ctx, job.ID, to, "")
		require.NoError(t, err)
	}
	tasks, err := st.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	inspect := tasks[1]
	_, err = st.TransitionTask(ctx, inspect.ID, model.StatusRunning, "")
	require.NoError(t, err)
	require.NoError(t, st.SetTaskCounts(ctx, inspect.ID, 2))
	serverID, err := st.ServerID(ctx)
	require.NoError(t, err)
	_, err = st.SaveInspectResults(ctx, inspect, store.GroupKey{ServerID: serverID, ServerVersion: "1.2.0", Source: src},
		model.InspectResult{Name: "10.0.0.1", Status: model.HostSuccess, Facts: model.Facts{
			"uname_hostname": "web1", "etc_release_name": "RHEL", "etc_release_version": "9.3", "dmi_system_uuid": "ABC",
		}},
		model.InspectResult{Name: "10.0.0.2", Status: model.HostFailed},
	)
	require.NoError(t, err)
	_, err = st.TransitionTask(ctx, inspect.ID, model.StatusCompleted, "")
	require.NoError(t, err)

	groups, err := st.InspectGroups(ctx, job.ID)
	require.NoError(t, err)
	fps, err := fingerprint.Process(groups)
	require.NoError(t, err)
	var rows []store.FingerprintRow
	for _, fp := range fps {
		b, err := json.Marshal(fp)
		require.NoError(t, err)
		rows = append(rows, store.FingerprintRow{Name: fp.Name(), Fingerprint: b})
	}
	r, err := st.CreateReport(ctx, job.ID, "1.2.0", rows, model.StatusCompleted, "")
	require.NoError(t, err)

	b := report.NewBuilder(st, "1.2.0")
	bundle, err := b.Bundle(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.PlatformID, bundle.Details.ReportPlatformID)
	require.Len(t, bundle.Details.Sources, 1)
	require.Len(t, bundle.Deployments.SystemFingerprints, 1)
	require.Equal(t, "web1", bundle.Deployments.SystemFingerprints[0]["name"])
	require.Equal(t, map[string]int{"RHEL 9.3": 1}, bundle.Aggregate.Results.OSByNameAndVersion)
	require.Equal(t, 1, bundle.Aggregate.Diagnostics.InspectResultsFailed)

	in, err := b.Insights(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, serverID, in.ServerID)
	require.Len(t, in.Hosts, 1)
	require.Equal(t, "abc", in.Hosts[0]["bios_uuid"])

	_, err = b.Deployments(ctx, r.ID+100)
	require.ErrorIs(t, err, model.ErrNotFound)
}
