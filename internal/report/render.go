package report

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
)

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteCSV writes the header, then every source with its hosts, one column
// per fact name.
func (d Details) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Report ID", "Report Type", "Report Version", "Report Platform ID", "Number Sources"})
	_ = cw.Write([]string{strconv.FormatInt(d.ReportID, 10), d.ReportType, d.ReportVersion, d.ReportPlatformID, strconv.Itoa(len(d.Sources))})
	for _, src := range d.Sources {
		_ = cw.Write(nil)
		_ = cw.Write([]string{"Source"})
		_ = cw.Write([]string{"Server Identifier", "Source Name", "Source Type"})
		_ = cw.Write([]string{src.ServerID, src.SourceName, string(src.SourceType)})
		_ = cw.Write([]string{"Facts"})
		keys := map[string]struct{}{}
		for _, f := range src.Facts {
			for k := range f {
				keys[k] = struct{}{}
			}
		}
		columns := slices.Sorted(maps.Keys(keys))
		writeRows(cw, columns, len(src.Facts), func(i int) map[string]any { return src.Facts[i] })
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSV writes the header and one row per fingerprint, without the
// provenance metadata.
func (d Deployments) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Report ID", "Report Type", "Report Version", "Report Platform ID"})
	_ = cw.Write([]string{strconv.FormatInt(d.ReportID, 10), d.ReportType, d.ReportVersion, d.ReportPlatformID})
	_ = cw.Write(nil)
	_ = cw.Write([]string{"System Fingerprints:"})
	keys := map[string]struct{}{}
	for _, fp := range d.SystemFingerprints {
		for k := range fp {
			if k != "metadata" && k != "sources" {
				keys[k] = struct{}{}
			}
		}
	}
	columns := slices.Sorted(maps.Keys(keys))
	writeRows(cw, columns, len(d.SystemFingerprints), func(i int) map[string]any { return d.SystemFingerprints[i] })
	cw.Flush()
	return cw.Error()
}

func writeRows(cw *csv.Writer, columns []string, n int, row func(int) map[string]any) {
	if len(columns) == 0 {
		return
	}
	_ = cw.Write(columns)
	record := make([]string, len(columns))
	for i := range n {
		r := row(i)
		for j, c := range columns {
			record[j] = cell(r[c])
		}
		_ = cw.Write(record)
	}
}

// cell renders strings as they are and everything else as JSON.
func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// Bundle holds every view of one report.
type Bundle struct {
	Details     Details
	Deployments Deployments
	Aggregate   Aggregate
	CreatedAt   time.Time
}

// Dir is the directory of the bundle files inside the archive.
func (b Bundle) Dir() string {
	return fmt.Sprintf("report_id_%d", b.Details.ReportID)
}

// WriteBundle writes a tar.gz with the JSON of every view, the CSV of
// details and deployments and a SHA256SUM of those files.
func WriteBundle(w io.Writer, b Bundle) error {
	var files []file
	for _, v := range []struct {
		name string
		json any
		csv  interface{ WriteCSV(io.Writer) error }
	}{
		{name: TypeDetails, json: b.Details, csv: b.Details},
		{name: TypeDeployments, json: b.Deployments, csv: b.Deployments},
		{name: TypeAggregate, json: b.Aggregate},
	} {
		var buf bytes.Buffer
		if err := WriteJSON(&buf, v.json); err != nil {
			return fmt.Errorf("rendering %s json: %w", v.name, err)
		}
		files = append(files, file{name: v.name + ".json", data: buf.Bytes()})
		if v.csv == nil {
			continue
		}
		var csvBuf bytes.Buffer
		if err := v.csv.WriteCSV(&csvBuf); err != nil {
			return fmt.Errorf("rendering %s csv: %w", v.name, err)
		}
		files = append(files, file{name: v.name + ".csv", data: csvBuf.Bytes()})
	}
	files = append(files, file{name: "SHA256SUM", data: checksums(files)})
	return writeTarGz(w, b.Dir(), b.CreatedAt, files)
}

// WriteInsights writes the insights tar.gz: a metadata.json describing the
// slices and one JSON file per slice, under a directory named after the
// platform id.
func WriteInsights(w io.Writer, in Insights, sliceSize int, createdAt time.Time) error {
	sl := in.Slices(sliceSize)
	var files []file
	var buf bytes.Buffer
	if err := WriteJSON(&buf, in.metadata(sl)); err != nil {
		return err
	}
	files = append(files, file{name: "metadata.json", data: bytes.Clone(buf.Bytes())})
	for _, s := range sl {
		buf.Reset()
		if err := WriteJSON(&buf, s); err != nil {
			return err
		}
		files = append(files, file{name: s.ID + ".json", data: bytes.Clone(buf.Bytes())})
	}
	return writeTarGz(w, in.ReportPlatformID, createdAt, files)
}

type file struct {
	name string
	data []byte
}

// checksums renders the files in the sha256sum(1) format.
func checksums(files []file) []byte {
	var buf bytes.Buffer
	for _, f := range files {
		sum := sha256.Sum256(f.data)
		fmt.Fprintf(&buf, "%s  %s\n", hex.EncodeToString(sum[:]), f.name)
	}
	return buf.Bytes()
}

func writeTarGz(w io.Writer, dir string, modTime time.Time, files []file) error {
	if modTime.IsZero() {
		modTime = time.Unix(0, 0)
	}
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     path.Join(dir, f.name),
			Mode:     0o644,
			Size:     int64(len(f.data)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing header of %s: %w", hdr.Name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return fmt.Errorf("writing %s: %w", hdr.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}
