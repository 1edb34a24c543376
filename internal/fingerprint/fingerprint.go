// Package fingerprint turns the raw facts of a scan job into one
// fingerprint per system. Fingerprints of the same system are merged within
// a source and then across sources by their canonical facts.
package fingerprint

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/quipucords/quipucords/internal/model"
)

// SourceRef identifies the source a fingerprint was built from.
type SourceRef struct {
	ServerID   string           `json:"server_id"`
	SourceName string           `json:"source_name"`
	SourceType model.SourceType `json:"source_type"`
}

// Provenance tells which source and raw fact a field value comes from.
type Provenance struct {
	ServerID   string           `json:"server_id"`
	SourceName string           `json:"source_name"`
	SourceType model.SourceType `json:"source_type"`
	RawFactKey string           `json:"raw_fact_key"`
}

// Fingerprint is a normalized system. Facts holds only fields with a
// value; Metadata has an entry for every field read from a raw fact.
type Fingerprint struct {
	Facts    map[string]any
	Metadata map[string]Provenance
	Sources  []SourceRef
}

func newFingerprint() Fingerprint {
	return Fingerprint{Facts: map[string]any{}, Metadata: map[string]Provenance{}}
}

func (f Fingerprint) Name() string {
	s, _ := f.Facts["name"].(string)
	return s
}

// MarshalJSON flattens the facts next to the metadata and sources.
func (f Fingerprint) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(f.Facts)+2)
	maps.Copy(m, f.Facts)
	m["metadata"] = f.Metadata
	m["sources"] = f.Sources
	return json.Marshal(m)
}

func (f Fingerprint) clone() Fingerprint {
	return Fingerprint{
		Facts:    maps.Clone(f.Facts),
		Metadata: maps.Clone(f.Metadata),
		Sources:  slices.Clone(f.Sources),
	}
}

// Process fingerprints the inspect groups of a job. The result does not
// depend on the order of groups or results and is sorted by name.
func Process(groups []model.InspectGroup) ([]Fingerprint, error) {
	groups = slices.Clone(groups)
	slices.SortStableFunc(groups, func(a, b model.InspectGroup) int {
		return cmp.Or(
			cmp.Compare(a.SourceType.Priority(), b.SourceType.Priority()),
			cmp.Compare(a.SourceName, b.SourceName),
			cmp.Compare(a.ServerID, b.ServerID),
		)
	})

	var all []Fingerprint
	for _, g := range groups {
		normalize, ok := normalizers[g.SourceType]
		if !ok {
			return nil, fmt.Errorf("no fingerprint normalizer for source type %q", g.SourceType)
		}
		ref := SourceRef{ServerID: g.ServerID, SourceName: g.SourceName, SourceType: g.SourceType}
		results, err := sortedResults(g.Results)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", g.SourceName, err)
		}
		fps := normalize(ref, results)
		all = append(all, dedup(fps)...)
	}

	type keyed struct {
		key string
		fp  Fingerprint
	}
	merged := dedup(all)
	ks := make([]keyed, 0, len(merged))
	for _, fp := range merged {
		fp = finish(fp)
		b, err := json.Marshal(fp)
		if err != nil {
			return nil, fmt.Errorf("encoding fingerprint %q: %w", fp.Name(), err)
		}
		ks = append(ks, keyed{key: string(b), fp: fp})
	}
	slices.SortStableFunc(ks, func(a, b keyed) int {
		return cmp.Or(cmp.Compare(a.fp.Name(), b.fp.Name()), cmp.Compare(a.key, b.key))
	})
	ret := make([]Fingerprint, len(ks))
	for i, k := range ks {
		ret[i] = k.fp
	}
	return ret, nil
}

// sortedResults drops the systems which were not scanned and orders the
// others by name then facts.
func sortedResults(results []model.InspectResult) ([]model.InspectResult, error) {
	type keyed struct {
		key string
		r   model.InspectResult
	}
	var ks []keyed
	for _, r := range results {
		if r.Status != model.HostSuccess {
			continue
		}
		b, err := json.Marshal(r.Facts)
		if err != nil {
			return nil, fmt.Errorf("result %s: %w", r.Name, err)
		}
		ks = append(ks, keyed{key: string(b), r: r})
	}
	slices.SortStableFunc(ks, func(a, b keyed) int {
		return cmp.Or(cmp.Compare(a.r.Name, b.r.Name), cmp.Compare(a.key, b.key))
	})
	ret := make([]model.InspectResult, len(ks))
	for i, k := range ks {
		ret[i] = k.r
	}
	return ret, nil
}

// finish computes the facts derived from the merged fingerprint.
func finish(fp Fingerprint) Fingerprint {
	for k, v := range fp.Facts {
		fp.Facts[k] = DeepSort(v)
	}
	slices.SortStableFunc(fp.Sources, func(a, b SourceRef) int {
		return cmp.Or(
			cmp.Compare(a.SourceType.Priority(), b.SourceType.Priority()),
			cmp.Compare(a.SourceName, b.SourceName),
			cmp.Compare(a.ServerID, b.ServerID),
		)
	})
	// source_types keeps the merge priority order
	types := make([]string, 0, len(fp.Sources))
	for _, s := range fp.Sources {
		if !slices.Contains(types, string(s.SourceType)) {
			types = append(types, string(s.SourceType))
		}
	}
	fp.Facts["source_types"] = types
	return fp
}
