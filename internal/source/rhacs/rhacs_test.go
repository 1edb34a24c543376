package rhacs_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/rhacs"
	"github.com/quipucords/quipucords/internal/source/webclient"

	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestInspect(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer api-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("GET /v1/metadata", authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"version": "4.4.2", "buildFlavor": "release", "releaseBuild": true, "licenseStatus": "VALID"})
	}))
	mux.HandleFunc("GET /v1/clusters", authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"clusters": []map[string]any{
			{"id": "c-1", "name": "prod", "type": "OPENSHIFT4_CLUSTER", "status": map[string]any{"sensorVersion": "4.4.2"}},
		}})
	}))
	mux.HandleFunc("GET /v1/administration/usage/secured-units/current", authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"numNodes": "6", "numCpuUnits": "48"})
	}))
	mux.HandleFunc("GET /v1/administration/usage/secured-units/max", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "2024-05-01T00:00:00Z" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"maxNodes": "8", "maxNodesAt": "2024-05-20T00:00:00Z", "maxCpuUnits": "64"})
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ap := netip.MustParseAddrPort(srv.Listener.Addr().String())
	src := model.Source{
		Name:    "acs",
		Type:    model.SourceRHACS,
		Hosts:   []string{ap.Addr().String()},
		Port:    int(ap.Port()),
		Options: model.SourceOptions{DisableSSL: true},
	}
	a := &rhacs.Adapter{
		Options: webclient.Options{Retries: 1, RetryInterval: time.Millisecond},
		Now:     func() time.Time { return now },
	}

	var got []source.HostFacts
	err := a.Inspect(t.Context(), source.InspectRequest{
		Source:      src,
		Credentials: []model.Credential{{ID: 1, AuthToken: "api-token"}},
	}, func(hf source.HostFacts) error {
		got = append(got, hf)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, model.HostSuccess, got[0].Status)
	facts := got[0].Facts
	require.Equal(t, int64(6), facts["secured_units_current"].(map[string]any)["num_nodes"])
	require.Equal(t, int64(64), facts["secured_units_max"].(map[string]any)["max_cpu_units"])
	require.Equal(t, "4.4.2", facts["metadata"].(map[string]any)["version"])
	require.Len(t, facts["clusters"], 1)

	err = a.Inspect(t.Context(), source.InspectRequest{
		Source:      src,
		Credentials: []model.Credential{{ID: 1, AuthToken: "wrong"}},
	}, func(source.HostFacts) error { return nil })
	require.True(t, source.IsFailure(err))
}
