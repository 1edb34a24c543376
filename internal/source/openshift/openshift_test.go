package openshift

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/source"

	"github.com/stretchr/testify/require"
)

const token = "sha256~token"

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func node(name, uuid string) map[string]any {
	return map[string]any{
		"metadata": map[string]any{"name": name, "labels": map[string]string{"node-role.kubernetes.io/worker": ""}},
		"spec":     map[string]any{"providerID": "aws:///us-east-1a/i-0" + name},
		"status": map[string]any{
			"addresses": []map[string]string{{"type": "InternalIP", "address": "10.0.1.1"}},
			"capacity":  map[string]string{"cpu": "4", "memory": "16Gi", "pods": "250"},
			"nodeInfo":  map[string]string{"systemUUID": uuid, "architecture": "amd64", "osImage": "Red Hat Enterprise Linux CoreOS 414"},
		},
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("GET "+pathOAuthDiscovery, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"authorization_endpoint": srv.URL + "/oauth/authorize"})
	})
	mux.HandleFunc("GET /oauth/authorize", func(w http.ResponseWriter, r *http.Request) {
		u, p, _ := r.BasicAuth()
		if u != "kubeadmin" || p != "pw" || r.Header.Get("X-Csrf-Token") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Location", "https://oauth.example.com/oauth/token/implicit#access_token="+token+"&token_type=Bearer")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("GET "+pathClusterVersion, authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"spec":   map[string]any{"clusterID": "c1d2", "channel": "stable-4.14"},
			"status": map[string]any{"desired": map[string]any{"version": "4.14.3"}},
		})
	}))
	mux.HandleFunc("GET "+pathNodes, authed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("continue") == "" {
			writeJSON(w, map[string]any{"metadata": map[string]any{"continue": "n2"}, "items": []any{node("master-0", "EC2AAAA")}})
			return
		}
		writeJSON(w, map[string]any{"metadata": map[string]any{}, "items": []any{node("worker-0", "EC2BBBB")}})
	}))
	mux.HandleFunc("GET "+pathDeployments, authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"metadata": map[string]any{}, "items": []any{
			map[string]any{
				"metadata": map[string]any{"name": "web", "namespace": "shop", "labels": map[string]string{"app": "web"}},
				"spec": map[string]any{"template": map[string]any{"spec": map[string]any{
					"containers":     []map[string]string{{"image": "foo@sha256:abc"}, {"image": "foo:v1"}},
					"initContainers": []map[string]string{{"image": "bar:latest"}},
				}}},
			},
		}})
	}))
	mux.HandleFunc("GET "+pathCSVs, authed(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	mux.HandleFunc("GET "+pathClusterOperators, authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"metadata": map[string]any{}, "items": []any{
			map[string]any{
				"metadata": map[string]any{"name": "dns"},
				"status":   map[string]any{"versions": []map[string]string{{"name": "operator", "version": "4.14.3"}}},
			},
		}})
	}))
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSource(srv *httptest.Server) model.Source {
	ap := netip.MustParseAddrPort(srv.Listener.Addr().String())
	return model.Source{
		Name:    "ocp",
		Type:    model.SourceOpenShift,
		Hosts:   []string{ap.Addr().String()},
		Port:    int(ap.Port()),
		Options: model.SourceOptions{DisableSSL: true},
	}
}

func TestInspect(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		cred     model.Credential
	}{
		{
			scenario: "bearer token",
			cred:     model.Credential{ID: 1, Type: model.SourceOpenShift, AuthToken: token},
		},
		{
			scenario: "oauth challenge",
			cred:     model.Credential{ID: 1, Type: model.SourceOpenShift, Username: "kubeadmin", Password: "pw"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t)

			var expected int
			var got []source.HostFacts
			err := New().Inspect(t.Context(), source.InspectRequest{
				Source:      testSource(srv),
				Credentials: []model.Credential{tc.cred},
				Expect: func(n int) error {
					expected = n
					return nil
				},
			}, func(hf source.HostFacts) error {
				got = append(got, hf)
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, 3, expected)
			require.Len(t, got, 3)

			cluster := got[0]
			require.Equal(t, "c1d2", cluster.Name)
			require.Equal(t, "4.14.3", cluster.Facts["cluster"].(map[string]any)["version"])
			operators := cluster.Facts["operators"].([]map[string]any)
			require.Len(t, operators, 1)
			require.Equal(t, "dns", operators[0]["name"])
			deployments := cluster.Facts["deployments"].([]map[string]any)
			require.Equal(t, []string{"foo@sha256:abc", "foo:v1"}, deployments[0]["container_images"])
			require.Equal(t, []string{"bar:latest"}, deployments[0]["init_container_images"])

			require.Equal(t, "master-0", got[1].Name)
			require.Equal(t, "worker-0", got[2].Name)
			n := got[2].Facts["node"].(map[string]any)
			require.Equal(t, "ec2bbbb", n["system_uuid"])
			require.Equal(t, "c1d2", n["cluster_uuid"])
			capacity := n["capacity"].(map[string]any)
			require.Equal(t, float64(4), capacity["cpu"])
			require.Equal(t, float64(16<<30), capacity["memory_in_bytes"])
		})
	}
}

func TestInspect_BadToken(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	err := New().Inspect(t.Context(), source.InspectRequest{
		Source:      testSource(srv),
		Credentials: []model.Credential{{ID: 1, AuthToken: "expired"}},
	}, func(source.HostFacts) error { return nil })
	require.True(t, source.IsFailure(err))
}

func TestConnect_Deprecated(t *testing.T) {
	t.Parallel()
	var got []model.ConnectResult
	err := New().Connect(t.Context(), source.ConnectRequest{
		Source:      model.Source{Type: model.SourceOpenShift, Hosts: []string{"api.ocp.example.com"}},
		Credentials: []model.Credential{{ID: 4}},
		Hosts:       []string{"api.ocp.example.com"},
	}, func(r model.ConnectResult) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []model.ConnectResult{{Name: "api.ocp.example.com", Status: model.HostSuccess, CredentialID: 4}}, got)
	require.False(t, New().PartialResults())
}

func TestParseQuantity(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  float64
	}{
		{given: "16Gi", then: 16 << 30},
		{given: "16384Ki", then: 16 << 20},
		{given: "500m", then: 0.5},
		{given: "2k", then: 2000},
		{given: "8", then: 8},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			v, err := parseQuantity(tc.given)
			require.NoError(t, err)
			require.InDelta(t, tc.then, v, 1e-9)
		})
	}
	_, err := parseQuantity("lots")
	require.Error(t, err)
}
