package vcenter_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/vcenter"
	"github.com/quipucords/quipucords/internal/source/webclient"

	"github.com/stretchr/testify/require"
)

const token = "session-1"

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newServer(t *testing.T, password string, loggedOut *atomic.Bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session", func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != "admin" || p != password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, token)
	})
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("vmware-api-session-id") != token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("DELETE /api/session", authed(func(w http.ResponseWriter, _ *http.Request) {
		loggedOut.Store(true)
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /api/vcenter/host", authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{{"host": "host-1", "name": "esx1.example.com"}})
	}))
	mux.HandleFunc("GET /api/vcenter/vm", authed(func(w http.ResponseWriter, r *http.Request) {
		all := []map[string]any{
			{"vm": "vm-1", "name": "rhel7", "power_state": "POWERED_ON"},
			{"vm": "vm-2", "name": "win", "power_state": "POWERED_OFF"},
		}
		if r.URL.Query().Get("hosts") == "host-1" {
			all = all[:1]
		}
		writeJSON(w, all)
	}))
	mux.HandleFunc("GET /api/vcenter/vm/vm-1", authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"name":        "rhel7",
			"guest_OS":    "RHEL_7_64",
			"power_state": "POWERED_ON",
			"cpu":         map[string]any{"count": 4, "cores_per_socket": 2},
			"memory":      map[string]any{"size_MiB": 4096},
			"identity":    map[string]any{"bios_uuid": "4230b1e2-1111-2222-3333-444455556666"},
			"nics":        map[string]any{"4000": map[string]any{"mac_address": "00:50:56:AA:BB:CC"}},
		})
	}))
	mux.HandleFunc("GET /api/vcenter/vm/vm-1/guest/identity", authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"host_name":  "rhel7.example.com",
			"ip_address": "10.0.0.7",
			"full_name":  map[string]any{"default_message": "Red Hat Enterprise Linux 7 (64-bit)"},
		})
	}))
	mux.HandleFunc("GET /api/vcenter/vm/vm-2", authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"name": "win", "guest_OS": "WINDOWS_9_64", "power_state": "POWERED_OFF"})
	}))
	mux.HandleFunc("GET /api/vcenter/vm/vm-2/guest/identity", authed(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSource(t *testing.T, srv *httptest.Server) model.Source {
	t.Helper()
	ap := netip.MustParseAddrPort(srv.Listener.Addr().String())
	return model.Source{
		Name:    "vc",
		Type:    model.SourceVCenter,
		Hosts:   []string{ap.Addr().String()},
		Port:    int(ap.Port()),
		Options: model.SourceOptions{DisableSSL: true},
	}
}

func testAdapter() *vcenter.Adapter {
	return &vcenter.Adapter{Options: webclient.Options{Retries: 1, RetryInterval: time.Millisecond}}
}

var cred = model.Credential{ID: 3, Type: model.SourceVCenter, Username: "admin", Password: "pw"}

func TestConnect(t *testing.T) {
	t.Parallel()
	var loggedOut atomic.Bool
	srv := newServer(t, "pw", &loggedOut)

	var expected int
	var results []model.ConnectResult
	err := testAdapter().Connect(t.Context(), source.ConnectRequest{
		Source:      testSource(t, srv),
		Credentials: []model.Credential{cred},
		Hosts:       []string{"127.0.0.1"},
		Expect: func(n int) error {
			expected = n
			return nil
		},
	}, func(r model.ConnectResult) error {
		results = append(results, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, expected)
	require.Equal(t, []model.ConnectResult{
		{Name: "rhel7", Status: model.HostSuccess, CredentialID: 3},
		{Name: "win", Status: model.HostSuccess, CredentialID: 3},
	}, results)
	require.True(t, loggedOut.Load())
}

func TestConnect_BadPassword(t *testing.T) {
	t.Parallel()
	var loggedOut atomic.Bool
	srv := newServer(t, "other", &loggedOut)

	err := testAdapter().Connect(t.Context(), source.ConnectRequest{
		Source:      testSource(t, srv),
		Credentials: []model.Credential{cred},
	}, func(model.ConnectResult) error { return nil })
	require.Error(t, err)
	require.True(t, source.IsFailure(err))
	require.True(t, webclient.IsAuth(err))
}

func TestInspect(t *testing.T) {
	t.Parallel()
	var loggedOut atomic.Bool
	srv := newServer(t, "pw", &loggedOut)

	got := map[string]source.HostFacts{}
	err := testAdapter().Inspect(t.Context(), source.InspectRequest{
		Source:      testSource(t, srv),
		Credentials: []model.Credential{cred},
	}, func(hf source.HostFacts) error {
		got[hf.Name] = hf
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	rhel := got["rhel7"]
	require.Equal(t, model.HostSuccess, rhel.Status)
	require.Equal(t, "4230b1e2-1111-2222-3333-444455556666", rhel.Facts["vm.uuid"])
	require.Equal(t, "Red Hat Enterprise Linux 7 (64-bit)", rhel.Facts["vm.os"])
	require.Equal(t, []string{"00:50:56:aa:bb:cc"}, rhel.Facts["vm.mac_addresses"])
	require.Equal(t, []string{"10.0.0.7"}, rhel.Facts["vm.ip_addresses"])
	require.Equal(t, "esx1.example.com", rhel.Facts["vm.host.name"])
	require.Equal(t, 2, rhel.Facts["vm.cpu_sockets"])
	require.InDelta(t, 4.0, rhel.Facts["vm.memory_size"], 0.001)

	// guest tools down: the vm is still inspected with the inventory facts
	win := got["win"]
	require.Equal(t, model.HostSuccess, win.Status)
	require.Equal(t, "WINDOWS_9_64", win.Facts["vm.os"])
	require.Equal(t, "", win.Facts["vm.host.name"])
}
