package sentryctl

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newStub(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "tok")
}

func TestGetSendsBearerToken(t *testing.T) {
	var gotAuth string
	client := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(APIResponse{Data: []SessionJSON{}})
	})

	if _, err := ListSessions(client, ""); err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestListSessionsParses(t *testing.T) {
	client := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions" || r.URL.Query().Get("sid") != "gas-01" {
			t.Errorf("unexpected request %s", r.URL)
		}
		json.NewEncoder(w).Encode(APIResponse{
			Data: []SessionJSON{{SessionID: "s1", SensorID: "gas-01", ProtocolVersion: "2.0"}},
			Meta: &APIMeta{Total: 1},
		})
	})

	sessions, err := ListSessions(client, "gas-01")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SensorID != "gas-01" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestGetStatsParses(t *testing.T) {
	client := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(APIResponse{
			Data: DayStatsJSON{Min: 400, Avg: 450, Max: 500, Count: 12},
		})
	})

	stats, err := GetStats(client, "gas-01", "10.0.0.5", "co2")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Max != 500 || stats.Count != 12 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestReloadConfig(t *testing.T) {
	client := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/config/reload" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"config_version": "1700000001"})
	})

	version, err := ReloadConfig(client)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if version != "1700000001" {
		t.Fatalf("version = %q", version)
	}
}

func TestErrorMapping(t *testing.T) {
	client := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(APIError{Error: "unauthorized", Code: "AUTH_REQUIRED"})
	})

	_, err := ListSessions(client, "")
	if err == nil || !strings.Contains(err.Error(), "authentication failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestNotFoundMapping(t *testing.T) {
	client := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(APIError{Error: "no readings today", Code: "NOT_FOUND"})
	})

	_, err := GetStats(client, "gas-01", "10.0.0.5", "co2")
	if err == nil || !strings.Contains(err.Error(), "no readings today") {
		t.Fatalf("err = %v", err)
	}
}
