package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"zher/internal/core"
	"zher/internal/discovery"
	"zher/internal/relay"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	state := core.NewState()
	return New(state, relay.NewEngine(state), discovery.NewResponder(), nil)
}

func TestHealthReportsOK(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field = %q", body.Status)
	}
}

func TestStaticServesIndexWithTauriMockInjected(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	html := buf.String()
	if !strings.Contains(html, "__TAURI__") {
		t.Fatalf("expected injected tauri mock script, got: %s", html)
	}
	if !strings.Contains(html, "<div id=\"root\">") {
		t.Fatalf("expected original markup to survive injection, got: %s", html)
	}
}

func TestStaticFallsBackToIndexForUnknownRoute(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/some/client/side/route")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDiscoveryToggleFlipsState(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/discovery", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var first discoveryResponse
	json.NewDecoder(resp.Body).Decode(&first)

	resp2, err := http.Post(ts.URL+"/api/discovery", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	var second discoveryResponse
	json.NewDecoder(resp2.Body).Decode(&second)

	if first.Enabled == second.Enabled {
		t.Fatalf("expected toggle to flip state, got %v then %v", first.Enabled, second.Enabled)
	}
}

func TestRoomCodeSetAndFetch(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	body, _ := json.Marshal(setRoomCodeRequest{Code: "482913"})
	resp, err := http.Post(ts.URL+"/api/roomcode", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/roomcode")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	var got roomCodeResponse
	json.NewDecoder(getResp.Body).Decode(&got)
	if got.Code != "482913" {
		t.Fatalf("code = %q", got.Code)
	}
}

func TestRoomCodeRejectsNonSixDigit(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	body, _ := json.Marshal(setRoomCodeRequest{Code: "abc"})
	resp, err := http.Post(ts.URL+"/api/roomcode", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRoomCodeToggleEnabled(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	body, _ := json.Marshal(toggleRequest{Enabled: true})
	resp, err := http.Post(ts.URL+"/api/roomcode/toggle", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var got roomCodeResponse
	json.NewDecoder(resp.Body).Decode(&got)
	if !got.Enabled {
		t.Fatalf("expected enabled = true")
	}
}

func TestIsSixDigits(t *testing.T) {
	cases := map[string]bool{
		"123456": true,
		"12345":  false,
		"1234567": false,
		"12345a": false,
		"":       false,
	}
	for in, want := range cases {
		if got := isSixDigits(in); got != want {
			t.Errorf("isSixDigits(%q) = %v, want %v", in, got, want)
		}
	}
}
