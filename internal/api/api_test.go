package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lnmt-project/lnmt/internal/auth"
	"github.com/lnmt-project/lnmt/internal/domain"
	"github.com/lnmt-project/lnmt/internal/infra/scheduler"
	"github.com/lnmt-project/lnmt/internal/infra/sqlite"
	"github.com/lnmt-project/lnmt/internal/tracker"
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.Engine) {
	t.Helper()

	db, err := sqlite.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	reg := scheduler.NewFuncRegistry()
	reg.Register("noop", func(ctx context.Context, args []any, kwargs map[string]any) error { return nil })

	sched := scheduler.New(db, reg, scheduler.DefaultConfig())
	tr := tracker.New(db, db, nil, nil, nil, tracker.Config{LeaseFile: "/nonexistent"})
	engine := auth.NewEngine(db, db, auth.DefaultConfig())

	srv := NewServer(sched, tr, db, engine)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, engine
}

func login(t *testing.T, ts *httptest.Server, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"username": username, "password": password})
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var env struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.Data.Token == "" {
		t.Fatal("login returned empty token")
	}
	return env.Data.Token
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return env.Error.Code
}

func TestLoginAndBearerAuth(t *testing.T) {
	ts, engine := newTestServer(t)
	ctx := context.Background()
	if _, err := engine.CreateUser(ctx, "alice", "s3cret-pass", "alice@example.com", domain.RoleAdmin); err != nil {
		t.Fatal(err)
	}

	// Unauthenticated requests are rejected with the stable code.
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/scheduler/jobs", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "unauthenticated" {
		t.Errorf("code = %q, want unauthenticated", code)
	}

	// Wrong password is a 401 too.
	body, _ := json.Marshal(map[string]any{"username": "alice", "password": "wrong"})
	wrong, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if wrong.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-password status = %d, want 401", wrong.StatusCode)
	}
	wrong.Body.Close()

	token := login(t, ts, "alice", "s3cret-pass")
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/scheduler/jobs", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestJobCRUDOverAPI(t *testing.T) {
	ts, engine := newTestServer(t)
	ctx := context.Background()
	if _, err := engine.CreateUser(ctx, "op", "op-password-1", "", domain.RoleOperator); err != nil {
		t.Fatal(err)
	}
	token := login(t, ts, "op", "op-password-1")

	job := map[string]any{
		"id":        "nightly-report",
		"name":      "Nightly report",
		"target":    "noop",
		"schedule":  "0 2 * * *",
		"timeout_s": 60,
		"enabled":   true,
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/scheduler/jobs", token, job)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	// Duplicate registration is a conflict.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/scheduler/jobs", token, job)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "conflict" {
		t.Errorf("code = %q, want conflict", code)
	}

	// Invalid cron is a bad request.
	badJob := map[string]any{
		"id": "bad", "target": "noop", "schedule": "not a cron", "timeout_s": 60,
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/scheduler/jobs", token, badJob)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cron status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// Run of an unknown job is a 404.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/scheduler/jobs/no-such/run", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/scheduler/jobs", token, nil)
	defer resp.Body.Close()
	var env struct {
		Data []jobView `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if len(env.Data) != 1 || env.Data[0].ID != "nightly-report" {
		t.Fatalf("unexpected job list: %+v", env.Data)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	ts, engine := newTestServer(t)
	ctx := context.Background()
	if _, err := engine.CreateUser(ctx, "viewer", "viewer-pass-1", "", domain.RoleViewer); err != nil {
		t.Fatal(err)
	}
	token := login(t, ts, "viewer", "viewer-pass-1")

	job := map[string]any{"id": "x", "target": "noop", "schedule": "* * * * *", "timeout_s": 10}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/scheduler/jobs", token, job)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer create status = %d, want 403", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "forbidden" {
		t.Errorf("code = %q, want forbidden", code)
	}

	// Read-side endpoints stay open to viewers.
	for _, path := range []string{"/api/v1/devices", "/api/v1/devices/alerts", "/api/v1/health"} {
		resp := doJSON(t, http.MethodGet, ts.URL+path, token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestRefreshRevokesOldToken(t *testing.T) {
	ts, engine := newTestServer(t)
	ctx := context.Background()
	if _, err := engine.CreateUser(ctx, "bob", "bob-password-1", "", domain.RoleOperator); err != nil {
		t.Fatal(err)
	}
	token := login(t, ts, "bob", "bob-password-1")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/auth/refresh", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", resp.StatusCode)
	}
	var env struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	fresh := env.Data.Token

	// Old token is revoked, new one works.
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/scheduler/jobs", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old token status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/scheduler/jobs", fresh, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fresh token status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestReservationOverAPI(t *testing.T) {
	ts, engine := newTestServer(t)
	ctx := context.Background()
	if _, err := engine.CreateUser(ctx, "op2", "op2-password-1", "", domain.RoleOperator); err != nil {
		t.Fatal(err)
	}
	token := login(t, ts, "op2", "op2-password-1")

	body := map[string]any{"host_id": "livingroom-tv", "hostname": "tv", "vlan_id": 10}
	resp := doJSON(t, http.MethodPut, ts.URL+"/api/v1/devices/aa:bb:cc:dd:ee:01/reservation", token, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set reservation status = %d, want 200", resp.StatusCode)
	}
	var env struct {
		Data struct {
			MAC      string `json:"mac"`
			Hostname string `json:"hostname"`
			VlanID   int    `json:"vlan_id"`
			Reserved bool   `json:"reserved"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !env.Data.Reserved || env.Data.Hostname != "tv" || env.Data.VlanID != 10 {
		t.Fatalf("unexpected reserved device: %+v", env.Data)
	}

	// Bad MAC is rejected with not_found.
	resp = doJSON(t, http.MethodPut, ts.URL+"/api/v1/devices/not-a-mac/reservation", token, body)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("bad mac status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/devices/aa:bb:cc:dd:ee:01/reservation", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear reservation status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestVlanThresholdOverAPI(t *testing.T) {
	ts, engine := newTestServer(t)
	ctx := context.Background()
	if _, err := engine.CreateUser(ctx, "op3", "op3-password-1", "", domain.RoleOperator); err != nil {
		t.Fatal(err)
	}
	token := login(t, ts, "op3", "op3-password-1")

	body := map[string]any{"threshold_kbps": 5000, "time_window_secs": 600, "session_limit_secs": 3600}
	resp := doJSON(t, http.MethodPut, ts.URL+"/api/v1/vlans/thresholds/10", token, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set threshold status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// Zero fields violate the all-fields-positive invariant.
	bad := map[string]any{"threshold_kbps": 0, "time_window_secs": 600, "session_limit_secs": 3600}
	resp = doJSON(t, http.MethodPut, ts.URL+"/api/v1/vlans/thresholds/10", token, bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid threshold status = %d, want 400", resp.StatusCode)
	}
	if code := errCode(t, resp); code != "bad_request" {
		t.Errorf("code = %q, want bad_request", code)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/vlans/thresholds", token, nil)
	defer resp.Body.Close()
	var env struct {
		Data []struct {
			VlanID        int   `json:"vlan_id"`
			ThresholdKbps int64 `json:"threshold_kbps"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if len(env.Data) != 1 || env.Data[0].VlanID != 10 || env.Data[0].ThresholdKbps != 5000 {
		t.Fatalf("unexpected thresholds: %+v", env.Data)
	}
}

func TestHistoryLimitValidation(t *testing.T) {
	ts, engine := newTestServer(t)
	ctx := context.Background()
	if _, err := engine.CreateUser(ctx, "eve", "eve-password-1", "", domain.RoleViewer); err != nil {
		t.Fatal(err)
	}
	token := login(t, ts, "eve", "eve-password-1")

	resp := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/scheduler/history?limit=%s", ts.URL, "bogus"), token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus limit status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}
