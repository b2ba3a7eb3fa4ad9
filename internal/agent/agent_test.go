package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shipmate-io/shipmate/internal/logs"
	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/supervisor"
)

const sampleUnitFile = `
units:
  - name: app
    exec: /srv/app/venv/bin/gunicorn
    args: ["-b", "127.0.0.1:5000", "app:app"]
    workdir: /srv/app
    env_file: /srv/app/.env
    restart: always
    backoff_interval: 2s
    detection_window: 1s
    enabled: true
  - name: sidecar
    exec: /usr/local/bin/sidecar
    restart: on-failure
`

func TestParseUnitFile(t *testing.T) {
	units, enabled, err := ParseUnitFile([]byte(sampleUnitFile))
	if err != nil {
		t.Fatalf("ParseUnitFile: %v", err)
	}

	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}

	app := units[0]
	if app.Name != "app" || app.ExecPath != "/srv/app/venv/bin/gunicorn" {
		t.Errorf("unexpected unit: %+v", app)
	}
	if len(app.Args) != 3 {
		t.Errorf("args = %v", app.Args)
	}
	if app.Restart != models.RestartAlways {
		t.Errorf("restart = %s", app.Restart)
	}
	if app.BackoffInterval != 2*time.Second || app.DetectionWindow != time.Second {
		t.Errorf("durations = %v / %v", app.BackoffInterval, app.DetectionWindow)
	}

	if units[1].Restart != models.RestartOnFailure {
		t.Errorf("sidecar restart = %s", units[1].Restart)
	}

	if len(enabled) != 1 || enabled[0] != "app" {
		t.Errorf("enabled = %v", enabled)
	}
}

func TestParseUnitFileErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "units: []", "no units"},
		{"bad name", "units:\n  - name: \"Bad_Name\"\n    exec: /bin/true", "name"},
		{"missing exec", "units:\n  - name: app", "exec is required"},
		{"duplicate", "units:\n  - name: app\n    exec: /bin/true\n  - name: app\n    exec: /bin/true", "duplicate"},
		{"bad restart", "units:\n  - name: app\n    exec: /bin/true\n    restart: sometimes", "restart policy"},
		{"bad duration", "units:\n  - name: app\n    exec: /bin/true\n    backoff_interval: fast", "backoff_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseUnitFile([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *Manager, *logs.Broker) {
	t.Helper()
	broker := logs.NewBroker(nil)
	manager := NewManager(broker, 100, nil)

	unit := models.ServiceUnit{
		Name:            "app",
		ExecPath:        "/bin/sh",
		Args:            []string{"-c", "sleep 30"},
		Restart:         models.RestartAlways,
		BackoffInterval: 100 * time.Millisecond,
		DetectionWindow: 30 * time.Millisecond,
	}
	manager.units[unit.Name] = supervisor.New(unit, broker, 100, nil)
	t.Cleanup(manager.StopAll)

	srv := NewServer(manager, broker, nil, "/tmp/unused.sock", nil)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, manager, broker
}

func getStatus(t *testing.T, ts *httptest.Server, unit string) *models.UnitStatus {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/units/" + unit)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status query returned %d", resp.StatusCode)
	}
	var status models.UnitStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	return &status
}

func TestServerUnitLifecycle(t *testing.T) {
	ts, _, _ := newTestServer(t)

	if st := getStatus(t, ts, "app"); st.State != models.UnitStateStopped {
		t.Fatalf("initial state = %s", st.State)
	}

	resp, err := http.Post(ts.URL+"/v1/units/app/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start returned %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if getStatus(t, ts, "app").State == models.UnitStateRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := getStatus(t, ts, "app"); st.State != models.UnitStateRunning {
		t.Fatalf("unit never reached running, state=%s", st.State)
	}

	// Starting a started unit conflicts.
	resp, err = http.Post(ts.URL+"/v1/units/app/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double start returned %d, want 409", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/v1/units/app/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop returned %d", resp.StatusCode)
	}
	if st := getStatus(t, ts, "app"); st.State != models.UnitStateStopped {
		t.Errorf("state after stop = %s", st.State)
	}
}

func TestServerUnknownUnit(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/units/ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown unit returned %d, want 404", resp.StatusCode)
	}
}

func TestServerLogTail(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/units/app/logs?n=10")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("log tail returned %d", resp.StatusCode)
	}

	var body struct {
		Lines []string `json:"lines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(ts.URL + "/v1/units/app/logs?n=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad n returned %d, want 400", resp.StatusCode)
	}
}

func TestServerLogFollow(t *testing.T) {
	ts, _, broker := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/units/app/logs?follow=true"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscription.
	time.Sleep(50 * time.Millisecond)

	broker.Publish(&models.LogEntry{
		UnitName:  "app",
		Source:    models.LogSourceProcess,
		Line:      "streamed-line",
		Timestamp: time.Now().UTC(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var entry models.LogEntry
	if err := conn.ReadJSON(&entry); err != nil {
		t.Fatalf("reading streamed entry: %v", err)
	}
	if entry.Line != "streamed-line" {
		t.Errorf("line = %q", entry.Line)
	}
}
