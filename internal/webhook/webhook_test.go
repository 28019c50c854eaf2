package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db")+"?_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testNotifier returns a Notifier whose client may reach httptest servers on
// loopback.
func testNotifier(t *testing.T, maxAttempts int) (*Notifier, *sql.DB) {
	t.Helper()
	db := testDB(t)
	n, err := NewNotifier(context.Background(), db, Options{MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatal(err)
	}
	n.client = &http.Client{Timeout: 5 * time.Second}
	n.retryDelays = n.retryDelays[:0]
	for i := 1; i < maxAttempts; i++ {
		n.retryDelays = append(n.retryDelays, 10*time.Millisecond)
	}
	return n, db
}

func wait(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Wait(ctx); err != nil {
		t.Fatalf("waiting for deliveries: %v", err)
	}
}

// receiver records requests and answers with the next status in statuses,
// repeating the last one.
type receiver struct {
	mu       sync.Mutex
	statuses []int
	requests []*http.Request
	bodies   [][]byte
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.requests = append(rc.requests, r)
	rc.bodies = append(rc.bodies, body)
	status := http.StatusOK
	if len(rc.statuses) > 0 {
		status = rc.statuses[min(len(rc.requests), len(rc.statuses))-1]
	}
	w.WriteHeader(status)
}

func (rc *receiver) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.requests)
}

func serve(t *testing.T, statuses ...int) (*receiver, string) {
	t.Helper()
	rc := &receiver{statuses: statuses}
	srv := httptest.NewServer(rc)
	t.Cleanup(srv.Close)
	return rc, srv.URL
}

func TestFire_PostsRunOutcome(t *testing.T) {
	rc, url := serve(t)
	n, _ := testNotifier(t, 1)

	n.Fire(context.Background(), EventSuccess, "app.db", Target{URL: url}, map[string]any{"applied": 2, "table": "sqlmigrate_ledger"})
	wait(t, n)

	if rc.count() != 1 {
		t.Fatalf("requests = %d, want 1", rc.count())
	}
	var payload struct {
		Type      string         `json:"type"`
		Timestamp string         `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rc.bodies[0], &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Type != EventSuccess || payload.Timestamp == "" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Data["applied"] != float64(2) || payload.Data["table"] != "sqlmigrate_ledger" {
		t.Errorf("data = %v", payload.Data)
	}

	h := rc.requests[0].Header
	if !strings.HasPrefix(h.Get("webhook-id"), "msg_") {
		t.Errorf("webhook-id = %q, want msg_ prefix", h.Get("webhook-id"))
	}
	if h.Get("webhook-timestamp") == "" {
		t.Error("missing webhook-timestamp")
	}
	if _, ok := h["Webhook-Signature"]; ok {
		t.Error("unsigned delivery carries webhook-signature")
	}
}

func TestFire_Signs(t *testing.T) {
	rc, url := serve(t)
	n, db := testNotifier(t, 1)

	n.Fire(context.Background(), EventFailed, "app.db", Target{URL: url, Secret: "whsec_dGVzdHNlY3JldA=="}, nil)
	wait(t, n)

	if sig := rc.requests[0].Header.Get("webhook-signature"); !strings.HasPrefix(sig, "v1,") {
		t.Errorf("webhook-signature = %q, want v1, prefix", sig)
	}
	var signed bool
	if err := db.QueryRow(`SELECT signed FROM webhook_deliveries`).Scan(&signed); err != nil {
		t.Fatal(err)
	}
	if !signed {
		t.Error("delivery not logged as signed")
	}
}

func TestFire_EventFilter(t *testing.T) {
	tests := []struct {
		name   string
		target func(url string) Target
		event  string
		want   int
	}{
		{"subscribed", func(u string) Target { return Target{URL: u, Events: []string{EventFailed}} }, EventFailed, 1},
		{"not subscribed", func(u string) Target { return Target{URL: u, Events: []string{EventFailed}} }, EventNoop, 0},
		{"all events", func(u string) Target { return Target{URL: u} }, EventNoop, 1},
		{"no url", func(string) Target { return Target{} }, EventFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, url := serve(t)
			n, _ := testNotifier(t, 1)
			n.Fire(context.Background(), tt.event, "app.db", tt.target(url), nil)
			wait(t, n)
			if rc.count() != tt.want {
				t.Errorf("requests = %d, want %d", rc.count(), tt.want)
			}
		})
	}
}

func TestFire_Retries(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		want     int
	}{
		{"until success", []int{500, 502, 200}, 3},
		{"gives up", []int{500}, 4},
		{"not on 406", []int{406}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, url := serve(t, tt.statuses...)
			n, db := testNotifier(t, 4)
			n.Fire(context.Background(), EventFailed, "app.db", Target{URL: url}, nil)
			wait(t, n)

			if rc.count() != tt.want {
				t.Errorf("requests = %d, want %d", rc.count(), tt.want)
			}
			var logged int
			if err := db.QueryRow(`SELECT COUNT(*) FROM webhook_deliveries`).Scan(&logged); err != nil {
				t.Fatal(err)
			}
			if logged != tt.want {
				t.Errorf("logged attempts = %d, want %d", logged, tt.want)
			}
		})
	}
}

func TestFire_StopsRetryingWhenCancelled(t *testing.T) {
	rc, url := serve(t, 500)
	n, _ := testNotifier(t, 3)
	n.retryDelays = []time.Duration{time.Hour, time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	n.Fire(ctx, EventFailed, "app.db", Target{URL: url}, nil)
	time.Sleep(50 * time.Millisecond)
	cancel()
	wait(t, n)

	if rc.count() != 1 {
		t.Errorf("requests = %d, want 1", rc.count())
	}
}

func TestDeliveries_AndResend(t *testing.T) {
	rc, url := serve(t, 503, 204)
	n, _ := testNotifier(t, 1)
	ctx := context.Background()

	n.Fire(ctx, EventFailed, "app.db", Target{URL: url}, nil)
	wait(t, n)

	failed, err := n.Deliveries(ctx, Filter{Status: "failed", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Target != "app.db" || failed[0].URL != url {
		t.Fatalf("failed deliveries = %+v", failed)
	}
	id := failed[0].ID

	status, err := n.Resend(ctx, id, "")
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 {
		t.Errorf("resend status = %d, want 204", status)
	}
	if a, b := rc.requests[0].Header.Get("webhook-id"), rc.requests[1].Header.Get("webhook-id"); a == b {
		t.Errorf("resend reused webhook-id %q", a)
	}
	if string(rc.bodies[0]) != string(rc.bodies[1]) {
		t.Errorf("resent payload differs:\n%s\n%s", rc.bodies[0], rc.bodies[1])
	}

	attempts, err := n.Attempts(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 || attempts[0].Status != 503 || attempts[1].Number != 2 || attempts[1].Status != 204 {
		t.Fatalf("attempts = %+v", attempts)
	}

	succeeded, err := n.Deliveries(ctx, Filter{Event: EventFailed, Status: "succeeded", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(succeeded) != 1 || succeeded[0].Attempts != 2 {
		t.Fatalf("succeeded = %+v, want the resent delivery", succeeded)
	}
	if none, _ := n.Deliveries(ctx, Filter{Event: EventNoop, Limit: 10}); len(none) != 0 {
		t.Errorf("noop deliveries = %+v, want none", none)
	}
}

func TestDeliveries_UnknownStatus(t *testing.T) {
	n, _ := testNotifier(t, 1)
	if _, err := n.Deliveries(context.Background(), Filter{Status: "pending", Limit: 1}); err == nil {
		t.Fatal("expected error")
	}
}

func TestResend_UnknownID(t *testing.T) {
	n, _ := testNotifier(t, 1)
	if _, err := n.Resend(context.Background(), "msg_missing", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewClient_PrivateAddresses(t *testing.T) {
	_, url := serve(t)

	for _, allow := range []bool{false, true} {
		db := testDB(t)
		n, err := NewNotifier(context.Background(), db, Options{MaxAttempts: 1, AllowPrivate: allow})
		if err != nil {
			t.Fatal(err)
		}
		n.Fire(context.Background(), EventSuccess, "app.db", Target{URL: url}, nil)
		wait(t, n)

		var (
			status  int
			errText string
		)
		if err := db.QueryRow(`SELECT status, error FROM webhook_deliveries`).Scan(&status, &errText); err != nil {
			t.Fatal(err)
		}
		if allow && status != 200 {
			t.Errorf("allow_private: status = %d, error = %q", status, errText)
		}
		if !allow && !strings.Contains(errText, "private address") {
			t.Errorf("error = %q, want private address refusal", errText)
		}
	}
}

func TestPrivate(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1":       true,
		"10.1.2.3":        true,
		"172.20.0.1":      true,
		"192.168.1.1":     true,
		"169.254.169.254": true,
		"0.0.0.0":         true,
		"0.1.2.3":         true,
		"::1":             true,
		"fe80::1":         true,
		"fd00::1":         true,
		"::ffff:10.0.0.1": true,
		"93.184.216.34":   false,
		"2606:4700::1111": false,
	}
	for addr, want := range tests {
		if got := private(netip.MustParseAddr(addr)); got != want {
			t.Errorf("private(%s) = %v, want %v", addr, got, want)
		}
	}
}

func TestNewNotifier_MigratesDeliveryLog(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := NewNotifier(ctx, db, Options{}); err != nil {
			t.Fatalf("NewNotifier #%d: %v", i+1, err)
		}
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + LedgerTable).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(migrations) {
		t.Errorf("ledger rows = %d, want %d", n, len(migrations))
	}
}

func TestRetrySchedule(t *testing.T) {
	for attempts, want := range map[int]int{-1: 0, 0: 0, 1: 0, 3: 2, 8: 7} {
		if got := retrySchedule(attempts); len(got) != want {
			t.Errorf("retrySchedule(%d) has %d delays, want %d", attempts, len(got), want)
		}
	}
	if d := retrySchedule(8); d[6] != time.Minute {
		t.Errorf("delay past the base schedule = %v, want %v", d[6], time.Minute)
	}
}
