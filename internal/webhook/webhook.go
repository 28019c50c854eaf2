// Package webhook posts the outcome of migration runs to an HTTP endpoint,
// signed with the Standard Webhooks scheme, and logs every delivery attempt
// in the state database.
package webhook

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"

	"sqlmigrate/internal/httplog"
	"sqlmigrate/migrate"
)

// Run outcome events.
const (
	EventSuccess = "migrate.success"
	EventNoop    = "migrate.noop"
	EventFailed  = "migrate.failed"
)

// Target is a webhook endpoint and the events it subscribes to.
type Target struct {
	URL    string
	Secret string
	// Events filters which events are sent. Empty means all.
	Events []string
}

// Wants reports whether t subscribes to event.
func (t Target) Wants(event string) bool {
	if t.URL == "" {
		return false
	}
	if len(t.Events) == 0 {
		return true
	}
	for _, ev := range t.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// Options configures a Notifier.
type Options struct {
	// MaxAttempts is the number of delivery attempts per notification.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// AllowPrivate permits delivery to loopback and private addresses.
	AllowPrivate bool
}

// Notifier delivers run notifications in the background.
type Notifier struct {
	db          *sql.DB
	client      *http.Client
	retryDelays []time.Duration
	sem         chan struct{}
	wg          sync.WaitGroup
}

// LedgerTable is the ledger that tracks the delivery log schema.
const LedgerTable = "webhook_ledger"

var migrations = []migrate.Migration{
	migrate.SQL(`CREATE TABLE webhook_deliveries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		webhook_id  TEXT NOT NULL,
		event       TEXT NOT NULL,
		target      TEXT NOT NULL,
		url         TEXT NOT NULL,
		payload     TEXT NOT NULL,
		attempt     INTEGER NOT NULL,
		status      INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		signed      INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`),
	migrate.SQL(`CREATE INDEX idx_webhook_deliveries_webhook_id ON webhook_deliveries(webhook_id, attempt)`),
}

// NewNotifier migrates the delivery log in db, a SQLite database, and
// returns a Notifier writing to it.
func NewNotifier(ctx context.Context, db *sql.DB, opts Options) (*Notifier, error) {
	m, err := migrate.New(db, migrate.WithTable(LedgerTable))
	if err != nil {
		return nil, err
	}
	if _, err := m.Migrate(ctx, migrations); err != nil {
		return nil, fmt.Errorf("webhook: migrating delivery log: %w", err)
	}
	return &Notifier{
		db:          db,
		client:      newClient(opts.AllowPrivate),
		retryDelays: retrySchedule(opts.MaxAttempts),
		sem:         make(chan struct{}, 4),
	}, nil
}

var baseDelays = []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second, time.Minute}

// retrySchedule returns the waits between maxAttempts attempts. Attempts
// past the base schedule wait as long as the last one.
func retrySchedule(maxAttempts int) []time.Duration {
	var delays []time.Duration
	for i := 0; i < maxAttempts-1; i++ {
		delays = append(delays, baseDelays[min(i, len(baseDelays)-1)])
	}
	return delays
}

// message is one notification as it goes over the wire.
type message struct {
	id     string
	event  string
	target string
	url    string
	secret string
	body   []byte
}

// attempt is the outcome of posting a message once.
type attempt struct {
	status   int
	duration time.Duration
	err      error
}

func (a attempt) ok() bool { return a.err == nil && a.status >= 200 && a.status < 300 }

// Fire sends event for the database named target in the background, unless
// t does not subscribe to it. Retries stop when ctx is done. Call Wait
// before exiting.
func (n *Notifier) Fire(ctx context.Context, event, target string, t Target, data map[string]any) {
	if !t.Wants(event) {
		return
	}
	body, err := json.Marshal(map[string]any{
		"type":      event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		slog.Error("webhook: encoding payload", "event", event, "err", err)
		return
	}
	msg := message{
		id:     "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		event:  event,
		target: target,
		url:    t.URL,
		secret: t.Secret,
		body:   body,
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ctx, msg)
	}()
}

// Wait blocks until every fired notification has finished its attempts or
// ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) deliver(ctx context.Context, msg message) {
	for i := 0; ; i++ {
		n.sem <- struct{}{}
		a := n.post(ctx, msg.id, msg)
		<-n.sem
		n.record(ctx, msg, i+1, a)

		// 406 means the receiver rejects the payload itself.
		if a.ok() || (a.err == nil && a.status == http.StatusNotAcceptable) {
			return
		}
		if i >= len(n.retryDelays) {
			slog.Warn("webhook: giving up", "webhook_id", msg.id, "event", msg.event, "attempts", i+1)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.retryDelays[i]):
		}
	}
}

// post sends msg once under the webhook-id header id.
func (n *Notifier) post(ctx context.Context, id string, msg message) attempt {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.url, bytes.NewReader(msg.body))
	if err != nil {
		return attempt{err: err}
	}
	ts := time.Now().UTC()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", strconv.FormatInt(ts.Unix(), 10))
	if msg.secret != "" {
		wh, err := standardwebhooks.NewWebhook(strings.TrimPrefix(msg.secret, "whsec_"))
		if err != nil {
			return attempt{err: fmt.Errorf("webhook secret: %w", err)}
		}
		sig, err := wh.Sign(id, ts, msg.body)
		if err != nil {
			return attempt{err: fmt.Errorf("signing: %w", err)}
		}
		req.Header.Set("webhook-signature", sig)
	}

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		return attempt{duration: time.Since(start), err: err}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return attempt{status: resp.StatusCode, duration: time.Since(start)}
}

func (n *Notifier) record(ctx context.Context, msg message, number int, a attempt) {
	errText := ""
	if a.err != nil {
		errText = a.err.Error()
	}
	_, err := n.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO webhook_deliveries (webhook_id, event, target, url, payload, attempt, status, error, created_at, signed, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.id, msg.event, msg.target, msg.url, string(msg.body), number, a.status, errText,
		time.Now().UTC().Format(time.RFC3339), msg.secret != "", a.duration.Milliseconds(),
	)
	if err != nil {
		slog.Warn("webhook: logging delivery", "webhook_id", msg.id, "err", err)
	}
}

// Delivery summarizes every logged attempt of one notification.
type Delivery struct {
	ID           string `json:"id"`
	Event        string `json:"event"`
	Target       string `json:"target"`
	URL          string `json:"url"`
	Attempts     int    `json:"attempts"`
	Succeeded    bool   `json:"succeeded"`
	Signed       bool   `json:"signed"`
	FirstAttempt string `json:"first_attempt"`
	LastAttempt  string `json:"last_attempt"`
}

// Attempt is one logged delivery attempt.
type Attempt struct {
	Number     int    `json:"attempt"`
	Status     int    `json:"status"`
	Error      string `json:"error"`
	CreatedAt  string `json:"created_at"`
	DurationMs int64  `json:"duration_ms"`
}

// Filter narrows Deliveries.
type Filter struct {
	Event string
	// Status is "succeeded", "failed" or empty for both.
	Status string
	Limit  int
}

// Deliveries lists logged notifications, newest first.
func (n *Notifier) Deliveries(ctx context.Context, f Filter) ([]Delivery, error) {
	var (
		where, having string
		args          []any
	)
	if f.Event != "" {
		where = "WHERE event = ?"
		args = append(args, f.Event)
	}
	switch f.Status {
	case "succeeded":
		having = "HAVING succeeded = 1"
	case "failed":
		having = "HAVING succeeded = 0"
	case "":
	default:
		return nil, fmt.Errorf("webhook: unknown delivery status %q", f.Status)
	}

	rows, err := n.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT webhook_id, event, target, url,
			MAX(attempt),
			MAX(CASE WHEN status BETWEEN 200 AND 299 THEN 1 ELSE 0 END) AS succeeded,
			MAX(signed),
			MIN(created_at) AS first_attempt,
			MAX(created_at)
		FROM webhook_deliveries %s
		GROUP BY webhook_id %s
		ORDER BY first_attempt DESC, MIN(id) DESC
		LIMIT ?`, where, having), append(args, f.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("webhook: listing deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.Event, &d.Target, &d.URL, &d.Attempts, &d.Succeeded, &d.Signed, &d.FirstAttempt, &d.LastAttempt); err != nil {
			return nil, fmt.Errorf("webhook: scanning delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Attempts returns the logged attempts of delivery id in order.
func (n *Notifier) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	rows, err := n.db.QueryContext(ctx,
		`SELECT attempt, status, error, created_at, duration_ms
		 FROM webhook_deliveries WHERE webhook_id = ? ORDER BY attempt`, id)
	if err != nil {
		return nil, fmt.Errorf("webhook: reading attempts of %s: %w", id, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.Number, &a.Status, &a.Error, &a.CreatedAt, &a.DurationMs); err != nil {
			return nil, fmt.Errorf("webhook: scanning attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Resend posts the logged payload of delivery id once more, signed with
// secret, and logs it as the delivery's next attempt. The request carries a
// fresh webhook-id so receivers that deduplicate do not drop it.
func (n *Notifier) Resend(ctx context.Context, id, secret string) (int, error) {
	msg := message{id: id, secret: secret}
	var (
		body string
		last int
	)
	err := n.db.QueryRowContext(ctx,
		`SELECT event, target, url, payload,
			(SELECT MAX(attempt) FROM webhook_deliveries WHERE webhook_id = ?)
		 FROM webhook_deliveries WHERE webhook_id = ? ORDER BY attempt LIMIT 1`, id, id,
	).Scan(&msg.event, &msg.target, &msg.url, &body, &last)
	if err != nil {
		return 0, fmt.Errorf("webhook: looking up delivery %s: %w", id, err)
	}
	msg.body = []byte(body)

	a := n.post(ctx, "msg_"+strings.ReplaceAll(uuid.NewString(), "-", ""), msg)
	n.record(ctx, msg, last+1, a)
	if a.err != nil {
		return 0, a.err
	}
	return a.status, nil
}

func newClient(allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	if !allowPrivate {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			ap, err := netip.ParseAddrPort(address)
			if err != nil {
				return err
			}
			if private(ap.Addr()) {
				return fmt.Errorf("webhook: refusing to connect to private address %s", ap.Addr())
			}
			return nil
		}
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: httplog.Transport(&http.Transport{DialContext: dialer.DialContext}),
	}
}

var thisNetwork = netip.MustParsePrefix("0.0.0.0/8")

// private reports whether addr is loopback, private, link-local or
// unspecified.
func private(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() || thisNetwork.Contains(addr)
}
