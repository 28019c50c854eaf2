package httplog

import (
	"log/slog"
	"net/http"
	"time"
)

type loggingTransport struct {
	next  http.RoundTripper
	attrs []slog.Attr
}

// Transport returns an http.RoundTripper that logs each outgoing request with
// method, host, path, status code, and duration. Extra slog attributes are
// prepended to every log line. A nil next uses http.DefaultTransport.
func Transport(next http.RoundTripper, attrs ...slog.Attr) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingTransport{next: next, attrs: attrs}
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(r)
	args := make([]any, 0, len(t.attrs)+6)
	for _, a := range t.attrs {
		args = append(args, a)
	}
	args = append(args, "method", r.Method, "host", r.URL.Host, "path", r.URL.Path, "duration", time.Since(start))
	if err != nil {
		slog.Warn("outgoing request failed", append(args, "err", err)...)
		return nil, err
	}
	slog.Debug("outgoing request", append(args, "status", resp.StatusCode)...)
	return resp, nil
}
