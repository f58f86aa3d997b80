// Package relay forwards HTTP requests to backend desktop containers.
//
// Freshly created backends pass through a startup window in which their
// listening socket accepts TCP but resets the connection before producing
// any HTTP response. That signature is retried with bounded exponential
// backoff. An ordinary 5xx means the backend is up and answering and passes
// through unmodified; connection refused means nothing listens on the port
// and fails immediately.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/metrics"
	"github.com/juliankiedaisch/deskgate/types"
)

// hopByHopHeaders are never forwarded to the backend (canonical form).
var hopByHopHeaders = map[string]struct{}{
	"Host":                {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// excludedResponseHeaders are dropped from backend responses; the server
// recomputes framing itself. Content-Encoding stays so compressed bodies
// remain intact end to end.
var excludedResponseHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Connection":        {},
}

// Relay is a reverse relay toward per-instance backend ports.
type Relay struct {
	hc          *http.Client
	scheme      string
	host        string
	attempts    int
	baseBackoff time.Duration
	capBackoff  time.Duration
	authHeader  string
}

// New builds a Relay from config. Backend TLS verification follows
// VerifyBackendTLS; instances ship self-signed certificates, so loopback
// deployments run with verification off.
func New(conf *config.Config) *Relay {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: conf.ConnectTimeout(),
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !conf.VerifyBackendTLS, //nolint:gosec
		},
		TLSHandshakeTimeout: conf.ConnectTimeout(),
	}

	var auth string
	if conf.VNCUser != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString(
			[]byte(conf.VNCUser+":"+conf.VNCPassword))
	}

	return &Relay{
		// No client-level timeout: responses may stream for a long time.
		// Cancellation rides on the request context.
		hc:          &http.Client{Transport: transport},
		scheme:      conf.BackendScheme,
		host:        conf.BackendHost,
		attempts:    conf.RelayAttempts,
		baseBackoff: conf.RelayBaseBackoff(),
		capBackoff:  conf.RelayBackoffCap(),
		authHeader:  auth,
	}
}

// Serve forwards the request to inst's backend port under backendPath and
// streams the response back. A non-nil error means no response bytes were
// written, so the caller may still emit an HTTP error: ErrBackendUnavailable
// once the startup retry budget is spent, the transport error otherwise.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, inst *types.Instance, backendPath string) error {
	ctx := r.Context()
	logger := log.WithFunc("relay.Serve")

	target := rl.targetURL(inst.HostPort, backendPath, r.URL.RawQuery)

	var body []byte
	if r.Body != nil {
		var err error
		if body, err = io.ReadAll(r.Body); err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= rl.attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build backend request: %w", err)
		}
		rl.copyRequestHeaders(r.Header, req.Header)

		resp, err := rl.hc.Do(req)
		if err == nil {
			metrics.RecordRelayAttempt("ok")
			rl.writeResponse(ctx, w, resp)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("relay %s: %w", inst.ProxyPath, ctx.Err())
		}
		if !isStartupSignature(err) {
			metrics.RecordRelayAttempt("failed")
			return fmt.Errorf("relay %s: %w", inst.ProxyPath, err)
		}
		metrics.RecordRelayAttempt("startup_retry")
		if attempt == rl.attempts {
			break
		}

		backoff := rl.backoff(attempt)
		logger.Debugf(ctx, "backend %s not ready (attempt %d/%d), retrying in %s",
			inst.ContainerName, attempt, rl.attempts, backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("relay %s: %w", inst.ProxyPath, ctx.Err())
		case <-time.After(backoff):
		}
	}

	metrics.RecordRelayAttempt("unavailable")
	return fmt.Errorf("relay %s after %d attempts: %v: %w",
		inst.ProxyPath, rl.attempts, lastErr, types.ErrBackendUnavailable)
}

func (rl *Relay) targetURL(port int, path, rawQuery string) string {
	u := rl.scheme + "://" + net.JoinHostPort(rl.host, strconv.Itoa(port)) + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func (rl *Relay) copyRequestHeaders(src, dst http.Header) {
	for k, vv := range src {
		if _, skip := hopByHopHeaders[k]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	if rl.authHeader != "" {
		dst.Set("Authorization", rl.authHeader)
	}
}

func (rl *Relay) writeResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close() //nolint:errcheck

	header := w.Header()
	for k, vv := range resp.Header {
		if _, skip := excludedResponseHeaders[k]; skip {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already out; the client most likely went away.
		log.WithFunc("relay.writeResponse").Debugf(ctx, "stream response: %v", err)
	}
}

func (rl *Relay) backoff(attempt int) time.Duration {
	d := rl.baseBackoff << (attempt - 1)
	if d > rl.capBackoff {
		d = rl.capBackoff
	}
	return d
}

// isStartupSignature reports the reset-after-accept failure of a backend
// still starting up. Connection refused is excluded: nothing is listening,
// so waiting cannot help.
func isStartupSignature(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// EPIPE covers a reset that lands while the request is still being
	// written; it is the same backend state seen from the write side.
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
