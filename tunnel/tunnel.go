// Package tunnel relays WebSocket connections to backend desktop containers
// at the byte level.
//
// The connection walks WAIT_UPGRADE → CONNECTING_BACKEND →
// BACKEND_HANDSHAKE → RELAYING → CLOSED. Resolution and handshake
// validation happen pre-upgrade, where plain HTTP errors are still legal.
// Once the client's 101 is on the wire the connection is hijacked and every
// later failure is expressed as a WebSocket close frame; no code path from
// that point can produce an HTTP status line.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/metrics"
	"github.com/juliankiedaisch/deskgate/types"
)

// ErrMalformedUpgrade marks a request that is not a valid WebSocket
// handshake. Returned pre-upgrade only, so callers answer with HTTP 400.
var ErrMalformedUpgrade = errors.New("malformed websocket upgrade")

const (
	closeNormal        = 1000 // clean shutdown propagated from either side
	closeProtocolError = 1002 // backend refused the upgrade
	closeMessageTooBig = 1009 // backend handshake exceeded the size bound
	closeInternalError = 1011 // backend unreachable or stream failure

	// maxHandshakeBytes bounds the backend handshake response read.
	maxHandshakeBytes = 8 << 10
	// drainGrace bounds how long the second pump may keep flushing after
	// the first direction finished cleanly.
	drainGrace = 10 * time.Second
)

// closeFrame is the only failure value post-upgrade code can produce.
type closeFrame struct {
	code   int
	reason string
}

type pumpResult struct {
	toBackend bool
	err       error
}

// Tunnel relays upgraded connections to per-instance backend ports.
type Tunnel struct {
	host           string
	useTLS         bool
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	authHeader     string
}

// New builds a Tunnel from config, sharing the relay's backend addressing
// and credential injection rules.
func New(conf *config.Config) *Tunnel {
	var auth string
	if conf.VNCUser != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString(
			[]byte(conf.VNCUser+":"+conf.VNCPassword))
	}
	return &Tunnel{
		host:   conf.BackendHost,
		useTLS: conf.BackendScheme == "https",
		tlsConfig: &tls.Config{
			InsecureSkipVerify: !conf.VerifyBackendTLS, //nolint:gosec
		},
		connectTimeout: conf.ConnectTimeout(),
		authHeader:     auth,
	}
}

// Serve upgrades the client connection and relays it to inst's backend.
// A non-nil error means the client side was never upgraded and an HTTP
// error response is still valid. After the upgrade Serve always returns
// nil; failures surface to the client as close frames.
func (tn *Tunnel) Serve(w http.ResponseWriter, r *http.Request, inst *types.Instance, backendPath string) error {
	if err := validateUpgrade(r); err != nil {
		return err
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return errors.New("response writer does not support hijacking")
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		return fmt.Errorf("hijack client connection: %w", err)
	}
	defer clientConn.Close() //nolint:errcheck

	// WAIT_UPGRADE ends here: the 101 goes out and HTTP is over for this
	// connection.
	if _, err := clientBuf.Write(clientUpgradeResponse(r)); err != nil {
		return nil //nolint:nilerr // client is gone, nothing left to answer
	}
	if err := clientBuf.Flush(); err != nil {
		return nil //nolint:nilerr
	}

	if cf := tn.relay(r, clientConn, clientBuf.Reader, inst, backendPath); cf != nil {
		metrics.TunnelRejected(cf.code)
		_ = writeCloseFrame(clientConn, cf.code, cf.reason, false)
	}
	return nil
}

// relay drives CONNECTING_BACKEND → BACKEND_HANDSHAKE → RELAYING. It
// returns a closeFrame for failures before relaying starts and nil once the
// session ended, cleanly or not.
func (tn *Tunnel) relay(r *http.Request, clientConn net.Conn, clientReader *bufio.Reader, inst *types.Instance, backendPath string) *closeFrame {
	ctx := r.Context()
	logger := log.WithFunc("tunnel.relay")

	// CONNECTING_BACKEND
	hostport := net.JoinHostPort(tn.host, strconv.Itoa(inst.HostPort))
	backendConn, err := tn.dialBackend(ctx, hostport)
	if err != nil {
		logger.Warnf(ctx, "connect backend %s for %s: %v", hostport, inst.ProxyPath, err)
		return &closeFrame{code: closeInternalError, reason: "backend connection failed"}
	}
	defer backendConn.Close() //nolint:errcheck

	// BACKEND_HANDSHAKE
	deadline := time.Now().Add(tn.connectTimeout)
	_ = backendConn.SetDeadline(deadline)

	if _, err := backendConn.Write(buildBackendHandshake(r, hostport, backendPath, tn.authHeader)); err != nil {
		logger.Warnf(ctx, "send backend handshake for %s: %v", inst.ProxyPath, err)
		return &closeFrame{code: closeInternalError, reason: "backend handshake failed"}
	}

	backendReader := bufio.NewReader(backendConn)
	handshake, err := readHandshake(backendReader, maxHandshakeBytes)
	switch {
	case errors.Is(err, errHandshakeTooBig):
		return &closeFrame{code: closeMessageTooBig, reason: "backend handshake too large"}
	case err != nil:
		logger.Warnf(ctx, "read backend handshake for %s: %v", inst.ProxyPath, err)
		return &closeFrame{code: closeInternalError, reason: "backend handshake failed"}
	case !isSwitchingProtocols(handshake):
		return &closeFrame{code: closeProtocolError, reason: "backend rejected upgrade"}
	}
	_ = backendConn.SetDeadline(time.Time{})

	// RELAYING. Both buffered readers may hold pipelined frames; pumping
	// from the readers instead of the raw connections preserves them.
	metrics.TunnelOpened()
	stop := context.AfterFunc(ctx, func() {
		_ = clientConn.Close()
		_ = backendConn.Close()
	})
	defer stop()

	results := make(chan pumpResult, 2)
	go pump(backendConn, clientReader, true, results)
	go pump(clientConn, backendReader, false, results)

	code := closeNormal
	first := <-results
	if first.err != nil && !errors.Is(first.err, net.ErrClosed) {
		code = closeInternalError
		// Tell whichever side is still open; frames toward the backend
		// take the client role and are masked.
		if first.toBackend {
			_ = writeCloseFrame(backendConn, code, "peer stream failed", true)
		} else {
			_ = writeCloseFrame(clientConn, code, "peer stream failed", false)
		}
		_ = clientConn.Close()
		_ = backendConn.Close()
		<-results
	} else {
		select {
		case <-results:
		case <-time.After(drainGrace):
		}
		_ = clientConn.Close()
		_ = backendConn.Close()
	}
	metrics.TunnelClosed(code)

	logger.Debugf(ctx, "tunnel %s closed with code %d", inst.ProxyPath, code)
	return nil
}

func (tn *Tunnel) dialBackend(ctx context.Context, hostport string) (net.Conn, error) {
	d := net.Dialer{Timeout: tn.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, err
	}
	if !tn.useTLS {
		return conn, nil
	}

	tconn := tls.Client(conn, tn.tlsConfig)
	hctx, cancel := context.WithTimeout(ctx, tn.connectTimeout)
	defer cancel()
	if err := tconn.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tconn, nil
}

// pump copies one direction until EOF or error. Clean EOF half-closes the
// destination so the peer can flush its remaining frames before the final
// close.
func pump(dst net.Conn, src io.Reader, toBackend bool, results chan<- pumpResult) {
	_, err := io.Copy(dst, src)
	if err == nil {
		type closeWriter interface{ CloseWrite() error }
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
	}
	results <- pumpResult{toBackend: toBackend, err: err}
}
