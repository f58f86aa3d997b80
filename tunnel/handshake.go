package tunnel

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// acceptGUID is the fixed GUID from RFC 6455 §1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var errHandshakeTooBig = errors.New("handshake response exceeds size bound")

// IsUpgrade reports whether the request asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

// validateUpgrade checks the client handshake before any connection state
// changes hands. Failures here are still plain HTTP errors.
func validateUpgrade(r *http.Request) error {
	if r.Method != http.MethodGet {
		return fmt.Errorf("%w: method %s", ErrMalformedUpgrade, r.Method)
	}
	if !IsUpgrade(r) {
		return fmt.Errorf("%w: missing upgrade tokens", ErrMalformedUpgrade)
	}
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		return fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrMalformedUpgrade)
	}
	return nil
}

// headerContainsToken reports whether any comma-separated value of the named
// header equals token, case-insensitively.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// acceptKey computes the Sec-WebSocket-Accept value for a client key.
func acceptKey(clientKey string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(clientKey + acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// clientUpgradeResponse renders the 101 written to the hijacked client
// connection. The first requested subprotocol is echoed back; websockify
// clients expect "binary" to be confirmed.
func clientUpgradeResponse(r *http.Request) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Accept: %s\r\n", acceptKey(r.Header.Get("Sec-WebSocket-Key")))
	if proto := firstSubprotocol(r.Header); proto != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", proto)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func firstSubprotocol(h http.Header) string {
	raw := h.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return ""
	}
	if i := strings.IndexByte(raw, ','); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}

// backendHandshakeSkip are request headers not carried verbatim into the
// reconstructed backend handshake: connection management is rewritten and
// Authorization is replaced by the configured VNC credentials.
var backendHandshakeSkip = map[string]struct{}{
	"Connection":          {},
	"Upgrade":             {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Authorization":       {},
}

// buildBackendHandshake reconstructs the client's upgrade request for the
// backend: same path semantics and WebSocket headers, Host rewritten,
// credentials injected. The client's own Sec-WebSocket-Key is forwarded; the
// backend's accept hash is not validated, only its status line.
func buildBackendHandshake(r *http.Request, hostport, path, auth string) []byte {
	var b bytes.Buffer
	target := path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", hostport)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	for k, vv := range r.Header {
		if _, skip := backendHandshakeSkip[k]; skip {
			continue
		}
		for _, v := range vv {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	if auth != "" {
		fmt.Fprintf(&b, "Authorization: %s\r\n", auth)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// readHandshake consumes the backend's handshake response up to and
// including the blank line, bounded by limit bytes. The reader keeps any
// frames the backend pipelined after the handshake.
func readHandshake(br *bufio.Reader, limit int) ([]byte, error) {
	buf := make([]byte, 0, 512)
	for {
		c, err := br.ReadByte()
		if err != nil {
			return buf, err
		}
		buf = append(buf, c)
		if len(buf) > limit {
			return buf, errHandshakeTooBig
		}
		if len(buf) >= 4 && bytes.Equal(buf[len(buf)-4:], []byte("\r\n\r\n")) {
			return buf, nil
		}
	}
}

// isSwitchingProtocols checks the handshake status line for code 101.
func isSwitchingProtocols(handshake []byte) bool {
	line := handshake
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	return len(fields) >= 2 && fields[1] == "101"
}

// writeCloseFrame emits a single RFC 6455 close frame. Frames sent toward
// the backend act in the client role and must be masked.
func writeCloseFrame(w io.Writer, code int, reason string, mask bool) error {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code)) //nolint:gosec
	copy(payload[2:], reason)

	frame := make([]byte, 0, 2+4+len(payload))
	frame = append(frame, 0x88) // FIN + close opcode
	if mask {
		frame = append(frame, 0x80|byte(len(payload)))
		var key [4]byte
		_, _ = rand.Read(key[:])
		frame = append(frame, key[:]...)
		for i, p := range payload {
			frame = append(frame, p^key[i%4])
		}
	} else {
		frame = append(frame, byte(len(payload)))
		frame = append(frame, payload...)
	}
	_, err := w.Write(frame)
	return err
}
