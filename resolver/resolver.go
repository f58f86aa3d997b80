// Package resolver maps inbound requests to running backend instances.
//
// Explicit desktop-root requests (/desktop/<proxy-path>/...) are keyed by
// their path segment. Everything else (WebSocket upgrades whose path lost
// its context, nested asset loads, subdomain routing) falls back to three
// strategies in strict priority order: the Host label, the Referer path
// segment, and the caller's sticky session hint. The Host label comes
// first because browsers send it on every request, including upgrades,
// while Referer may be withheld cross-origin.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/registry"
	"github.com/juliankiedaisch/deskgate/types"
)

// SessionCookie carries the bearer session ID on browser requests.
const SessionCookie = "deskgate_session"

// Resolver resolves inbound requests against the registry.
type Resolver struct {
	registry *registry.Registry
	domain   string // proxy domain, labels resolve under "<label>.<domain>"
	root     string // desktop root path, no trailing slash, e.g. "/desktop"
}

// New creates a Resolver for the configured proxy domain and desktop root.
func New(reg *registry.Registry, conf *config.Config) *Resolver {
	return &Resolver{
		registry: reg,
		domain:   strings.ToLower(strings.TrimSuffix(conf.ProxyDomain, ".")),
		root:     "/" + strings.Trim(conf.DesktopRoot, "/"),
	}
}

// Root returns the desktop root path ("/desktop").
func (rv *Resolver) Root() string { return rv.root }

// ResolvePath resolves a desktop-root request whose first path segment is
// explicit. A non-asset segment is authoritative: it either names a running
// instance or the request fails with ErrNoRoute. Asset-like segments
// (assets/..., vendor.js) carry no instance identity and go through the
// fallback strategies.
func (rv *Resolver) ResolvePath(r *http.Request, segment string) (*types.Instance, error) {
	if AssetLike(segment) {
		return rv.Resolve(r)
	}
	inst, err := rv.registry.GetRunningByProxyPath(r.Context(), segment)
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrNoRoute
	}
	if err != nil {
		return nil, err
	}
	rv.recordAccess(r, inst)
	return inst, nil
}

// Resolve finds the running instance an inbound request addresses using the
// fallback strategies. Returns ErrNoRoute when none match.
func (rv *Resolver) Resolve(r *http.Request) (*types.Instance, error) {
	ctx := r.Context()
	logger := log.WithFunc("resolver.Resolve")

	if label := rv.hostLabel(r.Host); label != "" {
		inst, err := rv.lookup(ctx, label)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			rv.recordAccess(r, inst)
			return inst, nil
		}
		logger.Debugf(ctx, "host label %q matches no running instance", label)
	}

	if seg := rv.refererSegment(r.Header.Get("Referer")); seg != "" && !AssetLike(seg) {
		inst, err := rv.lookup(ctx, seg)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			rv.recordAccess(r, inst)
			return inst, nil
		}
	}

	if hint := rv.sessionHint(ctx, r); hint != "" {
		inst, err := rv.lookup(ctx, hint)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			rv.recordAccess(r, inst)
			return inst, nil
		}
	}

	return nil, types.ErrNoRoute
}

// BackendPath rewrites a request path for the resolved instance's backend.
// Desktop-root prefixes addressed to the instance are stripped; asset paths
// under the root keep their asset segment; host-label requests pass through.
func (rv *Resolver) BackendPath(reqPath string, inst *types.Instance) string {
	if reqPath == rv.root || reqPath == rv.root+"/"+inst.ProxyPath {
		return "/"
	}
	if rest, ok := strings.CutPrefix(reqPath, rv.root+"/"+inst.ProxyPath+"/"); ok {
		return "/" + rest
	}
	// Asset request under the root: /desktop/assets/x.js → /assets/x.js.
	if rest, ok := strings.CutPrefix(reqPath, rv.root+"/"); ok {
		return "/" + rest
	}
	return reqPath
}

// lookup fetches a running instance by proxy path; a miss is (nil, nil) so
// callers can fall through to the next strategy.
func (rv *Resolver) lookup(ctx context.Context, proxyPath string) (*types.Instance, error) {
	inst, err := rv.registry.GetRunningByProxyPath(ctx, proxyPath)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// hostLabel extracts the instance label from a Host header value. Only a
// single label directly under the proxy domain qualifies; the apex itself
// never routes.
func (rv *Resolver) hostLabel(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	label, ok := strings.CutSuffix(host, "."+rv.domain)
	if !ok || label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}

// refererSegment extracts the first path segment after the desktop root
// from a Referer URL, stopping at '/', '?', or '#'.
func (rv *Resolver) refererSegment(referer string) string {
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil {
		return ""
	}
	idx := strings.Index(u.Path, rv.root+"/")
	if idx < 0 {
		return ""
	}
	seg := u.Path[idx+len(rv.root)+1:]
	if j := strings.IndexByte(seg, '/'); j >= 0 {
		seg = seg[:j]
	}
	return seg
}

// sessionHint returns the caller's sticky proxy-path hint, if any.
func (rv *Resolver) sessionHint(ctx context.Context, r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return ""
	}
	sess, err := rv.registry.GetSession(ctx, c.Value)
	if err != nil || sess.Expired(time.Now()) {
		return ""
	}
	return sess.CurrentInstance
}

// recordAccess stamps last_accessed and, for non-asset page loads, refreshes
// the caller's sticky hint. Both are best effort: the resolution stands even
// if the bookkeeping write fails.
func (rv *Resolver) recordAccess(r *http.Request, inst *types.Instance) {
	ctx := r.Context()
	logger := log.WithFunc("resolver.recordAccess")

	if err := rv.registry.Touch(ctx, inst.ID); err != nil {
		logger.Warnf(ctx, "touch instance %s: %v", inst.ID, err)
	}

	if AssetLike(rv.pageSegment(r.URL.Path)) {
		return
	}
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return
	}
	if err := rv.registry.SetCurrentInstance(ctx, c.Value, inst.ProxyPath); err != nil &&
		!errors.Is(err, types.ErrNotFound) {
		logger.Warnf(ctx, "refresh session hint: %v", err)
	}
}

// pageSegment is the path element that identifies what the request loads:
// the first element after the desktop root, or the first path element for
// host-label routing.
func (rv *Resolver) pageSegment(reqPath string) string {
	if rest, ok := strings.CutPrefix(reqPath, rv.root+"/"); ok {
		reqPath = rest
	} else {
		reqPath = strings.TrimPrefix(reqPath, "/")
	}
	if j := strings.IndexByte(reqPath, '/'); j >= 0 {
		reqPath = reqPath[:j]
	}
	return reqPath
}
