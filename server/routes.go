package server

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/projecteru2/core/log"

	"github.com/juliankiedaisch/deskgate/tunnel"
	"github.com/juliankiedaisch/deskgate/types"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// handleDesktopStart allocates a desktop for the calling session's owner.
// Allocation replaces any previous desktop of the same owner and image.
func (s *Server) handleDesktopStart(c *gin.Context) {
	ctx := c.Request.Context()
	sess := currentSession(c)

	image := c.Query("image")
	if image == "" {
		var body struct {
			Image string `json:"image"`
		}
		if err := c.ShouldBindJSON(&body); err == nil {
			image = body.Image
		}
	}
	if image == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image parameter required"})
		return
	}

	inst, err := s.alloc.Start(ctx, sess.OwnerID, image, sess.ID)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown desktop image"})
		return
	case errors.Is(err, types.ErrImageDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "desktop image is disabled"})
		return
	case errors.Is(err, types.ErrPortExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "no free ports for new desktops"})
		return
	default:
		status := http.StatusInternalServerError
		var ce *types.CreationError
		if errors.As(err, &ce) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	// Seed the sticky routing hint so the first proxied request resolves
	// even without a path segment.
	if err := s.registry.SetCurrentInstance(ctx, sess.ID, inst.ProxyPath); err != nil {
		log.WithFunc("server.handleDesktopStart").Warnf(ctx, "seed session hint: %v", err)
	}

	c.JSON(http.StatusCreated, gin.H{
		"instance": inst,
		"url":      s.desktopURL(inst),
	})
}

func (s *Server) handleDesktopList(c *gin.Context) {
	sess := currentSession(c)
	insts, err := s.registry.ListByOwner(c.Request.Context(), sess.OwnerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(insts))
	for _, inst := range insts {
		out = append(out, gin.H{"instance": inst, "url": s.desktopURL(inst)})
	}
	c.JSON(http.StatusOK, gin.H{"desktops": out})
}

// handleDesktopStatus reconciles the instance against the engine before
// answering, so the caller sees live state rather than the last sweep's.
func (s *Server) handleDesktopStatus(c *gin.Context) {
	sess := currentSession(c)
	inst, ok := s.ownedInstance(c, sess)
	if !ok {
		return
	}

	inst, err := s.alloc.Status(c.Request.Context(), inst.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instance": inst, "url": s.desktopURL(inst)})
}

func (s *Server) handleDesktopStop(c *gin.Context) {
	sess := currentSession(c)
	inst, ok := s.ownedInstance(c, sess)
	if !ok {
		return
	}

	if err := s.alloc.Stop(c.Request.Context(), inst.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "desktop stopped"})
}

func (s *Server) handleDesktopDelete(c *gin.Context) {
	sess := currentSession(c)
	inst, ok := s.ownedInstance(c, sess)
	if !ok {
		return
	}

	if err := s.alloc.Remove(c.Request.Context(), inst.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "desktop removed"})
}

// handleImageList returns catalog entries available for allocation.
func (s *Server) handleImageList(c *gin.Context) {
	images, err := s.registry.ListDesktopImages(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	enabled := make([]*types.DesktopImage, 0, len(images))
	for _, img := range images {
		if img.Enabled {
			enabled = append(enabled, img)
		}
	}
	c.JSON(http.StatusOK, gin.H{"images": enabled})
}

// handleEvents upgrades the connection and streams the owner's instance
// lifecycle events until the client hangs up.
func (s *Server) handleEvents(c *gin.Context) {
	sess := currentSession(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	client := s.hub.add(sess.OwnerID, conn)
	defer s.hub.remove(client)
	go client.writePump()
	client.readPump()
}

// handleEdgeTarget answers front-proxy lookups: which backend serves this
// proxy path right now. A missing instance is a valid answer, not an error.
func (s *Server) handleEdgeTarget(c *gin.Context) {
	inst, err := s.registry.GetRunningByProxyPath(c.Request.Context(), c.Param("proxyPath"))
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"target": nil})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target": net.JoinHostPort(s.conf.BackendHost, strconv.Itoa(inst.HostPort)),
		"scheme": s.conf.BackendScheme,
	})
}

// handleDesktopProxy serves explicit desktop-root paths.
func (s *Server) handleDesktopProxy(c *gin.Context) {
	segment := strings.Trim(c.Param("proxyPath"), "/")
	inst, err := s.resolver.ResolvePath(c.Request, segment)
	if err != nil {
		s.replyNoRoute(c, err)
		return
	}
	s.serveBackend(c, inst)
}

// handleCatchall serves everything outside the registered routes: host-label
// requests and upgrade or asset requests that lost their path context.
func (s *Server) handleCatchall(c *gin.Context) {
	inst, err := s.resolver.Resolve(c.Request)
	if err != nil {
		s.replyNoRoute(c, err)
		return
	}
	s.serveBackend(c, inst)
}

func (s *Server) replyNoRoute(c *gin.Context, err error) {
	if errors.Is(err, types.ErrNoRoute) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running desktop matches this request"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// serveBackend hands the request to the tunnel or the relay. Both report
// errors only while an HTTP reply is still possible.
func (s *Server) serveBackend(c *gin.Context, inst *types.Instance) {
	backendPath := s.resolver.BackendPath(c.Request.URL.Path, inst)

	if tunnel.IsUpgrade(c.Request) {
		switch err := s.tunnel.Serve(c.Writer, c.Request, inst, backendPath); {
		case err == nil:
			// Hijacked; record the status the client actually saw.
			c.Status(http.StatusSwitchingProtocols)
		case errors.Is(err, tunnel.ErrMalformedUpgrade):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "tunnel setup failed"})
		}
		return
	}

	switch err := s.relay.Serve(c.Writer, c.Request, inst, backendPath); {
	case err == nil:
	case errors.Is(err, types.ErrBackendUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "desktop is still starting, retry shortly"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "desktop backend unreachable"})
	}
}

// ownedInstance loads the :id instance and hides other owners' rows behind
// a 404 so instance IDs cannot be probed.
func (s *Server) ownedInstance(c *gin.Context, sess *types.Session) (*types.Instance, bool) {
	inst, err := s.registry.GetInstance(c.Request.Context(), c.Param("id"))
	if errors.Is(err, types.ErrNotFound) || (err == nil && inst.OwnerID != sess.OwnerID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such desktop"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return inst, true
}

func (s *Server) desktopURL(inst *types.Instance) string {
	return s.resolver.Root() + "/" + inst.ProxyPath + "/"
}
