package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// wsHandler handles GET /ws. It upgrades the connection and hands the
// socket to the ConnectionManager, which blocks until the client
// disconnects. The orchestrator dispatches the frames.
func (s *Server) wsHandler(c *gin.Context) {
	sock, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		slog.Warn("WebSocket upgrade rejected",
			"origin", c.GetHeader("Origin"), "error", err)
		return
	}

	s.connMgr.HandleConnection(c.Request.Context(), sock, s.orch)
}

// checkOrigin admits same-host upgrades plus any origin listed in the
// server's allowed_ws_origins. Non-browser clients omit the header and are
// accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedWSOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}
