// Package httpapi assembles the HTTP surface: the relay engine's upload
// and download routes, admission/discovery control endpoints, the session
// websocket, and the static asset front end.
package httpapi

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"zher/internal/assets"
	"zher/internal/core"
	"zher/internal/discovery"
	"zher/internal/relay"
	"zher/internal/store"
	"zher/internal/ws"
)

// Server is the Echo application exposing every HTTP endpoint: session
// socket upgrade, file relay, room-code admission, and discovery toggle.
type Server struct {
	echo      *echo.Echo
	state     *core.State
	relay     *relay.Engine
	discovery *discovery.Responder
	settings  *store.Store
}

// New constructs an Echo app wiring the websocket, relay, discovery, and
// static routes. settings may be nil, in which case admission toggles are
// not persisted across restarts.
func New(state *core.State, relayEngine *relay.Engine, responder *discovery.Responder, settings *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, state: state, relay: relayEngine, discovery: responder, settings: settings}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			if path == "/ws" || path == "/health" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api")
	api.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))
	s.relay.Register(api)
	api.POST("/discovery", s.handleToggleDiscovery)
	api.GET("/roomcode", s.handleGetRoomCode)
	api.POST("/roomcode", s.handleSetRoomCode)
	api.POST("/roomcode/toggle", s.handleToggleRoomCodeEnabled)

	ws.NewHandler(s.state).Register(s.echo)

	s.echo.GET("/*", s.handleStatic)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Users  int    `json:"users"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Users: len(s.state.Users())})
}

type discoveryResponse struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggleDiscovery(c echo.Context) error {
	s.discovery.SetEnabled(!s.discovery.Enabled())
	return c.JSON(http.StatusOK, discoveryResponse{Enabled: s.discovery.Enabled()})
}

type roomCodeResponse struct {
	Enabled bool   `json:"enabled"`
	Code    string `json:"code"`
}

func (s *Server) handleGetRoomCode(c echo.Context) error {
	adm := s.state.Admission()
	return c.JSON(http.StatusOK, roomCodeResponse{Enabled: adm.RoomCodeEnabled, Code: adm.RoomCode})
}

type setRoomCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleSetRoomCode(c echo.Context) error {
	var req setRoomCodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	code := strings.TrimSpace(req.Code)
	if code != "" && !isSixDigits(code) {
		return echo.NewHTTPError(http.StatusBadRequest, "room code must be a 6-digit number")
	}

	adm := s.state.Admission()
	s.state.SetAdmission(adm.RoomCodeEnabled, code)
	s.persistAdmission(c)
	return c.JSON(http.StatusOK, roomCodeResponse{Enabled: adm.RoomCodeEnabled, Code: code})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggleRoomCodeEnabled(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	adm := s.state.Admission()
	s.state.SetAdmission(req.Enabled, adm.RoomCode)
	s.persistAdmission(c)
	return c.JSON(http.StatusOK, roomCodeResponse{Enabled: req.Enabled, Code: adm.RoomCode})
}

func (s *Server) persistAdmission(c echo.Context) {
	if s.settings == nil {
		return
	}
	adm := s.state.Admission()
	if err := s.settings.SaveAdmission(c.Request().Context(), adm.RoomCodeEnabled, adm.RoomCode); err != nil {
		slog.Error("persist admission settings", "err", err)
	}
}

func isSixDigits(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// handleStatic serves the embedded front-end bundle, falling back to
// index.html for unknown paths (single-page app routing).
func (s *Server) handleStatic(c echo.Context) error {
	reqPath := strings.TrimPrefix(c.Request().URL.Path, "/")
	if reqPath == "" {
		reqPath = "index.html"
	}

	data, err := fs.ReadFile(assets.FS, path.Join(assets.Root, reqPath))
	if err != nil {
		data, err = fs.ReadFile(assets.FS, path.Join(assets.Root, "index.html"))
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "asset not found")
		}
		reqPath = "index.html"
	}

	if reqPath == "index.html" {
		c.Response().Header().Set(echo.HeaderContentType, "text/html; charset=utf-8")
		return c.String(http.StatusOK, injectTauriMock(string(data)))
	}

	contentType := mime.TypeByExtension(path.Ext(reqPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// injectTauriMock inserts a small shim right after <head> so the bundle
// behaves when hosted inside a desktop-shell iframe that never injected a
// real Tauri bridge. The shim self-gates at runtime (it only activates
// when window.parent !== window), so it's harmless to insert unconditionally.
func injectTauriMock(html string) string {
	const marker = "<head>"
	idx := strings.Index(html, marker)
	if idx < 0 {
		return html
	}
	insertAt := idx + len(marker)
	return html[:insertAt] + tauriMockScript + html[insertAt:]
}

const tauriMockScript = `<script>
(function() {
	if (window.parent !== window) {
		window.__TAURI__ = window.__TAURI__ || {};
		window.__TAURI__.core = window.__TAURI__.core || {};
		window.__TAURI__.core.invoke = async (cmd, args) => {
			if (cmd === 'download_file') {
				window.parent.postMessage({ type: 'download_request', url: args.url, fileName: args.fileName }, '*');
				return Promise.resolve();
			}
			return Promise.reject('Command not implemented: ' + cmd);
		};
		window.__TAURI__.invoke = window.__TAURI__.core.invoke;
		window.__TAURI_INTERNALS__ = { postMessage: () => {} };
	}
})();
</script>`
