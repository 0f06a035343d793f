// Package httpapi exposes an optional, separate HTTP surface for server
// operators: health/version probes, a room snapshot, settings, the audit
// log, and ban management. It never carries chat traffic itself; that
// stays on the TCP control connection handled by internal/broker.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"hearthcore/internal/broker"
	"hearthcore/internal/store"
)

// Version is set by the linker-independent build; a constant is fine since
// this repo isn't distributed as versioned releases.
const Version = "hearthcore-dev"

// Server wraps an Echo instance bound to the broker and ambient store.
type Server struct {
	echo   *echo.Echo
	broker *broker.Broker
	store  *store.Store
}

// New wires the admin HTTP routes against b and st.
func New(b *broker.Broker, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, broker: b, store: st}

	e.GET("/health", s.handleHealth)
	e.GET("/version", s.handleVersion)
	e.GET("/room", s.handleRoom)
	e.GET("/stats", s.handleStats)
	e.GET("/settings", s.handleGetSettings)
	e.PUT("/settings/:key", s.handlePutSetting)
	e.GET("/audit", s.handleAudit)
	e.GET("/bans", s.handleListBans)
	e.POST("/bans/:uuid", s.handleBan)
	e.DELETE("/bans/:uuid", s.handleUnban)

	return s
}

// Echo exposes the underlying instance, primarily so tests can drive
// requests directly against it without binding a real listener.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Serve blocks serving addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.echo.Start(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// requestLogger mirrors the ambient slog-based middleware style used
// elsewhere in this repo: routine polling endpoints log at Debug, all
// other requests log at Info.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			dur := time.Since(start)

			level := slog.LevelInfo
			switch c.Path() {
			case "/health":
				level = slog.LevelDebug
			}
			slog.Log(c.Request().Context(), level, "http request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration", dur,
			)
			return err
		}
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) handleRoom(c echo.Context) error {
	master := s.broker.BuildMaster()
	return c.JSON(http.StatusOK, master)
}

func (s *Server) handleStats(c echo.Context) error {
	stored := s.broker.ContentBytesStored()
	return c.JSON(http.StatusOK, map[string]any{
		"clients":            s.broker.ClientCount(),
		"messages":           s.broker.Len(),
		"content_bytes":      stored,
		"content_bytes_human": humanize.Bytes(uint64(stored)),
	})
}

func (s *Server) handleGetSettings(c echo.Context) error {
	settings, err := s.store.AllSettings(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, settings)
}

func (s *Server) handlePutSetting(c echo.Context) error {
	key := c.Param("key")
	var body struct {
		Value string `json:"value"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.store.SetSetting(c.Request().Context(), key, body.Value); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAudit(c echo.Context) error {
	limit := 100
	entries, err := s.store.AuditLog(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleListBans(c echo.Context) error {
	uuids, err := s.store.BannedUUIDs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, uuids)
}

func (s *Server) handleBan(c echo.Context) error {
	uuid := c.Param("uuid")
	if err := s.store.Ban(c.Request().Context(), uuid); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.broker.Ban(uuid, "admin-api")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnban(c echo.Context) error {
	uuid := c.Param("uuid")
	if err := s.store.Unban(c.Request().Context(), uuid); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.broker.Unban(uuid, "admin-api")
	return c.NoContent(http.StatusNoContent)
}
