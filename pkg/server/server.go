package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"

	"github.com/aigoflow/taopulse/internal/handlers"
)

type Server struct {
	echo  *echo.Echo
	httpd *http.Server
}

type errorBody struct {
	Error string `json:"error"`
}

func NewServer(httpAddr string, dividends *handlers.DividendsHandler, health *handlers.HealthHandler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(slog.Default()))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("taopulse"))
	e.HTTPErrorHandler = errorHandler

	e.GET("/metrics", echoprometheus.NewHandler())
	health.RegisterRoutes(e)
	dividends.RegisterRoutes(e.Group("/api/v1"))

	s := &Server{echo: e}
	s.httpd = &http.Server{
		Addr:           httpAddr,
		Handler:        e,
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Minute,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprintf("%v", he.Message)
	}
	if code >= 500 {
		slog.Warn("HTTP request failed", "path", c.Path(), "status", code, "error", err)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, errorBody{Error: msg})
	}
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpd.Addr)
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpd.Shutdown(ctx)
}
