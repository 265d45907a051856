package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	app := cli.App{
		Name:  "taopulse-monitor",
		Usage: "follow a taopulse deployment over NATS",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "nats", Value: nats.DefaultURL, EnvVars: []string{"NATS_URL"}},
			&cli.StringFlag{Name: "heartbeat-subject", Value: "taopulse.heartbeat", EnvVars: []string{"HEARTBEAT_SUBJECT"}},
			&cli.StringFlag{Name: "health-subject", Value: "taopulse.health", EnvVars: []string{"HEALTH_SUBJECT"}},
			&cli.StringFlag{Name: "monitoring-subject", Value: "taopulse.backpressure", EnvVars: []string{"MONITORING_SUBJECT"}},
			&cli.StringFlag{Name: "records-prefix", Value: "taopulse.records", EnvVars: []string{"RECORDS_SUBJECT_PREFIX"}},
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "watch",
			Usage:  "live dashboard in the terminal",
			Action: runWatch,
		},
		{
			Name:   "once",
			Usage:  "listen for a few seconds, print a summary and exit",
			Action: runOnce,
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: "wait", Value: 3 * time.Second},
			},
		},
		{
			Name:   "health",
			Usage:  "ask the service for its health over NATS request/reply",
			Action: runHealth,
		},
		{
			Name:   "http",
			Usage:  "serve the collected status as JSON",
			Action: runHTTP,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "addr", Value: ":5780"},
			},
		},
	}
	app.DefaultCommand = "watch"
	app.RunAndExitOnError()
}

func connect(cctx *cli.Context) (*Monitor, error) {
	nc, err := nats.Connect(cctx.String("nats"), nats.Name("taopulse-monitor"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewMonitor(nc, Subjects{
		Heartbeat:    cctx.String("heartbeat-subject"),
		Health:       cctx.String("health-subject"),
		Backpressure: cctx.String("monitoring-subject"),
		Records:      cctx.String("records-prefix"),
	}), nil
}

func runWatch(cctx *cli.Context) error {
	monitor, err := connect(cctx)
	if err != nil {
		return err
	}
	defer monitor.nats.Close()

	ctx, cancel := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		return err
	}

	// Clear screen and hide cursor
	fmt.Print("\033[2J\033[H\033[?25l")
	defer fmt.Print("\033[?25h")

	updates := monitor.AddListener()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-updates:
		}
		fmt.Print("\033[2J\033[H")
		render(os.Stdout, monitor.Snapshot(), time.Now())
	}
}

func runOnce(cctx *cli.Context) error {
	monitor, err := connect(cctx)
	if err != nil {
		return err
	}
	defer monitor.nats.Close()

	if err := monitor.Start(cctx.Context); err != nil {
		return err
	}
	time.Sleep(cctx.Duration("wait"))
	render(os.Stdout, monitor.Snapshot(), time.Now())
	return nil
}

func runHealth(cctx *cli.Context) error {
	monitor, err := connect(cctx)
	if err != nil {
		return err
	}
	defer monitor.nats.Close()

	st, err := monitor.QueryHealth(5 * time.Second)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func runHTTP(cctx *cli.Context) error {
	monitor, err := connect(cctx)
	if err != nil {
		return err
	}
	defer monitor.nats.Close()

	ctx, cancel := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/api/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, monitor.Snapshot())
	})
	e.GET("/api/health", func(c echo.Context) error {
		st, err := monitor.QueryHealth(5 * time.Second)
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(http.StatusOK, st)
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = e.Shutdown(shutdownCtx)
	}()

	if err := e.Start(cctx.String("addr")); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func render(w io.Writer, s Snapshot, now time.Time) {
	fmt.Fprintf(w, "taopulse monitor - %s\n", now.Format("15:04:05"))
	fmt.Fprintf(w, "%s\n\n", strings.Repeat("=", 64))

	if s.Status == "unknown" {
		fmt.Fprintln(w, "No taopulse service detected yet")
		return
	}

	fmt.Fprintf(w, "Status: %s (last seen %s ago)\n", s.Status, formatDuration(now.Sub(s.LastSeen)))
	if h := s.Health; h != nil {
		fmt.Fprintf(w, "Endpoint: %s  Version: %s  Database: %s  Cache: %s\n", h.Endpoint, h.Version, h.Database, h.Cache)
	}
	if bp := s.Backpressure; bp != nil {
		fmt.Fprintf(w, "Backpressure: %s  buffered %d/%d  pipeline runs %d\n", bp.Status, bp.Buffered, bp.Threshold, bp.PipelineInflight)
	}

	fmt.Fprintf(w, "\n%-20s %-8s %-8s %-8s %-10s\n", "KIND", "BATCHES", "RECORDS", "FAILED", "LAST")
	fmt.Fprintf(w, "%-20s %-8s %-8s %-8s %-10s\n",
		strings.Repeat("-", 20), strings.Repeat("-", 8), strings.Repeat("-", 8),
		strings.Repeat("-", 8), strings.Repeat("-", 10))
	for _, kind := range sortedKinds(s.Kinds) {
		k := s.Kinds[kind]
		fmt.Fprintf(w, "%-20s %-8d %-8d %-8d %-10s\n", kind, k.Batches, k.Records, k.Failed, formatDuration(now.Sub(k.LastSeen)))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
