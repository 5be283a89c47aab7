// Package web serves the proctop UI, a JSON API and a server-sent event
// stream of rendered snapshots.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeffypooo/proctop/internal/config"
	"github.com/jeffypooo/proctop/internal/history"
	"github.com/jeffypooo/proctop/internal/lifecycle"
	"github.com/jeffypooo/proctop/internal/metrics"
	"github.com/jeffypooo/proctop/internal/monitor"
	"github.com/jeffypooo/proctop/internal/registry"
	"github.com/jeffypooo/proctop/internal/system"
)

const defaultLimit = 25

// Monitor is the part of *monitor.Monitor the handlers use.
type Monitor interface {
	Latest() *registry.Batch
	Processes(q registry.Query) []metrics.Process
	Process(pid int32) (metrics.Process, bool)
	Status() monitor.Status
	History(id string) []history.Point
	Average(id string, window int) float64
	Subscribe() (<-chan *registry.Batch, func())
	Terminate(ctx context.Context, pid int32) lifecycle.Outcome
	SetPriority(ctx context.Context, pid int32, level string) lifecycle.Outcome
	Launch(ctx context.Context, command string) lifecycle.Outcome
	PinPid(pid int32) (registry.Selection, error)
	Unpin(pid int32)
	Pins() []registry.Selection
	SetInterval(d time.Duration) error
	SetDetailed(detailed bool)
	Pause() error
	Resume() error
}

type Server struct {
	mon      Monitor
	elevated bool
}

type Option func(*options)

type options struct {
	logger   *log.Logger
	gatherer prometheus.Gatherer
	elevated bool
}

func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *options) { o.gatherer = g }
}

// WithElevated tells the UI whether proctop runs with administrator rights.
func WithElevated(elevated bool) Option {
	return func(o *options) { o.elevated = elevated }
}

// New returns an echo instance with every route registered.
func New(mon Monitor, opts ...Option) *echo.Echo {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	if o.logger != nil {
		e.Logger = o.logger
	}

	s := &Server{mon: mon, elevated: o.elevated}
	e.GET("/", s.rootHandler)
	e.GET("/api/metrics/sse", s.apiMetricsSSEHandler)

	api := e.Group("/api")
	api.GET("/processes", s.listProcesses)
	api.GET("/processes/:pid", s.getProcess)
	api.POST("/processes/:pid/terminate", s.terminate)
	api.POST("/processes/:pid/priority", s.setPriority)
	api.POST("/launch", s.launch)
	api.GET("/system", s.getSystem)
	api.GET("/history/:series", s.getHistory)
	api.GET("/pins", s.listPins)
	api.POST("/pins/:pid", s.pin)
	api.DELETE("/pins/:pid", s.unpin)
	api.PUT("/interval", s.setInterval)
	api.PUT("/detailed", s.setDetailed)
	api.POST("/pause", s.pause)
	api.POST("/resume", s.resume)

	if o.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

type errorResponse struct {
	Message string `json:"message"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrProtected), errors.Is(err, system.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, system.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidLevel), errors.Is(err, config.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func outcomeResponse(c echo.Context, out lifecycle.Outcome) error {
	if out.OK {
		return c.JSON(http.StatusOK, out)
	}
	return c.JSON(statusFor(out.Err), out)
}

func parseQuery(c echo.Context) (registry.Query, error) {
	key, err := registry.ParseProcSort(c.QueryParam("sort"))
	if err != nil {
		return registry.Query{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	dir, err := registry.ParseSortDirection(c.QueryParam("dir"))
	if err != nil {
		return registry.Query{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	limit := defaultLimit
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return registry.Query{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid limit: %s", v))
		}
	}
	return registry.Query{Text: c.QueryParam("q"), Sort: key, Direction: dir, Limit: limit}, nil
}

func queryString(q registry.Query) string {
	v := url.Values{}
	if q.Text != "" {
		v.Set("q", q.Text)
	}
	v.Set("sort", string(q.Sort))
	if q.Direction != registry.SortDirectionDefault {
		v.Set("dir", string(q.Direction))
	}
	v.Set("limit", strconv.Itoa(q.Limit))
	return v.Encode()
}

func parsePid(c echo.Context) (int32, error) {
	pid, err := strconv.ParseInt(c.Param("pid"), 10, 32)
	if err != nil || pid <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid pid: %s", c.Param("pid")))
	}
	return int32(pid), nil
}

// parseInterval accepts "500ms", "1.5s" or a bare number of seconds.
func parseInterval(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "ms") {
		ms, err := strconv.Atoi(strings.TrimSuffix(s, "ms"))
		if err != nil {
			return 0, err
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	seconds, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (s *Server) rootHandler(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	return Index(q, s.elevated).Render(c.Request().Context(), c.Response().Writer)
}

func (s *Server) apiMetricsSSEHandler(c echo.Context) error {
	c.Logger().Infof("SSE request received from %s: %s", c.Request().RemoteAddr, c.Request().URL)

	q, err := parseQuery(c)
	if err != nil {
		return err
	}

	// Set headers for SSE
	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("Access-Control-Allow-Origin", "*")

	fmt.Fprintf(resp.Writer, "event: connected\ndata: Connected to metrics stream\n\n")
	resp.Flush()

	batches, unsubscribe := s.mon.Subscribe()
	defer unsubscribe()

	ctx := c.Request().Context()
	if b := s.mon.Latest(); b != nil {
		if err := s.sendMetricsUpdate(ctx, resp, b, q); err != nil {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.Logger().Info("Client disconnected")
			return nil
		case b := <-batches:
			if err := s.sendMetricsUpdate(ctx, resp, b, q); err != nil {
				c.Logger().Warnf("Error sending metrics update: %v", err)
				return nil
			}
		}
	}
}

func (s *Server) sendMetricsUpdate(ctx context.Context, resp *echo.Response, b *registry.Batch, q registry.Query) error {
	view := View{
		Status:    s.mon.Status(),
		Processes: registry.FilterSort(b.Records(), q),
		Query:     q,
	}

	var buf strings.Builder
	if err := MetricsDisplay(view).Render(ctx, &buf); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	htmlContent := strings.ReplaceAll(buf.String(), "\n", " ")
	if _, err := fmt.Fprintf(resp.Writer, "event: metrics\ndata: %s\n\n", htmlContent); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

type processList struct {
	Seq       uint64            `json:"seq"`
	Total     int               `json:"total"`
	Processes []metrics.Process `json:"processes"`
}

func (s *Server) listProcesses(c echo.Context) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	resp := processList{Processes: s.mon.Processes(q)}
	if b := s.mon.Latest(); b != nil {
		resp.Seq, resp.Total = b.Seq(), b.Total()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getProcess(c echo.Context) error {
	pid, err := parsePid(c)
	if err != nil {
		return err
	}
	p, ok := s.mon.Process(pid)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Message: fmt.Sprintf("Process with PID %d does not exist.", pid)})
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) terminate(c echo.Context) error {
	pid, err := parsePid(c)
	if err != nil {
		return err
	}
	return outcomeResponse(c, s.mon.Terminate(c.Request().Context(), pid))
}

type priorityRequest struct {
	Level string `json:"level" form:"level" query:"level"`
}

func (s *Server) setPriority(c echo.Context) error {
	pid, err := parsePid(c)
	if err != nil {
		return err
	}
	var req priorityRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	return outcomeResponse(c, s.mon.SetPriority(c.Request().Context(), pid, req.Level))
}

type launchRequest struct {
	Command string `json:"command" form:"command"`
}

func (s *Server) launch(c echo.Context) error {
	var req launchRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	return outcomeResponse(c, s.mon.Launch(c.Request().Context(), req.Command))
}

func (s *Server) getSystem(c echo.Context) error {
	return c.JSON(http.StatusOK, s.mon.Status())
}

type historyResponse struct {
	Series  string          `json:"series"`
	Points  []history.Point `json:"points"`
	Average float64         `json:"average"`
}

func (s *Server) getHistory(c echo.Context) error {
	id := c.Param("series")
	window := 0
	if v := c.QueryParam("window"); v != "" {
		var err error
		if window, err = strconv.Atoi(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid window: %s", v))
		}
	}
	return c.JSON(http.StatusOK, historyResponse{
		Series:  id,
		Points:  s.mon.History(id),
		Average: s.mon.Average(id, window),
	})
}

func (s *Server) listPins(c echo.Context) error {
	return c.JSON(http.StatusOK, s.mon.Pins())
}

func (s *Server) pin(c echo.Context) error {
	pid, err := parsePid(c)
	if err != nil {
		return err
	}
	sel, err := s.mon.PinPid(pid)
	if err != nil {
		return c.JSON(statusFor(err), errorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, sel)
}

func (s *Server) unpin(c echo.Context) error {
	pid, err := parsePid(c)
	if err != nil {
		return err
	}
	s.mon.Unpin(pid)
	return c.NoContent(http.StatusNoContent)
}

type intervalRequest struct {
	Interval string `json:"interval" form:"interval" query:"interval"`
}

func (s *Server) setInterval(c echo.Context) error {
	var req intervalRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	d, err := parseInterval(req.Interval)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid interval: %v", err))
	}
	if err := s.mon.SetInterval(d); err != nil {
		return c.JSON(statusFor(err), errorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, s.mon.Status())
}

type detailedRequest struct {
	Detailed bool `json:"detailed" form:"detailed" query:"detailed"`
}

func (s *Server) setDetailed(c echo.Context) error {
	var req detailedRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	s.mon.SetDetailed(req.Detailed)
	return c.JSON(http.StatusOK, s.mon.Status())
}

func (s *Server) pause(c echo.Context) error {
	if err := s.mon.Pause(); err != nil {
		return c.JSON(http.StatusConflict, errorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, s.mon.Status())
}

func (s *Server) resume(c echo.Context) error {
	if err := s.mon.Resume(); err != nil {
		return c.JSON(http.StatusConflict, errorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, s.mon.Status())
}
