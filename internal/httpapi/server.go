// Package httpapi exposes the attendance core over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bleattend/internal/attendance"
	"bleattend/internal/auth"
	"bleattend/internal/device"
	"bleattend/internal/hardware"
	"bleattend/internal/httpmiddleware"
	"bleattend/internal/ingest"
	"bleattend/internal/scan"
)

// Tracker is the attendance surface the API drives.
type Tracker interface {
	RecordEvent(ctx context.Context, d attendance.RawDetection) (attendance.Outcome, error)
	Status(userID string) attendance.Status
	OpenSessions() []attendance.Session
	MarkManually(ctx context.Context, m attendance.ManualMark) (attendance.Record, error)
	Stats(ctx context.Context, from, to time.Time, classID string) (attendance.Stats, error)
	Settings() attendance.Settings
	UpdateSettings(s attendance.Settings)
}

// Registry is the device registry surface.
type Registry interface {
	Register(ctx context.Context, reg device.Registration) (device.RegisterResult, error)
	ByMAC(ctx context.Context, mac string) (*device.Device, error)
	UpdateStatus(ctx context.Context, upd device.StatusUpdate) error
	Active(ctx context.Context, limit, offset int) ([]device.Device, error)
	Deactivate(ctx context.Context, id string) error
	ClearCache()
	ClearQueue() int
	CleanupInactive() int
	Stats() device.RegistryStats
}

// Scanner starts and stops periodic scans.
type Scanner interface {
	Start(ctx context.Context, location string) scan.Result
	Stop(location string) bool
	Active() []string
}

// Load reports host load.
type Load interface {
	Status() (hardware.Status, bool)
	UnderLoad() bool
}

// Sweeper runs an absence sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) attendance.SweepReport
}

// Resolver maps a wire detection onto a registered device.
type Resolver interface {
	Resolve(ctx context.Context, d ingest.Detection) (attendance.RawDetection, error)
}

// LatestReader returns the cached latest event for a user, nil when none.
type LatestReader interface {
	Latest(ctx context.Context, userID string) (json.RawMessage, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Options wires a Server. Tracker, Registry, Scanner, Load, Resolver and
// Signer are required.
type Options struct {
	Tracker  Tracker
	Registry Registry
	Scanner  Scanner
	Load     Load
	Sweeper  Sweeper
	Resolver Resolver
	Latest   LatestReader
	Signer   *auth.Signer
	Limiter  *httpmiddleware.TokenBucket
	Gatherer prometheus.Gatherer
	Health   map[string]HealthCheck
	Location *time.Location
	Clock    quartz.Clock
	Logger   slog.Logger
}

// Server holds the API dependencies.
type Server struct {
	tracker  Tracker
	registry Registry
	scanner  Scanner
	load     Load
	sweeper  Sweeper
	resolver Resolver
	latest   LatestReader
	health   map[string]HealthCheck
	loc      *time.Location
	clock    quartz.Clock
	logger   slog.Logger
}

// New builds the gin engine with every route registered.
func New(opts Options) *gin.Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		tracker:  opts.Tracker,
		registry: opts.Registry,
		scanner:  opts.Scanner,
		load:     opts.Load,
		sweeper:  opts.Sweeper,
		resolver: opts.Resolver,
		latest:   opts.Latest,
		health:   opts.Health,
		loc:      opts.Location,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("http"),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.AccessLog(s.logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	limit := func(c *gin.Context) { c.Next() }
	if opts.Limiter != nil {
		limit = opts.Limiter.GinMiddleware()
	}

	gw := r.Group("/v1", auth.Require(opts.Signer, auth.RoleGateway), limit)
	gw.POST("/detections", s.postDetection)
	gw.POST("/devices/register", s.registerDevice)
	gw.PUT("/devices/:id/status", s.updateDeviceStatus)
	gw.GET("/devices/by-mac/:mac", s.deviceByMAC)

	admin := r.Group("/v1", auth.Require(opts.Signer), limit)
	admin.GET("/devices", s.activeDevices)
	admin.DELETE("/devices/:id", s.deactivateDevice)
	admin.GET("/registry/stats", s.registryStats)
	admin.POST("/registry/cache/clear", s.clearCache)
	admin.POST("/registry/cache/cleanup", s.cleanupCache)
	admin.POST("/registry/queue/clear", s.clearQueue)

	admin.GET("/attendance/users/:id/status", s.userStatus)
	admin.GET("/attendance/sessions", s.openSessions)
	admin.POST("/attendance/mark", s.markManually)
	admin.GET("/attendance/stats", s.stats)
	admin.GET("/attendance/settings", s.getSettings)
	admin.PUT("/attendance/settings", s.putSettings)
	admin.POST("/attendance/sweep", s.sweep)

	admin.GET("/scans", s.listScans)
	admin.POST("/scans/:location", s.startScan)
	admin.DELETE("/scans/:location", s.stopScan)
	admin.GET("/system/load", s.loadStatus)

	return r
}

func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
