package scan

import (
	"context"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"bleattend/internal/metrics"
	"bleattend/internal/queue"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultMaxConcurrent = 10
)

// Result is the outcome of Start.
type Result string

const (
	Started         Result = "started"
	AlreadyScanning Result = "already_scanning"
	LimitReached    Result = "limit_reached"
)

// Request asks the radio driver to run one scan cycle.
type Request struct {
	Location    string    `json:"location"`
	RequestedAt time.Time `json:"requested_at"`
}

// Requester delivers scan requests to whatever drives the radio.
type Requester interface {
	RequestScan(ctx context.Context, req Request) error
}

// LoadSignal reports whether work should be shed.
type LoadSignal interface {
	UnderLoad() bool
}

// QueueRequester publishes scan requests as queue messages keyed by location.
type QueueRequester struct {
	Queue queue.Queue
}

func (q QueueRequester) RequestScan(ctx context.Context, req Request) error {
	msg, err := queue.NewMessage(queue.TypeScanRequested, req.Location, req)
	if err != nil {
		return err
	}
	return q.Queue.Publish(ctx, msg)
}

// Options configures a Controller. Requester is required.
type Options struct {
	Requester     Requester
	Load          LoadSignal
	Clock         quartz.Clock
	Logger        slog.Logger
	Metrics       *metrics.Metrics
	Interval      time.Duration
	MaxConcurrent int
}

type scanner struct {
	cancel context.CancelFunc
	waiter quartz.Waiter
}

// Controller runs one periodic scan ticker per location, up to a fixed number
// of locations at once.
type Controller struct {
	requester Requester
	load      LoadSignal
	clock     quartz.Clock
	logger    slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	max       int

	mu     sync.Mutex
	active map[string]*scanner
}

func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Controller{
		requester: opts.Requester,
		load:      opts.Load,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("scan_controller"),
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		max:       opts.MaxConcurrent,
		active:    make(map[string]*scanner),
	}
}

// Start begins scanning location. The ticker outlives ctx's cancellation and
// runs until Stop or StopAll.
func (c *Controller) Start(ctx context.Context, location string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[location]; ok {
		return AlreadyScanning
	}
	if len(c.active) >= c.max {
		c.logger.Warn(ctx, "scan limit reached",
			slog.F("location", location), slog.F("max_concurrent", c.max))
		return LimitReached
	}

	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &scanner{cancel: cancel}
	s.waiter = c.clock.TickerFunc(tickCtx, c.interval, func() error {
		c.tick(tickCtx, location)
		return nil
	}, "scan", location)
	c.active[location] = s
	c.metrics.ActiveScans.Set(float64(len(c.active)))
	c.logger.Info(ctx, "scanning started", slog.F("location", location), slog.F("interval", c.interval))
	return Started
}

func (c *Controller) tick(ctx context.Context, location string) {
	if c.load != nil && c.load.UnderLoad() {
		c.metrics.ScansThrottled.Inc()
		c.logger.Debug(ctx, "scan throttled", slog.F("location", location))
		return
	}
	err := c.requester.RequestScan(ctx, Request{Location: location, RequestedAt: c.clock.Now()})
	if err != nil {
		c.metrics.ScanRequestFails.Inc()
		c.logger.Warn(ctx, "scan request failed", slog.F("location", location), slog.Error(err))
		return
	}
	c.metrics.ScansRequested.Inc()
}

// Stop cancels scanning at location and waits for its ticker to exit. It
// reports whether the location was being scanned.
func (c *Controller) Stop(location string) bool {
	c.mu.Lock()
	s, ok := c.active[location]
	if ok {
		delete(c.active, location)
		c.metrics.ActiveScans.Set(float64(len(c.active)))
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	_ = s.waiter.Wait()
	c.logger.Info(context.Background(), "scanning stopped", slog.F("location", location))
	return true
}

// StopAll stops every location.
func (c *Controller) StopAll() {
	for _, loc := range c.Active() {
		c.Stop(loc)
	}
}

// Active lists the scanned locations in order.
func (c *Controller) Active() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.active))
	for loc := range c.active {
		out = append(out, loc)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}
