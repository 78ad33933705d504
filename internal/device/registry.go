package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/xerrors"

	"bleattend/internal/metrics"
)

const (
	DefaultDeviceTimeout = 30 * time.Minute
	DefaultDrainInterval = 2 * time.Second
	DefaultMaxQueueSize  = 1000
	maxRetryInterval     = time.Minute
)

// LoadSignal reports whether work should be shed.
type LoadSignal interface {
	UnderLoad() bool
}

// Options configures a Registry. Store and Load are required.
type Options struct {
	Store         Store
	Load          LoadSignal
	Clock         quartz.Clock
	Logger        slog.Logger
	Metrics       *metrics.Metrics
	DeviceTimeout time.Duration
	DrainInterval time.Duration
	MaxQueueSize  int
	// NewBackOff builds the retry policy for one queued registration.
	NewBackOff func() backoff.BackOff
}

type pending struct {
	reg       Registration
	queuedAt  time.Time
	notBefore time.Time
	attempts  int
	bo        backoff.BackOff
}

// Registry fronts the device store with a cache keyed by MAC address and
// defers new registrations while the host is under load.
type Registry struct {
	store      Store
	load       LoadSignal
	clock      quartz.Clock
	logger     slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	interval   time.Duration
	maxQueue   int
	newBackOff func() backoff.BackOff

	// mu guards the cache read-modify-write cycles, byID and dirty.
	mu    sync.Mutex
	cache *ttlcache.Cache[string, Device]
	byID  map[string]string
	dirty map[string]struct{}

	qmu   sync.Mutex
	queue []*pending
}

// NewRegistry creates a registry. Call Start to begin draining the queue.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = DefaultDeviceTimeout
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	r := &Registry{
		store:    opts.Store,
		load:     opts.Load,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("device_registry"),
		metrics:  opts.Metrics,
		timeout:  opts.DeviceTimeout,
		interval: opts.DrainInterval,
		maxQueue: opts.MaxQueueSize,
		cache: ttlcache.New[string, Device](
			ttlcache.WithTTL[string, Device](opts.DeviceTimeout),
		),
		byID:  make(map[string]string),
		dirty: make(map[string]struct{}),
	}
	r.newBackOff = opts.NewBackOff
	if r.newBackOff == nil {
		r.newBackOff = r.defaultBackOff
	}
	return r
}

func (r *Registry) defaultBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.interval
	eb.MaxInterval = maxRetryInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (r *Registry) underLoad() bool {
	return r.load != nil && r.load.UnderLoad()
}

// Register adds a device or refreshes an existing one. A brand-new MAC seen
// while the host is under load is queued instead of written.
func (r *Registry) Register(ctx context.Context, reg Registration) (RegisterResult, error) {
	mac, err := NormalizeMAC(reg.MACAddress)
	if err != nil {
		return RegisterResult{}, err
	}
	if reg.UserID == "" {
		return RegisterResult{}, xerrors.New("user id required")
	}
	reg.MACAddress = mac
	now := r.clock.Now()
	load := r.underLoad()

	existing, err := r.ByMAC(ctx, mac)
	if err != nil {
		return RegisterResult{}, xerrors.Errorf("look up %s: %w", mac, err)
	}
	if existing != nil {
		if err := r.touch(ctx, *existing, now, load); err != nil {
			return RegisterResult{}, err
		}
		r.metrics.Registrations.WithLabelValues("existing").Inc()
		return RegisterResult{DeviceID: existing.ID}, nil
	}

	if load {
		if err := r.enqueue(reg, now); err != nil {
			r.metrics.Registrations.WithLabelValues("rejected").Inc()
			return RegisterResult{}, err
		}
		r.metrics.Registrations.WithLabelValues("queued").Inc()
		r.logger.Info(ctx, "registration deferred under load",
			slog.F("mac_address", mac), slog.F("user_id", reg.UserID))
		return RegisterResult{Queued: true}, nil
	}

	d, err := r.create(ctx, reg, now)
	if err != nil {
		return RegisterResult{}, err
	}
	r.metrics.Registrations.WithLabelValues("created").Inc()
	return RegisterResult{DeviceID: d.ID}, nil
}

func (r *Registry) create(ctx context.Context, reg Registration, now time.Time) (Device, error) {
	d, err := r.store.Create(ctx, Device{
		ID:           uuid.NewString(),
		UserID:       reg.UserID,
		MACAddress:   reg.MACAddress,
		DeviceName:   reg.DeviceName,
		DeviceType:   reg.DeviceType,
		IsActive:     true,
		RegisteredAt: now,
		LastSeen:     now,
	})
	if err != nil {
		return Device{}, xerrors.Errorf("create device %s: %w", reg.MACAddress, err)
	}
	r.put(d)
	r.logger.Info(ctx, "device registered",
		slog.F("device_id", d.ID), slog.F("mac_address", d.MACAddress), slog.F("user_id", d.UserID))
	return d, nil
}

// touch refreshes lastSeen. Under load only the cached copy changes.
func (r *Registry) touch(ctx context.Context, d Device, now time.Time, load bool) error {
	d.LastSeen = now
	if load {
		r.mu.Lock()
		r.setLocked(d)
		r.dirty[d.MACAddress] = struct{}{}
		r.mu.Unlock()
		r.gauges()
		return nil
	}
	if err := r.store.Touch(ctx, d.ID, now); err != nil {
		return xerrors.Errorf("touch device %s: %w", d.ID, err)
	}
	r.put(d)
	return nil
}

func (r *Registry) enqueue(reg Registration, now time.Time) error {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	for _, p := range r.queue {
		if p.reg.MACAddress == reg.MACAddress {
			return nil
		}
	}
	if len(r.queue) >= r.maxQueue {
		return xerrors.Errorf("%w: %d pending", ErrQueueFull, len(r.queue))
	}
	r.queue = append(r.queue, &pending{reg: reg, queuedAt: now, notBefore: now, bo: r.newBackOff()})
	r.metrics.RegistrationQ.Set(float64(len(r.queue)))
	return nil
}

// ByMAC returns the device for mac, or nil when none is registered. The cache
// is consulted first and filled on a store hit.
func (r *Registry) ByMAC(ctx context.Context, mac string) (*Device, error) {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	if item := r.cache.Get(mac); item != nil {
		d := item.Value()
		return &d, nil
	}
	d, err := r.store.ByMAC(ctx, mac)
	if err != nil || d == nil {
		return nil, err
	}
	r.put(*d)
	return d, nil
}

// UpdateStatus records a heartbeat. Under load only the cached copy is changed
// and the device is flushed by a later drain; an uncached device is skipped.
func (r *Registry) UpdateStatus(ctx context.Context, upd StatusUpdate) error {
	now := r.clock.Now()
	if r.underLoad() {
		r.mu.Lock()
		mac, ok := r.byID[upd.DeviceID]
		var item *ttlcache.Item[string, Device]
		if ok {
			item = r.cache.Get(mac)
		}
		if item == nil {
			r.mu.Unlock()
			r.logger.Debug(ctx, "status update dropped under load", slog.F("device_id", upd.DeviceID))
			return nil
		}
		d := item.Value()
		upd.apply(&d, now)
		r.setLocked(d)
		r.dirty[mac] = struct{}{}
		r.mu.Unlock()
		r.gauges()
		return nil
	}

	d, err := r.store.UpdateStatus(ctx, upd, now)
	if err != nil {
		return xerrors.Errorf("update device %s: %w", upd.DeviceID, err)
	}
	r.mu.Lock()
	delete(r.dirty, d.MACAddress)
	r.setLocked(d)
	r.mu.Unlock()
	r.gauges()
	return nil
}

// Active lists active devices, most recently seen first. Under load the page
// is cut from whatever is cached.
func (r *Registry) Active(ctx context.Context, limit, offset int) ([]Device, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if !r.underLoad() {
		return r.store.ListActive(ctx, limit, offset)
	}

	var all []Device
	r.cache.Range(func(item *ttlcache.Item[string, Device]) bool {
		if d := item.Value(); d.IsActive {
			all = append(all, d)
		}
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].LastSeen.Equal(all[j].LastSeen) {
			return all[i].ID < all[j].ID
		}
		return all[i].LastSeen.After(all[j].LastSeen)
	})
	if offset >= len(all) {
		return []Device{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// Deactivate marks a device inactive in storage and in the cache.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if err := r.store.Deactivate(ctx, id); err != nil {
		return xerrors.Errorf("deactivate device %s: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if mac, ok := r.byID[id]; ok {
		if item := r.cache.Get(mac); item != nil {
			d := item.Value()
			d.IsActive = false
			r.setLocked(d)
		}
	}
	return nil
}

// ClearCache empties the cache, dropping unflushed status updates.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.cache.DeleteAll()
	r.byID = make(map[string]string)
	r.dirty = make(map[string]struct{})
	r.mu.Unlock()
	r.gauges()
	r.logger.Info(context.Background(), "device cache cleared")
}

// ClearQueue discards every pending registration and returns how many there
// were.
func (r *Registry) ClearQueue() int {
	r.qmu.Lock()
	n := len(r.queue)
	r.queue = nil
	r.qmu.Unlock()
	r.metrics.RegistrationQ.Set(0)
	r.logger.Info(context.Background(), "registration queue cleared", slog.F("dropped", n))
	return n
}

// CleanupInactive evicts cached devices not seen within the device timeout.
// Devices with unflushed updates are kept.
func (r *Registry) CleanupInactive() int {
	cutoff := r.clock.Now().Add(-r.timeout)
	r.mu.Lock()
	var stale []Device
	r.cache.Range(func(item *ttlcache.Item[string, Device]) bool {
		d := item.Value()
		if _, isDirty := r.dirty[d.MACAddress]; !isDirty && d.LastSeen.Before(cutoff) {
			stale = append(stale, d)
		}
		return true
	})
	for _, d := range stale {
		r.cache.Delete(d.MACAddress)
		delete(r.byID, d.ID)
	}
	r.cache.DeleteExpired()
	r.mu.Unlock()
	r.gauges()
	if len(stale) > 0 {
		r.logger.Debug(context.Background(), "evicted inactive devices", slog.F("count", len(stale)))
	}
	return len(stale)
}

// Stats reports cache and queue sizes.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	cached, dirty := r.cache.Len(), len(r.dirty)
	r.mu.Unlock()
	return RegistryStats{
		CachedDevices: cached,
		Queued:        r.QueueLen(),
		DirtyDevices:  dirty,
		UnderLoad:     r.underLoad(),
		DeviceTimeout: r.timeout,
	}
}

// QueueLen returns the number of pending registrations.
func (r *Registry) QueueLen() int {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	return len(r.queue)
}

// DrainResult describes one drain tick.
type DrainResult struct {
	Skipped    bool   `json:"skipped"`
	Registered string `json:"registered,omitempty"`
	Requeued   bool   `json:"requeued"`
	Flushed    int    `json:"flushed"`
}

// Start drains the queue every drain interval until ctx is done.
func (r *Registry) Start(ctx context.Context) quartz.Waiter {
	r.logger.Info(ctx, "registration drain started", slog.F("interval", r.interval))
	return r.clock.TickerFunc(ctx, r.interval, func() error {
		r.DrainOnce(ctx)
		return nil
	}, "registration_drain")
}

// DrainOnce attempts the oldest ready registration and flushes cached status
// updates. Nothing happens while the host is under load.
func (r *Registry) DrainOnce(ctx context.Context) DrainResult {
	if r.underLoad() {
		return DrainResult{Skipped: true}
	}
	var res DrainResult
	res.Flushed = r.flush(ctx)

	now := r.clock.Now()
	p := r.nextReady(now)
	if p == nil {
		return res
	}
	p.attempts++
	d, err := r.create(ctx, p.reg, now)
	if err != nil {
		wait := p.bo.NextBackOff()
		if wait == backoff.Stop {
			wait = maxRetryInterval
		}
		p.notBefore = now.Add(wait)
		r.requeue(p)
		res.Requeued = true
		r.metrics.Registrations.WithLabelValues("retry").Inc()
		r.logger.Warn(ctx, "queued registration failed",
			slog.F("mac_address", p.reg.MACAddress), slog.F("attempts", p.attempts),
			slog.F("retry_in", wait), slog.Error(err))
		return res
	}
	res.Registered = d.ID
	r.metrics.Registrations.WithLabelValues("drained").Inc()
	r.logger.Info(ctx, "queued registration completed",
		slog.F("device_id", d.ID), slog.F("waited", now.Sub(p.queuedAt)), slog.F("attempts", p.attempts))
	return res
}

// nextReady removes and returns the first pending registration whose backoff
// has elapsed.
func (r *Registry) nextReady(now time.Time) *pending {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	for i, p := range r.queue {
		if p.notBefore.After(now) {
			continue
		}
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		r.metrics.RegistrationQ.Set(float64(len(r.queue)))
		return p
	}
	return nil
}

func (r *Registry) requeue(p *pending) {
	r.qmu.Lock()
	r.queue = append(r.queue, p)
	r.metrics.RegistrationQ.Set(float64(len(r.queue)))
	r.qmu.Unlock()
}

// flush writes dirty cached devices through to the store.
func (r *Registry) flush(ctx context.Context) int {
	r.mu.Lock()
	var todo []Device
	for mac := range r.dirty {
		item := r.cache.Get(mac)
		if item == nil {
			delete(r.dirty, mac)
			continue
		}
		todo = append(todo, item.Value())
	}
	r.mu.Unlock()

	flushed := 0
	for _, d := range todo {
		if _, err := r.store.UpdateStatus(ctx, statusOf(d), d.LastSeen); err != nil {
			r.logger.Warn(ctx, "flush device status", slog.F("device_id", d.ID), slog.Error(err))
			continue
		}
		flushed++
		r.mu.Lock()
		if item := r.cache.Get(d.MACAddress); item != nil && !item.Value().LastSeen.After(d.LastSeen) {
			delete(r.dirty, d.MACAddress)
		}
		r.mu.Unlock()
	}
	r.gauges()
	return flushed
}

func (r *Registry) put(d Device) {
	r.mu.Lock()
	r.setLocked(d)
	r.mu.Unlock()
	r.gauges()
}

func (r *Registry) setLocked(d Device) {
	r.cache.Set(d.MACAddress, d, ttlcache.DefaultTTL)
	r.byID[d.ID] = d.MACAddress
}

func (r *Registry) gauges() {
	r.mu.Lock()
	cached, dirty := r.cache.Len(), len(r.dirty)
	r.mu.Unlock()
	r.metrics.CachedDevices.Set(float64(cached))
	r.metrics.DirtyDevices.Set(float64(dirty))
}
