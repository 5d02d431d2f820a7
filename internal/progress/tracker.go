package progress

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"s3drive/internal/checkpoint"
)

// Snapshot is a point-in-time view of one transfer's progress
type Snapshot struct {
	TransferID       string
	State            checkpoint.TransferState
	BytesTransferred int64
	Total            int64
	Speed            float64 // bytes/second over the sliding window
	ETA              time.Duration
	UpdatedAt        time.Time
}

// Percent returns the completed fraction in the range [0, 100]
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.BytesTransferred) / float64(s.Total) * 100
}

// Options tunes an Aggregator
type Options struct {
	// Window is the span of byte deltas used for the speed estimate
	Window time.Duration
	// Interval is the minimum gap between two emissions for one transfer
	Interval time.Duration
	// Now replaces the clock in tests
	Now func() time.Time
}

// Aggregator collects part-level byte deltas into per-transfer snapshots
// and publishes them to subscribers
type Aggregator struct {
	mu        sync.Mutex
	window    time.Duration
	interval  time.Duration
	now       func() time.Time
	transfers map[string]*tracked
	subs      map[string]map[*subscription]struct{}
	all       map[*subscription]struct{}
}

type tracked struct {
	total     int64
	committed int64
	inflight  int64
	reported  int64
	state     checkpoint.TransferState
	started   time.Time
	updated   time.Time
	samples   []speedSample
	limiter   *rate.Limiter
	flush     *time.Timer
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

type subscription struct {
	ch     chan Snapshot
	once   sync.Once
	closed bool
}

// NewAggregator creates an aggregator. Zero options fall back to a 5s window
// and a 500ms emission interval.
func NewAggregator(opts Options) *Aggregator {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		window:    opts.Window,
		interval:  opts.Interval,
		now:       opts.Now,
		transfers: make(map[string]*tracked),
		subs:      make(map[string]map[*subscription]struct{}),
		all:       make(map[*subscription]struct{}),
	}
}

// Track starts or restarts tracking a transfer from its persisted state
func (a *Aggregator) Track(id string, total, committed int64, state checkpoint.TransferState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	t, ok := a.transfers[id]
	if !ok {
		t = &tracked{limiter: rate.NewLimiter(rate.Every(a.interval), 1)}
		a.transfers[id] = t
	}
	t.total = total
	t.committed = committed
	t.inflight = 0
	t.state = state
	t.started = now
	t.samples = t.samples[:0]
	a.advance(t, now)
	a.emit(id, t, now)
}

// Add records bytes moved by an in-flight part. A negative delta discards the
// bytes of a failed attempt; reported progress never moves backwards.
func (a *Aggregator) Add(id string, delta int64) {
	if delta == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.transfers[id]
	if !ok {
		return
	}

	now := a.now()
	t.inflight += delta
	if t.inflight < 0 {
		t.inflight = 0
	}
	if delta > 0 {
		t.samples = append(t.samples, speedSample{timestamp: now, bytes: delta})
		a.prune(t, now)
	}
	a.advance(t, now)
	a.maybeEmit(id, t, now)
}

// Commit replaces a finished part's in-flight bytes with the durable total
func (a *Aggregator) Commit(id string, committed, partLen int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.transfers[id]
	if !ok {
		return
	}

	now := a.now()
	t.inflight -= partLen
	if t.inflight < 0 {
		t.inflight = 0
	}
	t.committed = committed
	a.advance(t, now)
	a.maybeEmit(id, t, now)
}

// SetState records a lifecycle change. State changes always emit.
func (a *Aggregator) SetState(id string, state checkpoint.TransferState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.transfers[id]
	if !ok {
		return
	}

	now := a.now()
	t.state = state
	if state == checkpoint.StateCompleted {
		t.committed = t.total
		t.inflight = 0
	}
	if state != checkpoint.StateActive {
		t.inflight = 0
	}
	a.advance(t, now)
	a.emit(id, t, now)
}

// Snapshot returns the current view of a transfer
func (a *Aggregator) Snapshot(id string) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.transfers[id]
	if !ok {
		return Snapshot{}, false
	}
	return a.snapshot(id, t, a.now()), true
}

// Snapshots returns every tracked transfer ordered by id
func (a *Aggregator) Snapshots() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	out := make([]Snapshot, 0, len(a.transfers))
	for id, t := range a.transfers {
		out = append(out, a.snapshot(id, t, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}

// Forget stops tracking a transfer
func (a *Aggregator) Forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.transfers[id]; ok {
		if t.flush != nil {
			t.flush.Stop()
		}
		delete(a.transfers, id)
	}
}

// Subscribe returns a channel of snapshots for one transfer and a function
// that ends the subscription and closes the channel. Slow readers only see
// the latest snapshot.
func (a *Aggregator) Subscribe(id string) (<-chan Snapshot, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub := &subscription{ch: make(chan Snapshot, 1)}
	if a.subs[id] == nil {
		a.subs[id] = make(map[*subscription]struct{})
	}
	a.subs[id][sub] = struct{}{}

	if t, ok := a.transfers[id]; ok {
		sub.deliver(a.snapshot(id, t, a.now()))
	}

	return sub.ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if set := a.subs[id]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(a.subs, id)
			}
		}
		sub.close()
	}
}

// SubscribeAll is Subscribe for every transfer
func (a *Aggregator) SubscribeAll() (<-chan Snapshot, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub := &subscription{ch: make(chan Snapshot, 1)}
	a.all[sub] = struct{}{}

	return sub.ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.all, sub)
		sub.close()
	}
}

// advance clamps the reported byte count (must be called with lock held)
func (a *Aggregator) advance(t *tracked, now time.Time) {
	current := t.committed + t.inflight
	if current > t.total {
		current = t.total
	}
	if current > t.reported {
		t.reported = current
	}
	t.updated = now
}

// maybeEmit publishes unless the transfer emitted within the last interval,
// in which case a trailing emission is scheduled (must be called with lock held)
func (a *Aggregator) maybeEmit(id string, t *tracked, now time.Time) {
	if t.limiter.AllowN(now, 1) {
		a.emit(id, t, now)
		return
	}
	if t.flush != nil {
		return
	}
	t.flush = time.AfterFunc(a.interval, func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		cur, ok := a.transfers[id]
		if !ok || cur != t {
			return
		}
		t.flush = nil
		now := a.now()
		t.limiter.AllowN(now, 1)
		a.emit(id, t, now)
	})
}

// emit delivers the current snapshot (must be called with lock held)
func (a *Aggregator) emit(id string, t *tracked, now time.Time) {
	if t.flush != nil {
		t.flush.Stop()
		t.flush = nil
	}

	snap := a.snapshot(id, t, now)
	for sub := range a.subs[id] {
		sub.deliver(snap)
	}
	for sub := range a.all {
		sub.deliver(snap)
	}
}

// snapshot builds a snapshot (must be called with lock held)
func (a *Aggregator) snapshot(id string, t *tracked, now time.Time) Snapshot {
	snap := Snapshot{
		TransferID:       id,
		State:            t.state,
		BytesTransferred: t.reported,
		Total:            t.total,
		UpdatedAt:        t.updated,
	}
	if t.state != checkpoint.StateActive {
		return snap
	}

	snap.Speed = a.speed(t, now)
	remaining := t.total - t.reported
	if snap.Speed > 0 && remaining > 0 {
		snap.ETA = time.Duration(float64(remaining) / snap.Speed * float64(time.Second))
	}
	return snap
}

// prune drops samples older than the window (must be called with lock held)
func (a *Aggregator) prune(t *tracked, now time.Time) {
	cutoff := now.Add(-a.window)
	stale := 0
	for stale < len(t.samples) && t.samples[stale].timestamp.Before(cutoff) {
		stale++
	}
	t.samples = t.samples[stale:]
}

// speed sums positive deltas inside the window (must be called with lock held)
func (a *Aggregator) speed(t *tracked, now time.Time) float64 {
	a.prune(t, now)

	span := now.Sub(t.started)
	if span > a.window {
		span = a.window
	}
	if span <= 0 {
		return 0
	}

	var recent int64
	for _, s := range t.samples {
		recent += s.bytes
	}
	return float64(recent) / span.Seconds()
}

func (s *subscription) deliver(snap Snapshot) {
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
	}
	// replace the stale snapshot with the latest one
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.closed = true
		close(s.ch)
	})
}
