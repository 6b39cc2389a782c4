package fieldsync

import (
	"context"
	"sync"
	"time"
)

// Config defines the sync engine's policy knobs. Zero values fall back to the
// documented defaults.
type Config struct {
	// BatchSize bounds the number of concurrent upload attempts within one
	// sync pass batch. Default 5.
	BatchSize int
	// MaxRetries is the number of failed attempts after which a record
	// becomes terminally failed. Default 3.
	MaxRetries int
	// BaseDelay seeds the exponential backoff between retries. Default 1s.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Default 5m.
	MaxDelay time.Duration
	// SyncInterval is the periodic pass interval while online. Default 30s.
	SyncInterval time.Duration
	// DeleteGrace is how long completed records linger before deletion so a
	// UI can show the final state. Default 5s.
	DeleteGrace time.Duration
	// FailFastPermanent terminates a record immediately when the transport
	// classifies the failure as permanent, instead of retrying it like any
	// other failure. Default false.
	FailFastPermanent bool
	// Logger is the logger used for engine events.
	Logger Logger
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.DeleteGrace <= 0 {
		c.DeleteGrace = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return c
}

// Engine drives pending records to completed, respecting connectivity, the
// batch concurrency limit and the bounded retry policy. It is an explicit
// instance with a Start/Stop lifecycle so tests can run isolated engines.
type Engine struct {
	store     *Store
	transport Transport
	conn      Connectivity
	cfg       Config
	log       Logger

	mu       sync.Mutex
	started  bool
	passing  bool
	inflight map[string]struct{}
	timers   map[string]*time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine creates a sync engine over the given store, transport and
// connectivity signal.
func NewEngine(store *Store, transport Transport, conn Connectivity, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:     store,
		transport: transport,
		conn:      conn,
		cfg:       cfg,
		log:       cfg.Logger,
		inflight:  make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
	}
}

// Start launches the trigger loop. It is idempotent and non-blocking.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.log.Warnf("engine already started; ignoring Start()")
		e.mu.Unlock()
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()
	e.log.Infof("engine starting: batch=%d max_retries=%d interval=%s", e.cfg.BatchSize, e.cfg.MaxRetries, e.cfg.SyncInterval)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// Recovery pass: records stranded in uploading or failed by a previous
		// process have no timer or completion path anymore; pick them up now.
		if e.conn.Online() {
			e.syncPass(e.ctx)
		}
		ticker := time.NewTicker(e.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				if e.conn.Online() {
					e.syncPass(e.ctx)
				}
			case online := <-e.conn.Changes():
				if online {
					e.log.Infof("network restored; starting sync pass")
					e.syncPass(e.ctx)
				} else {
					e.log.Debugf("network lost")
				}
			}
		}
	}()
}

// Stop cancels scheduled timers and waits for the trigger loop and any
// in-flight pass work it spawned to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.log.Warnf("engine not started; ignoring Stop()")
		e.mu.Unlock()
		return
	}
	e.started = false
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.cancel()
	e.mu.Unlock()
	e.log.Infof("engine stopping")
	e.wg.Wait()
}

// Save compresses the draft's raw image (if any), persists the record as
// pending and returns its ID. It returns as soon as the record is durable;
// upload happens in the background. While offline the save still succeeds
// locally and the record is picked up when connectivity returns.
//
// Optimizer failures propagate to the caller and nothing is persisted: a
// report whose image cannot be compressed is never stored half-formed.
func (e *Engine) Save(ctx context.Context, d Draft, opts ...Option) (string, error) {
	cfg := &options{profile: ProfileMedium}
	for _, opt := range opts {
		opt(cfg)
	}

	r := &Report{
		TaskType:    d.TaskType,
		Site:        d.Site,
		Description: d.Description,
		Severity:    d.Severity,
		Location:    d.Location,
	}
	if len(d.RawImage) > 0 {
		out, ratio, err := Optimize(d.RawImage, cfg.profile)
		if err != nil {
			return "", err
		}
		e.log.Debugf("image optimized: profile=%s in=%d out=%d ratio=%.2f", cfg.profile, len(d.RawImage), len(out), ratio)
		r.Image = out
	}

	id, err := e.store.Save(ctx, r, opts...)
	if err != nil {
		return "", err
	}
	e.log.Debugf("saved: id=%s task_type=%s", id, r.TaskType)

	// Optimistic fast path: kick a pass right away when online.
	if e.conn.Online() {
		e.SyncNow()
	}
	return id, nil
}

// SyncNow triggers an asynchronous sync pass. It is a no-op while another
// pass is running, while offline, or when the engine is stopped.
func (e *Engine) SyncNow() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		e.syncPass(ctx)
	}()
}

// PendingCount returns the number of records still owed to the server:
// pending, uploading, and failed records with retries remaining. It is
// answered from the local store without any upload-endpoint round trip.
func (e *Engine) PendingCount(ctx context.Context) (int64, error) {
	p, err := e.store.CountByStatus(ctx, StatusPending)
	if err != nil {
		return 0, err
	}
	u, err := e.store.CountByStatus(ctx, StatusUploading)
	if err != nil {
		return 0, err
	}
	failed, err := e.store.ListByStatus(ctx, StatusFailed)
	if err != nil {
		return 0, err
	}
	n := p + u
	for _, r := range failed {
		if r.Retry < e.cfg.MaxRetries {
			n++
		}
	}
	return n, nil
}

// Resync re-arms a terminally failed record: the retry counter is reset, the
// record goes back to pending and a pass is triggered. It returns
// ErrNotResyncable if the record is not in a failed state.
func (e *Engine) Resync(ctx context.Context, id string) error {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != StatusFailed {
		return ErrNotResyncable
	}
	e.cancelTimer(id)
	if err := e.store.UpdateStatus(ctx, id, StatusPending, 0, ""); err != nil {
		return err
	}
	if e.conn.Online() {
		e.SyncNow()
	}
	return nil
}

// Discard deletes a record out-of-band and cancels any retry timer scheduled
// for it so the timer cannot act on a vanished record.
func (e *Engine) Discard(ctx context.Context, id string) error {
	e.cancelTimer(id)
	return e.store.Delete(ctx, id)
}

// syncPass runs one "drive pending records forward" pass. Passes are
// single-flight: overlapping triggers collapse into the running pass.
func (e *Engine) syncPass(ctx context.Context) {
	e.mu.Lock()
	if e.passing {
		e.mu.Unlock()
		return
	}
	e.passing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.passing = false
		e.mu.Unlock()
	}()

	if !e.conn.Online() {
		return
	}

	pending, err := e.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		e.log.Warnf("sync pass: list pending failed: %v", err)
		return
	}
	pending = append(pending, e.reclaimStranded(ctx)...)
	if len(pending) == 0 {
		return
	}
	e.log.Debugf("sync pass: %d pending", len(pending))

	// Batches run sequentially; records within a batch upload concurrently.
	// This bounds peak concurrent transport calls at BatchSize.
	for i := 0; i < len(pending); i += e.cfg.BatchSize {
		select {
		case <-ctx.Done():
			return
		default:
		}
		end := i + e.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		var wg sync.WaitGroup
		for _, r := range pending[i:end] {
			if r.Status == StatusUploading || r.Retry >= e.cfg.MaxRetries {
				continue
			}
			wg.Add(1)
			go func(r *Report) {
				defer wg.Done()
				e.attempt(ctx, r)
			}(r)
		}
		wg.Wait()
	}
}

// reclaimStranded re-enqueues records a previous process left behind:
// uploading records with no attempt in this engine's in-flight set, and
// non-terminal failed records with no armed retry timer. Both kinds would
// otherwise never be driven forward again after a restart. It runs inside the
// single-flight pass, so it cannot race an attempt on the same record.
func (e *Engine) reclaimStranded(ctx context.Context) []*Report {
	var out []*Report

	uploading, err := e.store.ListByStatus(ctx, StatusUploading)
	if err != nil {
		e.log.Warnf("sync pass: list uploading failed: %v", err)
		return out
	}
	for _, r := range uploading {
		e.mu.Lock()
		_, busy := e.inflight[r.ID]
		e.mu.Unlock()
		if busy {
			continue
		}
		if uerr := e.store.UpdateStatus(ctx, r.ID, StatusPending, KeepRetry, ""); uerr != nil {
			if uerr != ErrRecordNotFound {
				e.log.Warnf("sync pass: reclaim uploading failed: id=%s err=%v", r.ID, uerr)
			}
			continue
		}
		e.log.Infof("reclaimed stale upload: id=%s", r.ID)
		r.Status = StatusPending
		out = append(out, r)
	}

	failed, err := e.store.ListByStatus(ctx, StatusFailed)
	if err != nil {
		e.log.Warnf("sync pass: list failed failed: %v", err)
		return out
	}
	for _, r := range failed {
		if r.Retry >= e.cfg.MaxRetries {
			continue
		}
		e.mu.Lock()
		_, armed := e.timers[r.ID]
		e.mu.Unlock()
		if armed {
			continue
		}
		if uerr := e.store.UpdateStatus(ctx, r.ID, StatusPending, KeepRetry, ""); uerr != nil {
			if uerr != ErrRecordNotFound {
				e.log.Warnf("sync pass: re-enqueue failed record: id=%s err=%v", r.ID, uerr)
			}
			continue
		}
		e.log.Infof("re-enqueued stranded retry: id=%s retry=%d", r.ID, r.Retry)
		r.Status = StatusPending
		out = append(out, r)
	}
	return out
}

// attempt performs a single upload attempt for a record. At most one attempt
// per record ID is ever in flight.
func (e *Engine) attempt(ctx context.Context, r *Report) {
	e.mu.Lock()
	if _, busy := e.inflight[r.ID]; busy {
		e.mu.Unlock()
		return
	}
	e.inflight[r.ID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, r.ID)
		e.mu.Unlock()
	}()

	if err := e.store.UpdateStatus(ctx, r.ID, StatusUploading, KeepRetry, ""); err != nil {
		if err == ErrRecordNotFound {
			// deleted mid-flight; abort silently
			e.cancelTimer(r.ID)
			return
		}
		e.log.Warnf("attempt: transition to uploading failed: id=%s err=%v", r.ID, err)
		return
	}

	err := e.transport.Upload(ctx, r)
	if err == nil {
		if uerr := e.store.UpdateStatus(ctx, r.ID, StatusCompleted, KeepRetry, ""); uerr != nil {
			if uerr != ErrRecordNotFound {
				e.log.Warnf("attempt: transition to completed failed: id=%s err=%v", r.ID, uerr)
			}
			return
		}
		e.log.Infof("uploaded: id=%s attempts=%d", r.ID, r.Retry+1)
		e.scheduleDelete(r.ID)
		return
	}

	retry := r.Retry + 1
	if IsPermanent(err) && e.cfg.FailFastPermanent {
		// Terminal right away; force the counter to exhausted so the record
		// is excluded from pending counts and automatic retries.
		if uerr := e.store.UpdateStatus(ctx, r.ID, StatusFailed, e.cfg.MaxRetries, err.Error()); uerr != nil && uerr != ErrRecordNotFound {
			e.log.Warnf("attempt: terminal transition failed: id=%s err=%v", r.ID, uerr)
		}
		e.log.Warnf("permanent rejection: id=%s err=%v", r.ID, err)
		return
	}

	if uerr := e.store.UpdateStatus(ctx, r.ID, StatusFailed, retry, err.Error()); uerr != nil {
		if uerr != ErrRecordNotFound {
			e.log.Warnf("attempt: transition to failed failed: id=%s err=%v", r.ID, uerr)
		}
		return
	}
	if retry >= e.cfg.MaxRetries {
		e.log.Warnf("retries exhausted: id=%s retries=%d err=%v", r.ID, retry, err)
		return
	}
	delay := e.backoff(retry)
	e.log.Warnf("upload failed: id=%s retry=%d next=%s err=%v", r.ID, retry, delay, err)
	e.scheduleRetry(r.ID, delay)
}

// backoff returns min(BaseDelay * 2^retry, MaxDelay).
func (e *Engine) backoff(retry int) time.Duration {
	d := e.cfg.BaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= e.cfg.MaxDelay {
			return e.cfg.MaxDelay
		}
	}
	return d
}

// scheduleRetry arms a one-shot re-enqueue timer for the record. An existing
// timer for the same ID is cancelled and replaced, so a record never has two
// scheduled retries.
func (e *Engine) scheduleRetry(id string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	if old, ok := e.timers[id]; ok {
		old.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() { e.retryFire(id) })
}

// retryFire moves a failed record back to pending and triggers a pass.
func (e *Engine) retryFire(id string) {
	e.mu.Lock()
	delete(e.timers, id)
	if !e.started {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.mu.Unlock()

	// Only re-enqueue if the record is still failed; a recovery pass may have
	// moved it forward already.
	r, err := e.store.Get(ctx, id)
	if err != nil {
		if err != ErrRecordNotFound {
			e.log.Warnf("retry: fetch failed: id=%s err=%v", id, err)
		}
		return
	}
	if r.Status != StatusFailed {
		return
	}
	if err := e.store.UpdateStatus(ctx, id, StatusPending, KeepRetry, ""); err != nil {
		if err != ErrRecordNotFound {
			e.log.Warnf("retry: re-enqueue failed: id=%s err=%v", id, err)
		}
		return
	}
	e.SyncNow()
}

// scheduleDelete garbage-collects a completed record after the grace window,
// so a UI can reflect "completed" before the record disappears.
func (e *Engine) scheduleDelete(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	if old, ok := e.timers[id]; ok {
		old.Stop()
	}
	e.timers[id] = time.AfterFunc(e.cfg.DeleteGrace, func() {
		e.mu.Lock()
		delete(e.timers, id)
		ctx := e.ctx
		started := e.started
		e.mu.Unlock()
		if !started {
			return
		}
		if err := e.store.Delete(ctx, id); err != nil {
			e.log.Warnf("gc: delete failed: id=%s err=%v", id, err)
		} else {
			e.log.Debugf("gc: deleted completed record id=%s", id)
		}
	})
}

func (e *Engine) cancelTimer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}
