package fieldsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ikeys "github.com/fieldsync/fieldsync-go/internal/keys"
	"github.com/stretchr/testify/require"
)

// fakeTransport counts attempts, tracks peak concurrency and fails on demand.
type fakeTransport struct {
	mu         sync.Mutex
	attempts   int
	failures   int // fail this many initial attempts, then succeed
	alwaysFail bool
	err        error
	delay      time.Duration
	cur, peak  int
}

func (f *fakeTransport) Upload(ctx context.Context, r *Report) error {
	f.mu.Lock()
	f.attempts++
	n := f.attempts
	f.cur++
	if f.cur > f.peak {
		f.peak = f.cur
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.cur--
	fail := f.alwaysFail || n <= f.failures
	err := f.err
	f.mu.Unlock()

	if fail {
		if err == nil {
			err = errors.New("transport down")
		}
		return err
	}
	return nil
}

func (f *fakeTransport) stats() (attempts, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, f.peak
}

func (f *fakeTransport) setAlwaysFail(v bool) {
	f.mu.Lock()
	f.alwaysFail = v
	f.mu.Unlock()
}

func newTestEngine(t *testing.T, tr Transport, online bool, cfg Config) (*Engine, *Store, *ManualConnectivity) {
	t.Helper()
	rdb, done := newMiniClient(t)
	t.Cleanup(done)
	st := NewStore(rdb, "t-engine")
	conn := NewManualConnectivity(online)
	e := NewEngine(st, tr, conn, cfg)
	e.Start()
	t.Cleanup(e.Stop)
	return e, st, conn
}

func waitStatus(t *testing.T, st *Store, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := st.Get(context.Background(), id)
		return err == nil && r.Status == want
	}, 3*time.Second, 10*time.Millisecond, "record %s never reached %s", id, want)
}

func TestEngine_OfflineSaveThenOnline(t *testing.T) {
	tr := &fakeTransport{}
	e, st, conn := newTestEngine(t, tr, false, Config{})
	ctx := context.Background()

	raw := makeJPEG(t, 1600, 900)
	id, err := e.Save(ctx, Draft{
		TaskType:    "patrol",
		Site:        "gate",
		Description: "all clear",
		Severity:    "info",
		RawImage:    raw,
	})
	require.NoError(t, err)

	// persisted locally, compressed, still pending; nothing uploaded offline
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.NotEmpty(t, got.Image)
	require.LessOrEqual(t, len(got.Image), len(raw))
	attempts, _ := tr.stats()
	require.Zero(t, attempts)

	n, err := e.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// network restored: record is driven to completed within one pass
	conn.Set(true)
	waitStatus(t, st, id, StatusCompleted)
	attempts, _ = tr.stats()
	require.Equal(t, 1, attempts)
}

func TestEngine_RetriesThenSucceeds(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	e, st, _ := newTestEngine(t, tr, true, Config{
		MaxRetries: 3,
		BaseDelay:  5 * time.Millisecond,
	})

	id, err := e.Save(context.Background(), Draft{TaskType: "patrol"})
	require.NoError(t, err)

	waitStatus(t, st, id, StatusCompleted)
	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 2, got.Retry)
	attempts, _ := tr.stats()
	require.Equal(t, 3, attempts)
}

func TestEngine_RetriesExhausted_Terminal(t *testing.T) {
	tr := &fakeTransport{alwaysFail: true}
	e, st, _ := newTestEngine(t, tr, true, Config{
		MaxRetries: 3,
		BaseDelay:  5 * time.Millisecond,
	})
	ctx := context.Background()

	id, err := e.Save(ctx, Draft{TaskType: "patrol"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := st.Get(ctx, id)
		return err == nil && r.Status == StatusFailed && r.Retry == 3
	}, 3*time.Second, 10*time.Millisecond)

	// no further automatic attempts
	attempts, _ := tr.stats()
	require.Equal(t, 3, attempts)
	time.Sleep(100 * time.Millisecond)
	attempts, _ = tr.stats()
	require.Equal(t, 3, attempts)

	// terminal records are not owed anymore
	n, err := e.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, _ := st.Get(ctx, id)
	require.Equal(t, "transport down", got.LastError)
}

func TestEngine_RecoversStrandedRecordsAfterRestart(t *testing.T) {
	rdb, done := newMiniClient(t)
	t.Cleanup(done)
	st := NewStore(rdb, "t-engine")
	ctx := context.Background()

	// Simulate a prior process that died mid-delivery: one record failed with
	// retries remaining (its retry timer died with the process), one stuck in
	// uploading, and one terminally failed.
	id1, err := st.Save(ctx, &Report{TaskType: "patrol"})
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, id1, StatusFailed, 1, "boom"))
	id2, err := st.Save(ctx, &Report{TaskType: "patrol"})
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, id2, StatusUploading, KeepRetry, ""))
	id3, err := st.Save(ctx, &Report{TaskType: "patrol"})
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, id3, StatusFailed, 3, "gone"))

	tr := &fakeTransport{}
	conn := NewManualConnectivity(true)
	e := NewEngine(st, tr, conn, Config{MaxRetries: 3})
	e.Start()
	t.Cleanup(e.Stop)

	// the fresh engine drives both recoverable records to completed
	waitStatus(t, st, id1, StatusCompleted)
	waitStatus(t, st, id2, StatusCompleted)

	// retry counter carried across the restart
	got, err := st.Get(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, 1, got.Retry)

	// the terminal record is left alone
	got3, err := st.Get(ctx, id3)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got3.Status)
	require.Equal(t, 3, got3.Retry)
	attempts, _ := tr.stats()
	require.Equal(t, 2, attempts)
}

func TestEngine_BatchBoundsConcurrency(t *testing.T) {
	tr := &fakeTransport{delay: 20 * time.Millisecond}
	e, st, _ := newTestEngine(t, tr, true, Config{BatchSize: 5})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := st.Save(ctx, &Report{TaskType: "patrol"})
		require.NoError(t, err)
	}
	e.SyncNow()

	require.Eventually(t, func() bool {
		attempts, _ := tr.stats()
		return attempts == 12
	}, 3*time.Second, 10*time.Millisecond)
	_, peak := tr.stats()
	require.LessOrEqual(t, peak, 5)

	n, err := st.CountByStatus(ctx, StatusCompleted)
	require.NoError(t, err)
	require.Equal(t, int64(12), n)
}

func TestEngine_SingleFlightPass(t *testing.T) {
	tr := &fakeTransport{delay: 50 * time.Millisecond}
	e, st, _ := newTestEngine(t, tr, true, Config{})
	ctx := context.Background()

	_, err := st.Save(ctx, &Report{TaskType: "patrol"})
	require.NoError(t, err)

	// overlapping triggers collapse into one pass / one attempt
	for i := 0; i < 5; i++ {
		e.SyncNow()
	}
	time.Sleep(200 * time.Millisecond)
	attempts, _ := tr.stats()
	require.Equal(t, 1, attempts)
}

func TestEngine_CompletedGarbageCollected(t *testing.T) {
	tr := &fakeTransport{}
	e, st, _ := newTestEngine(t, tr, true, Config{DeleteGrace: 20 * time.Millisecond})
	ctx := context.Background()

	id, err := e.Save(ctx, Draft{TaskType: "patrol"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := st.Get(ctx, id)
		return err == ErrRecordNotFound
	}, 3*time.Second, 10*time.Millisecond)

	// the ID reservation is released with the record
	isMember, _ := st.rdb.SIsMember(ctx, ikeys.Unique("t-engine"), id).Result()
	require.False(t, isMember)
}

func TestEngine_DiscardCancelsRetry(t *testing.T) {
	tr := &fakeTransport{alwaysFail: true}
	e, st, _ := newTestEngine(t, tr, true, Config{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
	})
	ctx := context.Background()

	id, err := e.Save(ctx, Draft{TaskType: "patrol"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		attempts, _ := tr.stats()
		return attempts == 1
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Discard(ctx, id))
	_, err = st.Get(ctx, id)
	require.ErrorIs(t, err, ErrRecordNotFound)

	// the scheduled retry must not act on the vanished record
	time.Sleep(200 * time.Millisecond)
	attempts, _ := tr.stats()
	require.Equal(t, 1, attempts)
}

func TestEngine_ResyncRearmsTerminalRecord(t *testing.T) {
	tr := &fakeTransport{alwaysFail: true}
	e, st, _ := newTestEngine(t, tr, true, Config{
		MaxRetries: 1,
		BaseDelay:  5 * time.Millisecond,
	})
	ctx := context.Background()

	id, err := e.Save(ctx, Draft{TaskType: "patrol"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := st.Get(ctx, id)
		return err == nil && r.Status == StatusFailed && r.Retry == 1
	}, 3*time.Second, 10*time.Millisecond)

	// operator fixes the backend, re-arms the record
	tr.setAlwaysFail(false)
	require.NoError(t, e.Resync(ctx, id))
	waitStatus(t, st, id, StatusCompleted)
	got, _ := st.Get(ctx, id)
	require.Equal(t, 0, got.Retry)
}

func TestEngine_ResyncRejectsNonFailed(t *testing.T) {
	tr := &fakeTransport{}
	e, st, _ := newTestEngine(t, tr, false, Config{})
	ctx := context.Background()

	id, err := st.Save(ctx, &Report{TaskType: "patrol"})
	require.NoError(t, err)
	err = e.Resync(ctx, id)
	require.ErrorIs(t, err, ErrNotResyncable)

	err = e.Resync(ctx, "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestEngine_PermanentFailFast(t *testing.T) {
	tr := &fakeTransport{alwaysFail: true, err: &PermanentError{Err: errors.New("malformed payload")}}
	e, st, _ := newTestEngine(t, tr, true, Config{
		MaxRetries:        3,
		BaseDelay:         5 * time.Millisecond,
		FailFastPermanent: true,
	})
	ctx := context.Background()

	id, err := e.Save(ctx, Draft{TaskType: "patrol"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := st.Get(ctx, id)
		return err == nil && r.Status == StatusFailed && r.Retry == 3
	}, 3*time.Second, 10*time.Millisecond)

	// exactly one attempt: permanent rejection skipped the retry ladder
	time.Sleep(100 * time.Millisecond)
	attempts, _ := tr.stats()
	require.Equal(t, 1, attempts)
}

func TestEngine_PermanentRetriedByDefault(t *testing.T) {
	tr := &fakeTransport{failures: 1, err: &PermanentError{Err: errors.New("malformed payload")}}
	e, st, _ := newTestEngine(t, tr, true, Config{
		MaxRetries: 3,
		BaseDelay:  5 * time.Millisecond,
	})

	id, err := e.Save(context.Background(), Draft{TaskType: "patrol"})
	require.NoError(t, err)

	// default policy treats permanent like any transport error and retries
	waitStatus(t, st, id, StatusCompleted)
	got, _ := st.Get(context.Background(), id)
	require.Equal(t, 1, got.Retry)
}

func TestEngine_SaveRejectsUndecodableImage(t *testing.T) {
	tr := &fakeTransport{}
	e, st, _ := newTestEngine(t, tr, true, Config{})
	ctx := context.Background()

	_, err := e.Save(ctx, Draft{TaskType: "patrol", RawImage: []byte("garbage")})
	require.ErrorIs(t, err, ErrDecodeImage)

	// nothing half-formed was persisted
	n, err := st.CountByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngine_OfflineIsNoOp(t *testing.T) {
	tr := &fakeTransport{}
	e, st, _ := newTestEngine(t, tr, false, Config{})
	ctx := context.Background()

	id, err := e.Save(ctx, Draft{TaskType: "patrol"})
	require.NoError(t, err)
	e.SyncNow()

	time.Sleep(100 * time.Millisecond)
	attempts, _ := tr.stats()
	require.Zero(t, attempts)
	got, _ := st.Get(ctx, id)
	require.Equal(t, StatusPending, got.Status)
}

func TestEngine_BackoffGrowth(t *testing.T) {
	e := NewEngine(nil, nil, nil, Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second})
	require.Equal(t, 2*time.Second, e.backoff(1))
	require.Equal(t, 4*time.Second, e.backoff(2))
	require.Equal(t, 8*time.Second, e.backoff(3))
	// capped
	require.Equal(t, 10*time.Second, e.backoff(4))
	require.Equal(t, 10*time.Second, e.backoff(20))
}
