package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Spok95/school-attendance/internal/db/inmem"
	"github.com/Spok95/school-attendance/internal/models"
	"github.com/Spok95/school-attendance/internal/roster"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  []string
	fails int
	err   error
	calls atomic.Int64
}

func (f *fakeTransport) Channel() string { return "telegram" }

func (f *fakeTransport) Send(_ context.Context, address, text string) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return f.err
	}
	f.sent = append(f.sent, address+": "+text)
	return nil
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newDispatcher(t *testing.T, store Store, tr Transport, cfg Config) (*Dispatcher, context.Context) {
	t.Helper()
	d := NewDispatcher(store, cfg, zap.NewNop(), tr)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d, ctx
}

var (
	key    = models.RecordKey{PersonID: "student:1", Date: "2024-09-02"}
	parent = roster.Target{Channel: "telegram", Address: "1001"}
)

func TestBackoff_DoublesUpToCap(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 8*time.Second, cfg.Backoff(4))
	assert.Equal(t, 10*time.Second, cfg.Backoff(5))
	assert.Equal(t, 10*time.Second, cfg.Backoff(50))
}

func TestDispatcher_SendsOncePerRecordAndChannel(t *testing.T) {
	store := inmem.NewStore()
	require.NoError(t, store.SaveDay(context.Background(), nil, nil, models.DailyRecord{PersonID: key.PersonID, Date: key.Date}))
	tr := &fakeTransport{}
	d, ctx := newDispatcher(t, store, tr, Config{Workers: 4})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Trigger(key, []roster.Target{parent}, "пришёл")
		}()
	}
	wg.Wait()
	require.NoError(t, d.Drain(ctx))

	// повтор после отправки — no-op
	d.Trigger(key, []roster.Target{parent}, "пришёл")
	require.NoError(t, d.Drain(ctx))

	assert.Equal(t, []string{"1001: пришёл"}, tr.messages())
	n, err := store.GetNotification(ctx, key.String(), parent.ID())
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, n.Status)
	assert.Equal(t, 1, n.AttemptCount)

	rec, err := store.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.Notified)
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	store := inmem.NewStore()
	tr := &fakeTransport{fails: 2, err: errors.New("503 Service Unavailable")}
	d, ctx := newDispatcher(t, store, tr, Config{MaxAttempts: 5})

	d.Trigger(key, []roster.Target{parent}, "пришёл")
	require.NoError(t, d.Drain(ctx))

	n, err := store.GetNotification(ctx, key.String(), parent.ID())
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, n.Status)
	assert.Equal(t, 3, n.AttemptCount)
	assert.Len(t, tr.messages(), 1)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	store := inmem.NewStore()
	tr := &fakeTransport{fails: 100, err: errors.New("timeout")}
	d, ctx := newDispatcher(t, store, tr, Config{MaxAttempts: 3})

	d.Trigger(key, []roster.Target{parent}, "пришёл")
	require.NoError(t, d.Drain(ctx))

	n, err := store.GetNotification(ctx, key.String(), parent.ID())
	require.NoError(t, err)
	assert.Equal(t, models.NotificationFailedPermanent, n.Status)
	assert.Equal(t, 3, n.AttemptCount)
	assert.Equal(t, "timeout", n.LastError)
	assert.Equal(t, int64(3), tr.calls.Load())
}

func TestDispatcher_PermanentErrorStopsImmediately(t *testing.T) {
	store := inmem.NewStore()
	tr := &fakeTransport{fails: 1, err: Permanent(errors.New("chat not found"))}
	d, ctx := newDispatcher(t, store, tr, Config{MaxAttempts: 5})

	d.Trigger(key, []roster.Target{parent}, "пришёл")
	require.NoError(t, d.Drain(ctx))

	n, err := store.GetNotification(ctx, key.String(), parent.ID())
	require.NoError(t, err)
	assert.Equal(t, models.NotificationFailedPermanent, n.Status)
	assert.Equal(t, 1, n.AttemptCount)
}

func TestDispatcher_UnknownChannelFails(t *testing.T) {
	store := inmem.NewStore()
	d, ctx := newDispatcher(t, store, &fakeTransport{}, Config{})

	sms := roster.Target{Channel: "sms", Address: "+700"}
	d.Trigger(key, []roster.Target{sms}, "пришёл")
	require.NoError(t, d.Drain(ctx))

	n, err := store.GetNotification(ctx, key.String(), sms.ID())
	require.NoError(t, err)
	assert.Equal(t, models.NotificationFailedPermanent, n.Status)
}

func TestDispatcher_PendingJobTakesLatestPayload(t *testing.T) {
	store := inmem.NewStore()
	tr := &fakeTransport{}
	// воркеры не запущены: обе задачи копятся в очереди
	d := NewDispatcher(store, Config{}, zap.NewNop(), tr)

	d.Trigger(key, []roster.Target{parent}, "v1")
	d.Trigger(key, []roster.Target{parent}, "v2")
	require.Len(t, d.queue, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, []string{"1001: v2"}, tr.messages())
}

func TestDispatcher_ResumeRequeuesPending(t *testing.T) {
	store := inmem.NewStore()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, store.UpsertNotification(context.Background(), models.NotificationRecord{
		RecordKey: key.String(), Channel: parent.ID(), Status: models.NotificationPending,
		AttemptCount: 1, Payload: "пришёл", UpdatedAt: old,
	}))
	require.NoError(t, store.UpsertNotification(context.Background(), models.NotificationRecord{
		RecordKey: "student:2/2024-09-02", Channel: parent.ID(), Status: models.NotificationSent, UpdatedAt: old,
	}))
	tr := &fakeTransport{}
	d, ctx := newDispatcher(t, store, tr, Config{})

	n, err := d.Resume(ctx, time.Now().Add(-time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, d.Drain(ctx))

	rec, err := store.GetNotification(ctx, key.String(), parent.ID())
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
}

func TestParseIDs(t *testing.T) {
	k, target, err := parseIDs("staff:7/2024-09-02", "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, models.RecordKey{PersonID: "staff:7", Date: "2024-09-02"}, k)
	assert.Equal(t, roster.Target{Channel: "telegram", Address: "42"}, target)

	_, _, err = parseIDs("staff:7", "telegram:42")
	assert.Error(t, err)
	_, _, err = parseIDs("staff:7/2024-09-02", "telegram")
	assert.Error(t, err)
}
