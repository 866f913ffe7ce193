package carousel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aura-webinar/carousel/internal/models"
	"github.com/aura-webinar/carousel/pkg/docstore"
	"github.com/aura-webinar/carousel/pkg/queue"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var (
	webPres     = Presentation{Name: "web", Autoplay: true, ResumeAfterGesture: true, SeamlessWrap: true}
	mobilePres  = Presentation{Name: "mobile", Autoplay: true}
	compactPres = Presentation{Name: "compact"}
)

// fakeSubscriber hands snapshots to the engine on demand.
type fakeSubscriber struct {
	mu       sync.Mutex
	handlers []docstore.SnapshotHandler
	released int
	failNext error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, collection, orderBy string, handler docstore.SnapshotHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	f.handlers = append(f.handlers, handler)
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.released++
			f.mu.Unlock()
		})
	}, nil
}

func (f *fakeSubscriber) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeSubscriber) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *fakeSubscriber) handler(i int) docstore.SnapshotHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[i]
}

// emit delivers on the latest subscription.
func (f *fakeSubscriber) emit(docs []docstore.Document, err error) {
	f.handler(f.subscriptions()-1)(docstore.Snapshot{Collection: DefaultCollection, Documents: docs, ReadAt: testNow}, err)
}

// fakeUpdater records writes and fails while fail is set.
type fakeUpdater struct {
	mu     sync.Mutex
	writes []Write
	fail   error
}

func (u *fakeUpdater) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writes = append(u.writes, Write{ID: id, IsActive: fields[models.FieldIsActive].(bool)})
	return u.fail
}

func (u *fakeUpdater) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.writes)
}

type fakeActivator struct{}

func (fakeActivator) Resolve(ctx context.Context, s models.Slide) (models.Destination, error) {
	if s.LinkTarget == "" {
		return models.Destination{}, errors.New("no link")
	}
	return models.Destination{Kind: s.LinkKind, URL: s.LinkTarget}, nil
}

func doc(id string, data map[string]any) docstore.Document {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return docstore.Document{ID: id, Data: raw}
}

func active(id string, rank int) docstore.Document {
	return doc(id, map[string]any{"isActive": true, "rank": rank, "title": id})
}

func startEngine(t *testing.T, pres Presentation, cfg Config, store docstore.Subscriber, updater docstore.Updater, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	base := []Option{WithScheduler(clock), WithClock(func() time.Time { return testNow })}
	e := New(pres.Name, pres, cfg, store, updater, append(base, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return e, clock
}

func settle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.sync(ctx))
}

func mainView(t *testing.T, e *Engine) ChannelView {
	t.Helper()
	v, err := e.View(models.ChannelMain)
	require.NoError(t, err)
	return v
}

func TestEngine_ReconcilesExpiredSlide(t *testing.T) {
	store := docstore.NewMemory()
	require.NoError(t, store.Put(DefaultCollection, "S1", map[string]any{
		"isActive": true,
		"rank":     1,
		"endDate":  testNow.Add(-time.Second).Format(time.RFC3339),
	}))
	require.NoError(t, store.Put(DefaultCollection, "S2", map[string]any{"isActive": true, "rank": 2}))

	e, _ := startEngine(t, compactPres, Config{}, store, store)

	require.Eventually(t, func() bool {
		d, err := store.GetOne(context.Background(), DefaultCollection, "S1")
		return err == nil && !gjson.GetBytes(d.Data, "isActive").Bool()
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		v := mainView(t, e)
		return v.Loaded && len(v.Slides) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "S2", mainView(t, e).Slides[0].ID)
}

func TestEngine_OrdersByRank(t *testing.T) {
	store := docstore.NewMemory()
	require.NoError(t, store.Put(DefaultCollection, "A", map[string]any{"isActive": true, "rank": 2}))
	require.NoError(t, store.Put(DefaultCollection, "B", map[string]any{"isActive": true, "rank": 1}))
	require.NoError(t, store.Put(DefaultCollection, "X", map[string]any{"isActive": true, "rank": 1, "channel": "ad"}))

	// an unknown order field keeps snapshot order, so sorting is the partitioner's job
	e, _ := startEngine(t, compactPres, Config{OrderBy: "createdOrder"}, store, store)

	require.Eventually(t, func() bool { return mainView(t, e).Loaded }, time.Second, 5*time.Millisecond)
	slides, loaded := e.CurrentOrdered(models.ChannelMain)
	require.True(t, loaded)
	assert.Equal(t, []string{"B", "A"}, slideIDs(slides))

	ads, _ := e.CurrentOrdered(models.ChannelAd)
	assert.Equal(t, []string{"X"}, slideIDs(ads))
}

func TestEngine_AutoplayCycles(t *testing.T) {
	sub := &fakeSubscriber{}
	e, clock := startEngine(t, mobilePres, Config{Rotation: RotationConfig{Interval: 5 * time.Second}}, sub, nil)
	settle(t, e)

	sub.emit([]docstore.Document{active("a", 1), active("b", 2), active("c", 3)}, nil)
	settle(t, e)
	require.Equal(t, 0, e.CurrentIndex(models.ChannelMain))

	var seen []int
	for range 3 {
		clock.Advance(5 * time.Second)
		settle(t, e)
		seen = append(seen, e.CurrentIndex(models.ChannelMain))
	}
	assert.Equal(t, []int{1, 2, 0}, seen)
}

func TestEngine_FirstPublishDelayed(t *testing.T) {
	sub := &fakeSubscriber{}
	e, clock := startEngine(t, webPres, Config{Rotation: RotationConfig{FirstPublishDelay: 100 * time.Millisecond}}, sub, nil)
	settle(t, e)

	sub.emit([]docstore.Document{active("a", 1), active("b", 2)}, nil)
	settle(t, e)
	assert.False(t, mainView(t, e).Loaded)

	clock.Advance(100 * time.Millisecond)
	settle(t, e)
	v := mainView(t, e)
	assert.True(t, v.Loaded)
	assert.Len(t, v.Slides, 2)
	assert.Equal(t, 0, v.Index)
}

func TestEngine_StreamErrorClearsAndResubscribes(t *testing.T) {
	sub := &fakeSubscriber{}
	e, clock := startEngine(t, webPres, Config{}, sub, nil)
	settle(t, e)
	require.Equal(t, 1, sub.subscriptions())

	snap := []docstore.Document{active("a", 1), active("b", 2)}
	sub.emit(snap, nil)
	settle(t, e)
	require.Len(t, mainView(t, e).Slides, 2)

	sub.emit(nil, errors.New("stream reset"))
	settle(t, e)
	v := mainView(t, e)
	assert.True(t, v.Loaded)
	assert.Empty(t, v.Slides)
	assert.Equal(t, 1, sub.releases())

	// the released subscription is ignored
	sub.handler(0)(docstore.Snapshot{Documents: snap}, nil)
	settle(t, e)
	assert.Empty(t, mainView(t, e).Slides)

	clock.Advance(time.Second)
	settle(t, e)
	require.Equal(t, 2, sub.subscriptions())

	sub.emit(snap, nil)
	settle(t, e)
	assert.Len(t, mainView(t, e).Slides, 2)
}

func TestEngine_SubscribeFailureRetriesWithBackoff(t *testing.T) {
	sub := &fakeSubscriber{failNext: errors.New("unavailable")}
	e, clock := startEngine(t, webPres, Config{ResubscribeMin: time.Second, ResubscribeMax: 4 * time.Second}, sub, nil)
	settle(t, e)

	v := mainView(t, e)
	assert.True(t, v.Loaded)
	assert.Empty(t, v.Slides)
	assert.Zero(t, sub.subscriptions())

	clock.Advance(time.Second)
	settle(t, e)
	assert.Equal(t, 1, sub.subscriptions())
}

func TestEngine_FailedWriteReissued(t *testing.T) {
	sub := &fakeSubscriber{}
	upd := &fakeUpdater{fail: errors.New("write refused")}
	e, _ := startEngine(t, compactPres, Config{}, sub, upd)
	settle(t, e)

	stale := []docstore.Document{doc("S1", map[string]any{
		"isActive": true,
		"endDate":  testNow.Add(-time.Minute).Format(time.RFC3339),
	})}
	sub.emit(stale, nil)

	require.Eventually(t, func() bool {
		sub.emit(stale, nil)
		_ = e.sync(context.Background())
		return upd.count() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_InFlightWriteNotRepeated(t *testing.T) {
	sub := &fakeSubscriber{}
	upd := &fakeUpdater{}
	e, _ := startEngine(t, compactPres, Config{}, sub, upd)
	settle(t, e)

	stale := []docstore.Document{doc("S1", map[string]any{
		"isActive": true,
		"endDate":  testNow.Add(-time.Minute).Format(time.RFC3339),
	})}
	sub.emit(stale, nil)
	require.Eventually(t, func() bool { return upd.count() == 1 }, time.Second, 5*time.Millisecond)

	sub.emit(stale, nil)
	settle(t, e)
	assert.Never(t, func() bool { return upd.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestEngine_DroppedQueuedWriteReissuedAfterTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	updater := docstore.NewQueuedUpdater(queue.NewQueue(client, nil))

	var mu sync.Mutex
	now := testNow
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	clockNow := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	queued := func() int {
		jobs, _ := mr.List(queue.QueueDocumentUpdates)
		return len(jobs)
	}

	sub := &fakeSubscriber{}
	e, _ := startEngine(t, compactPres, Config{CorrectionTTL: time.Minute}, sub, updater, WithClock(clockNow))
	settle(t, e)

	stale := []docstore.Document{doc("S1", map[string]any{
		"isActive": true,
		"endDate":  testNow.Add(-time.Minute).Format(time.RFC3339),
	})}
	sub.emit(stale, nil)
	require.Eventually(t, func() bool { return queued() == 1 }, time.Second, 5*time.Millisecond)

	// the worker dropped the job without applying it
	mr.Del(queue.QueueDocumentUpdates)

	advance(30 * time.Second)
	sub.emit(stale, nil)
	settle(t, e)
	assert.Never(t, func() bool { return queued() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	advance(30 * time.Second)
	sub.emit(stale, nil)
	settle(t, e)
	require.Eventually(t, func() bool { return queued() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_ReadOnlyAppliesCorrectionsLocally(t *testing.T) {
	sub := &fakeSubscriber{}
	e, _ := startEngine(t, compactPres, Config{}, sub, nil)
	settle(t, e)

	sub.emit([]docstore.Document{
		doc("future", map[string]any{"isActive": true, "startDate": testNow.Add(time.Hour).Format(time.RFC3339)}),
		doc("due", map[string]any{"isActive": false, "startDate": testNow.Add(-time.Hour).Format(time.RFC3339)}),
	}, nil)
	settle(t, e)
	assert.Equal(t, []string{"due"}, slideIDs(mainView(t, e).Slides))
}

func TestEngine_Navigation(t *testing.T) {
	sub := &fakeSubscriber{}
	e, _ := startEngine(t, compactPres, Config{}, sub, nil)
	settle(t, e)
	ctx := context.Background()

	_, err := e.Advance(ctx, models.ChannelMain)
	assert.ErrorIs(t, err, ErrNoSlides)

	sub.emit([]docstore.Document{active("a", 1), active("b", 2), active("c", 3)}, nil)
	settle(t, e)

	v, err := e.Advance(ctx, models.ChannelMain)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Index)

	v, err = e.Retreat(ctx, models.ChannelMain)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Index)

	v, err = e.Retreat(ctx, models.ChannelMain)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Index)

	v, err = e.GoTo(ctx, models.ChannelMain, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Index)

	_, err = e.GoTo(ctx, models.ChannelMain, 3)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = e.Advance(ctx, models.ChannelAd)
	assert.ErrorIs(t, err, ErrNoSlides)

	_, err = e.Advance(ctx, models.Channel("sidebar"))
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestEngine_SwipeAdvances(t *testing.T) {
	sub := &fakeSubscriber{}
	e, _ := startEngine(t, webPres, Config{}, sub, nil)
	settle(t, e)
	sub.emit([]docstore.Document{active("a", 1), active("b", 2), active("c", 3)}, nil)
	settle(t, e)
	ctx := context.Background()

	v, err := e.TouchStart(ctx, models.ChannelMain, 100)
	require.NoError(t, err)
	assert.Equal(t, PhasePaused.String(), v.Phase)

	offset, err := e.TouchMove(ctx, models.ChannelMain, 40)
	require.NoError(t, err)
	assert.Equal(t, 60.0, offset)

	res, err := e.TouchEnd(ctx, models.ChannelMain)
	require.NoError(t, err)
	assert.Equal(t, "advance", res.Command)
	assert.True(t, res.Moved)
	assert.Nil(t, res.Slide)
	assert.Equal(t, 1, res.View.Index)
	// web resumes after a moved gesture
	assert.Equal(t, PhaseRotating.String(), res.View.Phase)

	_, err = e.TouchStart(ctx, models.ChannelMain, 100)
	require.NoError(t, err)
	_, err = e.TouchMove(ctx, models.ChannelMain, 70)
	require.NoError(t, err)
	res, err = e.TouchEnd(ctx, models.ChannelMain)
	require.NoError(t, err)
	assert.Equal(t, "none", res.Command)
	assert.Equal(t, 1, res.View.Index)
}

func TestEngine_GestureParksWithoutResume(t *testing.T) {
	sub := &fakeSubscriber{}
	e, _ := startEngine(t, mobilePres, Config{}, sub, nil)
	settle(t, e)
	sub.emit([]docstore.Document{active("a", 1), active("b", 2)}, nil)
	settle(t, e)
	ctx := context.Background()

	_, err := e.TouchStart(ctx, models.ChannelMain, 40)
	require.NoError(t, err)
	_, err = e.TouchMove(ctx, models.ChannelMain, 100)
	require.NoError(t, err)
	res, err := e.TouchEnd(ctx, models.ChannelMain)
	require.NoError(t, err)
	assert.Equal(t, "retreat", res.Command)
	assert.Equal(t, 1, res.View.Index)
	assert.Equal(t, PhasePaused.String(), res.View.Phase)
}

func TestEngine_TapThrough(t *testing.T) {
	sub := &fakeSubscriber{}
	e, _ := startEngine(t, webPres, Config{}, sub, nil)
	settle(t, e)
	sub.emit([]docstore.Document{active("a", 1), active("b", 2)}, nil)
	settle(t, e)
	ctx := context.Background()

	_, err := e.TouchStart(ctx, models.ChannelMain, 100)
	require.NoError(t, err)
	res, err := e.TouchEnd(ctx, models.ChannelMain)
	require.NoError(t, err)
	assert.False(t, res.Moved)
	assert.True(t, res.TapThrough)
	require.NotNil(t, res.Slide)
	assert.Equal(t, "a", res.Slide.ID)
	// a gesture that never moved does not resume autoplay
	assert.Equal(t, PhasePaused.String(), res.View.Phase)
}

func TestEngine_GestureWithoutStart(t *testing.T) {
	sub := &fakeSubscriber{}
	e, _ := startEngine(t, webPres, Config{}, sub, nil)
	ctx := context.Background()

	_, err := e.TouchMove(ctx, models.ChannelMain, 10)
	assert.ErrorIs(t, err, ErrNoGesture)
	_, err = e.TouchEnd(ctx, models.ChannelAd)
	assert.ErrorIs(t, err, ErrNoGesture)
}

func TestEngine_SetAutoplay(t *testing.T) {
	sub := &fakeSubscriber{}
	ctx := context.Background()

	e, _ := startEngine(t, webPres, Config{}, sub, nil)
	settle(t, e)
	sub.emit([]docstore.Document{active("a", 1), active("b", 2)}, nil)
	settle(t, e)
	require.Equal(t, PhaseRotating.String(), mainView(t, e).Phase)

	require.NoError(t, e.SetAutoplay(ctx, false))
	assert.Equal(t, PhasePaused.String(), mainView(t, e).Phase)
	require.NoError(t, e.SetAutoplay(ctx, true))
	assert.Equal(t, PhaseRotating.String(), mainView(t, e).Phase)

	// compact never rotates
	csub := &fakeSubscriber{}
	c, _ := startEngine(t, compactPres, Config{}, csub, nil)
	settle(t, c)
	csub.emit([]docstore.Document{active("a", 1), active("b", 2)}, nil)
	settle(t, c)
	require.NoError(t, c.SetAutoplay(ctx, true))
	assert.Equal(t, PhasePaused.String(), mainView(t, c).Phase)
}

func TestEngine_Activate(t *testing.T) {
	sub := &fakeSubscriber{}
	e, _ := startEngine(t, webPres, Config{}, sub, nil, WithActivator(fakeActivator{}))
	settle(t, e)
	sub.emit([]docstore.Document{
		doc("a", map[string]any{"isActive": true, "rank": 1, "url": "https://example.com/a"}),
		doc("ad", map[string]any{"isActive": true, "rank": 1, "channel": "ad", "bookId": "book-7"}),
	}, nil)
	settle(t, e)
	ctx := context.Background()

	dest, err := e.ActivateByID(ctx, models.ChannelMain, "a")
	require.NoError(t, err)
	assert.Equal(t, models.LinkURL, dest.Kind)
	assert.Equal(t, "https://example.com/a", dest.URL)

	dest, err = e.ActivateByID(ctx, models.ChannelAd, "ad")
	require.NoError(t, err)
	assert.Equal(t, models.LinkContent, dest.Kind)

	_, err = e.ActivateByID(ctx, models.ChannelAd, "a")
	assert.ErrorIs(t, err, ErrSlideNotFound)
}

func TestEngine_ActivateWithoutActivator(t *testing.T) {
	e, _ := startEngine(t, webPres, Config{}, &fakeSubscriber{}, nil)
	_, err := e.Activate(context.Background(), models.Slide{ID: "a"})
	assert.ErrorIs(t, err, ErrNoActivator)
}

func TestEngine_ImageURLsAndListener(t *testing.T) {
	sub := &fakeSubscriber{}
	var mu sync.Mutex
	var changes []ChannelView
	listener := func(surface string, v ChannelView) {
		assert.Equal(t, "web", surface)
		mu.Lock()
		changes = append(changes, v)
		mu.Unlock()
	}
	e, _ := startEngine(t, webPres, Config{}, sub, nil,
		WithImageURLs(func(ref string) string { return "https://cdn.test/" + ref }),
		WithListener(listener))
	settle(t, e)

	sub.emit([]docstore.Document{
		doc("a", map[string]any{"isActive": true, "imageRef": "a.png"}),
		doc("b", map[string]any{"isActive": true}),
	}, nil)
	settle(t, e)

	slides := mainView(t, e).Slides
	require.Len(t, slides, 2)
	assert.Equal(t, "https://cdn.test/a.png", slides[0].Display.ImageURL)
	assert.Empty(t, slides[1].Display.ImageURL)

	mu.Lock()
	defer mu.Unlock()
	// one publish per channel
	require.Len(t, changes, 2)
	assert.Equal(t, CausePublish, changes[0].Cause)
}

func TestEngine_StopReleasesEverything(t *testing.T) {
	store := docstore.NewMemory()
	require.NoError(t, store.Put(DefaultCollection, "a", map[string]any{"isActive": true}))

	clock := &fakeClock{}
	e := New("web", webPres, Config{}, store, store, WithScheduler(clock))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()

	require.Eventually(t, func() bool { return mainView(t, e).Loaded }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, store.Subscribers())
	require.ErrorIs(t, e.Run(ctx), ErrAlreadyRunning)

	cancel()
	<-e.Done()
	assert.Zero(t, store.Subscribers())
	assert.Zero(t, clock.Pending())

	_, err := e.Advance(context.Background(), models.ChannelMain)
	assert.ErrorIs(t, err, ErrStopped)
}
