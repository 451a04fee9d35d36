package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/correlator"
	"github.com/MarcoPoloResearchLab/clipsync/internal/database"
	"github.com/MarcoPoloResearchLab/clipsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/clipsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clipsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/clipsync/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

// remoteBackend is the shared remote record set seen by every test device.
type remoteBackend struct {
	mu          sync.Mutex
	records     map[string]clip.RemoteRecord
	subscribers map[clip.DeviceID]chan clip.Change
}

func newRemoteBackend() *remoteBackend {
	return &remoteBackend{
		records:     make(map[string]clip.RemoteRecord),
		subscribers: make(map[clip.DeviceID]chan clip.Change),
	}
}

func (b *remoteBackend) put(device clip.DeviceID, record clip.RemoteRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[record.CanonicalID] = record
	b.publishLocked(clip.Change{Kind: clip.ChangePut, CanonicalID: record.CanonicalID, Device: device})
}

func (b *remoteBackend) remove(device clip.DeviceID, canonicalID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[canonicalID]; !ok {
		return
	}
	delete(b.records, canonicalID)
	b.publishLocked(clip.Change{Kind: clip.ChangeDelete, CanonicalID: canonicalID, Device: device})
}

func (b *remoteBackend) publishLocked(change clip.Change) {
	for device, subscriber := range b.subscribers {
		if device == change.Device {
			continue
		}
		select {
		case subscriber <- change:
		default:
		}
	}
}

func (b *remoteBackend) list() []clip.RemoteRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := make([]clip.RemoteRecord, 0, len(b.records))
	for _, record := range b.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CanonicalID < records[j].CanonicalID })
	return records
}

func (b *remoteBackend) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// deviceLink is one device's connection to the backend; it doubles as the
// device's network monitor.
type deviceLink struct {
	device      clip.DeviceID
	backend     *remoteBackend
	online      atomic.Bool
	transitions chan bool

	mu      sync.Mutex
	pullErr error
	pushErr error
	// afterList runs once the snapshot has been taken, before PullAll returns.
	afterList func()
}

func (l *deviceLink) setOnline(online bool) {
	l.online.Store(online)
	select {
	case l.transitions <- online:
	default:
	}
}

func (l *deviceLink) failPulls(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pullErr = err
}

func (l *deviceLink) failPushes(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushErr = err
}

func (l *deviceLink) onPull(hook func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.afterList = hook
}

func (l *deviceLink) Connected() bool {
	return l.online.Load()
}

func (l *deviceLink) Transitions() <-chan bool {
	return l.transitions
}

func (l *deviceLink) Push(_ context.Context, record clip.RemoteRecord) error {
	if !l.Connected() {
		return fmt.Errorf("%w: %w", clip.ErrRemoteSave, clip.ErrNotConnected)
	}
	l.mu.Lock()
	err := l.pushErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.backend.put(l.device, record)
	return nil
}

func (l *deviceLink) PullAll(_ context.Context) ([]clip.RemoteRecord, bool, error) {
	if !l.Connected() {
		return nil, false, fmt.Errorf("%w: %w", clip.ErrRemoteFetch, clip.ErrNotConnected)
	}
	l.mu.Lock()
	err := l.pullErr
	hook := l.afterList
	l.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	records := l.backend.list()
	if hook != nil {
		hook()
	}
	return records, true, nil
}

func (l *deviceLink) Delete(_ context.Context, canonicalID string) error {
	if !l.Connected() {
		return fmt.Errorf("%w: %w", clip.ErrRemoteDelete, clip.ErrNotConnected)
	}
	l.backend.remove(l.device, canonicalID)
	return nil
}

func (l *deviceLink) Subscribe(ctx context.Context) (<-chan clip.Change, error) {
	if !l.Connected() {
		return nil, fmt.Errorf("%w: %w", clip.ErrSubscription, clip.ErrNotConnected)
	}
	changes := make(chan clip.Change, 8)
	l.backend.mu.Lock()
	l.backend.subscribers[l.device] = changes
	l.backend.mu.Unlock()
	go func() {
		<-ctx.Done()
		l.backend.mu.Lock()
		delete(l.backend.subscribers, l.device)
		close(changes)
		l.backend.mu.Unlock()
	}()
	return changes, nil
}

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%03d", s.prefix, s.next), nil
}

type testDevice struct {
	id          clip.DeviceID
	coordinator *Coordinator
	store       *localstore.Store
	link        *deviceLink
}

func newTestDevice(t *testing.T, id clip.DeviceID, class clip.DeviceClass, backend *remoteBackend, clock *testClock) *testDevice {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), string(id)+".db"), nil, &clip.Record{}, &localstore.Blob{})
	require.NoError(t, err)
	store, err := localstore.NewStore(localstore.Config{Database: db})
	require.NoError(t, err)

	link := &deviceLink{device: id, backend: backend, transitions: make(chan bool, 4)}
	link.online.Store(true)

	offline, err := queue.New(ctx, queue.Config{Blobs: store.Blobs(), Clock: clock.Now})
	require.NoError(t, err)
	ids := &sequenceIDs{prefix: string(id)}
	candidates, err := NewCandidateSource(CandidatesConfig{Store: store, Fetcher: link, Clock: clock.Now})
	require.NoError(t, err)
	idResolver, err := resolver.New(resolver.Config{
		Source:      candidates,
		Assigner:    store,
		IDProvider:  ids,
		DeviceID:    id,
		DeviceClass: class,
		Clock:       clock.Now,
	})
	require.NoError(t, err)
	engine, err := reconcile.New(reconcile.Config{Store: store, IDProvider: ids, Clock: clock.Now})
	require.NoError(t, err)

	coordinator, err := New(Config{
		Store:       store,
		Queue:       offline,
		Resolver:    idResolver,
		Reconciler:  engine,
		Correlator:  correlator.New(correlator.Config{DeviceID: id, DeviceClass: class}),
		Candidates:  candidates,
		Remote:      link,
		Network:     link,
		IDProvider:  ids,
		DeviceID:    id,
		DeviceClass: class,
		Interval:    time.Hour,
		Clock:       clock.Now,
	})
	require.NoError(t, err)
	return &testDevice{id: id, coordinator: coordinator, store: store, link: link}
}

func (d *testDevice) live(t *testing.T) []clip.Record {
	t.Helper()
	records, err := d.store.FindAll(context.Background(), localstore.Live())
	require.NoError(t, err)
	return records
}

func TestCaptureMintsAndPushesWhenOnline(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassRelay, backend, clock)

	result, err := deviceA.coordinator.Capture(ctx, Observation{Content: "hello", ObservedAt: clock.Now()})
	require.NoError(t, err)

	assert.Equal(t, resolver.OutcomeResolved, result.Outcome)
	assert.Equal(t, DeliveryPushed, result.Delivery)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.Record.CanonicalID)
	assert.Equal(t, clip.DeviceID("device-a"), result.Record.OriginDevice)
	assert.Equal(t, clip.SyncStateSynced, result.Record.SyncState)

	remote := backend.list()
	require.Len(t, remote, 1)
	assert.Equal(t, result.Record.CanonicalID, remote[0].CanonicalID)
	assert.Equal(t, 0, deviceA.coordinator.Status().QueueDepth)
}

func TestCaptureRejectsInvalidObservation(t *testing.T) {
	clock := newTestClock()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, newRemoteBackend(), clock)

	_, err := deviceA.coordinator.Capture(context.Background(), Observation{Content: "  "})
	assert.ErrorIs(t, err, clip.ErrInvalidRecord)

	_, err = deviceA.coordinator.Capture(context.Background(), Observation{Content: "x", ContentType: "video"})
	assert.ErrorIs(t, err, clip.ErrInvalidContentType)
}

func TestSimultaneousHandoffConvergesOnOneCanonicalID(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassRelay, backend, clock)
	deviceB := newTestDevice(t, "device-b", clip.DeviceClassLeaf, backend, clock)

	copied, err := deviceA.coordinator.Capture(ctx, Observation{Content: "hello", ObservedAt: clock.Now()})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	handedOff, err := deviceB.coordinator.Capture(ctx, Observation{Content: "hello", ObservedAt: clock.Now()})
	require.NoError(t, err)

	assert.Equal(t, copied.Record.CanonicalID, handedOff.Record.CanonicalID)
	assert.Equal(t, clip.DeviceID("device-a"), handedOff.Record.OriginDevice)

	clock.Advance(time.Second)
	for _, device := range []*testDevice{deviceA, deviceB, deviceA} {
		_, err := device.coordinator.SyncNow(ctx)
		require.NoError(t, err)
	}

	for _, device := range []*testDevice{deviceA, deviceB} {
		live := device.live(t)
		require.Len(t, live, 1, "device %s", device.id)
		assert.Equal(t, copied.Record.CanonicalID, live[0].CanonicalID)
		assert.Equal(t, clip.DeviceID("device-a"), live[0].OriginDevice)
	}
	assert.Len(t, backend.list(), 1)
}

func TestOfflineCaptureIsQueuedAndDrainedOnReconnect(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, backend, clock)
	deviceA.link.setOnline(false)

	result, err := deviceA.coordinator.Capture(ctx, Observation{Content: "written offline", ObservedAt: clock.Now()})
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, result.Delivery)
	assert.NotEmpty(t, result.Record.CanonicalID)
	assert.Equal(t, clip.SyncStateLocal, result.Record.SyncState)
	assert.Equal(t, 1, deviceA.coordinator.Status().QueueDepth)

	_, err = deviceA.coordinator.SyncNow(ctx)
	require.ErrorIs(t, err, clip.ErrNotConnected)
	status := deviceA.coordinator.Status()
	assert.Equal(t, clip.StatusFailed, status.State)
	assert.Contains(t, status.LastError, "not_connected")
	assert.Empty(t, backend.list())

	deviceA.link.setOnline(true)
	clock.Advance(time.Second)
	_, err = deviceA.coordinator.SyncNow(ctx)
	require.NoError(t, err)

	status = deviceA.coordinator.Status()
	assert.Equal(t, clip.StatusSynced, status.State)
	assert.Equal(t, 0, status.QueueDepth)
	assert.Empty(t, status.LastError)

	stored, err := deviceA.store.FindByID(ctx, result.Record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, clip.SyncStateSynced, stored.SyncState)
	require.Len(t, backend.list(), 1)
}

func TestDeletionPropagatesAcrossDevices(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassRelay, backend, clock)
	deviceB := newTestDevice(t, "device-b", clip.DeviceClassLeaf, backend, clock)

	captured, err := deviceA.coordinator.Capture(ctx, Observation{Content: "short lived", ObservedAt: clock.Now()})
	require.NoError(t, err)

	clock.Advance(time.Second)
	pulled, err := deviceB.coordinator.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pulled.NewFromRemote)
	require.Len(t, deviceB.live(t), 1)

	clock.Advance(time.Second)
	delivery, err := deviceA.coordinator.Delete(ctx, captured.Record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryPushed, delivery)
	assert.Empty(t, backend.list())

	tombstone, err := deviceA.store.FindByID(ctx, captured.Record.LocalID)
	require.NoError(t, err)
	assert.True(t, tombstone.Tombstoned)
	assert.Equal(t, clip.SyncStateSynced, tombstone.SyncState)

	clock.Advance(time.Second)
	result, err := deviceB.coordinator.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedLocally)
	assert.Empty(t, deviceB.live(t))

	_, err = deviceA.coordinator.SyncNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, deviceA.live(t))
}

func TestOfflineDeleteIsQueued(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, backend, clock)

	captured, err := deviceA.coordinator.Capture(ctx, Observation{Content: "to be removed", ObservedAt: clock.Now()})
	require.NoError(t, err)
	require.Len(t, backend.list(), 1)

	deviceA.link.setOnline(false)
	clock.Advance(time.Second)
	delivery, err := deviceA.coordinator.Delete(ctx, captured.Record.LocalID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, delivery)
	assert.Equal(t, 1, deviceA.coordinator.Status().QueueDepth)
	assert.Len(t, backend.list(), 1)

	deviceA.link.setOnline(true)
	_, err = deviceA.coordinator.SyncNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, backend.list())
	assert.Equal(t, 0, deviceA.coordinator.Status().QueueDepth)
	assert.Empty(t, deviceA.live(t))
}

func TestDeleteRemovesProvisionalRecordOutright(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, newRemoteBackend(), clock)

	record := clip.Record{
		LocalID:            "provisional-1",
		Content:            "never resolved",
		ContentType:        clip.ContentTypeText,
		ContentHash:        clip.HashString("never resolved"),
		CreatedAtMillis:    clip.Millis(clock.Now()),
		LastModifiedMillis: clip.Millis(clock.Now()),
		OriginDevice:       "device-a",
	}
	require.NoError(t, deviceA.store.Insert(ctx, &record))

	_, err := deviceA.coordinator.Delete(ctx, "provisional-1")
	require.NoError(t, err)
	_, err = deviceA.store.FindByID(ctx, "provisional-1")
	assert.ErrorIs(t, err, clip.ErrRecordNotFound)
	assert.Equal(t, 0, deviceA.coordinator.Status().QueueDepth)
}

func TestRepeatedCaptureRefreshesExistingRecord(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, backend, clock)

	first, err := deviceA.coordinator.Capture(ctx, Observation{Content: "again", ObservedAt: clock.Now()})
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	second, err := deviceA.coordinator.Capture(ctx, Observation{Content: "again", ObservedAt: clock.Now()})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.LocalID, second.Record.LocalID)
	assert.Equal(t, clip.Millis(clock.Now()), second.Record.LastModifiedMillis)
	assert.Equal(t, DeliveryPushed, second.Delivery)
	assert.Len(t, deviceA.live(t), 1)

	remote := backend.list()
	require.Len(t, remote, 1)
	assert.Equal(t, clip.Millis(clock.Now()), remote[0].LastModifiedMillis)
}

func TestPullFailureMarksCycleFailed(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, newRemoteBackend(), clock)
	deviceA.link.failPulls(fmt.Errorf("%w: status 500", clip.ErrRemoteFetch))

	var observed []clip.SyncStatus
	deviceA.coordinator.onStatus = func(status Status) {
		observed = append(observed, status.State)
	}

	_, err := deviceA.coordinator.SyncNow(ctx)
	require.ErrorIs(t, err, clip.ErrRemoteFetch)
	assert.Equal(t, []clip.SyncStatus{clip.StatusSyncing, clip.StatusFailed}, observed)
	assert.Contains(t, deviceA.coordinator.Status().LastError, "syncer.cycle.pull_failed")

	deviceA.link.failPulls(nil)
	_, err = deviceA.coordinator.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, clip.StatusSynced, deviceA.coordinator.Status().State)
}

func TestCycleRetriesProvisionalRecords(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, backend, clock)

	record := clip.Record{
		LocalID:            "stuck-1",
		Content:            "left provisional",
		ContentType:        clip.ContentTypeText,
		ContentHash:        clip.HashString("left provisional"),
		CreatedAtMillis:    clip.Millis(clock.Now()),
		LastModifiedMillis: clip.Millis(clock.Now()),
		OriginDevice:       "device-a",
	}
	require.NoError(t, deviceA.store.Insert(ctx, &record))

	_, err := deviceA.coordinator.SyncNow(ctx)
	require.NoError(t, err)

	stored, err := deviceA.store.FindByID(ctx, "stuck-1")
	require.NoError(t, err)
	assert.False(t, stored.Provisional())
	assert.Equal(t, clip.SyncStateSynced, stored.SyncState)
	require.Len(t, backend.list(), 1)
	assert.Equal(t, stored.CanonicalID, backend.list()[0].CanonicalID)
}

func TestRunSyncsOnReconnectEdge(t *testing.T) {
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, backend, clock)
	deviceA.link.setOnline(false)

	_, err := deviceA.coordinator.Capture(context.Background(), Observation{Content: "queued", ObservedAt: clock.Now()})
	require.NoError(t, err)
	require.Equal(t, 1, deviceA.coordinator.Status().QueueDepth)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- deviceA.coordinator.Run(ctx) }()

	deviceA.link.setOnline(true)
	require.Eventually(t, func() bool {
		status := deviceA.coordinator.Status()
		return status.State == clip.StatusSynced && status.QueueDepth == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, backend.list(), 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRemoteChangeNotificationTriggersPull(t *testing.T) {
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassRelay, backend, clock)
	deviceB := newTestDevice(t, "device-b", clip.DeviceClassLeaf, backend, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = deviceB.coordinator.Run(ctx) }()
	require.Eventually(t, func() bool { return backend.subscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := deviceA.coordinator.Capture(context.Background(), Observation{Content: "ping", ObservedAt: clock.Now()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		records, err := deviceB.store.FindAll(context.Background(), localstore.Live())
		return err == nil && len(records) == 1 && records[0].Content == "ping"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCandidateSourceFiltersCandidates(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, newRemoteBackend(), clock)
	source, err := NewCandidateSource(CandidatesConfig{Store: deviceA.store, Clock: clock.Now})
	require.NoError(t, err)

	now := clip.Millis(clock.Now())
	insert := func(localID, canonicalID string, origin clip.DeviceID, createdAt int64, tombstoned bool) {
		record := clip.Record{
			LocalID:            localID,
			CanonicalID:        canonicalID,
			Content:            "same",
			ContentType:        clip.ContentTypeText,
			ContentHash:        clip.HashString("same"),
			CreatedAtMillis:    createdAt,
			LastModifiedMillis: createdAt,
			OriginDevice:       origin,
			Tombstoned:         tombstoned,
		}
		require.NoError(t, deviceA.store.Insert(ctx, &record))
	}
	insert("from-b", "c-b", "device-b", now-1000, false)
	insert("own", "c-own", "device-a", now-1000, false)
	insert("deleted", "c-deleted", "device-b", now-1000, true)
	insert("stale", "c-stale", "device-b", now-int64(2*time.Minute/time.Millisecond), false)
	source.Observe([]clip.RemoteRecord{{
		CanonicalID:     "c-remote",
		Content:         "same",
		ContentType:     clip.ContentTypeText,
		ContentHash:     clip.HashString("same"),
		CreatedAtMillis: now - 500,
		OriginDevice:    "device-c",
	}}, clock.Now())

	query := clip.Record{LocalID: "query", Content: "same", ContentHash: clip.HashString("same"), CreatedAtMillis: now}
	candidates, err := source.FindCandidates(ctx, query, "device-a", time.Minute)
	require.NoError(t, err)
	ids := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		ids = append(ids, candidate.CanonicalID)
	}
	assert.ElementsMatch(t, []string{"c-b", "c-remote"}, ids)

	siblings, err := source.FindSiblings(ctx, query, time.Minute)
	require.NoError(t, err)
	assert.Len(t, siblings, 2)
}

func TestTiedCandidatesAreDeferredUntilResolved(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, backend, clock)

	now := clip.Millis(clock.Now())
	for _, candidate := range []clip.RemoteRecord{
		{CanonicalID: "c-leaf", OriginDevice: "device-c", OriginClass: clip.DeviceClassLeaf},
		{CanonicalID: "c-relay", OriginDevice: "device-b", OriginClass: clip.DeviceClassRelay},
	} {
		candidate.Content = "tied"
		candidate.ContentType = clip.ContentTypeText
		candidate.ContentHash = clip.HashString("tied")
		candidate.CreatedAtMillis = now
		candidate.LastModifiedMillis = now
		backend.put(candidate.OriginDevice, candidate)
	}
	record := clip.Record{
		LocalID:            "tied-1",
		Content:            "tied",
		ContentType:        clip.ContentTypeText,
		ContentHash:        clip.HashString("tied"),
		CreatedAtMillis:    now + 500,
		LastModifiedMillis: now + 500,
		OriginDevice:       "device-a",
	}
	require.NoError(t, deviceA.store.Insert(ctx, &record))

	_, err := deviceA.coordinator.SyncNow(ctx)
	require.NoError(t, err)
	conflicts := deviceA.coordinator.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, resolver.StrategyDevicePriority, conflicts[0].Suggested)
	assert.Equal(t, 1, deviceA.coordinator.Status().Conflicts)

	resolved, err := deviceA.coordinator.ResolveConflict(ctx, "tied-1", conflicts[0].Suggested)
	require.NoError(t, err)
	assert.Equal(t, "c-relay", resolved.CanonicalID)
	assert.Equal(t, clip.DeviceID("device-b"), resolved.OriginDevice)
	assert.Equal(t, clip.SyncStateSynced, resolved.SyncState)
	assert.Empty(t, deviceA.coordinator.Conflicts())
}

func TestCaptureDuringPullSurvivesDeletionPropagation(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassRelay, backend, clock)

	var captured atomic.Bool
	var fresh CaptureResult
	deviceA.link.onPull(func() {
		if !captured.CompareAndSwap(false, true) {
			return
		}
		result, err := deviceA.coordinator.Capture(ctx, Observation{Content: "fresh copy", ObservedAt: clock.Now()})
		require.NoError(t, err)
		fresh = result
	})

	result, err := deviceA.coordinator.SyncNow(ctx)
	require.NoError(t, err)
	require.True(t, captured.Load())
	assert.Equal(t, DeliveryPushed, fresh.Delivery)
	assert.Zero(t, result.DeletedLocally)

	stored, err := deviceA.store.FindByID(ctx, fresh.Record.LocalID)
	require.NoError(t, err)
	assert.False(t, stored.Tombstoned)
	assert.Equal(t, clip.SyncStateSynced, stored.SyncState)

	deviceA.link.onPull(nil)
	clock.Advance(time.Second)
	_, err = deviceA.coordinator.SyncNow(ctx)
	require.NoError(t, err)
	assert.Len(t, deviceA.live(t), 1)
	assert.Len(t, backend.list(), 1)
}

func TestConcurrentSyncRequestsNeverOverlap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newTestClock()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, newRemoteBackend(), clock)

	var inFlight, maxInFlight, pulls atomic.Int32
	deviceA.link.onPull(func() {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		pulls.Add(1)
		for {
			seen := maxInFlight.Load()
			if current <= seen || maxInFlight.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	})

	runDone := make(chan error, 1)
	go func() { runDone <- deviceA.coordinator.Run(ctx) }()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deviceA.coordinator.Trigger(TriggerForce)
			_, err := deviceA.coordinator.SyncNow(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cancel()
	require.NoError(t, <-runDone)
	assert.GreaterOrEqual(t, pulls.Load(), int32(4))
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestHaltedDrainStillPullsAndReconciles(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	backend := newRemoteBackend()
	deviceA := newTestDevice(t, "device-a", clip.DeviceClassLeaf, backend, clock)

	deviceA.link.failPushes(fmt.Errorf("%w: store rejected write", clip.ErrRemoteSave))
	captured, err := deviceA.coordinator.Capture(ctx, Observation{Content: "stuck locally", ObservedAt: clock.Now()})
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, captured.Delivery)

	backend.put("device-b", clip.RemoteRecord{
		CanonicalID:        "b-001",
		Content:            "from another device",
		ContentType:        clip.ContentTypeText,
		ContentHash:        clip.HashString("from another device"),
		CreatedAtMillis:    clip.Millis(clock.Now()),
		LastModifiedMillis: clip.Millis(clock.Now()),
		OriginDevice:       "device-b",
		OriginClass:        clip.DeviceClassRelay,
	})

	clock.Advance(time.Second)
	result, err := deviceA.coordinator.SyncNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.NewFromRemote)
	status := deviceA.coordinator.Status()
	assert.Equal(t, clip.StatusSynced, status.State)
	assert.Equal(t, 1, status.QueueDepth)
	assert.Len(t, deviceA.live(t), 2)

	stuck, err := deviceA.store.FindByID(ctx, captured.Record.LocalID)
	require.NoError(t, err)
	assert.False(t, stuck.Tombstoned)
	assert.Equal(t, clip.SyncStateFailed, stuck.SyncState)
}
