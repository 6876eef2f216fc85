package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolhub/internal/feed"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

type fakeProfiles struct {
	mu      sync.Mutex
	created map[string]string
	failFor map[string]bool
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{created: map[string]string{}, failFor: map[string]bool{}}
}

func (f *fakeProfiles) record(kind, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[userID] {
		return errors.New("constraint failed")
	}
	f.created[userID] = kind
	return nil
}

func (f *fakeProfiles) CreateTeacherProfile(_ context.Context, id string) error {
	return f.record(types.ProfileTeacher, id)
}

func (f *fakeProfiles) CreateStudentProfile(_ context.Context, id string) error {
	return f.record(types.ProfileStudent, id)
}

func (f *fakeProfiles) CreateParentProfile(_ context.Context, id string) error {
	return f.record(types.ProfileParent, id)
}

func (f *fakeProfiles) kind(userID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.created[userID]
	return k, ok
}

func (f *fakeProfiles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func created(id, role string) types.UserCreatedEvent {
	return types.UserCreatedEvent{User: types.UserSummary{ID: id, Name: id, Role: role}, OccurredAt: time.Now()}
}

func fastConfig() Config {
	return Config{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxFailures:  10,
		ResetAfter:   time.Minute,
	}
}

func TestProvisioner_RoleMapping(t *testing.T) {
	profiles := newFakeProfiles()
	p := NewProvisioner(profiles, nil, nil)
	ctx := context.Background()

	tests := []struct {
		role     string
		wantKind string
	}{
		{types.RoleTeacher, types.ProfileTeacher},
		{types.RoleStudent, types.ProfileStudent},
		{types.RoleParent, types.ProfileParent},
		{types.RoleAdmin, ""},
		{types.RoleSuperAdmin, ""},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			kind, err := p.Provision(ctx, types.UserSummary{ID: "u-" + tt.role, Role: tt.role})
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)

			got, ok := profiles.kind("u-" + tt.role)
			assert.Equal(t, tt.wantKind != "", ok)
			assert.Equal(t, tt.wantKind, got)
		})
	}

	_, err := p.Provision(ctx, types.UserSummary{ID: "x", Role: "janitor"})
	assert.Error(t, err)
}

func TestProvisioner_StoreFailure(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.failFor["t1"] = true

	_, err := NewProvisioner(profiles, nil, nil).Provision(context.Background(), types.UserSummary{ID: "t1", Role: types.RoleTeacher})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teacher profile for t1")
}

func TestWatcher_StartStop(t *testing.T) {
	w := NewWatcher(feed.NewMemoryFeed(), NewProvisioner(newFakeProfiles(), nil, nil), fastConfig(), nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, w.Stop(), ErrWatcherNotRunning)
	require.NoError(t, w.Start(ctx))
	assert.ErrorIs(t, w.Start(ctx), ErrWatcherAlreadyRunning)
	require.Eventually(t, func() bool { return w.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.Equal(t, StateStopped, w.State())
	assert.True(t, w.Healthy())
}

func TestWatcher_ProvisionsCreatedUsers(t *testing.T) {
	f := feed.NewMemoryFeed()
	profiles := newFakeProfiles()
	profiles.failFor["broken"] = true
	w := NewWatcher(f, NewProvisioner(profiles, nil, nil), fastConfig(), nil, nil)
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	require.Eventually(t, func() bool { return f.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.Publish(ctx, created("broken", types.RoleStudent)))
	require.NoError(t, f.Publish(ctx, created("t1", types.RoleTeacher)))
	require.NoError(t, f.Publish(ctx, created("a1", types.RoleAdmin)))
	require.NoError(t, f.Publish(ctx, created("p1", types.RoleParent)))

	require.Eventually(t, func() bool { return profiles.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	kind, _ := profiles.kind("p1")
	assert.Equal(t, types.ProfileParent, kind)
	assert.Equal(t, StateRunning, w.State(), "per-record failures do not restart the stream")
	assert.Equal(t, 0, w.Status().Failures)
}

// A user inserted while the subscription is being re-established is never provisioned.
func TestWatcher_OutageLosesEvents(t *testing.T) {
	f := feed.NewMemoryFeed()
	profiles := newFakeProfiles()
	cfg := fastConfig()
	cfg.InitialDelay = 200 * time.Millisecond
	cfg.MaxDelay = 200 * time.Millisecond
	w := NewWatcher(f, NewProvisioner(profiles, nil, nil), cfg, nil, nil)
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	require.Eventually(t, func() bool { return f.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.Publish(ctx, created("before", types.RoleTeacher)))
	require.Eventually(t, func() bool { _, ok := profiles.kind("before"); return ok }, 2*time.Second, 5*time.Millisecond)

	f.Break(errors.New("connection reset"))
	require.Eventually(t, func() bool { return w.State() == StateRestarting && f.Subscribers() == 0 }, 2*time.Second, time.Millisecond)

	require.NoError(t, f.Publish(ctx, created("during", types.RoleStudent)))

	require.Eventually(t, func() bool { return w.State() == StateRunning && f.Subscribers() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, f.Publish(ctx, created("after", types.RoleParent)))
	require.Eventually(t, func() bool { _, ok := profiles.kind("after"); return ok }, 2*time.Second, 5*time.Millisecond)

	_, ok := profiles.kind("during")
	assert.False(t, ok)

	status := w.Status()
	assert.Equal(t, 1, status.Failures)
	assert.Equal(t, "connection reset", status.LastError)
}

type failingFeed struct {
	mu    sync.Mutex
	calls int
}

func (f *failingFeed) Subscribe(context.Context) (interfaces.ChangeStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, errors.New("feed unavailable")
}

func (f *failingFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestWatcher_TripsAfterMaxFailures(t *testing.T) {
	f := &failingFeed{}
	cfg := fastConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.MaxFailures = 3
	w := NewWatcher(f, NewProvisioner(newFakeProfiles(), nil, nil), cfg, nil, nil)

	require.NoError(t, w.Start(context.Background()))

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not trip")
	}
	assert.Equal(t, StateTripped, w.State())
	assert.False(t, w.Healthy())
	assert.Equal(t, 3, f.Calls())
	assert.Equal(t, "tripped", w.Status().State)
	assert.Equal(t, "feed unavailable", w.Status().LastError)

	require.NoError(t, w.Stop())
	assert.Equal(t, StateTripped, w.State())
}

// flakyFeed refuses the first failures subscriptions, then behaves
type flakyFeed struct {
	inner    *feed.MemoryFeed
	failures int
	mu       sync.Mutex
	calls    int
}

func (f *flakyFeed) Subscribe(ctx context.Context) (interfaces.ChangeStream, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	f.mu.Unlock()
	if calls <= f.failures {
		return nil, errors.New("feed unavailable")
	}
	return f.inner.Subscribe(ctx)
}

func TestWatcher_RetriesAfterTripCooldown(t *testing.T) {
	f := &flakyFeed{inner: feed.NewMemoryFeed(), failures: 2}
	profiles := newFakeProfiles()
	cfg := fastConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	cfg.MaxFailures = 2
	cfg.TripCooldown = 100 * time.Millisecond
	w := NewWatcher(f, NewProvisioner(profiles, nil, nil), cfg, nil, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool { return w.State() == StateTripped }, 2*time.Second, time.Millisecond)
	assert.False(t, w.Healthy())

	require.Eventually(t, func() bool {
		return w.State() == StateRunning && f.inner.Subscribers() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, w.Healthy())
	assert.Zero(t, w.Status().Failures)

	select {
	case <-w.Done():
		t.Fatal("watch loop exited instead of retrying")
	default:
	}

	require.NoError(t, f.inner.Publish(context.Background(), types.UserCreatedEvent{
		User: types.UserSummary{ID: "t9", Role: types.RoleTeacher},
	}))
	require.Eventually(t, func() bool {
		kind, ok := profiles.kind("t9")
		return ok && kind == types.ProfileTeacher
	}, 2*time.Second, 5*time.Millisecond)
}

// brokenFeed hands out streams that are already failed
type brokenFeed struct {
	inner *feed.MemoryFeed
	mu    sync.Mutex
	calls int
}

func (f *brokenFeed) Subscribe(ctx context.Context) (interfaces.ChangeStream, error) {
	s, err := f.inner.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.inner.Break(errors.New("stream dropped"))
	return s, nil
}

func (f *brokenFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestWatcher_FailuresResetAfterHealthyStream(t *testing.T) {
	f := &brokenFeed{inner: feed.NewMemoryFeed()}
	cfg := fastConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	cfg.MaxFailures = 2
	cfg.ResetAfter = time.Nanosecond
	w := NewWatcher(f, NewProvisioner(newFakeProfiles(), nil, nil), cfg, nil, nil)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool { return f.Calls() >= 5 }, 2*time.Second, time.Millisecond)
	assert.True(t, w.Healthy())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "restarting", StateRestarting.String())
	assert.Equal(t, "tripped", StateTripped.String())
}
