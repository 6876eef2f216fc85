package directory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolhub/internal/database"
	"schoolhub/internal/feed"
	"schoolhub/internal/provisioning"
	dbconfig "schoolhub/pkg/database"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

func newTestManager(t *testing.T) *database.Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "directory.db")
	cfg.WriteRetryDelay = 10 * time.Millisecond
	m, err := database.NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	_, err = m.Migrate()
	require.NoError(t, err)
	return m
}

func TestNewService_ModeRequirements(t *testing.T) {
	_, err := NewService(nil, nil, nil, ModeWatch, nil)
	assert.Error(t, err)
	_, err = NewService(nil, nil, nil, ModeSync, nil)
	assert.Error(t, err)
	_, err = NewService(nil, feed.NewMemoryFeed(), nil, "both", nil)
	assert.Error(t, err)
}

func TestService_SyncModeProvisionsInline(t *testing.T) {
	m := newTestManager(t)
	svc, err := NewService(m, nil, provisioning.NewProvisioner(m, nil, nil), ModeSync, nil)
	require.NoError(t, err)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, &types.NewUser{ID: "s1", Name: " Sam ", Role: types.RoleStudent})
	require.NoError(t, err)
	assert.Equal(t, "Sam", user.Name)

	ok, err := m.HasProfile(ctx, types.ProfileStudent, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	admin, err := svc.CreateUser(ctx, &types.NewUser{Name: "Head", Role: types.RoleAdmin})
	require.NoError(t, err)
	assert.NotEmpty(t, admin.ID, "generated id")
	stored, err := m.FindByID(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, stored.Role)
}

func TestService_WatchModePublishes(t *testing.T) {
	m := newTestManager(t)
	f := feed.NewMemoryFeed()
	svc, err := NewService(m, f, nil, ModeWatch, nil)
	require.NoError(t, err)
	ctx := context.Background()

	stream, err := f.Subscribe(ctx)
	require.NoError(t, err)
	defer stream.Close()

	_, err = svc.CreateUser(ctx, &types.NewUser{ID: "t1", Name: "Tess", Role: types.RoleTeacher})
	require.NoError(t, err)

	select {
	case evt := <-stream.Events():
		assert.Equal(t, "t1", evt.User.ID)
		assert.Equal(t, types.RoleTeacher, evt.User.Role)
	case <-time.After(time.Second):
		t.Fatal("no change event published")
	}

	ok, err := m.HasProfile(ctx, types.ProfileTeacher, "t1")
	require.NoError(t, err)
	assert.False(t, ok, "watch mode leaves provisioning to the watcher")
}

func TestService_Validation(t *testing.T) {
	m := newTestManager(t)
	svc, err := NewService(m, feed.NewMemoryFeed(), nil, ModeWatch, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.CreateUser(ctx, &types.NewUser{Name: "", Role: "janitor"})
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	_, err = svc.CreateUser(ctx, &types.NewUser{ID: "bad id!", Name: "X", Role: types.RoleParent})
	assert.ErrorIs(t, err, types.ErrInvalidUserID)

	_, err = svc.CreateUser(ctx, &types.NewUser{ID: "p1", Name: "Pat", Role: types.RoleParent})
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, &types.NewUser{ID: "p1", Name: "Pat", Role: types.RoleParent})
	assert.ErrorIs(t, err, ErrUserExists)
}

type failingUsers struct{}

func (failingUsers) CreateUser(context.Context, *types.UserSummary) error {
	return errors.New("disk I/O error")
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, types.UserCreatedEvent) error {
	p.calls++
	return interfaces.ErrFeedClosed
}

func TestService_StoreAndPublishFailures(t *testing.T) {
	ctx := context.Background()

	svc, err := NewService(failingUsers{}, feed.NewMemoryFeed(), nil, ModeWatch, nil)
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, &types.NewUser{Name: "X", Role: types.RoleTeacher})
	assert.Equal(t, types.KindPersistence, types.KindOf(err))

	pub := &failingPublisher{}
	svc, err = NewService(newTestManager(t), pub, nil, ModeWatch, nil)
	require.NoError(t, err)
	user, err := svc.CreateUser(ctx, &types.NewUser{ID: "t2", Name: "T", Role: types.RoleTeacher})
	require.NoError(t, err, "a lost change event does not fail the insert")
	assert.Equal(t, "t2", user.ID)
	assert.Equal(t, 1, pub.calls)
}
