package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolhub/internal/api"
	"schoolhub/internal/config"
	"schoolhub/internal/feed"
	"schoolhub/internal/provisioning"
	"schoolhub/pkg/types"
)

var (
	teacher = types.NewUser{ID: "teacher1", Name: "Teacher One", Role: types.RoleTeacher}
	parent  = types.NewUser{ID: "parent1", Name: "Parent One", Role: types.RoleParent}
	admin   = types.NewUser{ID: "admin1", Name: "Admin One", Role: types.RoleAdmin}
	head    = types.NewUser{ID: "head1", Name: "Head Teacher", Role: types.RoleSuperAdmin}
)

func TestSecondTabReplacesFirstSession(t *testing.T) {
	application := startApp(t, nil)
	seedUsers(t, application, teacher)

	first := dial(t, application)
	first.login("teacher1")

	second := dial(t, application)
	second.login("teacher1")

	first.waitFor(types.EventSessionReplaced, nil)
	first.waitClosed()

	record, ok := application.Registry().FindByUserID("teacher1")
	require.True(t, ok)
	assert.Equal(t, 1, application.Registry().Stats().Connections)
	assert.NotEmpty(t, record.ConnectionID)

	// The surviving session still works
	second.send(types.EventSendMessage, map[string]string{"receiver": "teacher1", "content": "note to self"})
	second.waitFor(types.EventMessageSent, nil)
}

func TestSuggestionWithoutAdmins(t *testing.T) {
	application := startApp(t, nil)
	seedUsers(t, application, parent)

	c := dial(t, application)
	c.login("parent1")
	c.send(types.EventSendSuggestion, types.SuggestionPayload{Content: "More parking please"})

	errData := c.waitError()
	assert.Equal(t, "No admin users found to receive suggestion", errData.Message)
	assert.Equal(t, types.KindNotFound, errData.Kind)

	count, err := application.Database().CountMessages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSuggestionFansOutToOnlineAdmins(t *testing.T) {
	application := startApp(t, nil)
	seedUsers(t, application, parent, admin, head)

	adminConn := dial(t, application)
	adminConn.login("admin1")
	headConn := dial(t, application)
	headConn.login("head1")

	sender := dial(t, application)
	sender.login("parent1")
	sender.send(types.EventSendSuggestion, types.SuggestionPayload{Subject: "Canteen", Content: "Vegetarian options"})

	var confirmed types.ResolvedMessage
	sender.waitFor(types.EventSuggestionSent, &confirmed)
	assert.Equal(t, types.MessageTypeSuggestion, confirmed.Type)
	assert.Equal(t, "parent1", confirmed.Sender.ID)
	assert.Equal(t, "Parent One", confirmed.Sender.Name)

	var got types.ResolvedMessage
	adminConn.waitFor(types.EventNewSuggestion, &got)
	assert.Equal(t, confirmed.ID, got.ID)
	headConn.waitFor(types.EventNewSuggestion, &got)
	assert.Equal(t, confirmed.ID, got.ID)

	sender.expectNone(types.EventNewSuggestion, 200*time.Millisecond)

	count, err := application.Database().CountMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProvisioningOutageLosesEvents(t *testing.T) {
	application := startApp(t, func(cfg *config.Config) {
		cfg.Provisioning.InitialDelay = 300 * time.Millisecond
		cfg.Provisioning.MaxDelay = 300 * time.Millisecond
	})
	memoryFeed, ok := application.Feed().(*feed.MemoryFeed)
	require.True(t, ok)
	watcher := application.Watcher()
	require.NotNil(t, watcher)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return watcher.State() == provisioning.StateRunning && memoryFeed.Subscribers() == 1
	}, eventTimeout, 10*time.Millisecond)

	memoryFeed.Break(errors.New("upstream reset"))
	require.Eventually(t, func() bool {
		return watcher.State() == provisioning.StateRestarting
	}, eventTimeout, 5*time.Millisecond)

	// Created over HTTP while nobody is listening
	resp := postUser(t, application.Addr(), types.NewUser{ID: "lost_teacher", Name: "Lost", Role: types.RoleTeacher})
	assert.Equal(t, http.StatusCreated, resp)

	require.Eventually(t, func() bool {
		return watcher.State() == provisioning.StateRunning && memoryFeed.Subscribers() == 1
	}, eventTimeout, 10*time.Millisecond)

	resp = postUser(t, application.Addr(), types.NewUser{ID: "found_teacher", Name: "Found", Role: types.RoleTeacher})
	assert.Equal(t, http.StatusCreated, resp)

	require.Eventually(t, func() bool {
		has, err := application.Database().HasProfile(ctx, types.ProfileTeacher, "found_teacher")
		return err == nil && has
	}, eventTimeout, 10*time.Millisecond)

	has, err := application.Database().HasProfile(ctx, types.ProfileTeacher, "lost_teacher")
	require.NoError(t, err)
	assert.False(t, has, "events emitted during the restart gap are not replayed")

	// Both users exist in the directory regardless
	_, err = application.Database().FindByID(ctx, "lost_teacher")
	assert.NoError(t, err)
}

func TestSyncModeProvisionsInline(t *testing.T) {
	application := startApp(t, func(cfg *config.Config) {
		cfg.Provisioning.Mode = "sync"
	})
	assert.Nil(t, application.Watcher())

	resp := postUser(t, application.Addr(), types.NewUser{ID: "student1", Name: "Student", Role: types.RoleStudent})
	require.Equal(t, http.StatusCreated, resp)

	has, err := application.Database().HasProfile(context.Background(), types.ProfileStudent, "student1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMessagingAndReadReceipts(t *testing.T) {
	application := startApp(t, nil)
	seedUsers(t, application, teacher, parent)

	teacherConn := dial(t, application)
	teacherConn.login("teacher1")
	parentConn := dial(t, application)
	parentConn.login("parent1")

	teacherConn.send(types.EventSendMessage, map[string]string{
		"receiver": "parent1",
		"content":  "Field trip on Friday",
		"type":     types.MessageTypeAcademic,
	})

	var sent types.ResolvedMessage
	teacherConn.waitFor(types.EventMessageSent, &sent)
	assert.Equal(t, types.DefaultSubject, sent.Subject)
	assert.Equal(t, "Parent One", sent.Receiver.Name)

	var received types.ResolvedMessage
	parentConn.waitFor(types.EventNewMessage, &received)
	assert.Equal(t, sent.ID, received.ID)
	assert.False(t, received.ReadByReceiver)

	parentConn.send(types.EventMarkAsRead, types.MarkAsReadPayload{MessageID: sent.ID})

	var ref types.MessageRef
	parentConn.waitFor(types.EventMessageMarkedAsRead, &ref)
	assert.Equal(t, sent.ID, ref.MessageID)
	teacherConn.waitFor(types.EventMessageRead, &ref)
	assert.Equal(t, sent.ID, ref.MessageID)

	httpResp, err := http.Get("http://" + application.Addr() + "/api/users/parent1/inbox")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	var inbox api.InboxResponse
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&inbox))
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, sent.ID, inbox.Messages[0].ID)
	assert.True(t, inbox.Messages[0].ReadByReceiver)
}

func TestOnlineUsersAndOfflineBroadcast(t *testing.T) {
	application := startApp(t, nil)
	seedUsers(t, application, teacher, parent)

	teacherConn := dial(t, application)
	online, _ := teacherConn.login("teacher1")
	assert.Equal(t, []string{"teacher1"}, online)

	parentConn := dial(t, application)
	online, lastSeen := parentConn.login("parent1")
	assert.ElementsMatch(t, []string{"teacher1", "parent1"}, online)
	assert.NotContains(t, lastSeen, "teacher1")

	var status types.StatusChange
	teacherConn.waitFor(types.EventUserStatusChange, &status)
	assert.Equal(t, "parent1", status.UserID)
	assert.True(t, status.IsOnline)

	require.NoError(t, parentConn.conn.Close())

	teacherConn.waitFor(types.EventUserStatusChange, &status)
	assert.Equal(t, "parent1", status.UserID)
	assert.False(t, status.IsOnline)
	require.NotNil(t, status.LastSeen)

	// A reconnecting client sees the recorded last-seen time
	again := dial(t, application)
	_, lastSeen = again.login("teacher1")
	assert.Contains(t, lastSeen, "parent1")
}

func TestStaleConnectionsAreEvicted(t *testing.T) {
	application := startApp(t, func(cfg *config.Config) {
		cfg.Presence.StaleAfter = 300 * time.Millisecond
		cfg.Presence.SweepInterval = 50 * time.Millisecond
	})
	seedUsers(t, application, teacher, parent)

	idle := dial(t, application)
	idle.login("parent1")

	active := dial(t, application)
	active.login("teacher1")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = active.conn.WriteJSON(map[string]string{"event": types.EventHeartbeat})
			}
		}
	}()

	idle.waitClosed()

	var status types.StatusChange
	for {
		active.waitFor(types.EventUserStatusChange, &status)
		if status.UserID == "parent1" && !status.IsOnline {
			break
		}
	}
	_, ok := application.Registry().FindByUserID("teacher1")
	assert.True(t, ok)
}

func postUser(t *testing.T, addr string, user types.NewUser) int {
	t.Helper()
	body, err := json.Marshal(user)
	require.NoError(t, err)
	resp, err := http.Post("http://"+addr+"/api/users", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}
