package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"schoolhub/internal/app"
	"schoolhub/internal/config"
	"schoolhub/pkg/types"
)

const eventTimeout = 3 * time.Second

func startApp(t *testing.T, mutate func(*config.Config)) *app.Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "schoolhub.db")
	cfg.Database.WriteRetryDelay = 10 * time.Millisecond
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

func seedUsers(t *testing.T, application *app.Application, users ...types.NewUser) {
	t.Helper()
	for _, u := range users {
		u := u
		_, err := application.Directory().CreateUser(context.Background(), &u)
		require.NoError(t, err)
	}
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// client is a websocket test client that reads frames in the background
type client struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan envelope
	closed chan struct{}
}

func dial(t *testing.T, application *app.Application) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+application.Addr()+"/ws", nil)
	require.NoError(t, err)

	c := &client{t: t, conn: conn, frames: make(chan envelope, 256), closed: make(chan struct{})}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *client) readLoop() {
	defer close(c.closed)
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.frames <- env
	}
}

func (c *client) send(event string, data interface{}) {
	c.t.Helper()
	frame := map[string]interface{}{"event": event}
	if data != nil {
		frame["data"] = data
	}
	require.NoError(c.t, c.conn.WriteJSON(frame))
}

// waitFor discards frames until one named event arrives and decodes its data into v
func (c *client) waitFor(event string, v interface{}) {
	c.t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case env := <-c.frames:
			if env.Event != event {
				continue
			}
			if v != nil {
				require.NoError(c.t, json.Unmarshal(env.Data, v))
			}
			return
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// expectNone fails if a frame named event arrives within d
func (c *client) expectNone(event string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case env := <-c.frames:
			if env.Event == event {
				c.t.Fatalf("unexpected %s event: %s", event, env.Data)
			}
		case <-deadline:
			return
		}
	}
}

func (c *client) waitClosed() {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(eventTimeout):
		c.t.Fatal("connection was not closed by the server")
	}
}

// login authenticates and consumes the three confirmation events
func (c *client) login(userID string) (online []string, lastSeen map[string]time.Time) {
	c.t.Helper()
	c.send(types.EventAuthenticate, types.AuthenticatePayload{UserID: userID})

	var auth types.AuthenticatedData
	c.waitFor(types.EventAuthenticated, &auth)
	require.True(c.t, auth.Success)
	require.Equal(c.t, userID, auth.UserID)
	c.waitFor(types.EventOnlineUsers, &online)
	c.waitFor(types.EventOfflineUsersLastSeen, &lastSeen)
	return online, lastSeen
}

func (c *client) waitError() types.ErrorData {
	c.t.Helper()
	var data types.ErrorData
	c.waitFor(types.EventError, &data)
	return data
}
