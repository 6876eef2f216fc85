package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolhub/pkg/interfaces"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = &Connection{}
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	server, _ := connectionPair(t)

	conn := NewConnection(server, 0, 0)
	defer conn.Close()

	assert.Equal(t, 100, cap(conn.writeCh))
	assert.Equal(t, 10*time.Second, conn.writeTimeout)
	assert.NotEmpty(t, conn.ID())

	other := NewConnection(server, 5, time.Second)
	defer other.Close()
	assert.NotEqual(t, conn.ID(), other.ID())
	assert.Equal(t, 5, cap(other.writeCh))
}

func TestConnection_WriteJSON(t *testing.T) {
	server, client := connectionPair(t)
	conn := NewConnection(server, 10, time.Second)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "ping"}))

	var got map[string]string
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "ping", got["event"])
}

func TestConnection_WriteJSONInvalidData(t *testing.T) {
	server, _ := connectionPair(t)
	conn := NewConnection(server, 10, time.Second)
	defer conn.Close()

	err := conn.WriteJSON(make(chan int))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestConnection_CloseFlushesQueuedFrames(t *testing.T) {
	server, client := connectionPair(t)
	conn := NewConnection(server, 10, time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteJSON(map[string]int{"n": i}))
	}
	require.NoError(t, conn.Close())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 5; i++ {
		var got map[string]int
		require.NoError(t, client.ReadJSON(&got))
		assert.Equal(t, i, got["n"])
	}

	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestConnection_CloseIdempotent(t *testing.T) {
	server, _ := connectionPair(t)
	conn := NewConnection(server, 10, time.Second)

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	default:
		t.Fatal("writer should have exited")
	}
}

func TestConnection_WriteAfterClose(t *testing.T) {
	server, _ := connectionPair(t)
	conn := NewConnection(server, 10, time.Second)
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.WriteJSON(map[string]string{"a": "b"}), ErrConnectionClosed)
}

func TestConnection_ConcurrentWrites(t *testing.T) {
	server, client := connectionPair(t)
	conn := NewConnection(server, 100, time.Second)
	defer conn.Close()

	const writers, perWriter = 10, 10
	received := make(chan struct{}, writers*perWriter)
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
			received <- struct{}{}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, conn.WriteJSON(map[string]int{"w": w, "i": i}))
			}
		}(w)
	}
	wg.Wait()

	deadline := time.After(3 * time.Second)
	for i := 0; i < writers*perWriter; i++ {
		select {
		case <-received:
		case <-deadline:
			t.Fatalf("received %d of %d frames", i, writers*perWriter)
		}
	}
}

func TestConnection_PeerCloseStopsWriter(t *testing.T) {
	server, client := connectionPair(t)
	conn := NewConnection(server, 10, 200*time.Millisecond)
	defer conn.Close()

	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool {
		_ = conn.WriteJSON(map[string]string{"a": "b"})
		select {
		case <-conn.Done():
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

// connectionPair returns the server and client ends of a live websocket
func connectionPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverConns <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server := <-serverConns:
		t.Cleanup(func() { _ = server.Close() })
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the connection was not accepted")
		return nil, nil
	}
}
