package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/risa-org/relink/transport"
)

// wsPair creates a connected client/server WebSocket pair using an
// in-process HTTP test server.
func wsPair(t *testing.T) (server, client *Conn) {
	t.Helper()

	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("server accept failed: %v", err)
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := &Dialer{}
	clientConn, err := d.Dial(context.Background(), wsURL, "")
	require.NoError(t, err)

	return New(<-serverConnCh), clientConn.(*Conn)
}

func recv(t *testing.T, c *Conn) []byte {
	t.Helper()
	select {
	case p, ok := <-c.Receive():
		require.True(t, ok, "receive channel closed unexpectedly")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func TestSendAndReceive(t *testing.T) {
	server, client := wsPair(t)
	defer server.Close(transport.CodeNormal, "test done")
	defer client.Close(transport.CodeNormal, "test done")

	require.NoError(t, client.Send([]byte("hello over websocket")))
	require.Equal(t, "hello over websocket", string(recv(t, server)))
}

func TestMessagesArriveInOrder(t *testing.T) {
	server, client := wsPair(t)
	defer server.Close(transport.CodeNormal, "test done")
	defer client.Close(transport.CodeNormal, "test done")

	want := []string{"a", "b", "c", "d", "e"}
	for _, s := range want {
		require.NoError(t, client.Send([]byte(s)))
	}
	for _, s := range want {
		require.Equal(t, s, string(recv(t, server)))
	}
}

func TestNormalCloseIsClean(t *testing.T) {
	server, client := wsPair(t)
	defer server.Close(transport.CodeNormal, "test done")

	client.Close(transport.CodeNormal, "done")

	select {
	case event := <-server.Closed():
		require.True(t, event.Normal(), "close handshake should read as clean, got %+v", event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close event")
	}
}

func TestCredentialBecomesBearerHeader(t *testing.T) {
	gotAuth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := &Dialer{}
	conn, err := d.Dial(context.Background(), wsURL, "tok-123")
	require.NoError(t, err)
	defer conn.Close(transport.CodeNormal, "test done")

	require.Equal(t, "Bearer tok-123", <-gotAuth)
}

func TestCloseIsIdempotent(t *testing.T) {
	server, client := wsPair(t)
	defer client.Close(transport.CodeNormal, "test done")

	server.Close(transport.CodeNormal, "first")
	server.Close(transport.CodeNormal, "second")
}

func TestSendOnClosedReturnsError(t *testing.T) {
	server, client := wsPair(t)
	defer server.Close(transport.CodeNormal, "test done")

	client.Close(transport.CodeNormal, "closed early")
	time.Sleep(50 * time.Millisecond)

	err := client.Send([]byte("too late"))
	require.ErrorIs(t, err, transport.ErrTransportClosed)
}
