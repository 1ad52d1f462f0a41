package wsconn

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades to the amqp subprotocol, sends a text message that
// must be ignored, then echoes every binary message back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		if err := ws.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
			return
		}
		for {
			typ, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(typ, data); err != nil {
				return
			}
		}
	}))
}

func dial(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, resp, err := d.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	assert.Equal(t, Subprotocol, ws.Subprotocol())
	return New(ws)
}

func TestConnStreamsBinaryMessages(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := dial(t, srv)
	defer c.Close()

	_, err := c.Write([]byte("AMQP"))
	require.NoError(t, err)
	_, err = c.Write([]byte{0, 1, 0, 0})
	require.NoError(t, err)

	buf := make([]byte, 8)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, buf)

	assert.NotNil(t, c.LocalAddr())
	assert.NotNil(t, c.RemoteAddr())
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := dial(t, srv)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	_, err := c.Write([]byte("x"))
	assert.Error(t, err)
}
