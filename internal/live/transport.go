package live

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// wsTransport adapts a gorilla websocket connection to the connection
// manager's Transport. Writes are serialized by a mutex; gorilla allows
// only one concurrent writer.
type wsTransport struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	open atomic.Bool
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	t := &wsTransport{ws: ws}
	t.open.Store(true)
	return t
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.open.Store(false)
		return err
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.open.Store(false)
	return t.ws.Close()
}

func (t *wsTransport) IsOpen() bool { return t.open.Load() }

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}
