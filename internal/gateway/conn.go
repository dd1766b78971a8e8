package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/javanstorm/vmlab/internal/bridge"
)

// maxCloseText is the room left for the reason text in a close frame.
const maxCloseText = 123

// wsConn adapts a websocket connection to bridge.ClientConn.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	wmu  sync.Mutex
	once sync.Once
}

func newWSConn(ws *websocket.Conn, readLimit int64, writeTimeout time.Duration) *wsConn {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadFrame() (bridge.Frame, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return bridge.Frame{}, bridge.ErrClientClosed
			}
			return bridge.Frame{}, err
		}
		switch mt {
		case websocket.BinaryMessage:
			return bridge.Frame{Kind: bridge.Binary, Payload: data}, nil
		case websocket.TextMessage:
			return bridge.Frame{Kind: bridge.Text, Payload: data}, nil
		}
	}
}

func (c *wsConn) WriteFrame(f bridge.Frame) error {
	mt := websocket.BinaryMessage
	if f.Kind == bridge.Text {
		mt = websocket.TextMessage
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(mt, f.Payload)
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) SetAckHandler(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (c *wsConn) Close(reason bridge.Reason) error {
	return c.closeWith(CloseCode(reason), string(reason))
}

// closeWith sends a close frame and drops the connection. Only the first
// call has any effect.
func (c *wsConn) closeWith(code int, text string) error {
	var err error
	c.once.Do(func() {
		if len(text) > maxCloseText {
			text = text[:maxCloseText]
		}
		msg := websocket.FormatCloseMessage(code, text)
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if errors.Is(werr, websocket.ErrCloseSent) {
			werr = nil
		}
		err = errors.Join(werr, c.ws.Close())
	})
	return err
}
