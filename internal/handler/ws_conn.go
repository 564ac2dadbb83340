package handler

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait     = 10 * time.Second
	wsSendBuffer    = 64
	wsMaxFrameBytes = 64 << 10
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("connection send buffer exceeded")
)

// wsConn はWebSocket接続への書き込みを1つのgoroutineに集約する。
// sendJSONは複数のgoroutineから呼び出してよい。
type wsConn struct {
	ws         *websocket.Conn
	send       chan []byte
	done       chan struct{}
	once       sync.Once
	pingPeriod time.Duration
}

func newWSConn(ws *websocket.Conn, pingPeriod time.Duration) *wsConn {
	return &wsConn{
		ws:         ws,
		send:       make(chan []byte, wsSendBuffer),
		done:       make(chan struct{}),
		pingPeriod: pingPeriod,
	}
}

// start は書き込みループを開始する。接続ごとに1回だけ呼ぶ。
func (c *wsConn) start() {
	go c.writeLoop()
}

// sendJSON はフレームを送信キューに入れる。ブロックしない。
// 読み取りの遅いクライアントでキューが満杯になった場合は接続を閉じる。
func (c *wsConn) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.close(websocket.CloseGoingAway, "send buffer full")
		return errSendBufferFull
	}
}

// close は接続を閉じる。何度呼んでもよい。
// sendチャネルは閉じず、書き込みループはdoneで終了する。
func (c *wsConn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(wsWriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *wsConn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
