package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/rallychat/internal/middleware"
	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/session"
	"github.com/hitoshi/rallychat/internal/thread"
)

// クライアントから受け取るフレームの種別。
const (
	frameSelect   = "select"
	frameDeselect = "deselect"
	frameSend     = "send"
	frameStart    = "start"
)

const (
	defaultWSReadTimeout = 60 * time.Second
	wsSendQueueSize      = 16
	wsSendTimeout        = 10 * time.Second
)

// SendLimiter はユーザーごとの送信レート制限。middleware.RateLimiterが満たす。
type SendLimiter interface {
	AllowSend(userID string) bool
}

// WebSocketConfig はWebSocketハンドラーの設定。
type WebSocketConfig struct {
	AllowedOrigin string
	ReadTimeout   time.Duration
}

// inboundFrame はクライアントからのフレーム。
type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

// threadFrame はスレッド表示の状態を送るフレーム。
type threadFrame struct {
	Type           string                        `json:"type"`
	State          string                        `json:"state"`
	ConversationID string                        `json:"conversation_id,omitempty"`
	Messages       []messageResponse             `json:"messages"`
	LiveError      *middleware.ErrorResponseBody `json:"live_error,omitempty"`
}

// conversationsFrame は会話一覧を送るフレーム。
type conversationsFrame struct {
	Type          string                 `json:"type"`
	Conversations []conversationResponse `json:"conversations"`
}

// errorFrame は操作の失敗を送るフレーム。
type errorFrame struct {
	Type    string                       `json:"type"`
	Request string                       `json:"request,omitempty"`
	Error   middleware.ErrorResponseBody `json:"error"`
}

// WebSocketHandler はWebSocket接続ごとにセッションを作り、フレームで操作する。
// GET /ws
type WebSocketHandler struct {
	deps        session.Deps
	limiter     SendLimiter
	upgrader    websocket.Upgrader
	readTimeout time.Duration
	logger      *slog.Logger
}

// NewWebSocketHandler はWebSocketHandlerを生成する。limiterはnilでもよい。
func NewWebSocketHandler(deps session.Deps, limiter SendLimiter, cfg WebSocketConfig, logger *slog.Logger) *WebSocketHandler {
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultWSReadTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	allowed := cfg.AllowedOrigin
	return &WebSocketHandler{
		deps:    deps,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(r, allowed)
			},
		},
		readTimeout: readTimeout,
		logger:      logger,
	}
}

// ServeHTTP はWebSocketへアップグレードし、切断されるまでフレームを処理する。
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Debug("WebSocketへのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}

	conn := newWSConn(ws, h.readTimeout*9/10)
	conn.start()

	ctx, cancel := context.WithCancel(r.Context())
	client := &wsClient{
		userID:  userID,
		conn:    conn,
		limiter: h.limiter,
		sends:   make(chan string, wsSendQueueSize),
		logger:  h.logger.With(slog.String("user_id", userID)),
	}
	client.session = session.New(userID, h.deps, client)

	defer func() {
		cancel()
		client.session.Close()
		close(client.sends)
		conn.close(websocket.CloseNormalClosure, "session closed")
	}()

	go client.sendLoop(ctx)
	go func() {
		if err := client.session.Open(ctx); err != nil {
			client.replyError("open", err)
		}
	}()

	ws.SetReadLimit(wsMaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				client.logger.Debug("WebSocketの読み取りを終了しました", slog.String("error", err.Error()))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			client.replyAPIError("", invalidFrameError("フレームの解析に失敗しました。"))
			continue
		}
		client.dispatch(ctx, frame)
	}
}

// wsClient は1接続分の状態。session.Observerを実装する。
type wsClient struct {
	userID  string
	conn    *wsConn
	session *session.Session
	limiter SendLimiter
	sends   chan string
	logger  *slog.Logger
}

// dispatch はフレームを処理する。読み取りループから呼ばれる。
// 会話の選択は読み込み中でも次のフレームを受け付けるよう非同期に行い、
// 送信は順序を保つため専用のgoroutineで直列に処理する。
func (c *wsClient) dispatch(ctx context.Context, frame inboundFrame) {
	switch frame.Type {
	case frameSelect:
		if frame.ConversationID == "" {
			c.replyAPIError(frame.Type, invalidFrameError("conversation_id が必要です。"))
			return
		}
		go func() {
			if err := c.session.Select(ctx, frame.ConversationID); err != nil {
				c.replyError(frame.Type, err)
			}
		}()
	case frameDeselect:
		c.session.Deselect()
	case frameStart:
		if frame.UserID == "" {
			c.replyAPIError(frame.Type, invalidFrameError("user_id が必要です。"))
			return
		}
		go func() {
			if _, err := c.session.StartConversation(ctx, frame.UserID); err != nil {
				c.replyError(frame.Type, err)
			}
		}()
	case frameSend:
		select {
		case c.sends <- frame.Content:
		default:
			c.replyAPIError(frame.Type, middleware.RateLimitError())
		}
	default:
		c.replyAPIError(frame.Type, invalidFrameError("未対応のフレーム種別です。"))
	}
}

// sendLoop は送信フレームを受け取った順に処理する。
func (c *wsClient) sendLoop(ctx context.Context) {
	for content := range c.sends {
		if ctx.Err() != nil {
			return
		}
		if c.limiter != nil && !c.limiter.AllowSend(c.userID) {
			c.replyAPIError(frameSend, middleware.RateLimitError())
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, wsSendTimeout)
		_, err := c.session.Send(sendCtx, content)
		cancel()
		if err != nil {
			c.replyError(frameSend, err)
		}
	}
}

// ThreadChanged はスレッド表示の状態をクライアントへ送る。
func (c *wsClient) ThreadChanged(snap thread.Snapshot) {
	frame := threadFrame{
		Type:           "thread",
		State:          snap.State.String(),
		ConversationID: snap.ConversationID,
		Messages:       toThreadMessages(snap),
	}
	if snap.LiveErr != nil {
		body := middleware.NewErrorResponseBody(model.ToAPIError(snap.LiveErr))
		frame.LiveError = &body
	}
	c.push(frame)
}

// ConversationsChanged は会話一覧をクライアントへ送る。
func (c *wsClient) ConversationsChanged(summaries []model.ConversationSummary) {
	c.push(conversationsFrame{
		Type:          "conversations",
		Conversations: toConversationResponses(summaries),
	})
}

func (c *wsClient) replyError(request string, err error) {
	if middleware.StatusFor(err) >= http.StatusInternalServerError {
		c.logger.Error("WebSocket操作に失敗しました",
			slog.String("request", request),
			slog.String("error", err.Error()),
		)
	}
	c.replyAPIError(request, model.ToAPIError(err))
}

func (c *wsClient) replyAPIError(request string, apiErr *model.APIError) {
	c.push(errorFrame{
		Type:    "error",
		Request: request,
		Error:   middleware.NewErrorResponseBody(apiErr),
	})
}

func (c *wsClient) push(frame any) {
	if err := c.conn.sendJSON(frame); err != nil && err != errConnClosed {
		c.logger.Warn("WebSocketフレームを送信できませんでした", slog.String("error", err.Error()))
	}
}

func invalidFrameError(msg string) *model.APIError {
	return &model.APIError{
		Code:     "INVALID_FRAME",
		Message:  msg,
		Category: "validation",
		Action:   "フレームの形式を確認してください。",
	}
}

var _ session.Observer = (*wsClient)(nil)
