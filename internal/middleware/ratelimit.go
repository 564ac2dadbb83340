package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/rallychat/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	SendRate        rate.Limit    // メッセージ送信のレート（件/sec）
	SendBurst       int           // メッセージ送信のバーストサイズ
	CleanupInterval time.Duration // 使われていないエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、送信はsendPerMinute件/min/user。
func DefaultRateLimiterConfig(sendPerMinute int) RateLimiterConfig {
	if sendPerMinute <= 0 {
		sendPerMinute = 60
	}
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		SendRate:        rate.Limit(float64(sendPerMinute) / 60.0),
		SendBurst:       sendPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はユーザーごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はユーザーIDごとのリミッターの集合。
type limiterSet struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*userLimiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{limit: limit, burst: burst, limiters: make(map[string]*userLimiter)}
}

func (s *limiterSet) allow(userID string) bool {
	s.mu.Lock()
	ul, ok := s.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[userID] = ul
	}
	ul.lastAccess = time.Now()
	s.mu.Unlock()
	return ul.limiter.Allow()
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// evict はmaxIdle以上アクセスの無いエントリを削除する。
func (s *limiterSet) evict(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ul := range s.limiters {
		if ul.lastAccess.Before(cutoff) {
			delete(s.limiters, id)
		}
	}
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般とメッセージ送信の2種類を独立に制限する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	send    *limiterSet
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet(config.GeneralRate, config.GeneralBurst),
		send:    newLimiterSet(config.SendRate, config.SendBurst),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop はクリーンアップのゴルーチンを停止する。何度呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// AllowSend はユーザーのメッセージ送信を1件許可できるかを返す。
// WebSocket経由の送信でも同じ枠を消費する。
func (rl *RateLimiter) AllowSend(userID string) bool {
	if rl.send.allow(userID) {
		return true
	}
	rl.logger.Warn("送信レート制限を超えました",
		slog.String("user_id", userID),
		slog.String("limit_type", "send"),
	)
	return false
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, rl.config.GeneralRate, "general")
}

// SendMiddleware はメッセージ送信のレート制限ミドルウェアを返す。
func (rl *RateLimiter) SendMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.send, rl.config.SendRate, "send")
}

func (rl *RateLimiter) middleware(set *limiterSet, limit rate.Limit, kind string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !set.allow(userID) {
				rl.logger.Warn("レート制限を超えました",
					slog.String("user_id", userID),
					slog.String("limit_type", kind),
				)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limit)))
				WriteErrorResponse(w, http.StatusTooManyRequests, RateLimitError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は管理中のAPI全般リミッターの数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int { return rl.general.len() }

// SendLimiterCount は管理中の送信リミッターの数を返す。
func (rl *RateLimiter) SendLimiterCount() int { return rl.send.len() }

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup はクリーンアップ間隔以上使われていないエントリを削除する。
func (rl *RateLimiter) cleanup() {
	rl.general.evict(rl.config.CleanupInterval)
	rl.send.evict(rl.config.CleanupInterval)
}

// retryAfterSeconds はトークン1つが補充されるまでの秒数を返す。
func retryAfterSeconds(limit rate.Limit) int {
	if limit <= 0 {
		return 60
	}
	sec := int(math.Ceil(1.0 / float64(limit)))
	if sec < 1 {
		sec = 1
	}
	return sec
}
