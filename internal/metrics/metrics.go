// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// メッセージング層の各コンポーネントとHTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordMessageSent()
	RecordMessageFailed(kind string)
	RecordResolutionLatency(duration time.Duration)
	RecordSubscriptionOpened(scope string)
	RecordSubscriptionClosed(scope string)
	RecordSubscriptionError(scope string)
	RecordBusEvent(source string)
	RecordStaleLoadDiscarded()
	RecordOutreachMarked()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	messagesSent      prometheus.Counter
	messagesFailed    *prometheus.CounterVec
	resolutionLatency prometheus.Histogram
	subscriptionsOpen *prometheus.GaugeVec
	subscriptionErrs  *prometheus.CounterVec
	busEvents         *prometheus.CounterVec
	staleLoads        prometheus.Counter
	outreachMarked    prometheus.Counter
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rallychat_messages_sent_total",
			Help: "送信に成功したメッセージの合計数",
		}),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rallychat_messages_failed_total",
			Help: "送信に失敗したメッセージの合計数（エラー種別ごと）",
		}, []string{"kind"}),
		resolutionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rallychat_conversation_resolution_seconds",
			Help:    "会話の取得/作成のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		subscriptionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rallychat_subscriptions_open",
			Help: "現在開いているライブバス購読数",
		}, []string{"scope"}),
		subscriptionErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rallychat_subscription_errors_total",
			Help: "エラーで破棄された購読の合計数",
		}, []string{"scope"}),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rallychat_bus_events_total",
			Help: "ライブバスが受信した挿入イベントの合計数",
		}, []string{"source"}),
		staleLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rallychat_stale_loads_discarded_total",
			Help: "選択切り替えにより破棄された履歴読み込みの合計数",
		}),
		outreachMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rallychat_outreach_marked_total",
			Help: "コーチからの連絡でマッチ状態を更新した合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rallychat_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.messagesSent,
		c.messagesFailed,
		c.resolutionLatency,
		c.subscriptionsOpen,
		c.subscriptionErrs,
		c.busEvents,
		c.staleLoads,
		c.outreachMarked,
		c.httpStatus,
	)

	return c
}

// RecordMessageSent は送信成功を記録する。
func (c *Collector) RecordMessageSent() {
	c.messagesSent.Inc()
}

// RecordMessageFailed は送信失敗をエラー種別ごとに記録する。
func (c *Collector) RecordMessageFailed(kind string) {
	c.messagesFailed.WithLabelValues(kind).Inc()
}

// RecordResolutionLatency は会話解決のレイテンシを記録する。
func (c *Collector) RecordResolutionLatency(duration time.Duration) {
	c.resolutionLatency.Observe(duration.Seconds())
}

// RecordSubscriptionOpened は購読の開始を記録する。
func (c *Collector) RecordSubscriptionOpened(scope string) {
	c.subscriptionsOpen.WithLabelValues(scope).Inc()
}

// RecordSubscriptionClosed は購読の終了を記録する。
func (c *Collector) RecordSubscriptionClosed(scope string) {
	c.subscriptionsOpen.WithLabelValues(scope).Dec()
}

// RecordSubscriptionError は購読エラーを記録する。
func (c *Collector) RecordSubscriptionError(scope string) {
	c.subscriptionErrs.WithLabelValues(scope).Inc()
}

// RecordBusEvent はライブバスのイベント受信を記録する。
func (c *Collector) RecordBusEvent(source string) {
	c.busEvents.WithLabelValues(source).Inc()
}

// RecordStaleLoadDiscarded は破棄された履歴読み込みを記録する。
func (c *Collector) RecordStaleLoadDiscarded() {
	c.staleLoads.Inc()
}

// RecordOutreachMarked はマッチ状態の更新を記録する。
func (c *Collector) RecordOutreachMarked() {
	c.outreachMarked.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordMessageSent()                    {}
func (Nop) RecordMessageFailed(string)            {}
func (Nop) RecordResolutionLatency(time.Duration) {}
func (Nop) RecordSubscriptionOpened(string)       {}
func (Nop) RecordSubscriptionClosed(string)       {}
func (Nop) RecordSubscriptionError(string)        {}
func (Nop) RecordBusEvent(string)                 {}
func (Nop) RecordStaleLoadDiscarded()             {}
func (Nop) RecordOutreachMarked()                 {}
func (Nop) RecordHTTPStatus(int)                  {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
