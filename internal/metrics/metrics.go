// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証チェック結果のラベル値。
const (
	ResultAuthenticated   = "authenticated"
	ResultUnauthenticated = "unauthenticated"
	ResultError           = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション管理、招待コード、ローカルプロトコルの各層から利用する。
type MetricsCollector interface {
	RecordAuthCheck(result string)
	RecordCookieVerificationFailure()
	RecordInvitationCheck(valid bool)
	RecordInvitationIssued()
	RecordSessionsSwept(count int64)
	RecordRequestDuration(messageType string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authChecks        *prometheus.CounterVec
	cookieFailures    prometheus.Counter
	invitationChecks  *prometheus.CounterVec
	invitationsIssued prometheus.Counter
	sessionsSwept     prometheus.Counter
	requestDuration   *prometheus.HistogramVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sso_auth_checks_total",
			Help: "checkAuthの結果別の処理数",
		}, []string{"result"}),
		cookieFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sso_cookie_verification_failures_total",
			Help: "Cookie復号・検証失敗の合計数",
		}),
		invitationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sso_invitation_checks_total",
			Help: "招待コード検証の結果別の処理数",
		}, []string{"result"}),
		invitationsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sso_invitations_issued_total",
			Help: "発行された招待コードの合計数",
		}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sso_sessions_swept_total",
			Help: "期限切れで削除されたセッションの合計数",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sso_ipc_request_duration_seconds",
			Help:    "ローカルプロトコルのメッセージ処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}

	reg.MustRegister(
		c.authChecks,
		c.cookieFailures,
		c.invitationChecks,
		c.invitationsIssued,
		c.sessionsSwept,
		c.requestDuration,
	)

	return c
}

// RecordAuthCheck はcheckAuthの結果を記録する。
func (c *Collector) RecordAuthCheck(result string) {
	c.authChecks.WithLabelValues(result).Inc()
}

// RecordCookieVerificationFailure はCookie検証失敗を記録する。
func (c *Collector) RecordCookieVerificationFailure() {
	c.cookieFailures.Inc()
}

// RecordInvitationCheck は招待コード検証の結果を記録する。
func (c *Collector) RecordInvitationCheck(valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	c.invitationChecks.WithLabelValues(result).Inc()
}

// RecordInvitationIssued は招待コードの発行を記録する。
func (c *Collector) RecordInvitationIssued() {
	c.invitationsIssued.Inc()
}

// RecordSessionsSwept は期限切れセッションの削除件数を記録する。
func (c *Collector) RecordSessionsSwept(count int64) {
	c.sessionsSwept.Add(float64(count))
}

// RecordRequestDuration はメッセージ種別ごとの処理時間を記録する。
func (c *Collector) RecordRequestDuration(messageType string, duration time.Duration) {
	c.requestDuration.WithLabelValues(messageType).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordAuthCheck(string)                      {}
func (Nop) RecordCookieVerificationFailure()            {}
func (Nop) RecordInvitationCheck(bool)                  {}
func (Nop) RecordInvitationIssued()                     {}
func (Nop) RecordSessionsSwept(int64)                   {}
func (Nop) RecordRequestDuration(string, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
