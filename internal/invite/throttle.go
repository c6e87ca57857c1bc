package invite

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Throttle は招待コード検証の失敗回数に応じた遅延を計算する。
// 遅延は min(失敗回数² × base, max)。最後の失敗からwindowが経過すると回数はリセットされる。
// 失敗回数は全クライアントで共有する。
type Throttle struct {
	base   time.Duration
	max    time.Duration
	window time.Duration
	clock  clockwork.Clock

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

// NewThrottle はThrottleを生成する。
func NewThrottle(base, max, window time.Duration, clock clockwork.Clock) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Throttle{base: base, max: max, window: window, clock: clock}
}

// Failure は失敗を1回記録し、この失敗に適用する遅延を返す。
func (t *Throttle) Failure() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if !t.lastFailure.IsZero() && now.Sub(t.lastFailure) >= t.window {
		t.failures = 0
	}
	t.failures++
	t.lastFailure = now

	return t.delay(t.failures)
}

// Failures は現在の失敗回数を返す。windowが経過していれば0を返す。
func (t *Throttle) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastFailure.IsZero() || t.clock.Now().Sub(t.lastFailure) >= t.window {
		return 0
	}
	return t.failures
}

func (t *Throttle) delay(n int) time.Duration {
	// n² × base のオーバーフローを避けるため、上限を超える時点で打ち切る
	if t.base <= 0 {
		return 0
	}
	limit := int64(t.max / t.base)
	sq := int64(n) * int64(n)
	if n > 1<<20 || sq > limit {
		return t.max
	}
	return time.Duration(sq) * t.base
}
