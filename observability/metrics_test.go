package observability

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"icopool/core/events"
	"icopool/native/pool"
)

func TestPoolMetricsOperationsAndPhase(t *testing.T) {
	m := NewPoolMetrics(prometheus.NewRegistry())
	m.ObserveOperation("buy_share", "success", 10*time.Millisecond)
	m.ObserveOperation("buy_share", "success", 5*time.Millisecond)
	m.ObserveOperation("buy_share", "", time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("buy_share", "success")); got != 2 {
		t.Fatalf("expected 2 successful operations, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("buy_share", "unspecified")); got != 1 {
		t.Fatalf("expected blank outcome to be labelled unspecified, got %v", got)
	}

	m.RecordPhase("raising")
	m.RecordPhase("wait_for_ico")
	if got := testutil.ToFloat64(m.phase.WithLabelValues("wait_for_ico")); got != 1 {
		t.Fatalf("expected active phase gauge, got %v", got)
	}
	if count := testutil.CollectAndCount(m.phase); count != 1 {
		t.Fatalf("expected only the active phase series, got %d", count)
	}
}

func TestPoolMetricsFromEvents(t *testing.T) {
	m := NewPoolMetrics(prometheus.NewRegistry())
	investor := common.HexToAddress("0x0c01")

	m.Emit(events.Wrap(pool.NewContributedEvent(investor, uint256.NewInt(700), uint256.NewInt(1_700))))
	m.Emit(events.Wrap(pool.NewRefundedEvent(investor, investor, uint256.NewInt(300))))
	m.Emit(events.Wrap(pool.NewRefundedEvent(investor, investor, uint256.NewInt(200))))

	if got := testutil.ToFloat64(m.raised); got != 1_700 {
		t.Fatalf("expected raised gauge 1700, got %v", got)
	}
	if got := testutil.ToFloat64(m.released.WithLabelValues("ether", "refund")); got != 500 {
		t.Fatalf("expected refunds 500, got %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(pool.EventTypeRefunded)); got != 2 {
		t.Fatalf("expected 2 refund events, got %v", got)
	}
}

func TestNilPoolMetricsIsSafe(t *testing.T) {
	var m *PoolMetrics
	m.ObserveOperation("x", "y", time.Second)
	m.RecordPhase("raising")
	m.Emit(nil)
}
