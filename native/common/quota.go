package common

import (
	"errors"
	"math"
	"sync"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaAmountExceeded   = errors.New("quota amount cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount   uint32
	AmountUsed uint64
	EpochID    uint64
}

// Quota defines the limits enforced for a module interaction per address.
// Zero limits are unlimited.
type Quota struct {
	MaxRequestsPerEpoch uint32 `toml:"max_requests_per_epoch" yaml:"maxRequestsPerEpoch"`
	MaxAmountPerEpoch   uint64 `toml:"max_amount_per_epoch" yaml:"maxAmountPerEpoch"`
	EpochSeconds        uint32 `toml:"epoch_seconds" yaml:"epochSeconds"`
}

// Epoch maps a unix second onto the quota window. A zero window means one minute.
func (q Quota) Epoch(nowSeconds uint64) uint64 {
	window := uint64(q.EpochSeconds)
	if window == 0 {
		window = 60
	}
	return nowSeconds / window
}

// Unlimited reports whether the quota never rejects.
func (q Quota) Unlimited() bool {
	return q.MaxRequestsPerEpoch == 0 && q.MaxAmountPerEpoch == 0
}

// CheckQuota verifies whether the additional request and amount fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addAmount uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addAmount > 0 {
		if next.AmountUsed > math.MaxUint64-addAmount {
			return prev, ErrQuotaCounterOverflow
		}
		next.AmountUsed += addAmount
	}
	if q.MaxAmountPerEpoch > 0 && next.AmountUsed > q.MaxAmountPerEpoch {
		return prev, ErrQuotaAmountExceeded
	}

	return next, nil
}

// QuotaTracker keeps per-caller counters for one module in memory.
type QuotaTracker struct {
	mu     sync.Mutex
	quota  Quota
	usage  map[string]QuotaNow
	module string
}

func NewQuotaTracker(module string, quota Quota) *QuotaTracker {
	return &QuotaTracker{quota: quota, module: module, usage: make(map[string]QuotaNow)}
}

// Module returns the module name the tracker was created for.
func (t *QuotaTracker) Module() string {
	if t == nil {
		return ""
	}
	return t.module
}

// Consume charges one request and amount to caller. Counters are unchanged on
// rejection. Entries from earlier epochs are pruned as they are touched.
func (t *QuotaTracker) Consume(caller string, nowSeconds uint64, amount uint64) error {
	if t == nil || t.quota.Unlimited() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	epoch := t.quota.Epoch(nowSeconds)
	next, err := CheckQuota(t.quota, epoch, t.usage[caller], 1, amount)
	if err != nil {
		return err
	}
	t.usage[caller] = next
	for key, usage := range t.usage {
		if usage.EpochID < epoch {
			delete(t.usage, key)
		}
	}
	return nil
}
