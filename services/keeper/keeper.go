package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"settlecore/crypto"
	"settlecore/native/cdp"
	"settlecore/native/collateral"
	"settlecore/observability"
)

// Engine is the slice of the settlement engine the keeper drives.
type Engine interface {
	Params() cdp.Params
	Orders() ([]cdp.Order, error)
	Loans(after uint64, limit int) ([]cdp.Loan, error)
	Fill(filler crypto.Address, orderID uint64, loanIDs []uint64) (cdp.FillResult, error)
	Clear(clearer crypto.Address, orderID uint64, loanIDs []uint64, fillers []crypto.Address) (cdp.ClearResult, error)
}

// Config controls the keeper loop.
type Config struct {
	// Operator fills and clears on behalf of the keeper and collects the rewards.
	Operator    crypto.Address
	Interval    time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// PageSize bounds each loan scan page.
	PageSize int
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = 8 * c.BaseBackoff
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
}

// Report summarises one pass over the order book.
type Report struct {
	Orders    int
	Admitted  int
	Clears    int
	Completed int
}

// Option customises the keeper instance.
type Option func(*Keeper)

// WithClock sets the clock driving ticks and backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(k *Keeper) { k.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Keeper) { k.logger = logger }
}

// Keeper fills open redemption orders with the lowest-ratio loans it can find
// and clears them once the settlement delay has passed.
type Keeper struct {
	engine Engine
	params cdp.Params
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(engine Engine, cfg Config, opts ...Option) (*Keeper, error) {
	if engine == nil {
		return nil, errors.New("keeper: engine required")
	}
	if cfg.Operator.IsZero() {
		return nil, errors.New("keeper: operator address required")
	}
	cfg.normalize()
	k := &Keeper{
		engine: engine,
		params: engine.Params(),
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.clock == nil {
		k.clock = clockwork.NewRealClock()
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	k.logger = k.logger.With(slog.String("module", "keeper"))
	return k, nil
}

// Run ticks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := k.clock.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		if report, err := k.Tick(ctx); err != nil {
			k.logger.Warn("keeper pass failed", slog.String("error", err.Error()))
		} else if report.Admitted > 0 || report.Clears > 0 {
			k.logger.Info("keeper pass",
				slog.Int("orders", report.Orders),
				slog.Int("admitted", report.Admitted),
				slog.Int("clears", report.Clears),
				slog.Int("completed", report.Completed))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// Tick makes one pass over the live orders.
func (k *Keeper) Tick(ctx context.Context) (Report, error) {
	var report Report
	orders, err := k.engine.Orders()
	if err != nil {
		return report, err
	}
	report.Orders = len(orders)
	if len(orders) == 0 {
		return report, nil
	}
	loans, err := k.activeLoans()
	if err != nil {
		return report, err
	}
	delay := uint64(k.params.SettlementDelay.Milliseconds())
	for i := range orders {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		order := &orders[i]
		admitted, err := k.fill(order, loans)
		if err != nil {
			k.logger.Warn("keeper fill failed", slog.Uint64("order_id", order.ID), slog.String("error", err.Error()))
		}
		report.Admitted += admitted
		// The local candidate list is stale once new loans were admitted.
		if admitted > 0 {
			continue
		}
		if order.Status != cdp.OrderFilling || len(order.Candidates) == 0 {
			continue
		}
		if uint64(k.clock.Now().UnixMilli()) < order.LastReset+delay {
			continue
		}
		loanIDs, fillers := clearBatch(order.Candidates, k.params.MaxClearLoans, k.params.MaxClearFillers)
		res, err := k.ClearWithRetry(ctx, order.ID, loanIDs, fillers)
		if err != nil {
			k.logger.Warn("keeper clear failed", slog.Uint64("order_id", order.ID), slog.String("error", err.Error()))
			continue
		}
		report.Clears++
		if res.Completed {
			report.Completed++
		}
	}
	return report, nil
}

// ClearWithRetry calls Clear until it succeeds, fails with a non-retryable
// error or runs out of attempts. Backoff doubles up to MaxBackoff.
func (k *Keeper) ClearWithRetry(ctx context.Context, orderID uint64, loanIDs []uint64, fillers []crypto.Address) (cdp.ClearResult, error) {
	backoff := k.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		res, err := k.engine.Clear(k.cfg.Operator, orderID, loanIDs, fillers)
		if err == nil {
			return res, nil
		}
		if !cdp.Retryable(err) {
			return res, err
		}
		if attempt >= k.cfg.MaxAttempts {
			return res, fmt.Errorf("keeper: clear order %d after %d attempts: %w", orderID, attempt, err)
		}
		observability.Settlement().RecordRetry("clear")
		k.logger.Debug("keeper clear retry",
			slog.Uint64("order_id", orderID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-k.clock.After(backoff):
		}
		backoff *= 2
		if backoff > k.cfg.MaxBackoff {
			backoff = k.cfg.MaxBackoff
		}
	}
}

type rankedLoan struct {
	id    uint64
	ratio uint64
}

func (k *Keeper) activeLoans() ([]*cdp.Loan, error) {
	var out []*cdp.Loan
	after := uint64(0)
	for {
		page, err := k.engine.Loans(after, k.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		for i := range page {
			if page[i].Status == cdp.LoanActive {
				out = append(out, &page[i])
			}
			after = page[i].ID
		}
		if len(page) < k.cfg.PageSize {
			return out, nil
		}
	}
}

// fill submits the best-ranked eligible loans the order does not hold yet.
func (k *Keeper) fill(order *cdp.Order, loans []*cdp.Loan) (int, error) {
	held := make(map[uint64]struct{}, len(order.Candidates))
	for _, c := range order.Candidates {
		held[c.LoanID] = struct{}{}
	}
	mcr := collateral.PercentRatio(k.params.MCRPercent)
	var ranked []rankedLoan
	for _, loan := range loans {
		if _, ok := held[loan.ID]; ok {
			continue
		}
		ratio, err := collateral.CollateralRatio(loan.Collateral, loan.Debt, k.params.Assets, order.Prices)
		if err != nil {
			return 0, err
		}
		if ratio < mcr {
			continue
		}
		ranked = append(ranked, rankedLoan{id: loan.ID, ratio: ratio})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].ratio != ranked[j].ratio {
			return ranked[i].ratio < ranked[j].ratio
		}
		return ranked[i].id < ranked[j].id
	})
	if n := len(order.Candidates); n > 0 && n >= k.params.MaxCandidates {
		worst := order.Candidates[n-1]
		cut := sort.Search(len(ranked), func(i int) bool {
			r := ranked[i]
			return r.ratio > worst.Ratio || (r.ratio == worst.Ratio && r.id >= worst.LoanID)
		})
		ranked = ranked[:cut]
	}
	if len(ranked) == 0 {
		return 0, nil
	}
	if len(ranked) > k.params.MaxFillBatch {
		ranked = ranked[:k.params.MaxFillBatch]
	}
	ids := make([]uint64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	res, err := k.engine.Fill(k.cfg.Operator, order.ID, ids)
	if errors.Is(err, cdp.ErrNoImprovement) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(res.Admitted), nil
}

// clearBatch takes the candidate prefix that fits within the loan and filler
// limits of one clear call.
func clearBatch(candidates []cdp.Candidate, maxLoans, maxFillers int) ([]uint64, []crypto.Address) {
	var (
		loanIDs []uint64
		fillers []crypto.Address
	)
	for _, c := range candidates {
		if len(loanIDs) == maxLoans {
			break
		}
		known := false
		for _, f := range fillers {
			if f.Equal(c.Filler) {
				known = true
				break
			}
		}
		if !known {
			if len(fillers) == maxFillers {
				break
			}
			fillers = append(fillers, c.Filler)
		}
		loanIDs = append(loanIDs, c.LoanID)
	}
	return loanIDs, fillers
}
