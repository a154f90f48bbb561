package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"settlecore/core/events"
	"settlecore/crypto"
	"settlecore/native/cdp"
	"settlecore/native/collateral"
	nativecommon "settlecore/native/common"
	"settlecore/native/distribution"
	"settlecore/native/staking"
	"settlecore/observability"
	telemetry "settlecore/observability/otel"
	"settlecore/services/settlement/history"
	"settlecore/services/settlement/middleware"
)

// Engine is the settlement surface served over HTTP. *cdp.Engine implements it.
type Engine interface {
	Params() cdp.Params

	AddOrder(redeemer crypto.Address, amount *uint256.Int, prices collateral.Prices) (uint64, error)
	Fill(filler crypto.Address, orderID uint64, loanIDs []uint64) (cdp.FillResult, error)
	Clear(clearer crypto.Address, orderID uint64, loanIDs []uint64, fillers []crypto.Address) (cdp.ClearResult, error)
	CancelOrder(caller crypto.Address, orderID uint64) error

	Liquidate(liquidator crypto.Address, loanID uint64, prices collateral.Prices) (cdp.LiquidationResult, error)
	ClearLiquidationGains(clearer crypto.Address, symbol string) (*uint256.Int, error)
	Provide(owner crypto.Address, amount *uint256.Int) (*uint256.Int, error)
	Withdraw(owner crypto.Address, amount *uint256.Int) (*uint256.Int, error)
	Harvest(owner crypto.Address, symbol string) (cdp.HarvestResult, error)
	WithdrawStakingFees(caller crypto.Address) (collateral.Amounts, error)

	Mint(owner crypto.Address, symbol string, amount *uint256.Int) error
	Deposit(owner crypto.Address, symbol string, amount *uint256.Int) (uint64, error)
	Borrow(owner crypto.Address, amount *uint256.Int, prices collateral.Prices) (*uint256.Int, error)
	Repay(owner crypto.Address, amount *uint256.Int) (*uint256.Int, error)
	WithdrawCollateral(owner crypto.Address, symbol string, amount *uint256.Int, prices collateral.Prices) error
	WithdrawInactive(owner crypto.Address, symbol string, amount *uint256.Int) (*uint256.Int, error)
	Close(owner crypto.Address) error

	Orders() ([]cdp.Order, error)
	Order(id uint64) (*cdp.Order, error)
	Outstanding() (*uint256.Int, error)
	Loan(id uint64) (*cdp.Loan, error)
	LoanByOwner(owner crypto.Address) (*cdp.Loan, error)
	Loans(after uint64, limit int) ([]cdp.Loan, error)
	System() (*cdp.System, error)
	Pool() (*cdp.StabilityPool, error)
	LedgerSnapshot() (distribution.Snapshot, error)
	Provider(owner crypto.Address) (*cdp.ProviderView, error)
	Balances(owner crypto.Address) (map[string]*uint256.Int, error)

	Stake(owner crypto.Address, amount *uint256.Int) (cdp.StakeResult, error)
	Unstake(owner crypto.Address, amount *uint256.Int) (cdp.StakeResult, error)
	HarvestStakingReward(owner crypto.Address) (collateral.Amounts, error)
	StakingPool() (*staking.Pool, error)
	Staker(owner crypto.Address) (*cdp.StakerView, error)
}

// Config wires the HTTP surface.
type Config struct {
	Engine        Engine
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Archive serves /v1/events when set; Buffer is used otherwise.
	Archive *history.Archive
	Buffer  *events.Buffer
	Quotas  map[string]*nativecommon.QuotaTracker
	// Meter exports operation outcomes over OTLP; nil uses the global provider.
	Meter  *telemetry.OperationMetrics
	Clock  clockwork.Clock
	Logger *slog.Logger
	// DevFaucet exposes POST /v1/dev/mint.
	DevFaucet bool
	// CertFile and KeyFile switch the listener to TLS when both are set.
	CertFile string
	KeyFile  string
}

// Server translates HTTP requests into engine operations.
type Server struct {
	cfg    Config
	engine Engine
	params cdp.Params
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth == nil {
		cfg.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Logger, cfg.Clock)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Meter == nil {
		cfg.Meter = telemetry.Operations()
	}
	return &Server{
		cfg:    cfg,
		engine: cfg.Engine,
		params: cfg.Engine.Params(),
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.Observability != nil {
		r.Use(s.cfg.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.cfg.Auth.Middleware())
		limit := func(key string) func(http.Handler) http.Handler {
			if s.cfg.RateLimiter == nil {
				return func(next http.Handler) http.Handler { return next }
			}
			return s.cfg.RateLimiter.Middleware(key)
		}

		v1.Route("/orders", func(or chi.Router) {
			or.Get("/", s.handleListOrders)
			or.Get("/{id}", s.handleGetOrder)
			or.With(limit("orders")).Post("/", s.handleAddOrder)
			or.With(limit("orders")).Post("/{id}/fill", s.handleFill)
			or.With(limit("orders")).Post("/{id}/clear", s.handleClear)
			or.With(limit("orders")).Delete("/{id}", s.handleCancel)
		})
		v1.Route("/loans", func(lr chi.Router) {
			lr.Get("/", s.handleListLoans)
			lr.Get("/{id}", s.handleGetLoan)
			lr.With(limit("loans")).Post("/deposit", s.handleDeposit)
			lr.With(limit("loans")).Post("/borrow", s.handleBorrow)
			lr.With(limit("loans")).Post("/repay", s.handleRepay)
			lr.With(limit("loans")).Post("/withdraw", s.handleWithdrawCollateral)
			lr.With(limit("loans")).Post("/withdraw-inactive", s.handleWithdrawInactive)
			lr.With(limit("loans")).Post("/close", s.handleClose)
			lr.With(limit("liquidations")).Post("/{id}/liquidate", s.handleLiquidate)
		})
		v1.Route("/stability", func(sr chi.Router) {
			sr.Get("/", s.handlePool)
			sr.Get("/providers/{address}", s.handleProvider)
			sr.With(limit("stability")).Post("/provide", s.handleProvide)
			sr.With(limit("stability")).Post("/withdraw", s.handleWithdraw)
			sr.With(limit("stability")).Post("/clear/{asset}", s.handleClearGains)
			sr.With(limit("stability")).Post("/harvest/{asset}", s.handleHarvest)
		})
		v1.Route("/staking", func(st chi.Router) {
			st.Get("/", s.handleStakingPool)
			st.Get("/stakers/{address}", s.handleStaker)
			st.With(limit("staking")).Post("/stake", s.handleStake)
			st.With(limit("staking")).Post("/unstake", s.handleUnstake)
			st.With(limit("staking")).Post("/harvest", s.handleHarvestStaking)
		})
		v1.Post("/treasury/sweep", s.handleSweep)
		v1.Get("/system", s.handleSystem)
		v1.Get("/accounts/{address}/balances", s.handleBalances)
		v1.Get("/events", s.handleEvents)
		if s.cfg.DevFaucet {
			v1.Post("/dev/mint", s.handleMint)
		}
	})

	return otelhttp.NewHandler(r, "settlementd")
}

// observe runs one engine operation inside a span and records its outcome.
func (s *Server) observe(ctx context.Context, operation string, fn func() error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "cdp."+operation)
	defer span.End()
	start := s.clock.Now()
	err := fn()
	class := errorClass(err)
	span.SetAttributes(attribute.String("cdp.outcome", class))
	if err != nil && class == "internal" {
		span.SetStatus(codes.Error, err.Error())
	}
	elapsed := s.clock.Since(start)
	observability.Settlement().Observe(operation, class, elapsed)
	s.cfg.Meter.Record(ctx, operation, class, elapsed)
	if err == nil {
		s.refreshGauges()
	}
	return err
}

// consume charges the module quota of caller.
func (s *Server) consume(module string, caller crypto.Address, amount *uint256.Int) error {
	tracker := s.cfg.Quotas[module]
	if tracker == nil {
		return nil
	}
	charge := uint64(0)
	if amount != nil {
		if amount.IsUint64() {
			charge = amount.Uint64()
		} else {
			charge = ^uint64(0)
		}
	}
	if err := tracker.Consume(caller.String(), uint64(s.clock.Now().Unix()), charge); err != nil {
		observability.Settlement().RecordThrottle(module, "quota_exceeded")
		return err
	}
	return nil
}

func (s *Server) refreshGauges() {
	metrics := observability.Settlement()
	if orders, err := s.engine.Orders(); err == nil {
		outstanding, _ := s.engine.Outstanding()
		value, _ := bigOrZero(outstanding).Float64()
		metrics.SetBook(len(orders), value)
	}
	if pool, err := s.engine.Pool(); err == nil {
		pending := 0
		for mask := pool.PendingMask; mask != 0; mask &= mask - 1 {
			pending++
		}
		deposits, _ := bigOrZero(pool.Deposits).Float64()
		metrics.SetPool(deposits, pending)
	}
}

// ListenAndServe serves until ctx is cancelled and then drains connections.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("settlement api listening", slog.String("addr", addr), slog.Bool("tls", s.cfg.CertFile != ""))
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("forcing server stop", slog.String("error", err.Error()))
			_ = srv.Close()
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
