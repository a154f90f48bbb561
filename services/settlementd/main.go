package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	protocolconfig "settlecore/config"
	"settlecore/core/events"
	"settlecore/core/state"
	"settlecore/native/cdp"
	nativecommon "settlecore/native/common"
	"settlecore/observability"
	"settlecore/observability/logging"
	telemetry "settlecore/observability/otel"
	"settlecore/services/keeper"
	"settlecore/services/settlement/history"
	"settlecore/services/settlement/middleware"
	"settlecore/services/settlement/server"
	"settlecore/services/settlementd/config"
	"settlecore/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("settlementd", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "services/settlementd/config.yaml", "path to settlementd config")
	listen := flags.String("listen", "", "override the configured listen address")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listen != "" {
		cfg.ListenAddress = strings.TrimSpace(*listen)
	}
	env := cfg.Environment
	if value := strings.TrimSpace(os.Getenv("SETTLE_ENV")); value != "" {
		env = strings.ToLower(value)
	}
	logger := logging.Setup("settlementd", env, cfg.Logging)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg, env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if cfg.TLS.AllowInsecure && cfg.TLS.CertPath == "" && env != "dev" && !loopback(cfg.ListenAddress) {
		return fmt.Errorf("plaintext settlementd mode is restricted to loopback listeners or dev environment")
	}

	protocol, err := protocolconfig.Load(cfg.ProtocolConfig)
	if err != nil {
		return fmt.Errorf("load protocol config: %w", err)
	}
	params, err := protocol.Params()
	if err != nil {
		return fmt.Errorf("protocol params: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer db.Close()
	store, err := state.NewSettlementStore(db)
	if err != nil {
		return fmt.Errorf("open settlement store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	engine, err := cdp.NewEngine(params)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	engine.SetStore(store)
	engine.SetClock(clock)
	engine.SetPauses(protocol.Pauses.View())

	buffer := events.NewBuffer(cfg.History.Buffer)
	emitters := events.Fanout{buffer, observability.Events()}
	var archive *history.Archive
	if cfg.History.Driver != "" {
		gdb, err := history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		if sqlDB, err := gdb.DB(); err == nil {
			defer sqlDB.Close()
		}
		archive, err = history.NewArchive(ctx, gdb, clock, logger)
		if err != nil {
			return err
		}
		emitters = append(emitters, archive)
	}
	engine.SetEmitter(emitters)

	authCfg, err := cfg.AuthenticatorConfig(nil)
	if err != nil {
		return err
	}
	quotas := map[string]*nativecommon.QuotaTracker{
		nativecommon.ModuleLoans:      nativecommon.NewQuotaTracker(nativecommon.ModuleLoans, protocol.Quotas.Loans),
		nativecommon.ModuleRedemption: nativecommon.NewQuotaTracker(nativecommon.ModuleRedemption, protocol.Quotas.Redemption),
		nativecommon.ModuleStability:  nativecommon.NewQuotaTracker(nativecommon.ModuleStability, protocol.Quotas.Stability),
		nativecommon.ModuleStaking:    nativecommon.NewQuotaTracker(nativecommon.ModuleStaking, protocol.Quotas.Staking),
	}
	srv := server.New(server.Config{
		Engine:        engine,
		Auth:          middleware.NewAuthenticator(authCfg, logger, clock),
		RateLimiter:   middleware.NewRateLimiter(cfg.RateLimits, clock),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{LogRequests: env == "dev"}, logger, prometheus.DefaultRegisterer),
		Archive:       archive,
		Buffer:        buffer,
		Quotas:        quotas,
		Clock:         clock,
		Logger:        logger,
		DevFaucet:     cfg.DevFaucet,
		CertFile:      cfg.TLS.CertPath,
		KeyFile:       cfg.TLS.KeyPath,
	})

	if cfg.Keeper.Enabled {
		operator, err := cfg.KeeperOperator()
		if err != nil {
			return err
		}
		k, err := keeper.New(engine, keeper.Config{
			Operator:    operator,
			Interval:    cfg.Keeper.Interval,
			MaxAttempts: cfg.Keeper.MaxAttempts,
			BaseBackoff: cfg.Keeper.BaseBackoff,
			MaxBackoff:  cfg.Keeper.MaxBackoff,
		}, keeper.WithClock(clock), keeper.WithLogger(logger))
		if err != nil {
			return err
		}
		go func() {
			if err := k.Run(ctx); err != nil {
				logger.Error("keeper stopped", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("settlementd starting",
		slog.String("storage", cfg.Storage.Backend),
		slog.Int("assets", len(params.Assets)),
		slog.Bool("keeper", cfg.Keeper.Enabled),
		slog.Bool("archive", archive != nil))
	if err := srv.ListenAndServe(ctx, cfg.ListenAddress, cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("serve http: %w", err)
	}
	logger.Info("settlementd stopped")
	return nil
}

// telemetryConfig merges the config file with the standard OTLP environment variables.
func telemetryConfig(cfg config.Config, env string) telemetry.Config {
	out := telemetry.Config{
		ServiceName: "settlementd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		out.Endpoint = endpoint
		out.Metrics, out.Traces = true, true
	}
	if headers := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
		out.Headers = headers
	}
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			out.Insecure = parsed
		}
	}
	return out
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
