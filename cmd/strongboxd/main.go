package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"strongbox/config"
	"strongbox/core/events"
	stbstate "strongbox/core/state"
	"strongbox/core/types"
	"strongbox/native/bank"
	"strongbox/native/safe"
	"strongbox/observability/logging"
	"strongbox/rpc"
	"strongbox/storage"
)

const (
	stableSymbol     = "SUSD"
	stableName       = "Strongbox USD"
	stableDecimals   = 6
	collateralSymbol = "YLD"
	collateralName   = "Strongbox Yield"
	collateralDec    = 18
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("STRONGBOX_ENV"))
	logger := logging.Setup("strongboxd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if cfg.Environment != "" {
		env = cfg.Environment
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager := stbstate.NewManager(db)
	if err := applyGenesis(manager, cfg); err != nil {
		panic(fmt.Sprintf("Failed to apply genesis state: %v", err))
	}

	ledger := bank.NewLedger(manager)

	owner := config.MustAddress(cfg.Owner)
	account := config.MustAddress(cfg.SafeAddress)
	swapAccount := config.MustAddress(cfg.SwapExecutor)

	params := safe.Params{
		Stable:     stableSymbol,
		Collateral: collateralSymbol,
		Delay:      cfg.WithdrawalDelaySeconds,
		Spender:    config.MustAddress(cfg.SpendCounterparty),
		Debtor:     config.MustAddress(cfg.DebtCounterparty),
	}

	engine := safe.NewEngine(owner, account, params)
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetEmitter(&logEmitter{logger: logger})

	var oracle safe.PriceOracle
	var quoteOracle *safe.QuoteOracle
	switch strings.TrimSpace(cfg.Oracle.Mode) {
	case "quote":
		feeder := config.MustAddress(cfg.Oracle.Feeder)
		quoteOracle = safe.NewQuoteOracle(manager, feeder, cfg.Oracle.MaxQuoteAgeSeconds)
		oracle = quoteOracle
	default:
		rate, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Oracle.StaticRate), 10)
		if !ok {
			panic(fmt.Sprintf("Invalid static oracle rate %q", cfg.Oracle.StaticRate))
		}
		oracle = safe.NewStaticOracle(rate)
	}
	engine.SetOracle(oracle)
	engine.SetSwapExecutor(bank.NewRateSwapper(ledger, oracle, swapAccount, account, stableSymbol, collateralSymbol))

	rpcServer := rpc.NewServer(engine, ledger, logger)
	if quoteOracle != nil {
		rpcServer.SetQuoteOracle(quoteOracle)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("starting metrics server", slog.String("addr", cfg.MetricsAddress))
		if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
			logger.Error("metrics server terminated", slog.Any("error", err))
		}
	}()

	go func() {
		if err := rpcServer.Start(cfg.RPCAddress); err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	logger.Info("strongbox daemon initialised and running",
		slog.String("env", env),
		slog.String("rpc", cfg.RPCAddress))
	select {}
}

// applyGenesis registers the governed tokens and seeds configured balances.
// Registration and seeding only happen the first time the data directory is
// used; an existing ledger is left untouched.
func applyGenesis(manager *stbstate.Manager, cfg *config.Config) error {
	if manager.TokenExists(stableSymbol) {
		return nil
	}
	if err := manager.RegisterToken(stableSymbol, stableName, stableDecimals); err != nil {
		return err
	}
	if err := manager.RegisterToken(collateralSymbol, collateralName, collateralDec); err != nil {
		return err
	}
	ownerAddr := config.MustAddress(cfg.Owner)
	if err := manager.SetRole(bank.RoleMinter, ownerAddr[:]); err != nil {
		return err
	}
	for _, balance := range cfg.Genesis {
		addr := config.MustAddress(balance.Address)
		amount, ok := new(big.Int).SetString(strings.TrimSpace(balance.Amount), 10)
		if !ok {
			return fmt.Errorf("invalid genesis amount %q", balance.Amount)
		}
		if err := manager.SetBalance(addr[:], balance.Token, amount); err != nil {
			return err
		}
	}
	return nil
}

// logEmitter forwards engine events to the structured logger.
type logEmitter struct {
	logger *slog.Logger
}

func (l *logEmitter) Emit(evt events.Event) {
	if l == nil || l.logger == nil || evt == nil {
		return
	}
	attributed, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		l.logger.Info("safe event", slog.String("type", evt.EventType()))
		return
	}
	typed := attributed.Event()
	if typed == nil {
		l.logger.Info("safe event", slog.String("type", evt.EventType()))
		return
	}
	attrs := make([]any, 0, 1+len(typed.Attributes))
	attrs = append(attrs, slog.String("type", typed.Type))
	for key, value := range typed.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	l.logger.Info("safe event", attrs...)
}
