package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"remittance/internal/chain"
	"remittance/internal/config"
	"remittance/internal/history"
	"remittance/internal/idempotency"
	"remittance/internal/ledger"
	"remittance/internal/logging"
	"remittance/internal/notify"
	"remittance/internal/pg"
	"remittance/internal/server"
	"remittance/internal/token"
)

const serviceName = "remittance-escrow"

// deployMintWholeTokens is credited to the administrator when the dev
// token is created.
const deployMintWholeTokens = 10_000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(serviceName, cfg.Service.LogLevel, cfg.Service.AppEnv)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// custodyBackend is what the ledger needs from whichever asset backend is
// configured.
type custodyBackend struct {
	transfer ledger.ValueTransfer
	sweeper  ledger.AssetSweeper
	asset    common.Address
	custody  common.Address
	devToken *token.Token
	rpc      server.HealthChecker
	onChain  bool
	close    func()
}

// eventLog is a history store that also receives dispatcher deliveries.
type eventLog interface {
	history.Store
	notify.Publisher
}

func run(cfg *config.AppConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	var pool interface {
		Ping(context.Context) error
	}
	var hist eventLog = history.NewMemoryStore()
	var idemStore idempotency.Store
	var journal *history.PostgresJournal

	if cfg.Storage.PostgresDSN != "" {
		p, err := pg.Connect(ctx, cfg.Storage.PostgresDSN, cfg.Storage.PostgresMaxConns)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer p.Close()
		pool = p

		// Restored entries need real balances behind them, so the journal
		// and persistent history are only used against the chain.
		if backend.onChain {
			pgHist, err := history.NewPostgresStore(ctx, p)
			if err != nil {
				return err
			}
			hist = pgHist
			if journal, err = history.NewPostgresJournal(ctx, p); err != nil {
				return err
			}
		} else {
			logger.Warn("dev token mode keeps ledger state and history in memory")
		}

		pgIdem, err := idempotency.NewPostgresStore(ctx, p)
		if err != nil {
			return err
		}
		idemStore = pgIdem
	}

	if idemStore == nil {
		idemStore, err = openIdempotencyStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
	}
	if closer, ok := idemStore.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		BufferSize: cfg.Notify.BufferSize,
		Retry: notify.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Multiplier:     cfg.Retry.BackoffMultiplier,
		},
		DLQPath: cfg.Notify.DLQPath,
		Logger:  logger,
	})
	dispatcher.Register("log", notify.NewLogPublisher(logger))
	dispatcher.Register("history", hist)
	if len(cfg.Notify.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		if err != nil {
			return err
		}
		defer kp.Close()
		dispatcher.Register("kafka", kp)
	}

	ledgerCfg := ledger.Config{
		Transfer:   backend.transfer,
		Sweeper:    backend.sweeper,
		Sink:       dispatcher,
		Admin:      cfg.Deployment.AdminAddress(),
		LockPeriod: cfg.Deployment.LockPeriod(),
		Logger:     logger,
	}
	if journal != nil {
		ledgerCfg.Journal = journal
	}
	l, err := ledger.New(ledgerCfg)
	if err != nil {
		return err
	}

	// Without a journal the ledger starts empty on every boot, so stored
	// idempotency responses are scoped to this process.
	keyScope := ""
	if journal != nil {
		records, err := journal.Records(ctx)
		if err != nil {
			return fmt.Errorf("load journal: %w", err)
		}
		if err := l.Restore(records); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
		logger.Info("ledger restored",
			"entries", l.EntryCount(),
			"custodied", l.CustodiedBalance().String(),
			"unconfirmed", len(l.Unconfirmed()))
	} else {
		keyScope = "boot-" + uuid.NewString() + ":"
		if backend.onChain {
			logger.Warn("no POSTGRES_DSN: chain custody runs without a ledger journal and loses state on restart")
		}
	}

	dispatcher.Start()
	if backend.onChain {
		if n, err := l.Reconcile(ctx); err != nil {
			logger.Warn("startup reconcile failed", "error", err)
		} else if n > 0 {
			logger.Info("unconfirmed transfers resolved", "count", n)
		}
		go reconcileLoop(ctx, l, cfg.Chain.ReconcileInterval, logger)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Close(closeCtx); err != nil {
			logger.Warn("notification queue not drained", "error", err)
		}
	}()

	opts := server.Options{
		Config:   cfg,
		Ledger:   l,
		Store:    idemStore,
		KeyScope: keyScope,
		History:  hist,
		Asset:    backend.asset,
		Decimals: cfg.Deployment.Token.Decimals,
		DevToken: backend.devToken,
		Custody:  backend.custody,
		Notify:   dispatcher,
		Logger:   logger,
	}
	if backend.rpc != nil {
		opts.RPCHealth = backend.rpc
	}
	if pool != nil {
		opts.DBHealth = pool
	}
	apiServer := server.NewServer(opts)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

// reconcileLoop periodically resolves transfers that were broadcast but not
// confirmed in time.
func reconcileLoop(ctx context.Context, l *ledger.Ledger, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Reconcile(ctx)
			if err != nil {
				logger.Warn("reconcile failed", "error", err, "unconfirmed", len(l.Unconfirmed()))
				continue
			}
			if n > 0 {
				logger.Info("unconfirmed transfers resolved", "count", n)
			}
		}
	}
}

func openBackend(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*custodyBackend, error) {
	if cfg.Chain.PrivateKey != "" {
		custodian, cli, err := chain.Dial(ctx, chain.Config{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			TokenAddress:   cfg.Deployment.Token.Address,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("chain custodian: %w", err)
		}

		if decimals, err := custodian.Decimals(ctx); err != nil {
			logger.Warn("token decimals unavailable", "error", err)
		} else if int32(decimals) != cfg.Deployment.Token.Decimals {
			logger.Warn("token decimals differ from deployment config",
				"chain", decimals, "config", cfg.Deployment.Token.Decimals)
		}
		if cfg.Deployment.Custody != "" && common.HexToAddress(cfg.Deployment.Custody) != custodian.CustodyAddress() {
			logger.Warn("configured custody differs from signing key", "custody", custodian.CustodyAddress().Hex())
		}

		logger.Info("chain custody enabled",
			"token", custodian.TokenAddress().Hex(),
			"custody", custodian.CustodyAddress().Hex())
		return &custodyBackend{
			transfer: custodian,
			sweeper:  custodian,
			asset:    custodian.TokenAddress(),
			custody:  custodian.CustodyAddress(),
			rpc:      custodian,
			onChain:  true,
			close:    cli.Close,
		}, nil
	}

	admin := cfg.Deployment.AdminAddress()
	tok := token.New(admin, cfg.Deployment.Token.Name, cfg.Deployment.Token.Symbol, uint8(cfg.Deployment.Token.Decimals))

	// Token at the admin's nonce 0, escrow at nonce 1.
	custody := crypto.CreateAddress(admin, 1)
	if cfg.Deployment.Custody != "" {
		custody = common.HexToAddress(cfg.Deployment.Custody)
	}

	if admin == (common.Address{}) {
		logger.Warn("no admin configured; sweeps are disabled and nothing is minted")
	} else if err := tok.Mint(admin, admin, tok.Units(deployMintWholeTokens)); err != nil {
		return nil, fmt.Errorf("mint dev supply: %w", err)
	}

	logger.Info("dev token mode",
		"token", tok.Address().Hex(),
		"symbol", tok.Symbol(),
		"custody", custody.Hex(),
		"admin", admin.Hex())
	return &custodyBackend{
		transfer: token.NewVault(tok, custody),
		sweeper:  token.NewRegistry(custody, tok),
		asset:    tok.Address(),
		custody:  custody,
		devToken: tok,
		close:    func() {},
	}, nil
}

func openIdempotencyStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (idempotency.Store, error) {
	switch {
	case cfg.Storage.RedisURL != "":
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := idempotency.ConnectRedis(connectCtx, cfg.Storage.RedisURL)
		if err != nil {
			return nil, err
		}
		return idempotency.NewRedisStore(client), nil
	case cfg.Service.IdempotencyStorePath != "":
		return idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	default:
		logger.Warn("idempotency records are kept in memory only")
		return idempotency.NewMemoryStore(), nil
	}
}
