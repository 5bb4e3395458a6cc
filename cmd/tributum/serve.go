package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/core-coin/tributum/internal/blockchain"
	"github.com/core-coin/tributum/internal/catalog"
	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/gateway"
	"github.com/core-coin/tributum/internal/http_api"
	"github.com/core-coin/tributum/internal/inference"
	"github.com/core-coin/tributum/internal/invoice"
	"github.com/core-coin/tributum/internal/notificator"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/internal/workflow"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
	"github.com/core-coin/tributum/pkg/x402"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the payment gateway",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"P"}, Usage: "HTTP port"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
			&cli.StringFlag{Name: "db-driver", Usage: "Database driver (postgres or sqlite)"},
			&cli.StringFlag{Name: "sqlite-path", Usage: "SQLite database file"},
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.StringFlag{Name: "chain", Usage: "Settlement chain family (solana, evm, core, linera)"},
			&cli.StringFlag{Name: "network", Aliases: []string{"n"}, Usage: "Settlement network name"},
			&cli.StringFlag{Name: "rpc-url", Aliases: []string{"r"}, Usage: "Settlement chain RPC URL"},
			&cli.StringFlag{Name: "recipient", Usage: "Wallet receiving payments"},
			&cli.StringFlag{Name: "catalog", Usage: "Model catalog file to watch"},
		},
		Action: serve,
	}
}

func applyServeFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("port") {
		cfg.APIPort = c.Int("port")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
	if c.IsSet("db-driver") {
		cfg.DBDriver = c.String("db-driver")
	}
	if c.IsSet("sqlite-path") {
		cfg.SQLitePath = c.String("sqlite-path")
	}
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("chain") {
		cfg.Payments.Chain = c.String("chain")
	}
	if c.IsSet("network") {
		cfg.Payments.Network = c.String("network")
	}
	if c.IsSet("rpc-url") {
		cfg.Payments.RPCURL = c.String("rpc-url")
	}
	if c.IsSet("recipient") {
		cfg.Payments.Recipient = c.String("recipient")
	}
	if c.IsSet("catalog") {
		cfg.CatalogPath = c.String("catalog")
	}
}

func serve(c *cli.Context) error {
	cfg := config.ReadConfig()
	applyServeFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	// Initialize payment verifiers
	registry, closeVerifiers, err := newRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeVerifiers()

	cat := catalog.NewService(log.Named("catalog"), cfg)
	if err := cat.Start(); err != nil {
		return err
	}
	defer cat.Stop()

	issuer := invoice.NewIssuer(store, cfg.Payments, log.Named("invoice"))
	workflows := workflow.NewManager(cat, issuer, cfg.WorkflowSessionTTL, log.Named("workflow"))

	senders, telegram, err := newSenders(cfg, log)
	if err != nil {
		return err
	}
	notifier := notificator.NewNotificator(log.Named("notificator"), senders...)
	defer notifier.Wait()

	gw := gateway.New(store, issuer, registry, cat, inference.NewClient(log.Named("inference"), cfg), workflows, notifier, cfg.Pricing, log.Named("gateway"))
	server := http_api.NewHTTPServer(gw, cfg.APIPort, cfg.Development, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown()
	})
	g.Go(func() error { return workflows.Run(ctx) })
	if telegram != nil {
		g.Go(func() error {
			telegram.Start(ctx)
			return nil
		})
	}

	log.Info("Tributum gateway started", "network", cfg.Payments.Network, "chain", cfg.Payments.Chain, "port", cfg.APIPort)
	return g.Wait()
}

func openStore(cfg *config.Config, log *logger.Logger) (*repository.Store, error) {
	if cfg.DBDriver == "postgres" {
		return repository.NewPostgresDB(cfg.PostgresDSN(), log.Named("repository"))
	}
	return repository.NewSQLiteDB(cfg.SQLitePath, log.Named("repository"))
}

// newRegistry wires the verifier of the configured chain under its network
// name. Signed cross-chain transfers are always accepted.
func newRegistry(ctx context.Context, cfg *config.Config, log *logger.Logger) (*blockchain.Registry, func(), error) {
	p := cfg.Payments
	vlog := log.Named("blockchain")
	registry := blockchain.NewRegistry(p.Network)
	signed := blockchain.NewSignedTransferVerifier(p, vlog)
	registry.Register(signed, string(x402.ProofSignedTransfer))

	closeFn := func() {}
	switch p.Chain {
	case validation.ChainSolana:
		registry.Register(blockchain.NewSolanaVerifier(p, vlog), p.Network)
	case validation.ChainEVM:
		v, err := blockchain.NewEVMVerifier(ctx, p, vlog)
		if err != nil {
			return nil, nil, err
		}
		registry.Register(v, p.Network)
	case validation.ChainCore:
		v := blockchain.NewGocore(p, vlog)
		if err := v.ConnectToRPC(); err != nil {
			return nil, nil, err
		}
		closeFn = func() { _ = v.Close() }
		registry.Register(v, p.Network)
	case validation.ChainLinera:
		registry.Register(signed, p.Network)
	default:
		return nil, nil, fmt.Errorf("unsupported settlement chain %q", p.Chain)
	}
	return registry, closeFn, nil
}

func newSenders(cfg *config.Config, log *logger.Logger) ([]notificator.Sender, *notificator.TelegramNotificator, error) {
	var (
		senders  []notificator.Sender
		telegram *notificator.TelegramNotificator
	)
	if cfg.TelegramBotToken != "" {
		t, err := notificator.NewTelegramNotificator(log.Named("telegram"), cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return nil, nil, err
		}
		telegram = t
		senders = append(senders, t)
	}
	if cfg.AlertEmail != "" {
		senders = append(senders, notificator.NewEmailNotificator(log.Named("email"), cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender, cfg.AlertEmail))
	}
	return senders, telegram, nil
}
