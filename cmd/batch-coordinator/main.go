package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veilmarkets/perp-coordinator/internal/artifacts"
	"github.com/veilmarkets/perp-coordinator/internal/batchexec"
	"github.com/veilmarkets/perp-coordinator/internal/chainstate"
	"github.com/veilmarkets/perp-coordinator/internal/ethtx"
	"github.com/veilmarkets/perp-coordinator/internal/funding"
	"github.com/veilmarkets/perp-coordinator/internal/perp"
	perppg "github.com/veilmarkets/perp-coordinator/internal/perp/postgres"
	"github.com/veilmarkets/perp-coordinator/internal/revealfeed"
	"github.com/veilmarkets/perp-coordinator/internal/secrets"
	"github.com/veilmarkets/perp-coordinator/internal/simulate"
)

type poolListFlag []perp.PoolKey

func (f *poolListFlag) String() string {
	return fmt.Sprintf("%d pools", len(*f))
}

// Set parses "0xBASE:0xQUOTE:FEE".
func (f *poolListFlag) Set(v string) error {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 3 {
		return errors.New("pool must be BASE:QUOTE:FEE")
	}
	if !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return errors.New("pool tokens must be hex addresses")
	}
	fee, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return fmt.Errorf("pool fee: %w", err)
	}
	key := perp.PoolKey{
		Base:  common.HexToAddress(parts[0]),
		Quote: common.HexToAddress(parts[1]),
		Fee:   uint32(fee),
	}
	if err := key.Validate(); err != nil {
		return err
	}
	*f = append(*f, key)
	return nil
}

func main() {
	var pools poolListFlag
	var (
		rpcURL      = flag.String("rpc-url", "", "EVM JSON-RPC URL (required)")
		chainID     = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		settlement  = flag.String("settlement-address", "", "settlement contract address (required)")
		quoteToken  = flag.String("quote-token-address", "", "quote ERC-20 token address (required)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		maxBatchSize  = flag.Int("max-batch-size", 0, "max commitments per batch (0 = no cap)")
		gasLimit      = flag.Uint64("gas-limit", 0, "optional gas limit override for executeBatch")
		priceEstimate = flag.String("price-estimate", "", "fixed conservative quote-per-base funding price (required)")
		bufferMult    = flag.Int64("funding-buffer", funding.DefaultBufferMultiplier, "funding buffer multiplier")

		callTimeout    = flag.Duration("call-timeout", 10*time.Second, "chain read / simulation timeout")
		confirmTimeout = flag.Duration("confirm-timeout", 3*time.Minute, "broadcast confirmation wait")
		triggerPeriod  = flag.Duration("trigger-period", 15*time.Second, "interval trigger period (min 15s)")
		sweepEvery     = flag.Int("sweep-every", 20, "run the ledger reconciliation sweep every N interval ticks (0 = off)")

		kafkaBrokers = flag.String("kafka-brokers", "", "comma-separated kafka brokers for the reveal feed (required)")
		kafkaGroup   = flag.String("kafka-group", "batch-coordinator", "kafka consumer group")
		kafkaTopic   = flag.String("kafka-topic", "perp.reveals", "reveal event topic")

		secretsProvider = flag.String("secrets-provider", "env", "wallet key provider: env|aws")
		walletKeyRef    = flag.String("wallet-key-ref", "", "secret reference for the executing wallet key; empty disables batch execution")

		artifactDriver = flag.String("artifact-driver", "", "audit artifact driver: s3|memory; empty disables")
		artifactBucket = flag.String("artifact-bucket", "", "s3 bucket for audit artifacts")
		artifactPrefix = flag.String("artifact-prefix", "perp-coordinator", "artifact key prefix")
	)
	flag.Var(&pools, "pool", "pool as BASE:QUOTE:FEE (repeatable, required)")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *rpcURL == "" || *postgresDSN == "" || *kafkaBrokers == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url, --postgres-dsn, and --kafka-brokers are required")
		os.Exit(2)
	}
	if *chainID == 0 {
		fmt.Fprintln(os.Stderr, "error: --chain-id is required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*settlement) || !common.IsHexAddress(*quoteToken) {
		fmt.Fprintln(os.Stderr, "error: --settlement-address and --quote-token-address must be valid hex addresses")
		os.Exit(2)
	}
	if len(pools) == 0 {
		fmt.Fprintln(os.Stderr, "error: at least one --pool is required")
		os.Exit(2)
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(*priceEstimate), 10)
	if !ok || price.Sign() <= 0 {
		fmt.Fprintln(os.Stderr, "error: --price-estimate must be a positive decimal integer")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgPool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pgPool.Close()

	store, err := perppg.New(pgPool)
	if err != nil {
		log.Error("init perp store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure schema", "err", err)
		os.Exit(2)
	}

	client, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		log.Error("dial rpc", "err", err)
		os.Exit(2)
	}
	defer client.Close()

	reader, err := chainstate.NewReader(chainstate.Config{
		Settlement:  common.HexToAddress(*settlement),
		QuoteToken:  common.HexToAddress(*quoteToken),
		CallTimeout: *callTimeout,
	}, client)
	if err != nil {
		log.Error("init chain reader", "err", err)
		os.Exit(2)
	}

	sim, err := simulate.New(simulate.Config{CallTimeout: *callTimeout}, client)
	if err != nil {
		log.Error("init simulator", "err", err)
		os.Exit(2)
	}

	var feedTrigger revealfeed.Trigger = noopTrigger{log: log}
	var coordinator *batchexec.Coordinator

	if *walletKeyRef == "" {
		// Without an executing wallet the service only records reveals; both
		// triggers are disabled.
		log.Warn("no --wallet-key-ref configured: batch execution disabled, reveal recording only")
	} else {
		var provider secrets.Provider
		switch *secretsProvider {
		case "env":
			provider = secrets.NewEnv()
		case "aws":
			provider, err = secrets.NewAWS(ctx)
			if err != nil {
				log.Error("init aws secrets provider", "err", err)
				os.Exit(2)
			}
		default:
			fmt.Fprintf(os.Stderr, "error: unknown --secrets-provider %q\n", *secretsProvider)
			os.Exit(2)
		}

		walletKey, err := secrets.WalletKey(ctx, provider, *walletKeyRef)
		if err != nil {
			log.Error("resolve wallet key", "err", err)
			os.Exit(2)
		}
		sender, err := ethtx.NewSender(client, ethtx.NewLocalSigner(walletKey), ethtx.Config{
			ChainID:        new(big.Int).SetUint64(*chainID),
			ConfirmTimeout: *confirmTimeout,
		})
		if err != nil {
			log.Error("init tx sender", "err", err)
			os.Exit(2)
		}
		log.Info("executing wallet configured", "address", sender.From())

		funder, err := funding.New(funding.Config{
			Settlement:       common.HexToAddress(*settlement),
			QuoteToken:       common.HexToAddress(*quoteToken),
			PriceEstimate:    price,
			BufferMultiplier: *bufferMult,
		}, reader, sender, log)
		if err != nil {
			log.Error("init funding reconciler", "err", err)
			os.Exit(2)
		}

		coordinator, err = batchexec.New(batchexec.Config{
			Settlement:   common.HexToAddress(*settlement),
			MaxBatchSize: *maxBatchSize,
			GasLimit:     *gasLimit,
		}, store, store, store, reader, funder, sim, sender, log)
		if err != nil {
			log.Error("init coordinator", "err", err)
			os.Exit(2)
		}

		if *artifactDriver != "" {
			artifactStore, err := newArtifactStore(ctx, *artifactDriver, *artifactBucket, *artifactPrefix)
			if err != nil {
				log.Error("init artifact store", "err", err)
				os.Exit(2)
			}
			coordinator.WithArtifactStore(artifactStore)
		}
		feedTrigger = coordinator
	}

	source, err := revealfeed.NewKafkaSource(revealfeed.FeedConfig{
		Brokers: strings.Split(*kafkaBrokers, ","),
		Group:   *kafkaGroup,
		Topic:   *kafkaTopic,
	})
	if err != nil {
		log.Error("init reveal feed source", "err", err)
		os.Exit(2)
	}
	defer func() { _ = source.Close() }()

	feed, err := revealfeed.NewFeed(source, store, store, feedTrigger, log)
	if err != nil {
		log.Error("init reveal feed", "err", err)
		os.Exit(2)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- feed.Run(ctx) }()

	if coordinator != nil {
		trigger, err := batchexec.NewIntervalTrigger(batchexec.TriggerConfig{
			Period:     *triggerPeriod,
			SweepEvery: *sweepEvery,
		}, coordinator, pools, log)
		if err != nil {
			log.Error("init interval trigger", "err", err)
			os.Exit(2)
		}
		go func() { errCh <- trigger.Run(ctx) }()
	}

	log.Info("batch coordinator running", "pools", len(pools), "topic", *kafkaTopic)
	err = <-errCh
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("coordinator exited", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

type noopTrigger struct {
	log *slog.Logger
}

func (t noopTrigger) OnReveal(_ context.Context, key perp.PoolKey) bool {
	t.log.Debug("reveal recorded; execution disabled", "pool_id", common.Hash(key.ID()))
	return false
}

func newArtifactStore(ctx context.Context, driver, bucket, prefix string) (artifacts.Store, error) {
	cfg := artifacts.Config{Driver: driver, Prefix: prefix, Bucket: bucket}
	if driver == artifacts.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return artifacts.New(cfg)
}
