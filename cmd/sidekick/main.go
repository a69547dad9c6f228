// Command sidekick serves votes reports, OG images, moderation lists and
// NFT claimer signatures for Snapshot.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/snapshot-labs/sidekick/backend"
	"github.com/snapshot-labs/sidekick/catalog"
	"github.com/snapshot-labs/sidekick/credentials"
	"github.com/snapshot-labs/sidekick/credentials/opprovider"
	"github.com/snapshot-labs/sidekick/expiry"
	"github.com/snapshot-labs/sidekick/hub"
	"github.com/snapshot-labs/sidekick/moderation"
	"github.com/snapshot-labs/sidekick/nftclaimer"
	"github.com/snapshot-labs/sidekick/ogimage"
	"github.com/snapshot-labs/sidekick/queue"
	"github.com/snapshot-labs/sidekick/server"
	"github.com/snapshot-labs/sidekick/telemetry"
)

var version = "dev"

type CLI struct {
	Address string `help:"Address to listen on." default:":3005" env:"SIDEKICK_ADDRESS"`

	HubURL       string  `help:"Snapshot hub base URL." default:"https://hub.snapshot.org" env:"HUB_URL"`
	HubAPIKey    string  `help:"Hub API key sent as x-api-key." env:"HUB_API_KEY"`
	HubRateLimit float64 `help:"Hub requests per second (0 for unlimited)." default:"0" env:"HUB_RATE_LIMIT"`

	StorageEngine    string `help:"Storage engine." enum:"file,s3" default:"file" env:"STORAGE_ENGINE"`
	CacheDir         string `help:"Root directory of the file engine and the catalog." default:"./cache" env:"CACHE_DIR"`
	VoteReportSubdir string `help:"Subdirectory for votes reports." default:"votes" env:"VOTE_REPORT_SUBDIR"`
	OGImagesSubdir   string `help:"Subdirectory for OG images." default:"og-images" env:"OG_IMAGES_SUBDIR"`
	AWSBucketName    string `help:"S3 bucket for the s3 engine." env:"AWS_BUCKET_NAME"`
	AWSRegion        string `help:"S3 region." env:"AWS_REGION"`
	AWSEndpoint      string `help:"S3 endpoint override (MinIO, LocalStack)." env:"AWS_ENDPOINT"`

	OGImageTTL          time.Duration `help:"Regenerate OG images older than this (0 disables)." default:"0" env:"OG_IMAGE_TTL"`
	OGImagesMaxSize     int64         `help:"Maximum total size of cached OG images in bytes (0 disables)." default:"0" env:"OG_IMAGES_MAX_SIZE"`
	ExpiryCheckInterval time.Duration `help:"How often to look for stale OG images." default:"1h" env:"EXPIRY_CHECK_INTERVAL"`

	WebhookAuthToken string `help:"Shared secret expected in the authenticate header of webhook calls." env:"WEBHOOK_AUTH_TOKEN"`

	QueueWorkers int           `help:"Concurrent votes report generations." default:"2" env:"QUEUE_WORKERS"`
	JobTimeout   time.Duration `help:"Maximum duration of one generation." default:"10m" env:"JOB_TIMEOUT"`

	DatabaseDriver string `help:"Moderation database driver." enum:"postgres,sqlite" default:"postgres" env:"DATABASE_DRIVER"`
	DatabaseURL    string `help:"Moderation database DSN (moderation lists are empty without it)." env:"DATABASE_URL"`
	ModerationDir  string `help:"Directory holding flaggedLinks.json and verifiedTokens.json." env:"MODERATION_DIR"`

	NFTClaimerPrivateKey         string `help:"NFT claimer signer private key (the claimer is disabled without it)." env:"NFT_CLAIMER_PRIVATE_KEY"`
	NFTClaimerNetwork            int64  `help:"NFT claimer chain id." default:"1" env:"NFT_CLAIMER_NETWORK"`
	NFTClaimerVerifyingContract  string `help:"Space collection factory address." env:"NFT_CLAIMER_DEPLOY_VERIFYING_CONTRACT"`
	NFTClaimerImplementation     string `help:"Space collection implementation address." env:"NFT_CLAIMER_DEPLOY_IMPLEMENTATION_ADDRESS"`
	NFTClaimerInitializeSelector string `help:"Selector of the collection initializer." env:"NFT_CLAIMER_DEPLOY_INITIALIZE_SELECTOR"`

	CredentialsFile string `help:"JSON template resolving secrets (env, file and op:// references); values set in the environment win." type:"existingfile" env:"CREDENTIALS_FILE"`
	OPAccount       string `help:"1Password account used for op:// references." env:"OP_ACCOUNT"`

	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"LOG_LEVEL"`
	LogFormat    string `help:"Log format." enum:"text,json" default:"text" env:"LOG_FORMAT"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics (disabled when empty)." env:"OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." default:"true" env:"PROMETHEUS" negatable:""`
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	var cli CLI
	kong.Parse(&cli,
		kong.Name("sidekick"),
		kong.Description("Generates and caches votes reports and OG images for Snapshot."),
		kong.UsageOnError(),
	)

	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.DateTime})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

func run(cli CLI) error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := applyCredentials(ctx, &cli, logger); err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "sidekick",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("shutting down metrics", "error", err)
		}
	}()

	storage := backend.Config{
		Engine: cli.StorageEngine,
		Dir:    cli.CacheDir,
		S3: backend.S3Config{
			Bucket:   cli.AWSBucketName,
			Region:   cli.AWSRegion,
			Endpoint: cli.AWSEndpoint,
		},
	}
	votes, err := backend.Open(ctx, storage, cli.VoteReportSubdir)
	if err != nil {
		return err
	}
	images, err := backend.Open(ctx, storage, cli.OGImagesSubdir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cli.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	cat, err := catalog.Open(filepath.Join(cli.CacheDir, "catalog.db"), catalog.WithLogger(logger.With("component", "catalog")))
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	hubOpts := []hub.Option{hub.WithLogger(logger.With("component", "hub"))}
	if cli.HubAPIKey != "" {
		hubOpts = append(hubOpts, hub.WithAPIKey(cli.HubAPIKey))
	}
	if cli.HubRateLimit > 0 {
		hubOpts = append(hubOpts, hub.WithRateLimit(cli.HubRateLimit, max(1, int(cli.HubRateLimit))))
	}
	hubClient := hub.New(cli.HubURL, hubOpts...)

	modOpts := []moderation.Option{
		moderation.WithDir(cli.ModerationDir),
		moderation.WithLogger(logger.With("component", "moderation")),
	}
	if cli.DatabaseURL != "" {
		db, err := moderation.OpenDB(ctx, cli.DatabaseDriver, cli.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		modOpts = append(modOpts, moderation.WithDB(db, cli.DatabaseDriver))
	} else {
		logger.Warn("DATABASE_URL not set, moderation lists from the database will be empty")
	}

	var claimer *nftclaimer.Signer
	if cli.NFTClaimerPrivateKey != "" {
		claimer, err = nftclaimer.New(nftclaimer.Config{
			PrivateKey:            cli.NFTClaimerPrivateKey,
			ChainID:               cli.NFTClaimerNetwork,
			VerifyingContract:     cli.NFTClaimerVerifyingContract,
			ImplementationAddress: cli.NFTClaimerImplementation,
			InitializeSelector:    cli.NFTClaimerInitializeSelector,
		}, hubClient, nftclaimer.WithLogger(logger.With("component", "nftclaimer")))
		if err != nil {
			return fmt.Errorf("configuring nft claimer: %w", err)
		}
		logger.Info("nft claimer enabled", "signer", claimer.Address().Hex(), "chain_id", cli.NFTClaimerNetwork)
	}

	var expirer *expiry.Manager
	expiryCfg := expiry.Config{
		TTL:           cli.OGImageTTL,
		MaxSize:       cli.OGImagesMaxSize,
		CheckInterval: cli.ExpiryCheckInterval,
		Logger:        logger.With("component", "expiry"),
	}
	if expiryCfg.Enabled() {
		expirer = expiry.NewManager(cat, expiryCfg).Track(ogimage.Artifact, images)
	}

	if cli.WebhookAuthToken == "" {
		logger.Warn("WEBHOOK_AUTH_TOKEN not set, webhook calls will be rejected")
	}

	srv, err := server.New(server.Config{
		Address:      cli.Address,
		WebhookToken: cli.WebhookAuthToken,
		Hub:          hubClient,
		Votes:        votes,
		Images:       images,
		Queue: queue.New(
			queue.WithWorkers(cli.QueueWorkers),
			queue.WithJobTimeout(cli.JobTimeout),
			queue.WithLogger(logger.With("component", "queue")),
		),
		Catalog:    cat,
		Moderation: moderation.New(modOpts...),
		Claimer:    claimer,
		Expiry:     expirer,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("sidekick started",
		"address", srv.Address(),
		"version", version,
		"storage", cli.StorageEngine,
		"hub", cli.HubURL,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// applyCredentials fills secrets missing from the environment from the
// credentials file.
func applyCredentials(ctx context.Context, cli *CLI, logger *slog.Logger) error {
	if cli.CredentialsFile == "" {
		return nil
	}

	resolver := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		opprovider.WithOnePassword(cli.OPAccount),
	)
	creds, err := resolver.ResolveFile(ctx, cli.CredentialsFile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}

	setDefault(&cli.WebhookAuthToken, creds.WebhookAuthToken)
	setDefault(&cli.HubAPIKey, creds.HubAPIKey)
	setDefault(&cli.DatabaseURL, creds.DatabaseURL)
	setDefault(&cli.NFTClaimerPrivateKey, creds.PrivateKey())
	return nil
}

func setDefault(dst *string, val string) {
	if *dst == "" {
		*dst = val
	}
}
