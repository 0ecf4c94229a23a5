package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/trivianft/trivianft/internal/auth"
	"github.com/trivianft/trivianft/internal/blob"
	"github.com/trivianft/trivianft/internal/chain"
	"github.com/trivianft/trivianft/internal/httpapi"
	"github.com/trivianft/trivianft/internal/kv"
	"github.com/trivianft/trivianft/internal/leaderboard"
	"github.com/trivianft/trivianft/internal/ledger"
	"github.com/trivianft/trivianft/internal/pgstore"
	"github.com/trivianft/trivianft/internal/questions"
	"github.com/trivianft/trivianft/internal/season"
	"github.com/trivianft/trivianft/internal/session"
	"github.com/trivianft/trivianft/internal/workflow"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultPort              = "8080"
	defaultMetricsAddr       = ":2112"
	defaultMetricsShutdown   = 10 * time.Second
	defaultWorkflowStaleness = 5 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsErrCh <-chan error
	if cfg.MetricsAddr != "" {
		httpapi.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		metricsErrCh = startMetricsServer(ctx, log, cfg.MetricsAddr, defaultMetricsShutdown)
	}

	clock := clockwork.NewRealClock()

	db, err := pgstore.New(ctx, log, pgstore.Config{ConnString: cfg.PostgresURL})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()
	if err := db.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	kvStore, err := kv.NewRedis(ctx, kv.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer kvStore.Close()

	secrets := chain.NewFileSecretStore(cfg.SecretsDir)
	chainBackend, err := chain.NewHTTPBackend(chain.HTTPBackendConfig{
		BaseURL:  cfg.ChainURL,
		Secrets:  secrets,
		TokenRef: cfg.ChainTokenRef,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain backend: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	blobStore, err := blob.NewS3Store(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix)
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}
	pinner, err := blob.NewIPFSPinner(cfg.IPFSAPIURL, 0)
	if err != nil {
		return fmt.Errorf("failed to create ipfs pinner: %w", err)
	}

	verifier, err := auth.NewHTTPVerifier(cfg.AuthVerifyURL, 0)
	if err != nil {
		return fmt.Errorf("failed to create auth verifier: %w", err)
	}

	// Engines, leaves first.
	source := questions.NewPGSource(db)
	selector, err := questions.NewSelector(questions.SelectorConfig{Source: source})
	if err != nil {
		return fmt.Errorf("failed to create question selector: %w", err)
	}

	ladder, err := leaderboard.New(log, leaderboard.Config{
		Store: leaderboard.NewPGStore(db),
		KV:    kvStore,
		Clock: clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create leaderboard: %w", err)
	}

	ledg, err := ledger.New(log, ledger.Config{
		DB:       db,
		PolicyID: cfg.PolicyID,
		Clock:    clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger: %w", err)
	}

	scheduler, err := season.New(log, season.Config{
		Store:       season.NewPGStore(db),
		KV:          kvStore,
		Snapshotter: ladder,
		Clock:       clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create season scheduler: %w", err)
	}

	sessions, err := session.New(log, session.Config{
		KV:       kvStore,
		Store:    session.NewPGStore(db),
		Selector: selector,
		Ledger:   ledg,
		Ladder:   ladder,
		Seasons:  scheduler,
		Source:   source,
		Clock:    clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create session engine: %w", err)
	}

	cursors := workflow.NewPGCursorStore(db, clock)
	wfStore := workflow.NewPGStore(db)
	mint, err := workflow.NewMint(log, workflow.MintConfig{
		Store:   wfStore,
		Cursors: cursors,
		Release: ledg,
		Chain:   chainBackend,
		Blobs:   blobStore,
		Pinner:  pinner,
		RNG:     rand.Reader,
		Seasons: scheduler,
		Ladder:  ladder,
		KeyRef:  cfg.MintKeyRef,
		Clock:   clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create mint workflow: %w", err)
	}
	forge, err := workflow.NewForge(log, workflow.ForgeConfig{
		Store:    wfStore,
		Cursors:  cursors,
		Chain:    chainBackend,
		RNG:      rand.Reader,
		Seasons:  scheduler,
		KeyRef:   cfg.MintKeyRef,
		PolicyID: cfg.PolicyID,
		Clock:    clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create forge workflow: %w", err)
	}

	srv, err := httpapi.New(log, httpapi.Config{
		Auth:     verifier,
		Sessions: sessions,
		Ledger:   ledg,
		Ladder:   ladder,
		Mint:     mint,
		Forge:    forge,
		Seasons:  scheduler,
		KVPing:   kvStore.Ping,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Crash recovery: resume workflows stuck mid-pipeline.
	if err := mint.Resume(ctx, defaultWorkflowStaleness); err != nil {
		log.Error("failed to resume stale mints", "error", err)
	}
	if err := forge.Resume(ctx, defaultWorkflowStaleness); err != nil {
		log.Error("failed to resume stale forges", "error", err)
	}

	// Background loops.
	go func() {
		if err := ledg.RunSweeper(ctx); err != nil {
			log.Error("eligibility sweeper stopped", "error", err)
		}
	}()
	go func() {
		err := ladder.RunReconciler(ctx, func(ctx context.Context) (string, error) {
			s, err := scheduler.Current(ctx)
			if err != nil {
				return "", err
			}
			return s.ID, nil
		})
		if err != nil {
			log.Error("ladder reconciler stopped", "error", err)
		}
	}()
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			log.Error("season scheduler stopped", "error", err)
		}
	}()

	listener, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	defer listener.Close()

	log.Info("listening on", "address", listener.Addr().String())
	errCh := srv.Start(ctx, cancel, listener)

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				log.Info("server stopped")
				return nil
			}
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case err, ok := <-metricsErrCh:
			if ok && err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			metricsErrCh = nil
		case <-ctx.Done():
			return nil
		}
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}

func startMetricsServer(ctx context.Context, log *slog.Logger, addr string, shutdownTimeout time.Duration) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		defer listener.Close()

		log.Info("prometheus metrics server listening", "address", listener.Addr().String())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Handler: mux}

		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}()

		err = httpSrv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		if err != nil {
			errCh <- err
		}
	}()

	return errCh
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string

	Port          string
	PostgresURL   string
	RedisAddr     string
	RedisPassword string

	S3Bucket   string
	S3Prefix   string
	IPFSAPIURL string

	ChainURL      string
	ChainTokenRef string
	SecretsDir    string
	MintKeyRef    string
	PolicyID      string

	AuthVerifyURL string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.Port, "port", getenv("PORT", defaultPort), "http listen port (env: PORT)")

	flag.StringVar(&cfg.PostgresURL, "postgres-url", getenv("POSTGRES_URL", ""), "postgres connection string (env: POSTGRES_URL)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getenv("REDIS_ADDR", "localhost:6379"), "redis address (env: REDIS_ADDR)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getenv("REDIS_PASSWORD", ""), "redis password (env: REDIS_PASSWORD)")

	flag.StringVar(&cfg.S3Bucket, "s3-bucket", getenv("S3_BUCKET", ""), "s3 bucket for nft blobs (env: S3_BUCKET)")
	flag.StringVar(&cfg.S3Prefix, "s3-prefix", getenv("S3_PREFIX", ""), "s3 key prefix (env: S3_PREFIX)")
	flag.StringVar(&cfg.IPFSAPIURL, "ipfs-api-url", getenv("IPFS_API_URL", ""), "ipfs node api url (env: IPFS_API_URL)")

	flag.StringVar(&cfg.ChainURL, "chain-url", getenv("CHAIN_URL", ""), "transaction builder sidecar url (env: CHAIN_URL)")
	flag.StringVar(&cfg.ChainTokenRef, "chain-token-ref", getenv("CHAIN_TOKEN_REF", "chain-api-token"), "secret name of the chain api token (env: CHAIN_TOKEN_REF)")
	flag.StringVar(&cfg.SecretsDir, "secrets-dir", getenv("SECRETS_DIR", "/etc/trivianft/secrets"), "directory with mounted secrets (env: SECRETS_DIR)")
	flag.StringVar(&cfg.MintKeyRef, "mint-key-ref", getenv("MINT_KEY_REF", "mint-policy-key"), "secret name of the mint signing key (env: MINT_KEY_REF)")
	flag.StringVar(&cfg.PolicyID, "policy-id", getenv("POLICY_ID", ""), "minting policy id (env: POLICY_ID)")

	flag.StringVar(&cfg.AuthVerifyURL, "auth-verify-url", getenv("AUTH_VERIFY_URL", ""), "token verification endpoint (env: AUTH_VERIFY_URL)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	if cfg.PostgresURL == "" {
		return Config{}, fmt.Errorf("postgres url is empty (set POSTGRES_URL or --postgres-url)")
	}
	if cfg.S3Bucket == "" {
		return Config{}, fmt.Errorf("s3 bucket is empty (set S3_BUCKET or --s3-bucket)")
	}
	if cfg.IPFSAPIURL == "" {
		return Config{}, fmt.Errorf("ipfs api url is empty (set IPFS_API_URL or --ipfs-api-url)")
	}
	if cfg.ChainURL == "" {
		return Config{}, fmt.Errorf("chain url is empty (set CHAIN_URL or --chain-url)")
	}
	if cfg.PolicyID == "" {
		return Config{}, fmt.Errorf("policy id is empty (set POLICY_ID or --policy-id)")
	}
	if cfg.AuthVerifyURL == "" {
		return Config{}, fmt.Errorf("auth verify url is empty (set AUTH_VERIFY_URL or --auth-verify-url)")
	}

	return cfg, nil
}
