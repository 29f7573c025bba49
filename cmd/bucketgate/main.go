// Command bucketgate serves the notes API behind the distributed rate
// limiter.
//
// Usage:
//
//	bucketgate serve --config config.yaml
//	bucketgate keygen
//	bucketgate token --subject user-1 --role admin
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tink-crypto/tink-go/v2/subtle/random"

	"github.com/AlexKimmel/bucketgate/internal/api"
	"github.com/AlexKimmel/bucketgate/internal/auth"
	"github.com/AlexKimmel/bucketgate/internal/config"
	"github.com/AlexKimmel/bucketgate/internal/gateway"
	"github.com/AlexKimmel/bucketgate/internal/notes"
	"github.com/AlexKimmel/bucketgate/internal/obs"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/bucketgate/internal/ratelimit/redisstore"
)

var version = "dev"

type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Start the API server."`
	Keygen  KeygenCmd  `cmd:"" help:"Generate a bucket id encryption key and nonce."`
	Token   TokenCmd   `cmd:"" help:"Issue an access token for local testing."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config string `short:"c" help:"Path to config file." type:"path" default:"./config.yaml"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(out io.Writer) error {
	fmt.Fprintf(out, "bucketgate %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

type KeygenCmd struct{}

func (c *KeygenCmd) Run(out io.Writer) error {
	fmt.Fprintf(out, "encryption_key: %q\n", hex.EncodeToString(random.GetRandomBytes(64)))
	fmt.Fprintf(out, "encryption_nonce: %q\n", hex.EncodeToString(random.GetRandomBytes(12)))
	return nil
}

type TokenCmd struct {
	Subject string   `required:"" help:"Token subject (user id)."`
	Role    []string `help:"Roles to embed."`
}

func (c *TokenCmd) Run(cli *CLI, out io.Writer) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	v, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	tok, err := v.Sign(c.Subject, c.Role...)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

type ServeCmd struct {
	MachineID int `name:"machine-id" help:"Machine id embedded in generated note ids." default:"1"`
}

// limitStore is a rate limit store that can report its health.
type limitStore interface {
	ratelimit.Store
	Ping(ctx context.Context) error
	Close() error
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("store", cfg.RateLimit.Store).Msg("Setup logger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	key, nonce, err := cfg.RateLimit.Secrets()
	if err != nil {
		return err
	}
	codec, err := ratelimit.NewHeaderCodec(key, nonce, cfg.RateLimit.Headers.Names())
	if err != nil {
		return err
	}
	eval := ratelimit.NewEvaluator(store, ratelimit.KeyResolver{AuthorizationHeader: cfg.RateLimit.AuthorizationHeader}, codec)

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	limiter, err := gateway.NewRateLimiter(eval, gateway.RateLimitOptions{
		Global:       cfg.RateLimit.Policies(),
		ExcludePaths: append(cfg.RateLimit.ExcludePaths, "^"+regexp.QuoteMeta(cfg.Observability.PrometheusPath)+"$"),
		OnLimited:    metrics.OnLimited,
		OnError:      metrics.OnLimiterError,
	})
	if err != nil {
		return err
	}

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	repo, err := notes.NewMemoryRepository(c.MachineID)
	if err != nil {
		return err
	}

	handler := api.NewRouter(api.Options{
		Logger:       logger,
		Metrics:      metrics,
		MetricsPath:  cfg.Observability.PrometheusPath,
		MaxBodyBytes: cfg.Server.MaxBody(),
		Version:      buildVersion(),
		Limiter:      limiter,
		Verifier:     verifier,
		Notes:        repo,
		Cache:        store,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
	return nil
}

func openStore(ctx context.Context, cfg *config.Root) (limitStore, error) {
	switch cfg.RateLimit.Store {
	case config.StoreMemory:
		return memory.New(), nil
	default:
		s, err := redisstore.Open(ctx, redisstore.Options{
			URL:         cfg.Redis.URL,
			DialTimeout: cfg.Redis.DialTimeout(),
			PoolSize:    cfg.Redis.PoolSize,
			Namespace:   cfg.RateLimit.StoreKey,
		})
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
		return s, nil
	}
}

func newVerifier(a config.Auth) (*auth.Verifier, error) {
	secret, err := a.Secret()
	if err != nil {
		return nil, err
	}
	return auth.NewVerifier(secret,
		auth.WithIssuer(a.Issuer),
		auth.WithAudience(a.Audience),
		auth.WithTTL(a.TokenTTL()),
	)
}

func newParser(cli *CLI, out io.Writer, opts ...kong.Option) (*kong.Kong, error) {
	return kong.New(cli, append([]kong.Option{
		kong.Name("bucketgate"),
		kong.Description("Notes API with distributed token bucket rate limiting"),
		kong.UsageOnError(),
		kong.Writers(out, os.Stderr),
		kong.BindTo(out, (*io.Writer)(nil)),
	}, opts...)...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli, os.Stdout)
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
