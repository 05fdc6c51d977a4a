// Package app builds the harvester's component graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Sternrassler/discovery-harvester/internal/config"
	"github.com/Sternrassler/discovery-harvester/pkg/cache"
	"github.com/Sternrassler/discovery-harvester/pkg/client"
	"github.com/Sternrassler/discovery-harvester/pkg/credentials"
	"github.com/Sternrassler/discovery-harvester/pkg/discovery"
	"github.com/Sternrassler/discovery-harvester/pkg/extract"
	"github.com/Sternrassler/discovery-harvester/pkg/job"
	"github.com/Sternrassler/discovery-harvester/pkg/sink"
	"github.com/Sternrassler/discovery-harvester/pkg/throttle"
	"github.com/Sternrassler/discovery-harvester/pkg/token"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// App holds the wired components.
type App struct {
	Config *config.Config

	Redis        *redis.Client
	Store        *credentials.Store
	Tokens       *token.Lifecycle
	Pacer        *throttle.Controller
	Client       *client.Client
	Orchestrator *client.Orchestrator
	Pipeline     *discovery.Pipeline
	Strategies   []discovery.Strategy
	Extractor    *extract.Extractor
	Sink         sink.Sink
	Runner       *job.Runner

	closers []io.Closer
	logger  zerolog.Logger
}

// New wires every component. It connects to Redis when an address is
// configured and fails if Redis does not answer.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.Redis)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	sets := make([]*credentials.CredentialSet, 0, len(cfg.Credentials.Sets))
	for _, s := range cfg.Credentials.Sets {
		sets = append(sets, credentials.NewCredentialSet(s.ID, s.Cookies, s.UserAgent))
	}
	store, err := credentials.NewStore(cfg.Credentials.Pool, sets, nil, component(logger, "credentials"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("credential store: %w", err)
	}
	a.Store = store

	a.Client = client.New(cfg.HTTP, component(logger, "client"))
	a.Pacer = throttle.NewController(cfg.Throttle, component(logger, "throttle"))

	var fetcher token.Fetcher
	if cfg.Tokens.RefreshURL != "" {
		fetcher = tokenFetcher(a.Client, cfg.Tokens.RefreshURL)
	}
	a.Tokens = token.NewLifecycle(store, fetcher, cfg.Tokens, nil, component(logger, "token"))

	a.Orchestrator = client.NewOrchestrator(store, a.Pacer, cfg.Retry, component(logger, "retry"),
		client.WithTokens(a.Tokens),
		client.WithSlots(semaphore.NewWeighted(cfg.Slots)),
	)

	a.Sink, err = a.buildSink()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Strategies, err = a.buildStrategies()
	if err != nil {
		a.Close()
		return nil, err
	}

	discoveryLogger := component(logger, "discovery")
	a.Pipeline = discovery.NewPipeline(cfg.Discovery, a.Orchestrator, a.Client, a.Tokens, discoveryLogger)

	if !cfg.Job.SkipExtraction {
		opts := []extract.Option{extract.WithTokens(a.Tokens)}
		if cfg.Cache.Enabled && a.Redis != nil {
			opts = append(opts, extract.WithCache(cache.NewManager(a.Redis, cfg.Cache.Config)))
		}
		a.Extractor = extract.New(cfg.Extract, a.Orchestrator, a.Client, a.Sink, component(logger, "extract"), opts...)
	}

	a.Runner = job.NewRunner(cfg.Job, a.Pipeline, a.Strategies, a.Extractor, a.Sink, component(logger, "job"))
	return a, nil
}

// Run harvests targets, or the configured targets when none are given.
func (a *App) Run(ctx context.Context, targets []job.Target) (*job.Summary, error) {
	if len(targets) == 0 {
		targets = a.Config.Targets
	}
	if len(targets) == 0 {
		return nil, errors.New("no targets to harvest")
	}
	return a.Runner.Run(ctx, targets)
}

// Close releases sinks and connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildSink() (sink.Sink, error) {
	cfg := a.Config.Sink
	var sinks sink.Multi

	if cfg.Dir != "" {
		fs, err := sink.NewFileSink(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("file sink: %w", err)
		}
		a.closers = append(a.closers, fs)
		sinks = append(sinks, fs)
	}
	if cfg.Redis && a.Redis != nil {
		sinks = append(sinks, sink.NewRedisSink(a.Redis, cfg.Prefix))
	}

	switch len(sinks) {
	case 0:
		a.logger.Warn().Msg("No sink configured, results are kept in memory only")
		return sink.NewMemorySink(), nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func (a *App) buildStrategies() ([]discovery.Strategy, error) {
	cfg := a.Config.Strategies
	var out []discovery.Strategy

	if cfg.Primary.Endpoint.Enabled() {
		out = append(out, discovery.NewPrimaryPaginated(cfg.Primary))
	}
	if cfg.Alternate.Endpoint.Enabled() {
		out = append(out, discovery.NewAlternateShape(cfg.Alternate))
	}
	if cfg.Scrape.Endpoint.Enabled() {
		scrape, err := discovery.NewDocumentScrape(cfg.Scrape)
		if err != nil {
			return nil, fmt.Errorf("scrape strategy: %w", err)
		}
		out = append(out, scrape)
	}
	if cfg.Static.Enabled {
		var seeds discovery.MultiSeeds
		if len(cfg.Static.Seeds) > 0 {
			seeds = append(seeds, discovery.StaticSeeds(cfg.Static.Seeds))
		}
		if cfg.Static.FromSink && a.Redis != nil {
			seeds = append(seeds, sink.NewRedisSink(a.Redis, a.Config.Sink.Prefix))
		}
		if len(seeds) > 0 {
			out = append(out, discovery.NewStaticFallback("", seeds))
		}
	}

	if len(out) == 0 {
		return nil, errors.New("no discovery strategy configured")
	}
	return out, nil
}

// tokenFetcher requests the refresh page on behalf of a session. An error
// status is a failed refresh: the session keeps its current tokens.
func tokenFetcher(c *client.Client, refreshURL string) token.Fetcher {
	return token.FetcherFunc(func(ctx context.Context, sess *credentials.Session) (http.Header, []byte, error) {
		resp, err := c.Fetch(ctx, sess, client.Request{Method: http.MethodGet, URL: refreshURL})
		if err != nil {
			return nil, nil, fmt.Errorf("token refresh: %w", err)
		}
		return resp.Header, resp.Body, nil
	})
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
