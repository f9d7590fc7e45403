package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/orbitalctf/internal/api"
	"github.com/victornm/orbitalctf/internal/catalog"
	"github.com/victornm/orbitalctf/internal/challenge"
	"github.com/victornm/orbitalctf/internal/event"
	"github.com/victornm/orbitalctf/internal/flag"
	"github.com/victornm/orbitalctf/internal/hint"
	"github.com/victornm/orbitalctf/internal/leaderboard"
	"github.com/victornm/orbitalctf/internal/ledger"
	"github.com/victornm/orbitalctf/internal/submission"
	"github.com/victornm/orbitalctf/internal/telemetry"
	"github.com/victornm/orbitalctf/internal/unlock"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type PostgresConfig struct {
	Addr string
	User string
	Pass string
	Name string
}

type Config struct {
	Log struct {
		// Level is debug, info, warn or error.
		Level string
		// Format is text or json.
		Format string
	}

	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Storage struct {
		// Driver is memory or postgres.
		Driver string
	}

	Redis struct {
		Leaderboard RedisConfig
		Pubsub      RedisConfig
	}

	Postgres struct {
		Ledger  PostgresConfig
		Catalog PostgresConfig
	}

	Catalog struct {
		// SeedFile is imported into the memory catalog at startup.
		SeedFile string
	}

	Auth struct {
		JWTSecret string
	}

	Leaderboard struct {
		CacheTTL        time.Duration
		RefreshInterval time.Duration
	}

	Submission struct {
		MaxRetries int
	}

	Flag struct {
		TrimSpace bool
	}
}

// DefaultConfig is the configuration before the config file and environment are applied.
func DefaultConfig() Config {
	var c Config
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Storage.Driver = DriverMemory
	c.Redis.Leaderboard.Prefix = "orbitalctf"
	c.Redis.Pubsub.Prefix = "orbitalctf"
	c.Leaderboard.CacheTTL = 5 * time.Second
	c.Leaderboard.RefreshInterval = 30 * time.Second
	c.Submission.MaxRetries = 3
	c.Flag.TrimSpace = true
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			ledger  *pgxpool.Pool
			catalog *pgxpool.Pool
		}
	}

	store   ledger.Store
	catalog catalog.Catalog

	service struct {
		submission  *submission.Service
		hint        *hint.Service
		challenge   *challenge.Service
		leaderboard *leaderboard.Service
		ledger      *ledger.Service
	}

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	// ctx scopes background work started by Start, Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	if c.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("server: auth: jwt secret must be set")
	}

	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initStorage(); err != nil {
		return nil, fmt.Errorf("server: init storage: %w", err)
	}

	s.initService()

	if err := s.openAccounts(); err != nil {
		return nil, fmt.Errorf("server: open accounts: %w", err)
	}

	s.initAPI()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if s.c.Storage.Driver == DriverPostgres {
		if err := s.initPostgres(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}

	return nil
}

// initRedis connects the leaderboard cache and the pubsub client. Both are optional, without
// them the leaderboard is projected on every read and live updates are off.
func (s *Server) initRedis() error {
	connect := func(c RedisConfig) (redis.UniversalClient, error) {
		if len(c.Addrs) == 0 {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(c PostgresConfig) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", c.User, c.Pass, c.Addr, c.Name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.ledger, err = connect(s.c.Postgres.Ledger)
	if err != nil {
		return fmt.Errorf("postgres: ledger: %w", err)
	}

	s.infra.postgres.catalog, err = connect(s.c.Postgres.Catalog)
	if err != nil {
		return fmt.Errorf("postgres: catalog: %w", err)
	}

	return nil
}

func (s *Server) initStorage() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch s.c.Storage.Driver {
	case DriverPostgres:
		store := ledger.NewPostgresStore(s.infra.postgres.ledger)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}

		cat := catalog.NewPostgres(s.infra.postgres.catalog)
		if err := cat.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate catalog: %w", err)
		}

		s.store, s.catalog = store, cat

	case DriverMemory, "":
		cat := catalog.NewMemory()
		if f := s.c.Catalog.SeedFile; f != "" {
			r, err := os.Open(f)
			if err != nil {
				return fmt.Errorf("open seed: %w", err)
			}
			defer r.Close()

			if err := cat.Import(r); err != nil {
				return fmt.Errorf("import seed %s: %w", f, err)
			}
		}

		s.store, s.catalog = ledger.NewMemoryStore(), cat

	default:
		return fmt.Errorf("unknown storage driver %q", s.c.Storage.Driver)
	}

	return nil
}

func (s *Server) initService() {
	ev := unlock.NewEvaluator()

	s.service.submission = submission.NewService(submission.Config{
		EventBus:   s.eb,
		Ledger:     s.store,
		Catalog:    s.catalog,
		Matcher:    flag.NewMatcher(flag.Config{TrimSpace: s.c.Flag.TrimSpace}),
		Unlock:     ev,
		MaxRetries: s.c.Submission.MaxRetries,
	})

	s.service.hint = hint.NewService(hint.Config{
		EventBus: s.eb,
		Ledger:   s.store,
		Catalog:  s.catalog,
		Unlock:   ev,
	})

	s.service.challenge = challenge.NewService(challenge.Config{
		Ledger:  s.store,
		Catalog: s.catalog,
		Unlock:  ev,
	})

	s.service.ledger = ledger.NewService(ledger.Config{
		EventBus: s.eb,
		Store:    s.store,
		Teams:    s.catalog,
	})

	lc := leaderboard.Config{
		EventBus: s.eb,
		Ledger:   s.store,
		Catalog:  s.catalog,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
		CacheTTL: s.c.Leaderboard.CacheTTL,
	}
	if s.infra.redis.leaderboard != nil {
		lc.Redis = s.infra.redis.leaderboard
	}
	s.service.leaderboard = leaderboard.NewService(lc)
}

// openAccounts writes the TEAM_CREATED entry of every team that has none yet.
func (s *Server) openAccounts() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	teams, err := s.catalog.Teams(ctx)
	if err != nil {
		return err
	}

	for _, t := range teams {
		if _, err := s.service.ledger.OpenAccount(ctx, t.ID); err != nil {
			return fmt.Errorf("team %s: %w", t.ID, err)
		}
	}

	slog.InfoContext(ctx, fmt.Sprintf("server: %d team accounts open", len(teams)))
	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	ac := api.Config{
		EventBus:     s.eb,
		Submission:   s.service.submission,
		Hint:         s.service.hint,
		Challenge:    s.service.challenge,
		Leaderboard:  s.service.leaderboard,
		Ledger:       s.service.ledger,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
		JWTSecret:    []byte(s.c.Auth.JWTSecret),
	}
	if s.infra.redis.pubsub != nil {
		ac.Redis = s.infra.redis.pubsub
	}
	api.New(ac).Register(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Handler serves the HTTP API.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() {
	ctx := s.ctx

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		s.service.leaderboard.Run(ctx, s.c.Leaderboard.RefreshInterval)
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	for _, db := range []*pgxpool.Pool{s.infra.postgres.ledger, s.infra.postgres.catalog} {
		if db != nil {
			db.Close()
		}
	}
	for _, r := range []redis.UniversalClient{s.infra.redis.leaderboard, s.infra.redis.pubsub} {
		if r != nil {
			_ = r.Close()
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
