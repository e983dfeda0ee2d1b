package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/mind-engage/lti-tool/internal/config"
	"github.com/mind-engage/lti-tool/pkg/admin"
	"github.com/mind-engage/lti-tool/pkg/registration"
	"github.com/mind-engage/lti-tool/pkg/storage"
	"github.com/mind-engage/lti-tool/pkg/storage/memory"
	"github.com/mind-engage/lti-tool/pkg/storage/redisstore"
	"github.com/mind-engage/lti-tool/pkg/storage/sqlstore"
	"github.com/mind-engage/lti-tool/pkg/tool"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("open storage")
	}
	defer closeStore()

	keys, err := loadKeys(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("load key material")
	}

	secret := []byte(cfg.StateSecret)
	if len(secret) == 0 {
		log.Fatal().Msg("LTI_STATE_SECRET is required")
	}

	t, err := tool.New(ctx, tool.Config{
		Keys:        keys,
		Storage:     store,
		StateSecret: secret,
		NonceTTL:    cfg.NonceTTL,
		StateTTL:    cfg.StateTTL,
		SessionTTL:  cfg.SessionTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("construct tool")
	}

	launchURL := cfg.PublicURL + "/lti/launch"
	handlers := &tool.Handlers{Tool: t, LaunchURL: launchURL, Log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Mount("/lti", handlers.Routes())
	r.Get("/.well-known/jwks.json", handlers.JWKS)

	if cfg.EnableAdmin {
		if cfg.AdminPassHash == "" {
			log.Fatal().Msg("ADMIN_PASS_HASH is required when the admin API is enabled")
		}
		var regSvc *registration.Service
		if cfg.EnableRegistration {
			regSvc = registration.New(store, nil)
		}
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(admin.BasicAuth(cfg.AdminUser, []byte(cfg.AdminPassHash)))
			ar.Mount("/", admin.Routes(store, regSvc))
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("driver", cfg.StorageDriver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	return logger
}

// openStore selects and wires the storage backend. Launch-config reads go
// through the caching decorator regardless of backend.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, func(), error) {
	noop := func() {}
	switch cfg.StorageDriver {
	case "memory", "":
		return storage.NewCachedStore(memory.New(), 0, 0), noop, nil
	case "sqlite", "postgres", "pgx":
		s, err := sqlstore.Open(ctx, sqlDriverName(cfg.StorageDriver), cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewCachedStore(s, 0, 0), func() { _ = s.Close() }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s, err := redisstore.New(ctx, rdb)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewCachedStore(s, 0, 0), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, errors.New("unknown STORAGE_DRIVER: " + cfg.StorageDriver)
	}
}

// sqlDriverName maps config driver names to registered database/sql drivers.
func sqlDriverName(d string) string {
	if d == "postgres" || d == "pgx" {
		return "pgx"
	}
	return "sqlite"
}

// loadKeys reads the RSA signing key, generating an ephemeral one for dev
// when no key file is configured. Platform-side registrations break on
// restart with an ephemeral key, so production must set a key file.
func loadKeys(cfg config.Config, log zerolog.Logger) (*tool.KeyMaterial, error) {
	if cfg.PrivateKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		return tool.KeyMaterialFromPEM(pemBytes, cfg.KeyID)
	}
	log.Warn().Msg("LTI_PRIVATE_KEY_FILE not set, generating ephemeral RSA key")
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return tool.NewKeyMaterial(priv, cfg.KeyID)
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("http request")
		})
	}
}
