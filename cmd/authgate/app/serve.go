package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst-dm/jwt-authorizer/pkg/api"
	"github.com/lsst-dm/jwt-authorizer/pkg/authdecision"
	"github.com/lsst-dm/jwt-authorizer/pkg/config"
	"github.com/lsst-dm/jwt-authorizer/pkg/cryptoutil"
	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/logger"
	"github.com/lsst-dm/jwt-authorizer/pkg/login"
	"github.com/lsst-dm/jwt-authorizer/pkg/minter"
	"github.com/lsst-dm/jwt-authorizer/pkg/scopes"
	"github.com/lsst-dm/jwt-authorizer/pkg/session"
	"github.com/lsst-dm/jwt-authorizer/pkg/store"
	"github.com/lsst-dm/jwt-authorizer/pkg/store/migrations"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
	cacheKeyPrefix         = "gafaelfawr:"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the auth gateway HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		logger.Fatalf("failed to bind address flag: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	deps, err := wireDependencies(ctx, cfg)
	if err != nil {
		return fmt.Errorf("wire dependencies: %w", err)
	}

	router := buildRouter(deps)

	address := viper.GetString("address")
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("authgate listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down authgate")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("forced shutdown: %v", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// dependencies holds every component buildRouter needs, assembled once
// at startup by wireDependencies.
type dependencies struct {
	signer *cryptoutil.Signer
	loginH *login.Handler
	engine *authdecision.Engine
	api    *api.Routes
}

func wireDependencies(ctx context.Context, cfg *config.Config) (*dependencies, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := migrations.Apply(db.DB); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis_url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)

	sessionSecret, err := loadSessionSecret(cfg.SessionSecretFile)
	if err != nil {
		return nil, err
	}
	cookieSealer, err := cryptoutil.NewSealer(sessionSecret, cryptoutil.PurposeCookie)
	if err != nil {
		return nil, fmt.Errorf("build cookie sealer: %w", err)
	}
	cacheSealer, err := cryptoutil.NewSealer(sessionSecret, cryptoutil.PurposeCache)
	if err != nil {
		return nil, fmt.Errorf("build cache sealer: %w", err)
	}

	signingKey, err := cryptoutil.LoadSigningKey(cfg.Issuer.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	signer, err := cryptoutil.NewSigner(signingKey, cfg.Issuer.KeyID, cfg.Issuer.Issuer)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}

	tokenStore := store.NewCombined(db, redisClient, cacheSealer, cacheKeyPrefix)
	sessions := session.NewManager(cookieSealer, cfg.SessionLifetime(), true)
	childMinter := minter.NewWithCache(tokenStore, redisClient, cacheSealer, cacheKeyPrefix)

	provider, err := buildLoginProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	loginH := login.NewHandler(provider, sessions, tokenStore, login.Config{
		Mapping:        scopes.Mapping(cfg.GroupMapping),
		AdminUsernames: cfg.InitialAdmins,
		Host:           cfg.Realm,
		SessionLife:    cfg.SessionLifetime(),
		AfterLogoutURL: cfg.AfterLogoutURL,
	})

	trustedProxies, err := authdecision.ParseCIDRList(cfg.Proxies)
	if err != nil {
		return nil, fmt.Errorf("parse proxies: %w", err)
	}

	engine := &authdecision.Engine{
		Store:            tokenStore,
		Minter:           childMinter,
		Signer:           signer,
		Sessions:         sessions,
		Realm:            cfg.Realm,
		TrustedProxies:   trustedProxies,
		InternalAudience: cfg.Issuer.InternalAudience(),
		LoginPath:        "/login",
		JWTLifetimeCap:   cfg.Issuer.ExpiresIn(),
	}

	adminAPI := api.NewRoutes(tokenStore, tokenStore, api.Config{
		BootstrapToken: cfg.BootstrapToken,
		TrustedProxies: trustedProxies,
	})

	return &dependencies{
		signer: signer,
		loginH: loginH,
		engine: engine,
		api:    adminAPI,
	}, nil
}

func buildLoginProvider(ctx context.Context, cfg *config.Config) (login.Provider, error) {
	switch {
	case cfg.GitHub != nil:
		secret, err := config.ReadSecretFile(cfg.GitHub.ClientSecretFile)
		if err != nil {
			return nil, err
		}
		return login.NewGitHubProvider(login.GitHubConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: secret,
			RedirectURL:  fmt.Sprintf("https://%s/login", cfg.Realm),
		}), nil
	case cfg.OIDC != nil:
		secret, err := config.ReadSecretFile(cfg.OIDC.ClientSecretFile)
		if err != nil {
			return nil, err
		}
		return login.NewOIDCProvider(ctx, login.OIDCConfig{
			Issuer:       cfg.OIDC.Issuer,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: secret,
			RedirectURL:  cfg.OIDC.RedirectURL,
			Scopes:       cfg.OIDC.Scopes,
		})
	default:
		return nil, fmt.Errorf("no login provider configured")
	}
}

// loadSessionSecret reads and decodes the session secret file. The
// secret is stored base64url-encoded on disk, the same convention the
// gateway's own opaque tokens use, rather than as raw bytes that could
// be truncated or mangled by an editor.
func loadSessionSecret(path string) ([]byte, error) {
	encoded, err := config.ReadSecretFile(path)
	if err != nil {
		return nil, err
	}
	secret, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode session secret: %w", err)
	}
	return secret, nil
}

func buildRouter(deps *dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(serverReadTimeout))

	r.Get("/auth", deps.engine.ServeHTTP)
	r.Get("/login", deps.loginH.Login)
	r.Get("/logout", deps.loginH.Logout)
	r.Get("/oauth2/callback", deps.loginH.Callback)
	r.Get("/.well-known/jwks.json", jwksHandler(deps.signer))
	r.Mount("/auth/api/v1", deps.api.Router())

	return r
}

// jwksHandler serves the signer's public JWKS, needed by downstream
// services verifying minted internal JWTs independent of any
// OIDC-server mode (spec.md §6).
func jwksHandler(signer *cryptoutil.Signer) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(signer.JWKS()); err != nil {
			httperr.WriteError(w, httperr.Wrap(httperr.KindConfigError, "failed to encode JWKS", err))
		}
	}
}
