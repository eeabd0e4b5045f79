package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/harborhope/internal/backend"
	"github.com/tyemirov/harborhope/internal/backendpg"
	"github.com/tyemirov/harborhope/internal/content"
	"github.com/tyemirov/harborhope/internal/refresh"
	"github.com/tyemirov/harborhope/internal/roles"
	"github.com/tyemirov/harborhope/internal/session"
	"github.com/tyemirov/harborhope/internal/web"
	webassets "github.com/tyemirov/harborhope/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "harborhope",
		Short:   "Nonprofit site API with password sessions, admin roles, and section refresh signals",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().String("env_file", ".env", "Optional dotenv file loaded before reading APP_ variables")
	rootCmd.PersistentFlags().String("database_url", "sqlite://harborhope.db", "Database URL (postgres:// or sqlite://)")
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().Duration("session_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("client_idle_ttl", 30*time.Minute, "Idle time after which a client's session state is dropped from memory")
	rootCmd.Flags().Int("max_clients", 10000, "Most clients whose session state is kept in memory; the least recent is dropped first (0 for no limit)")
	rootCmd.Flags().Duration("settle_timeout", 3*time.Second, "Longest wait for a session and role to resolve before answering a guarded request")
	rootCmd.Flags().Bool("ephemeral_refresh_tokens", false, "Keep refresh tokens in memory instead of the database")
	rootCmd.Flags().Float64("sign_in_per_minute", 10, "Sign-in attempts allowed per minute per address")
	rootCmd.Flags().Int("sign_in_burst", 5, "Sign-in attempts allowed in a burst per address")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	bindFlags(rootCmd.PersistentFlags().Lookup, "env_file", "database_url")
	bindFlags(rootCmd.Flags().Lookup,
		"listen_addr", "cookie_domain", "jwt_signing_key", "session_ttl", "refresh_ttl",
		"client_idle_ttl", "max_clients", "settle_timeout", "ephemeral_refresh_tokens", "sign_in_per_minute",
		"sign_in_burst", "dev_insecure_http", "enable_cors", "cors_allowed_origins")

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newGrantAdminCommand())
	return rootCmd
}

func bindFlags(lookup func(name string) *pflag.Flag, names ...string) {
	for _, name := range names {
		_ = viper.BindPFlag(name, lookup(name))
	}
}

const (
	jwtIssuer = "harborhope"

	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidSignInRate       = "config.invalid_sign_in_rate"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeInvalidMaxClients       = "config.invalid_max_clients"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeEnvFile                 = "config.env_file"
)

// ServerConfig is the validated process configuration.
type ServerConfig struct {
	Web                    web.ServerConfig
	ListenAddr             string
	DatabaseURL            string
	SigningKey             []byte
	ClientIdleTTL          time.Duration
	MaxClients             int
	EphemeralRefreshTokens bool
	SignInPerMinute        float64
	SignInBurst            int
	EnableCORS             bool
	CORSAllowedOrigins     []string
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(viper.GetString("env_file")); err != nil {
		return err
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// loadEnvFile exports the variables in path unless they are already set. A missing file is ignored.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return configError(configCodeEnvFile, err.Error())
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServerConfig, error) {
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		return ServerConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	signInPerMinute := viper.GetFloat64("sign_in_per_minute")
	signInBurst := viper.GetInt("sign_in_burst")
	if signInPerMinute <= 0 || signInBurst <= 0 {
		return ServerConfig{}, configError(configCodeInvalidSignInRate, "sign_in_per_minute and sign_in_burst must be greater than zero")
	}

	maxClients := viper.GetInt("max_clients")
	if maxClients < 0 {
		return ServerConfig{}, configError(configCodeInvalidMaxClients, "max_clients must not be negative")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	sameSite := http.SameSiteStrictMode
	if enableCORS {
		sameSite = http.SameSiteNoneMode
	}

	return ServerConfig{
		Web: web.ServerConfig{
			CookieDomain:      viper.GetString("cookie_domain"),
			SessionTTL:        sessionTTL,
			RefreshTTL:        refreshTTL,
			ClientTTL:         refreshTTL,
			SameSiteMode:      sameSite,
			AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
			SignInPath:        "/signin",
			SettleTimeout:     viper.GetDuration("settle_timeout"),
		},
		ListenAddr:             viper.GetString("listen_addr"),
		DatabaseURL:            databaseURL,
		SigningKey:             []byte(jwtSigningKey),
		ClientIdleTTL:          viper.GetDuration("client_idle_ttl"),
		MaxClients:             maxClients,
		EphemeralRefreshTokens: viper.GetBool("ephemeral_refresh_tokens"),
		SignInPerMinute:        signInPerMinute,
		SignInBurst:            signInBurst,
		EnableCORS:             enableCORS,
		CORSAllowedOrigins:     corsAllowedOrigins,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	appCtx, appCancel := context.WithCancel(commandContext)
	defer appCancel()

	application, buildErr := buildApplication(appCtx, serverConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	defer application.Close()

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           application.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-appCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// Application is the wired server and the resources it must release.
type Application struct {
	Router  *gin.Engine
	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (application *Application) Close() {
	for index := len(application.closers) - 1; index >= 0; index-- {
		application.closers[index]()
	}
}

func buildApplication(ctx context.Context, serverConfig ServerConfig, logger *zap.Logger) (*Application, error) {
	application := &Application{}
	fail := func(err error) (*Application, error) {
		application.Close()
		return nil, err
	}

	database, databaseErr := backend.OpenDatabase(ctx, serverConfig.DatabaseURL)
	if databaseErr != nil {
		return fail(databaseErr)
	}
	application.closers = append(application.closers, func() { _ = database.Close() })
	logger.Info("database ready", zap.String("driver", database.Driver()))

	privileged, privilegedErr := buildPrivilegedLookup(ctx, application, database, serverConfig.DatabaseURL, logger)
	if privilegedErr != nil {
		return fail(privilegedErr)
	}
	resolver := roles.NewResolver(privileged, backend.NewProfileStore(database), logger)
	accounts := backend.NewAccountStore(database)

	var refreshTokens backend.RefreshTokenStore
	if serverConfig.EphemeralRefreshTokens {
		refreshTokens = backend.NewMemoryRefreshTokenStore()
		logger.Info("using in-memory refresh token store")
	} else {
		refreshTokens = backend.NewDatabaseRefreshTokenStore(database)
		logger.Info("using persistent refresh token store", zap.String("driver", database.Driver()))
	}

	providerConfig := backend.ProviderConfig{
		SigningKey: serverConfig.SigningKey,
		Issuer:     jwtIssuer,
		AccessTTL:  serverConfig.Web.SessionTTL,
		RefreshTTL: serverConfig.Web.RefreshTTL,
	}

	registry := session.NewRegistry(ctx, serverConfig.ClientIdleTTL, logger, session.WithCapacity(serverConfig.MaxClients))
	application.closers = append(application.closers, registry.Close)

	bus := refresh.NewBus()
	sectionStore, storeErr := content.NewStore(ctx, database.Gorm())
	if storeErr != nil {
		return fail(storeErr)
	}
	cache := content.NewCache(bus, sectionStore, logger)
	application.closers = append(application.closers, cache.Close)

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handlers, handlersErr := web.NewHandlers(web.Dependencies{
		Config:   serverConfig.Web,
		Registry: registry,
		NewAuthority: func(stored backend.StoredTokens) (*session.Authority, error) {
			provider, providerErr := backend.NewPasswordProvider(accounts, refreshTokens, providerConfig, stored, logger)
			if providerErr != nil {
				return nil, providerErr
			}
			return session.NewAuthority(provider, resolver, logger), nil
		},
		Accounts: accounts,
		Bus:      bus,
		Sections: cache,
		Editor:   content.NewEditor(sectionStore, bus, logger),
		Limiter:  web.NewSignInLimiter(serverConfig.SignInPerMinute, serverConfig.SignInBurst),
		Metrics:  web.NewPrometheusMetrics(metricsRegistry),
		Logger:   logger,
	})
	if handlersErr != nil {
		return fail(handlersErr)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return fail(corsErr)
		}
		router.Use(corsMiddleware)
	}

	router.GET("/static/site-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "site-client.js")
	})
	router.GET("/static/config.js", func(contextGin *gin.Context) {
		web.ServeSiteConfig(contextGin, web.SiteConfig{SignInPath: serverConfig.Web.SignInPath})
	})
	router.GET("/metrics", web.MetricsHandler(metricsRegistry))
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "clients": registry.Len()})
	})
	handlers.Mount(router)

	application.Router = router
	return application, nil
}

// buildPrivilegedLookup prefers the is_admin database function on postgres.
func buildPrivilegedLookup(ctx context.Context, application *Application, database *backend.Database, databaseURL string, logger *zap.Logger) (roles.PrivilegedLookup, error) {
	if database.Driver() != backend.DriverPostgres {
		return backend.NewDatabaseRoleLookup(database), nil
	}
	pool, poolErr := backendpg.BuildPool(ctx, databaseURL)
	if poolErr != nil {
		return nil, poolErr
	}
	application.closers = append(application.closers, pool.Close)
	if schemaErr := backendpg.EnsureSchema(ctx, pool); schemaErr != nil {
		return nil, fmt.Errorf("backendpg.schema: %w", schemaErr)
	}
	logger.Info("admin role lookups use the is_admin function")
	return backendpg.NewRoleFunction(pool), nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
