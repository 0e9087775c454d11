package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/backerauth/internal/authkit"
	"github.com/tyemirov/backerauth/internal/events"
	"github.com/tyemirov/backerauth/internal/identity"
	"github.com/tyemirov/backerauth/internal/identitypg"
	"github.com/tyemirov/backerauth/internal/session"
	"github.com/tyemirov/backerauth/internal/web"
	"github.com/tyemirov/backerauth/pkg/hosting"
	"github.com/tyemirov/backerauth/pkg/tokencodec"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

var buildAppleTokenVerifier = func(ctx context.Context, projectID string, credentialsFile string) (authkit.AppleTokenVerifier, error) {
	return authkit.NewAppleTokenVerifier(ctx, projectID, credentialsFile)
}

var buildPubSubPublisher = func(ctx context.Context, projectID string, topicID string, logger *zap.Logger) (events.Publisher, error) {
	return events.NewPubSubPublisher(ctx, projectID, topicID, logger)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "backerauth",
		Short:   "Identity and content-entitlement service: federated and email sign-in, JWT sessions, rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("config", "", "Optional config file (yaml/json/toml); holds the hosting_providers list")
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_prefix", "app", "Prefix of the refresh cookie name (<prefix>-refresh-token)")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID")
	rootCmd.Flags().String("firebase_project_id", "", "Firebase project verifying Sign in with Apple tokens; empty disables /auth/apple")
	rootCmd.Flags().String("firebase_credentials_file", "", "Service account file for Firebase; empty uses application default credentials")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access and refresh tokens")
	rootCmd.Flags().String("jwt_issuer", "backerauth", "iss claim of issued tokens")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 180*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("login_code_ttl", 10*time.Minute, "Lifetime of emailed one-time login codes")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "GORM database URL for accounts, login codes and revoked refresh tokens (postgres:// or sqlite://; empty for in-memory)")
	rootCmd.Flags().String("identity_pg_url", "", "Postgres URL for the pgx account store; overrides database_url for accounts")
	rootCmd.Flags().String("pubsub_project", "", "Pub/Sub project for identity events; empty logs events instead")
	rootCmd.Flags().String("pubsub_topic", "identity-events", "Pub/Sub topic for identity events")
	rootCmd.Flags().Int("contact_queue_size", 64, "Buffered contact tasks before new ones are dropped")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, name := range []string{
		"config", "listen_addr", "cookie_prefix", "cookie_domain", "google_web_client_id",
		"firebase_project_id", "firebase_credentials_file", "jwt_signing_key", "jwt_issuer",
		"access_ttl", "refresh_ttl", "login_code_ttl", "dev_insecure_http", "database_url",
		"identity_pg_url", "pubsub_project", "pubsub_topic", "contact_queue_size",
		"enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeReadConfigFile          = "config.read_config_file"
	configCodeMissingGoogleClientID   = "config.missing_google_web_client_id"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidCookiePrefix     = "config.invalid_cookie_prefix"
	configCodeInvalidHostingProvider  = "config.invalid_hosting_provider"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeAppleVerifierInit       = "config.apple_verifier_init"
	configCodePublisherInit           = "config.publisher_init"
	configCodeStoreInit               = "config.store_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// ServerSettings is everything runServer needs beyond flags read at run time.
type ServerSettings struct {
	Auth         authkit.ServerConfig
	CookiePrefix string
	SigningKey   []byte
	JWTIssuer    string
	AccessTTL    time.Duration
	LoginCodeTTL time.Duration
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return configError(configCodeReadConfigFile, err.Error())
		}
	}
	serverSettings, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverSettings))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServerSettings, error) {
	googleWebClientID := viper.GetString("google_web_client_id")
	if googleWebClientID == "" {
		return ServerSettings{}, configError(configCodeMissingGoogleClientID, "google_web_client_id must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return ServerSettings{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return ServerSettings{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= accessTTL {
		return ServerSettings{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than access_ttl")
	}

	cookiePrefix := strings.TrimSpace(viper.GetString("cookie_prefix"))
	if cookiePrefix == "" {
		cookiePrefix = "app"
	}
	if strings.ContainsAny(cookiePrefix, " ;=,") {
		return ServerSettings{}, configError(configCodeInvalidCookiePrefix, "cookie_prefix must be a valid cookie name token")
	}

	loginCodeTTL := 10 * time.Minute
	if configuredLoginCodeTTL := viper.GetDuration("login_code_ttl"); configuredLoginCodeTTL > 0 {
		loginCodeTTL = configuredLoginCodeTTL
	}

	jwtIssuer := viper.GetString("jwt_issuer")
	if jwtIssuer == "" {
		jwtIssuer = "backerauth"
	}

	hostingProviders, providersErr := loadHostingProviders()
	if providersErr != nil {
		return ServerSettings{}, providersErr
	}

	return ServerSettings{
		Auth: authkit.ServerConfig{
			GoogleWebClientID: googleWebClientID,
			CookieDomain:      viper.GetString("cookie_domain"),
			RefreshCookieName: authkit.RefreshCookieNameFor(cookiePrefix),
			RefreshTTL:        refreshTTL,
			HostingProviders:  hostingProviders,
		},
		CookiePrefix: cookiePrefix,
		SigningKey:   []byte(jwtSigningKey),
		JWTIssuer:    jwtIssuer,
		AccessTTL:    accessTTL,
		LoginCodeTTL: loginCodeTTL,
	}, nil
}

func loadHostingProviders() (map[string]hosting.ProviderConfig, error) {
	var configured []hosting.ProviderConfig
	if err := viper.UnmarshalKey("hosting_providers", &configured); err != nil {
		return nil, configError(configCodeInvalidHostingProvider, err.Error())
	}
	providers := make(map[string]hosting.ProviderConfig, len(configured))
	for _, provider := range configured {
		if err := provider.Validate(); err != nil {
			return nil, configError(configCodeInvalidHostingProvider, err.Error())
		}
		if _, duplicate := providers[provider.ID]; duplicate {
			return nil, configError(configCodeInvalidHostingProvider, "duplicate provider id "+provider.ID)
		}
		providers[provider.ID] = provider
	}
	return providers, nil
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
	settings, ok := contextValue.(ServerSettings)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	serverConfig := settings.Auth

	listenAddr := viper.GetString("listen_addr")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	serverConfig.AllowInsecureHTTP = devInsecureHTTP
	serverConfig.SameSiteMode = refreshCookieSameSite(enableCORS)

	stores, closeStores, storesErr := buildStores(commandContext, settings.LoginCodeTTL, logger)
	if storesErr != nil {
		return fmt.Errorf("%s: %w", configCodeStoreInit, storesErr)
	}
	defer closeStores()

	publisher, publisherErr := buildPublisher(commandContext, logger)
	if publisherErr != nil {
		return fmt.Errorf("%s: %w", configCodePublisherInit, publisherErr)
	}
	defer func() { _ = publisher.Close() }()

	contactQueue := identity.NewContactQueue(viper.GetInt("contact_queue_size"), logger)
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		if err := contactQueue.Close(drainCtx); err != nil {
			logger.Warn("contact queue drain incomplete", zap.String("code", "server.contact_queue.drain"), zap.Error(err))
		}
	}()

	resolver, resolverErr := identity.NewResolver(identity.ResolverConfig{
		Store:      stores.accounts,
		LoginCodes: stores.loginCodes,
		Notifier:   events.NewIdentityNotifier(publisher),
		Queue:      contactQueue,
		Logger:     logger,
	})
	if resolverErr != nil {
		return resolverErr
	}

	codec, codecErr := tokencodec.New(tokencodec.Config{SigningKey: settings.SigningKey, Issuer: settings.JWTIssuer})
	if codecErr != nil {
		return codecErr
	}
	issuer, issuerErr := session.NewIssuer(session.Config{
		Codec:      codec,
		AccessTTL:  settings.AccessTTL,
		RefreshTTL: serverConfig.RefreshTTL,
		Ledger:     stores.ledger,
		Logger:     logger,
	})
	if issuerErr != nil {
		return issuerErr
	}

	googleValidator, validatorErr := buildGoogleTokenValidator(commandContext)
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}

	var appleVerifier authkit.AppleTokenVerifier
	if projectID := viper.GetString("firebase_project_id"); projectID != "" {
		verifier, verifierErr := buildAppleTokenVerifier(commandContext, projectID, viper.GetString("firebase_credentials_file"))
		if verifierErr != nil {
			return fmt.Errorf("%s: %w", configCodeAppleVerifierInit, verifierErr)
		}
		appleVerifier = verifier
	} else {
		logger.Info("apple sign-in disabled", zap.String("code", "server.apple.disabled"))
	}

	authkit.MountAuthRoutes(router, serverConfig, authkit.Services{
		Resolver:        resolver,
		Issuer:          issuer,
		GoogleValidator: googleValidator,
		AppleVerifier:   appleVerifier,
		Metrics:         authkit.NewCounterMetrics(),
		Logger:          logger,
	})

	router.GET("/config", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{
			GoogleClientID:    serverConfig.GoogleWebClientID,
			FirebaseProjectID: viper.GetString("firebase_project_id"),
			CookiePrefix:      settings.CookiePrefix,
		})
	})

	protected := router.Group("/api")
	protected.Use(authkit.RequireAccessToken(issuer))
	protected.GET("/me", web.HandleWhoAmI(logger, stores.accounts))
	authkit.MountProviderRoutes(protected, serverConfig, logger)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "server.shutdown"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("code", "server.listening"), zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// refreshCookieSameSite is Strict unless cross-site browser clients are
// served, in which case a Strict cookie would never accompany their requests.
func refreshCookieSameSite(enableCORS bool) http.SameSite {
	if enableCORS {
		return http.SameSiteNoneMode
	}
	return http.SameSiteStrictMode
}

type serverStores struct {
	accounts   identity.Store
	ledger     session.RevocationLedger
	loginCodes identity.LoginCodeStore
}

// buildStores picks the account store, the refresh revocation ledger and the
// login code store. identity_pg_url wins for accounts; database_url backs
// whatever is left.
func buildStores(ctx context.Context, loginCodeTTL time.Duration, logger *zap.Logger) (serverStores, func(), error) {
	databaseURL := viper.GetString("database_url")
	identityPGURL := viper.GetString("identity_pg_url")
	closers := make([]func(), 0, 1)
	closeAll := func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}

	var accounts identity.Store
	switch {
	case identityPGURL != "":
		pool, err := identitypg.BuildPool(ctx, identityPGURL)
		if err != nil {
			return serverStores{}, closeAll, err
		}
		closers = append(closers, pool.Close)
		if err := identitypg.EnsureSchema(ctx, pool); err != nil {
			closeAll()
			return serverStores{}, func() {}, err
		}
		accounts = identitypg.NewAccountStore(pool)
		logger.Info("using pgx account store", zap.String("code", "server.store.accounts"))
	case databaseURL != "":
		store, err := identity.NewDatabaseStore(ctx, databaseURL)
		if err != nil {
			return serverStores{}, closeAll, err
		}
		accounts = store
		logger.Info("using persistent account store", zap.String("code", "server.store.accounts"), zap.String("driver", store.Driver()))
	default:
		accounts = identity.NewMemoryStore()
		logger.Info("using in-memory account store", zap.String("code", "server.store.accounts"))
	}

	var ledger session.RevocationLedger
	if databaseURL != "" {
		persistentLedger, err := session.NewDatabaseRevocationLedger(ctx, databaseURL)
		if err != nil {
			closeAll()
			return serverStores{}, func() {}, err
		}
		ledger = persistentLedger
		logger.Info("using persistent revocation ledger", zap.String("code", "server.store.ledger"), zap.String("driver", persistentLedger.Driver()))
	} else {
		ledger = session.NewMemoryRevocationLedger()
		logger.Info("using in-memory revocation ledger", zap.String("code", "server.store.ledger"))
	}

	var loginCodes identity.LoginCodeStore
	if databaseURL != "" {
		persistentCodes, err := identity.NewDatabaseLoginCodeStore(ctx, databaseURL, loginCodeTTL)
		if err != nil {
			closeAll()
			return serverStores{}, func() {}, err
		}
		loginCodes = persistentCodes
		logger.Info("using persistent login code store", zap.String("code", "server.store.login_codes"), zap.String("driver", persistentCodes.Driver()))
	} else {
		loginCodes = identity.NewMemoryLoginCodeStore(loginCodeTTL)
		logger.Info("using in-memory login code store", zap.String("code", "server.store.login_codes"))
	}
	return serverStores{accounts: accounts, ledger: ledger, loginCodes: loginCodes}, closeAll, nil
}

func buildPublisher(ctx context.Context, logger *zap.Logger) (events.Publisher, error) {
	projectID := viper.GetString("pubsub_project")
	if projectID == "" {
		logger.Info("identity events are logged only", zap.String("code", "server.events.log"))
		return events.NewLogPublisher(logger), nil
	}
	return buildPubSubPublisher(ctx, projectID, viper.GetString("pubsub_topic"), logger)
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("code", "http.request"),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
