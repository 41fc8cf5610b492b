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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/contactform/internal/intake"
	"github.com/MarkoPoloResearchLab/contactform/internal/metrics"
	"github.com/MarkoPoloResearchLab/contactform/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/contactform/internal/sms"
	"github.com/MarkoPoloResearchLab/contactform/internal/storage"
)

const (
	commandUseName               = "server"
	commandShortDescription      = "Run the contact form server"
	commandLongDescription       = "Launch the contact form HTTP server that stores submissions and texts a thank-you SMS"
	missingConfigurationMessage  = "missing required configuration"
	loggerCreationErrorMessage   = "logger"
	logEventListening            = "listening"
	logEventShuttingDown         = "shutting_down"
	logFieldAddress              = "addr"
	loggerContextOpenDatabase    = "open_db"
	loggerContextAutoMigrate     = "migrate"
	loggerContextServer          = "server"
	readHeaderTimeoutSeconds     = 5
	shutdownTimeout              = 15 * time.Second
	unexpectedArgumentsMessage   = "unexpected command arguments"
	commandInitializationFailure = "failed to configure command"
	flagNotDefinedMessage        = "flag %s not defined"
	environmentConfigurationErr  = "failed to apply environment configuration"
	environmentFileErrorMessage  = "failed to load environment file"
	defaultEnvironmentFile       = ".env"

	flagNameApplicationAddress   = "app-addr"
	flagNameDatabaseDriver       = "db-driver"
	flagNameDatabaseDataSource   = "db-dsn"
	flagNameDatabaseMaxOpenConns = "db-max-open-conns"
	flagNameSMSUserID            = "sms-user-id"
	flagNameSMSAPIKey            = "sms-api-key"
	flagNameSMSSenderID          = "sms-sender-id"
	flagNameSMSEndpoint          = "sms-endpoint"
	flagNameSMSBrand             = "sms-brand"
	flagNameCORSAllowedOrigins   = "cors-allowed-origins"
	flagNameRateLimitWindow      = "rate-limit-window"
	flagNameRateLimitMax         = "rate-limit-max"
	flagNameRedisAddress         = "redis-addr"
	flagNameRedisPassword        = "redis-password"
	flagNameRedisDatabase        = "redis-db"
	flagNameTrustedProxies       = "trusted-proxies"

	environmentKeyApplicationAddress   = "APP_ADDR"
	environmentKeyDatabaseDriver       = "DB_DRIVER"
	environmentKeyDatabaseDataSource   = "DB_DSN"
	environmentKeyDatabaseMaxOpenConns = "DB_MAX_OPEN_CONNS"
	environmentKeySMSUserID            = "SMS_USER_ID"
	environmentKeySMSAPIKey            = "SMS_API_KEY"
	environmentKeySMSSenderID          = "SMS_SENDER_ID"
	environmentKeySMSEndpoint          = "SMS_ENDPOINT"
	environmentKeySMSBrand             = "SMS_BRAND"
	environmentKeyCORSAllowedOrigins   = "CORS_ALLOWED_ORIGINS"
	environmentKeyRateLimitWindow      = "RATE_LIMIT_WINDOW"
	environmentKeyRateLimitMax         = "RATE_LIMIT_MAX"
	environmentKeyRedisAddress         = "REDIS_ADDR"
	environmentKeyRedisPassword        = "REDIS_PASSWORD"
	environmentKeyRedisDatabase        = "REDIS_DB"
	environmentKeyTrustedProxies       = "TRUSTED_PROXIES"

	defaultApplicationAddress = ":3000"
)

var defaultCORSAllowedOrigins = []string{
	"https://logozodev.com",
	"https://www.logozodev.com",
	"http://localhost:5173",
	"http://localhost:3000",
}

// ServerConfig captures configuration needed to run the server.
type ServerConfig struct {
	ApplicationAddress string
	Database           storage.Config
	SMS                sms.Config
	SMSBrand           string
	CORSAllowedOrigins []string
	RateLimit          ratelimit.Config
	RedisAddress       string
	RedisPassword      string
	RedisDatabase      int
	TrustedProxies     []string
}

// DatabaseOpener opens a database connection for the provided configuration.
type DatabaseOpener func(storage.Config) (*gorm.DB, error)

// ServerApplication constructs and executes the server command.
type ServerApplication struct {
	configurationLoader *viper.Viper
	databaseOpener      DatabaseOpener
	environmentFile     string
}

type configurationSetting struct {
	environmentKey string
	flagName       string
}

var configurationSettings = []configurationSetting{
	{environmentKey: environmentKeyApplicationAddress, flagName: flagNameApplicationAddress},
	{environmentKey: environmentKeyDatabaseDriver, flagName: flagNameDatabaseDriver},
	{environmentKey: environmentKeyDatabaseDataSource, flagName: flagNameDatabaseDataSource},
	{environmentKey: environmentKeyDatabaseMaxOpenConns, flagName: flagNameDatabaseMaxOpenConns},
	{environmentKey: environmentKeySMSUserID, flagName: flagNameSMSUserID},
	{environmentKey: environmentKeySMSAPIKey, flagName: flagNameSMSAPIKey},
	{environmentKey: environmentKeySMSSenderID, flagName: flagNameSMSSenderID},
	{environmentKey: environmentKeySMSEndpoint, flagName: flagNameSMSEndpoint},
	{environmentKey: environmentKeySMSBrand, flagName: flagNameSMSBrand},
	{environmentKey: environmentKeyCORSAllowedOrigins, flagName: flagNameCORSAllowedOrigins},
	{environmentKey: environmentKeyRateLimitWindow, flagName: flagNameRateLimitWindow},
	{environmentKey: environmentKeyRateLimitMax, flagName: flagNameRateLimitMax},
	{environmentKey: environmentKeyRedisAddress, flagName: flagNameRedisAddress},
	{environmentKey: environmentKeyRedisPassword, flagName: flagNameRedisPassword},
	{environmentKey: environmentKeyRedisDatabase, flagName: flagNameRedisDatabase},
	{environmentKey: environmentKeyTrustedProxies, flagName: flagNameTrustedProxies},
}

// NewServerApplication creates a ServerApplication with default dependencies.
func NewServerApplication() *ServerApplication {
	return &ServerApplication{
		configurationLoader: viper.New(),
		databaseOpener:      storage.OpenDatabase,
		environmentFile:     defaultEnvironmentFile,
	}
}

// WithDatabaseOpener overrides the database opener dependency.
func (application *ServerApplication) WithDatabaseOpener(databaseOpener DatabaseOpener) *ServerApplication {
	application.databaseOpener = databaseOpener
	return application
}

// WithEnvironmentFile overrides the dotenv file read before flags are bound. Empty disables it.
func (application *ServerApplication) WithEnvironmentFile(path string) *ServerApplication {
	application.environmentFile = path
	return application
}

// Command builds the Cobra command for the server.
func (application *ServerApplication) Command() (*cobra.Command, error) {
	rootCommand := &cobra.Command{
		Use:   commandUseName,
		Short: commandShortDescription,
		Long:  commandLongDescription,
		RunE:  application.runCommand,
	}

	if environmentErr := application.loadEnvironmentFile(); environmentErr != nil {
		return nil, environmentErr
	}

	if configurationErr := application.configureCommand(rootCommand); configurationErr != nil {
		return nil, configurationErr
	}

	return rootCommand, nil
}

func (application *ServerApplication) loadEnvironmentFile() error {
	if strings.TrimSpace(application.environmentFile) == "" {
		return nil
	}
	if loadErr := godotenv.Load(application.environmentFile); loadErr != nil {
		if errors.Is(loadErr, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%s: %w", environmentFileErrorMessage, loadErr)
	}
	return nil
}

func (application *ServerApplication) configureCommand(command *cobra.Command) error {
	application.configurationLoader.AutomaticEnv()

	commandFlags := command.Flags()
	commandFlags.String(flagNameApplicationAddress, defaultApplicationAddress, "address for the HTTP server to listen on")
	commandFlags.String(flagNameDatabaseDriver, storage.DriverNameSQLite, "database driver (sqlite, postgres or mysql)")
	commandFlags.String(flagNameDatabaseDataSource, "", "database connection string")
	commandFlags.Int(flagNameDatabaseMaxOpenConns, storage.DefaultMaxOpenConnections, "maximum pooled database connections")
	commandFlags.String(flagNameSMSUserID, "", "SMSlenz user id")
	commandFlags.String(flagNameSMSAPIKey, "", "SMSlenz API key")
	commandFlags.String(flagNameSMSSenderID, "", "SMSlenz sender id")
	commandFlags.String(flagNameSMSEndpoint, sms.DefaultEndpoint, "SMS gateway endpoint")
	commandFlags.String(flagNameSMSBrand, sms.DefaultBrand, "brand named in the thank-you SMS")
	commandFlags.StringSlice(flagNameCORSAllowedOrigins, defaultCORSAllowedOrigins, "origins allowed to call the API")
	commandFlags.Duration(flagNameRateLimitWindow, ratelimit.DefaultWindow, "submission rate limit window")
	commandFlags.Int(flagNameRateLimitMax, ratelimit.DefaultMaxRequests, "submissions allowed per client IP per window (0 disables)")
	commandFlags.String(flagNameRedisAddress, "", "Redis address for shared rate limit counters")
	commandFlags.String(flagNameRedisPassword, "", "Redis password")
	commandFlags.Int(flagNameRedisDatabase, 0, "Redis database number")
	commandFlags.StringSlice(flagNameTrustedProxies, nil, "reverse proxy IPs or CIDRs whose X-Forwarded-For is honored (none by default)")

	for _, setting := range configurationSettings {
		if bindErr := application.bindFlag(commandFlags, setting.environmentKey, setting.flagName); bindErr != nil {
			return bindErr
		}
		if environmentErr := application.applyEnvironmentConfiguration(commandFlags, setting.environmentKey, setting.flagName); environmentErr != nil {
			return environmentErr
		}
	}

	if markErr := command.MarkFlagRequired(flagNameDatabaseDataSource); markErr != nil {
		return markErr
	}

	return nil
}

func (application *ServerApplication) bindFlag(flagSet *pflag.FlagSet, environmentKey string, flagName string) error {
	flag := flagSet.Lookup(flagName)
	if flag == nil {
		return fmt.Errorf(flagNotDefinedMessage, flagName)
	}

	if bindErr := application.configurationLoader.BindPFlag(environmentKey, flag); bindErr != nil {
		return bindErr
	}

	return nil
}

func (application *ServerApplication) applyEnvironmentConfiguration(flagSet *pflag.FlagSet, environmentKey string, flagName string) error {
	environmentValue, environmentFound := os.LookupEnv(environmentKey)
	if !environmentFound {
		return nil
	}

	if setErr := flagSet.Set(flagName, environmentValue); setErr != nil {
		return fmt.Errorf("%s: %w", environmentConfigurationErr, setErr)
	}

	return nil
}

func (application *ServerApplication) loadServerConfig() ServerConfig {
	loader := application.configurationLoader
	return ServerConfig{
		ApplicationAddress: strings.TrimSpace(loader.GetString(environmentKeyApplicationAddress)),
		Database: storage.Config{
			DriverName:         strings.TrimSpace(loader.GetString(environmentKeyDatabaseDriver)),
			DataSourceName:     strings.TrimSpace(loader.GetString(environmentKeyDatabaseDataSource)),
			MaxOpenConnections: loader.GetInt(environmentKeyDatabaseMaxOpenConns),
		},
		SMS: sms.Config{
			Endpoint: strings.TrimSpace(loader.GetString(environmentKeySMSEndpoint)),
			Credentials: sms.Credentials{
				UserID:   strings.TrimSpace(loader.GetString(environmentKeySMSUserID)),
				APIKey:   strings.TrimSpace(loader.GetString(environmentKeySMSAPIKey)),
				SenderID: strings.TrimSpace(loader.GetString(environmentKeySMSSenderID)),
			},
		},
		SMSBrand:           strings.TrimSpace(loader.GetString(environmentKeySMSBrand)),
		CORSAllowedOrigins: normalizeOrigins(loader.GetStringSlice(environmentKeyCORSAllowedOrigins)),
		RateLimit: ratelimit.Config{
			Window:      loader.GetDuration(environmentKeyRateLimitWindow),
			MaxRequests: loader.GetInt(environmentKeyRateLimitMax),
		},
		RedisAddress:   strings.TrimSpace(loader.GetString(environmentKeyRedisAddress)),
		RedisPassword:  loader.GetString(environmentKeyRedisPassword),
		RedisDatabase:  loader.GetInt(environmentKeyRedisDatabase),
		TrustedProxies: normalizeProxies(loader.GetStringSlice(environmentKeyTrustedProxies)),
	}
}

func normalizeOrigins(origins []string) []string {
	normalized := make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func normalizeProxies(proxies []string) []string {
	normalized := make([]string, 0, len(proxies))
	for _, proxy := range proxies {
		if trimmed := strings.TrimSpace(proxy); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func (application *ServerApplication) runCommand(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return fmt.Errorf("%s: %s", unexpectedArgumentsMessage, strings.Join(arguments, " "))
	}

	serverConfig := application.loadServerConfig()
	if validationErr := application.ensureRequiredConfiguration(serverConfig); validationErr != nil {
		return validationErr
	}

	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return fmt.Errorf("%s: %w", loggerCreationErrorMessage, loggerErr)
	}
	defer func() {
		_ = logger.Sync()
	}()

	database, databaseErr := application.databaseOpener(serverConfig.Database)
	if databaseErr != nil {
		logger.Error(loggerContextOpenDatabase, zap.Error(databaseErr))
		return databaseErr
	}
	if sqlDatabase, sqlErr := database.DB(); sqlErr == nil {
		defer func() {
			_ = sqlDatabase.Close()
		}()
	}

	if migrateErr := storage.AutoMigrate(database); migrateErr != nil {
		logger.Error(loggerContextAutoMigrate, zap.Error(migrateErr))
		return migrateErr
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	contactMetrics := metrics.NewContactMetrics(registry)

	smsClient := sms.NewClient(logger, serverConfig.SMS)
	if !smsClient.Configured() {
		logger.Warn("sms_credentials_missing")
	}

	limiter, closeLimiter := buildRateLimiter(serverConfig, logger)
	defer closeLimiter()

	store := storage.NewSubmissionStore(database)
	workflow := intake.NewWorkflow(store, smsClient, logger, contactMetrics, serverConfig.SMSBrand)

	router, routerErr := newRouter(routerDependencies{
		logger:         logger,
		database:       database,
		store:          store,
		workflow:       workflow,
		limiter:        limiter,
		metrics:        contactMetrics,
		gatherer:       registry,
		allowedOrigins: serverConfig.CORSAllowedOrigins,
		trustedProxies: serverConfig.TrustedProxies,
	})
	if routerErr != nil {
		logger.Error("router_configuration_failed", zap.Error(routerErr))
		return routerErr
	}

	httpServer := &http.Server{
		Addr:              serverConfig.ApplicationAddress,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeoutSeconds * time.Second,
	}

	parentContext := command.Context()
	if parentContext == nil {
		parentContext = context.Background()
	}
	signalContext, stopSignals := signal.NotifyContext(parentContext, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info(logEventListening, zap.String(logFieldAddress, serverConfig.ApplicationAddress))
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serverErrors <- serveErr
		}
		close(serverErrors)
	}()

	select {
	case serveErr, failed := <-serverErrors:
		if failed {
			logger.Error(loggerContextServer, zap.Error(serveErr))
			return serveErr
		}
		return nil
	case <-signalContext.Done():
		logger.Info(logEventShuttingDown)
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownContext); shutdownErr != nil {
		logger.Error(loggerContextServer, zap.Error(shutdownErr))
		return shutdownErr
	}
	return nil
}

// buildRateLimiter picks the Redis limiter when an address is configured and
// the in-memory one otherwise. A non-positive maximum disables limiting.
func buildRateLimiter(configuration ServerConfig, logger *zap.Logger) (ratelimit.Limiter, func()) {
	noClose := func() {}
	if configuration.RateLimit.MaxRequests <= 0 {
		logger.Info("rate_limit_disabled")
		return nil, noClose
	}
	if configuration.RedisAddress == "" {
		return ratelimit.NewMemoryLimiter(configuration.RateLimit), noClose
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     configuration.RedisAddress,
		Password: configuration.RedisPassword,
		DB:       configuration.RedisDatabase,
	})
	limiter, limiterErr := ratelimit.NewRedisLimiter(redisClient, configuration.RateLimit)
	if limiterErr != nil {
		logger.Warn("redis_rate_limiter_unavailable", zap.Error(limiterErr))
		_ = redisClient.Close()
		return ratelimit.NewMemoryLimiter(configuration.RateLimit), noClose
	}
	logger.Info("redis_rate_limiter_enabled", zap.String(logFieldAddress, configuration.RedisAddress))
	return limiter, func() {
		_ = redisClient.Close()
	}
}

func (application *ServerApplication) ensureRequiredConfiguration(configuration ServerConfig) error {
	var missingParameters []string

	if configuration.Database.DataSourceName == "" {
		missingParameters = append(missingParameters, flagNameDatabaseDataSource)
	}

	if configuration.Database.DriverName == "" {
		missingParameters = append(missingParameters, flagNameDatabaseDriver)
	}

	if len(missingParameters) == 0 {
		return nil
	}

	return fmt.Errorf("%s: %s", missingConfigurationMessage, strings.Join(missingParameters, ", "))
}

func main() {
	application := NewServerApplication()
	rootCommand, commandErr := application.Command()
	if commandErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", commandInitializationFailure, commandErr)
		os.Exit(1)
	}

	if executeErr := rootCommand.Execute(); executeErr != nil {
		os.Exit(1)
	}
}
