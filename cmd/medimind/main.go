package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/medimind/medimind/internal/api"
	"github.com/medimind/medimind/internal/config"
	"github.com/medimind/medimind/internal/util"
)

func main() {
	initializeLogger()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping Medi-Mind reminder engine")
	slog.Debug("Final configuration",
		"timezone", cfg.Timezone,
		"horizon_days", cfg.HorizonDays,
		"checkin_time", cfg.CheckInTime,
		"dsn_set", cfg.DBDSN != "",
		"api_addr", cfg.APIAddr,
		"twilio_configured", cfg.TwilioConfigured())

	if err := api.Run(cfg); err != nil {
		slog.Error("Medi-Mind failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Medi-Mind exited successfully")
}

// initializeLogger sets up structured logging. DEBUG=true lowers the
// level before configuration is even parsed, so config loading itself
// is debuggable.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadConfig loads the .env file, reads environment configuration, and
// applies command line flag overrides.
func loadConfig() (config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}

	timezone := flag.String("timezone", cfg.Timezone, "fixed schedule timezone (overrides $TZ)")
	horizonDays := flag.Int("horizon-days", cfg.HorizonDays, "occurrence materialization window in days (overrides $HORIZON_DAYS)")
	checkInTime := flag.String("checkin-time", cfg.CheckInTime, "daily health-log reminder time HH:MM (overrides $CHECKIN_TIME)")
	dbDSN := flag.String("db-dsn", cfg.DBDSN, "database DSN: postgres URL, SQLite path, or empty for in-memory (overrides $DB_DSN)")
	apiAddr := flag.String("api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	flag.Parse()

	cfg.Timezone = *timezone
	cfg.HorizonDays = *horizonDays
	cfg.CheckInTime = *checkInTime
	cfg.DBDSN = *dbDSN
	cfg.APIAddr = *apiAddr

	// Flag overrides bypass envconfig validation, so validate again.
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
