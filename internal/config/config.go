// Package config loads reminder engine configuration from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/medimind/medimind/internal/models"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Timezone    string `envconfig:"TZ" default:"Asia/Kolkata"`
	HorizonDays int    `envconfig:"HORIZON_DAYS" default:"30"`
	CheckInTime string `envconfig:"CHECKIN_TIME" default:"09:00"` // HH:MM daily health-log reminder
	DBDSN       string `envconfig:"DB_DSN" default:""`            // empty = in-memory
	APIAddr     string `envconfig:"API_ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error

	TwilioAccountSID          string `envconfig:"TWILIO_ACCOUNT_SID" default:""`
	TwilioAuthToken           string `envconfig:"TWILIO_AUTH_TOKEN" default:""`
	TwilioPhoneNumber         string `envconfig:"TWILIO_PHONE_NUMBER" default:""`
	TwilioMessagingServiceSID string `envconfig:"TWILIO_MESSAGING_SERVICE_SID" default:""`
}

// Load reads environment variables into Config and validates the fields
// the engine cannot run without.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the schedule-critical settings. An unloadable time
// zone is fatal: every job in the system fires relative to it.
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if _, err := time.Parse(models.TimeOfDayLayout, c.CheckInTime); err != nil {
		return fmt.Errorf("invalid check-in time %q: %w", c.CheckInTime, err)
	}
	if c.HorizonDays <= 0 {
		return fmt.Errorf("horizon days must be positive, got %d", c.HorizonDays)
	}
	return nil
}

// Zone returns the loaded fixed time zone. Call Validate first.
func (c Config) Zone() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// TwilioConfigured reports whether live SMS credentials are present.
// Without them the gateway runs in simulation mode.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" &&
		(c.TwilioPhoneNumber != "" || c.TwilioMessagingServiceSID != "")
}
