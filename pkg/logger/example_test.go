package logger_test

import (
	"errors"

	"github.com/wonny/usef/backend/pkg/config"
	"github.com/wonny/usef/backend/pkg/logger"
)

// Example_withFields demonstrates structured logging for a coordinator run
func Example_withFields() {
	cfg := &config.Config{
		Env:       "development",
		LogLevel:  "info",
		LogFormat: "console",
	}

	log := logger.New(cfg).Component("settlement")

	log.WithFields(map[string]interface{}{
		"period_start": "2024-02-01",
		"period_end":   "2024-02-29",
		"mdc_count":    2,
	}).Info("Meter data queries sent")

	log.WithError(errors.New("timeout")).Warn("Meter data query expired")
}
