package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad(t *testing.T) {
	os.Unsetenv("STORE")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8089", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 15, cfg.USEF.PtuDuration)
	assert.Equal(t, 8, cfg.USEF.GateClosurePtus)
	assert.Equal(t, "EUR", cfg.USEF.Currency)
	assert.Equal(t, 24*time.Hour, cfg.USEF.MeterDataQueryExpiration)
	assert.Equal(t, 3, cfg.Sender.Routine.MaxRetries)
	assert.Equal(t, 10, cfg.Sender.Critical.MaxRetries)
	assert.Equal(t, 2.0, cfg.Sender.Transactional.Multiplier)
}

func TestLoadWithCustomValues(t *testing.T) {
	setEnv(t, map[string]string{
		"ENV":                         "production",
		"USEF_ROLE":                   "brp",
		"USEF_DOMAIN":                 "brp.example.com",
		"USEF_PTU_DURATION":           "30",
		"USEF_DTU_SIZE":               "10",
		"USEF_MDC_DOMAINS":            "mdc1.example.com, mdc2.example.com,",
		"SENDER_CRITICAL_MAX_RETRIES": "20",
		"SENDER_CRITICAL_MULTIPLIER":  "1.5",
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "BRP", cfg.USEF.Role)
	assert.Equal(t, 30, cfg.USEF.PtuDuration)
	assert.Equal(t, []string{"mdc1.example.com", "mdc2.example.com"}, cfg.USEF.MDCDomains)
	assert.Equal(t, 20, cfg.Sender.Critical.MaxRetries)
	assert.Equal(t, 1.5, cfg.Sender.Critical.Multiplier)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"invalid env", map[string]string{"ENV": "invalid"}},
		{"unknown role", map[string]string{"USEF_ROLE": "XYZ"}},
		{"ptu does not divide day", map[string]string{"USEF_PTU_DURATION": "7", "USEF_DTU_SIZE": "7"}},
		{"dtu does not divide ptu", map[string]string{"USEF_DTU_SIZE": "4"}},
		{"unknown time zone", map[string]string{"USEF_TIME_ZONE": "Mars/Olympus"}},
		{"bad gate closure time", map[string]string{"USEF_DAY_AHEAD_GATE_CLOSURE_TIME": "25:99"}},
		{"lowercase currency", map[string]string{"USEF_CURRENCY": "eur"}},
		{"postgres without url", map[string]string{"STORE": "postgres", "DATABASE_URL": ""}},
		{"endpoint template without placeholder", map[string]string{"USEF_ENDPOINT_TEMPLATE": "https://fixed/endpoint"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLocation(t *testing.T) {
	u := USEFConfig{TimeZone: "Europe/Amsterdam"}
	assert.Equal(t, "Europe/Amsterdam", u.Location().String())

	u.TimeZone = "nowhere"
	assert.Equal(t, time.UTC, u.Location())
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "2h")
	assert.Equal(t, 2*time.Hour, getEnvAsDuration("TEST_DURATION", "1h"))

	t.Setenv("TEST_DURATION", "garbage")
	assert.Equal(t, time.Hour, getEnvAsDuration("TEST_DURATION", "1h"))
}

func TestGetEnvAsInt(t *testing.T) {
	t.Setenv("TEST_INT", "100")
	assert.Equal(t, 100, getEnvAsInt("TEST_INT", 50))
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	assert.True(t, getEnvAsBool("TEST_BOOL", false))
}

func TestLoadEnvFile(t *testing.T) {
	path := t.TempDir() + "/participant.env"
	require.NoError(t, os.WriteFile(path, []byte("USEF_CURRENCY=GBP\n"), 0o600))
	t.Setenv("USEF_CURRENCY", "")
	os.Unsetenv("USEF_CURRENCY")

	require.NoError(t, LoadEnvFile(path))
	defer os.Unsetenv("USEF_CURRENCY")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "GBP", cfg.USEF.Currency)

	assert.Error(t, LoadEnvFile(path+".missing"))
}
