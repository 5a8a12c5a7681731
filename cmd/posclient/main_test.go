package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/tabclient/internal/config"
)

func validConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("739154"), bcrypt.MinCost)
	require.NoError(t, err)
	return config.Config{
		Environment:    "development",
		DeviceID:       "pos-01",
		NodeID:         1,
		QueueDriver:    config.QueueDriverSQLite,
		QueuePath:      "offline_sales.db",
		ManagerPINHash: string(hash),
	}
}

func TestValidateConfigAcceptsDevelopmentDefaults(t *testing.T) {
	require.NoError(t, validateConfig(validConfig(t)))
}

func TestValidateConfigRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"plain pin", func(c *config.Config) { c.ManagerPINHash = "739154" }, "MANAGER_PIN_HASH"},
		{"missing pin", func(c *config.Config) { c.ManagerPINHash = "" }, "MANAGER_PIN_HASH"},
		{"missing device", func(c *config.Config) { c.DeviceID = "" }, "DEVICE_ID"},
		{"node out of range", func(c *config.Config) { c.NodeID = 1024 }, "NODE_ID"},
		{"production without ledger", func(c *config.Config) { c.Environment = "production" }, "LEDGER_BASE_URL"},
		{"postgres without url", func(c *config.Config) { c.QueueDriver = config.QueueDriverPostgres }, "DATABASE_URL"},
		{"redis without addr", func(c *config.Config) { c.QueueDriver = config.QueueDriverRedis }, "REDIS_ADDR"},
		{"unknown driver", func(c *config.Config) { c.QueueDriver = "bolt" }, "QUEUE_DRIVER"},
		{"memory in production", func(c *config.Config) {
			c.Environment = "production"
			c.LedgerBaseURL = "https://ledger.example"
			c.QueueDriver = config.QueueDriverMemory
		}, "memory queue"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(&cfg)
			err := validateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidatePINStrength(t *testing.T) {
	for _, pin := range []string{"123456", "000000", "777777", "234567", "987654", "112233"} {
		assert.Error(t, validatePINStrength(pin), pin)
	}
	for _, pin := range []string{"739154", "482915", "1357924"} {
		assert.NoError(t, validatePINStrength(pin), pin)
	}
}

func TestRunHashPIN(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runHashPIN([]string{"482915"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	hash := strings.TrimSpace(stdout.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("482915")))

	stdout.Reset()
	stderr.Reset()
	assert.Equal(t, 1, runHashPIN([]string{"123456"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "too weak")
	assert.Empty(t, stdout.String())

	assert.Equal(t, 1, runHashPIN([]string{"12ab56"}, &stdout, &stderr))
	assert.Equal(t, 2, runHashPIN(nil, &stdout, &stderr))
}
