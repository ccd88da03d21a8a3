package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/donation-settlement/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, 1.0, cfg.Pricing.BasePrice)
	assert.Equal(t, 0.5, cfg.Pricing.QualityCoefficient)
	assert.Equal(t, 5*time.Minute, cfg.Pricing.CacheTTL)
	assert.Equal(t, 10*time.Minute, cfg.Link.RequestTTL)

	max, err := cfg.Donation.MaxAmountXRP()
	require.NoError(t, err)
	assert.Equal(t, "10000", max.String())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
ledger:
  endpoint: http://ledger.local:5005
  timeout: 3s
pricing:
  base_price: 2
  reference_donation: 50
donation:
  max_amount: "250.5"
`), 0o600))

	t.Setenv("SETTLE_SIGNER_API_KEY", "key-from-env")
	t.Setenv("DB_PATH", "/tmp/legacy.db")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr())
	assert.Equal(t, "http://ledger.local:5005", cfg.Ledger.Endpoint)
	assert.Equal(t, 3*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, 2.0, cfg.Pricing.BasePrice)
	assert.Equal(t, 50.0, cfg.Pricing.ReferenceDonation)
	assert.Equal(t, 0.3, cfg.Pricing.DonationCoefficient)
	assert.Equal(t, "key-from-env", cfg.Signer.APIKey)
	assert.Equal(t, "/tmp/legacy.db", cfg.Store.BoltPath)
}

func TestLegacyPortVariable(t *testing.T) {
	t.Setenv("PORT", "7070")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Store.Driver = "postgres"
	cfg.Donation.MaxAmount = "-1"
	cfg.Ledger.Timeout = 0
	cfg.Log.Format = "xml"
	cfg.Pricing.ReferenceDonation = 0

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"postgres", "max_amount", "ledger.timeout", "log.format", "reference"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDynamoRequiresTable(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = "dynamodb"
	cfg.Store.DynamoTable = ""
	assert.ErrorContains(t, cfg.Validate(), "dynamodb_table")
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	config.LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	config.LogConfig{Level: "warn", Format: "text"}.NewLogger(&buf).Info("dropped")
	assert.Empty(t, buf.String())
}

func TestWebhookKeyFallsBackToAPISecret(t *testing.T) {
	s := config.SignerConfig{APISecret: "api"}
	assert.Equal(t, "api", s.WebhookKey())
	s.WebhookSecret = "hook"
	assert.Equal(t, "hook", s.WebhookKey())
}
