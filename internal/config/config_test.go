package config

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clmm/backend/internal/dex"
)

func TestParseYAMLConfigFlattens(t *testing.T) {
	values, err := parseYAMLConfig([]byte(`
api-server:
  listen_addr: ":9090"
  allowed origins:
    - https://app.example
    - https://admin.example
events:
  kafka:
    brokers: [kafka-1:9092, kafka-2:9092]
finalizer:
  max_per_tick: 7
  skip_preflight: true
empty:
`))
	require.NoError(t, err)
	assert.Equal(t, ":9090", values["API_SERVER_LISTEN_ADDR"])
	assert.Equal(t, "https://app.example,https://admin.example", values["API_SERVER_ALLOWED_ORIGINS"])
	assert.Equal(t, "kafka-1:9092,kafka-2:9092", values["EVENTS_KAFKA_BROKERS"])
	assert.Equal(t, "7", values["FINALIZER_MAX_PER_TICK"])
	assert.Equal(t, "true", values["FINALIZER_SKIP_PREFLIGHT"])
	_, ok := values["EMPTY"]
	assert.False(t, ok)
}

func TestParseYAMLConfigRejectsNestedLists(t *testing.T) {
	_, err := parseYAMLConfig([]byte("a:\n  - [1, 2]\n"))
	assert.Error(t, err)
}

func TestLoadAPIServerConfigFromEnv(t *testing.T) {
	t.Setenv("API_SERVER_LISTEN_ADDR", ":7000")
	t.Setenv("API_SERVER_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("API_SERVER_SIMULATE", "false")
	t.Setenv("SOLANA_COMMITMENT", "Finalized")
	t.Setenv("COMPUTE_UNIT_LIMIT", "300000")
	t.Setenv("EVENTS_DRIVER", "kafka")
	t.Setenv("EVENTS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("API_SERVER_LOG_LEVEL", "debug")

	cfg, err := LoadAPIServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.Simulate)
	assert.Equal(t, rpc.CommitmentFinalized, cfg.Chain.Commitment)
	assert.EqualValues(t, 300000, cfg.ComputeBudget.UnitLimit)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, dex.WhirlpoolProgramID, cfg.Programs.Whirlpool)
	assert.Equal(t, 20*time.Second, cfg.RequestTimeout)
}

func TestLoadAPIServerConfigRejectsBadValues(t *testing.T) {
	t.Setenv("API_SERVER_READ_TIMEOUT", "-1s")
	_, err := LoadAPIServerConfig()
	assert.Error(t, err)

	t.Setenv("API_SERVER_READ_TIMEOUT", "")
	t.Setenv("SOLANA_COMMITMENT", "recent")
	_, err = LoadAPIServerConfig()
	assert.Error(t, err)
}

func TestLoadFinalizerConfig(t *testing.T) {
	program := solana.NewWallet().PublicKey()

	_, err := LoadFinalizerConfig()
	assert.Error(t, err, "presale program is required")

	t.Setenv("PRESALE_PROGRAM_ID", program.String())
	t.Setenv("FINALIZER_POLL_INTERVAL", "30s")
	t.Setenv("FINALIZER_MAX_RETRIES", "3")
	t.Setenv("FINALIZER_KEYPAIR_PATH", "/keys/authority.json")
	t.Setenv("ARCHIVE_DRIVER", "s3")
	t.Setenv("ARCHIVE_BUCKET", "finalize-artifacts")
	t.Setenv("ARCHIVE_KMS_KEY_ID", "alias/finalizer")

	cfg, err := LoadFinalizerConfig()
	require.NoError(t, err)
	assert.Equal(t, program, cfg.Programs.Presale)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 50, cfg.MaxPerTick)
	require.NotNil(t, cfg.MaxRetries)
	assert.EqualValues(t, 3, *cfg.MaxRetries)
	assert.Equal(t, "/keys/authority.json", cfg.KeypairPath)
	assert.Equal(t, "s3", cfg.Archive.Driver)
	assert.Equal(t, "finalize-artifacts", cfg.Archive.Bucket)
	assert.Equal(t, "alias/finalizer", cfg.Archive.KMSKeyID)
	assert.Empty(t, cfg.JitoEndpoint)
}
