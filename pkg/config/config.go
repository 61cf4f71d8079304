// Package config resolves the process configuration from defaults, an
// optional .env file, and GUILD_-prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	environmentVariablePrefix = "GUILD"

	// StoreBackendInMemory and StoreBackendBolt are the accepted values
	// for the store.backend key.
	StoreBackendInMemory = "inmemory"
	StoreBackendBolt     = "boltdb"
)

var environmentVariableReplacer = strings.NewReplacer(".", "_")

// LedgerConfig selects and parameterizes the ledger client. An empty
// Endpoint or SigningKey drops the process to the mock client.
type LedgerConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	ChainID    uint64 `mapstructure:"chain_id"`
	AccountID  string `mapstructure:"account_id"`
	SigningKey string `mapstructure:"signing_key"`
	// TokenID and ChannelID are optional; when unset they are created
	// on first use and persisted in the store.
	TokenID   string `mapstructure:"token_id"`
	ChannelID string `mapstructure:"channel_id"`

	DrainDelay time.Duration `mapstructure:"drain_delay"`
}

type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	WatchdogWindow time.Duration `mapstructure:"watchdog_window"`
	OpenJobsTarget int           `mapstructure:"open_jobs_target"`
}

type ReplayConfig struct {
	LookbackBlocks uint64        `mapstructure:"lookback_blocks"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// BoltPath is the database file path when Backend is boltdb.
	BoltPath string `mapstructure:"bolt_path"`
}

type GuildConfig struct {
	LogLevel  string          `mapstructure:"log_level"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Store     StoreConfig     `mapstructure:"store"`
}

func defaults() map[string]any {
	return map[string]any{
		"log_level":                  "info",
		"ledger.endpoint":            "",
		"ledger.chain_id":            uint64(1),
		"ledger.account_id":          "",
		"ledger.signing_key":         "",
		"ledger.token_id":            "",
		"ledger.channel_id":          "",
		"ledger.drain_delay":         300 * time.Millisecond,
		"scheduler.interval":         8 * time.Second,
		"scheduler.watchdog_window":  5 * time.Minute,
		"scheduler.open_jobs_target": 3,
		"replay.lookback_blocks":     uint64(10000),
		"replay.cache_ttl":           8 * time.Second,
		"store.backend":              StoreBackendInMemory,
		"store.bolt_path":            "guild.db",
	}
}

// Load resolves the effective configuration. envFile names an optional
// dotenv file; a missing file is not an error.
func Load(envFile string) (GuildConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err == nil {
			log.Debug().Str("Path", envFile).Msg("loaded environment file")
		}
	}

	v := viper.New()
	v.SetEnvPrefix(environmentVariablePrefix)
	v.SetEnvKeyReplacer(environmentVariableReplacer)
	v.SetTypeByDefaultValue(true)
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var out GuildConfig
	if err := v.Unmarshal(&out); err != nil {
		return GuildConfig{}, errors.Wrap(err, "unmarshaling configuration")
	}
	if out.Store.Backend != StoreBackendInMemory && out.Store.Backend != StoreBackendBolt {
		return GuildConfig{}, errors.Errorf("unknown store backend %q", out.Store.Backend)
	}
	return out, nil
}
