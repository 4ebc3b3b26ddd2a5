// Package config is an optional viper-backed loader for embedding this
// module's client.ClientConfig in a larger application's configuration file
// or environment. The library itself never reads files or environment
// variables on its own; this package exists purely for callers who want
// their ACME settings alongside the rest of their service config.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cpu/acmecore/acme/client"
	"github.com/cpu/acmecore/acme/nonce"
	"github.com/cpu/acmecore/acme/ratelimit"
)

// FileConfig mirrors the settings a service would put in its own config
// file/environment under an "acme." prefix.
type FileConfig struct {
	Directory struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"directory"`
	CACert          string `mapstructure:"ca_cert"`
	ContactEmail    string `mapstructure:"contact_email"`
	UserAgentSuffix string `mapstructure:"user_agent_suffix"`

	Nonce struct {
		LowWater        int `mapstructure:"low_water"`
		HighWater       int `mapstructure:"high_water"`
		MaxSize         int `mapstructure:"max_size"`
		MaxAgeMs        int `mapstructure:"max_age_ms"`
		WaiterTimeoutMs int `mapstructure:"waiter_timeout_ms"`
	} `mapstructure:"nonce"`

	Rate struct {
		MinIntervalMs int `mapstructure:"min_interval_ms"`
		BaseBackoffMs int `mapstructure:"base_backoff_ms"`
		MaxBackoffMs  int `mapstructure:"max_backoff_ms"`
		MaxAttempts   int `mapstructure:"max_attempts"`
	} `mapstructure:"rate"`

	Order struct {
		PollIntervalMs   int `mapstructure:"poll_interval_ms"`
		PollMaxAttempts  int `mapstructure:"poll_max_attempts"`
	} `mapstructure:"order"`
}

// Load reads "acme.*" keys from a config file named configName (searched in
// the given paths) plus ACME_-prefixed environment variables, applying the
// same defaults DefaultConfig documents, and returns a ready-to-use
// client.ClientConfig.
func Load(configName string, searchPaths ...string) (client.ClientConfig, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	if len(searchPaths) == 0 {
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("acme")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return client.ClientConfig{}, err
		}
	}

	var fc FileConfig
	if err := v.UnmarshalKey("acme", &fc); err != nil {
		return client.ClientConfig{}, err
	}

	return fc.toClientConfig(), nil
}

// setDefaults mirrors spec §6's documented defaults so a caller who sets
// none of these keys gets exactly the same behavior as client.ClientConfig's
// own zero-value normalization.
func setDefaults(v *viper.Viper) {
	v.SetDefault("acme.nonce.low_water", 5)
	v.SetDefault("acme.nonce.high_water", 10)
	v.SetDefault("acme.nonce.max_size", 32)
	v.SetDefault("acme.nonce.max_age_ms", 120000)
	v.SetDefault("acme.nonce.waiter_timeout_ms", 30000)
	v.SetDefault("acme.rate.min_interval_ms", 100)
	v.SetDefault("acme.rate.base_backoff_ms", 1000)
	v.SetDefault("acme.rate.max_backoff_ms", 300000)
	v.SetDefault("acme.rate.max_attempts", 3)
	v.SetDefault("acme.order.poll_interval_ms", 3000)
	v.SetDefault("acme.order.poll_max_attempts", 60)
}

func (fc FileConfig) toClientConfig() client.ClientConfig {
	return client.ClientConfig{
		DirectoryURL:         fc.Directory.URL,
		CACert:               fc.CACert,
		ContactEmail:         fc.ContactEmail,
		UserAgentSuffix:      fc.UserAgentSuffix,
		OrderPollInterval:    time.Duration(fc.Order.PollIntervalMs) * time.Millisecond,
		OrderPollMaxAttempts: fc.Order.PollMaxAttempts,
		Nonce: nonce.Config{
			LowWater:      fc.Nonce.LowWater,
			HighWater:     fc.Nonce.HighWater,
			MaxSize:       fc.Nonce.MaxSize,
			MaxAge:        time.Duration(fc.Nonce.MaxAgeMs) * time.Millisecond,
			WaiterTimeout: time.Duration(fc.Nonce.WaiterTimeoutMs) * time.Millisecond,
		},
		RateLimit: ratelimit.Config{
			MinInterval: time.Duration(fc.Rate.MinIntervalMs) * time.Millisecond,
			BaseBackoff: time.Duration(fc.Rate.BaseBackoffMs) * time.Millisecond,
			MaxBackoff:  time.Duration(fc.Rate.MaxBackoffMs) * time.Millisecond,
			MaxAttempts: fc.Rate.MaxAttempts,
		},
	}
}
