package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	WS      WSConfig
	Auction AuctionConfig
	Chain   ChainConfig
	Redis   RedisConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type WSConfig struct {
	MaxConnections       int    `mapstructure:"max_connections"`
	IdleTimeoutMS        int64  `mapstructure:"idle_timeout_ms"`
	AllowedOrigins       string `mapstructure:"allowed_origins"`
	RateLimitMaxMessages int    `mapstructure:"rate_limit_max_messages"`
	RateLimitWindowMS    int64  `mapstructure:"rate_limit_window_ms"`
}

type AuctionConfig struct {
	MaxAgeSec             int64 `mapstructure:"max_age_sec"`
	StrictBidVerification bool  `mapstructure:"strict_bid_verification"`
}

type ChainConfig struct {
	RPCURLs       string `mapstructure:"rpc_urls"`
	CallTimeoutMS int64  `mapstructure:"call_timeout_ms"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("ws.max_connections", 4096)
	v.SetDefault("ws.idle_timeout_ms", 300_000)
	v.SetDefault("ws.rate_limit_max_messages", 120)
	v.SetDefault("ws.rate_limit_window_ms", 10_000)
	v.SetDefault("auction.max_age_sec", 3600)
	v.SetDefault("auction.strict_bid_verification", false)
	v.SetDefault("chain.call_timeout_ms", 3000)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                     "PORT",
		"ws.max_connections":              "WS_MAX_CONNECTIONS",
		"ws.idle_timeout_ms":              "WS_IDLE_TIMEOUT_MS",
		"ws.allowed_origins":              "WS_ALLOWED_ORIGINS",
		"ws.rate_limit_max_messages":      "RATE_LIMIT_MAX_MESSAGES",
		"ws.rate_limit_window_ms":         "RATE_LIMIT_WINDOW_MS",
		"auction.max_age_sec":             "MAX_AUCTION_AGE_SEC",
		"auction.strict_bid_verification": "STRICT_BID_VERIFICATION",
		"chain.rpc_urls":                  "CHAIN_RPC_URLS",
		"chain.call_timeout_ms":           "CHAIN_CALL_TIMEOUT_MS",
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.WS.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive")
	}
	if c.WS.RateLimitMaxMessages <= 0 || c.WS.RateLimitWindowMS <= 0 {
		return fmt.Errorf("rate limit config must be positive")
	}
	if c.Auction.MaxAgeSec <= 0 {
		return fmt.Errorf("MAX_AUCTION_AGE_SEC must be positive")
	}
	if _, err := c.ParseRPCURLs(); err != nil {
		return err
	}
	return nil
}

// ParseRPCURLs parses CHAIN_RPC_URLS ("42161=https://...,8453=https://...")
// into a chainID → URL map. An empty value yields an empty map: the relayer
// still runs, but EIP-1271 and vault-manager lookups fail closed.
func (c *Config) ParseRPCURLs() (map[int64]string, error) {
	out := make(map[int64]string)
	raw := strings.TrimSpace(c.Chain.RPCURLs)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed CHAIN_RPC_URLS entry %q", pair)
		}
		chainID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || chainID <= 0 {
			return nil, fmt.Errorf("malformed chain id in CHAIN_RPC_URLS entry %q", pair)
		}
		out[chainID] = strings.TrimSpace(url)
	}
	return out, nil
}

// AllowedOriginList splits WS_ALLOWED_ORIGINS; empty means all origins.
func (c *Config) AllowedOriginList() []string {
	raw := strings.TrimSpace(c.WS.AllowedOrigins)
	if raw == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.WS.IdleTimeoutMS) * time.Millisecond
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.WS.RateLimitWindowMS) * time.Millisecond
}

func (c *Config) ChainCallTimeout() time.Duration {
	return time.Duration(c.Chain.CallTimeoutMS) * time.Millisecond
}

func (c *Config) MaxAuctionAge() time.Duration {
	return time.Duration(c.Auction.MaxAgeSec) * time.Second
}
