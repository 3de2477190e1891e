package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Network selects the default ledger endpoints.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

var networkDefaults = map[string]struct{ ws, http string }{
	NetworkMainnet: {ws: "wss://xrplcluster.com", http: "https://xrplcluster.com"},
	NetworkTestnet: {ws: "wss://s.altnet.rippletest.net:51233", http: "https://s.altnet.rippletest.net:51234"},
}

// Config is the resolved runtime configuration. The Postgres DSN is taken
// from the XRPSCOPE_POSTGRES_DSN environment variable (a .env file is
// honored), never from YAML or flags.
type Config struct {
	Network                 string
	WSURL                   string
	HTTPURL                 string
	ListenAddr              string
	WALDir                  string
	RefreshInterval         time.Duration
	ReconnectMin            time.Duration
	ReconnectMax            time.Duration
	BackfillPageLimit       int
	ActivityPlacementWeight float64
	ActivityFillWeight      float64
	TopKDefault             int
}

type configYaml struct {
	Network                 string        `yaml:"network"`
	WSURL                   string        `yaml:"ws_url"`
	HTTPURL                 string        `yaml:"http_url"`
	ListenAddr              string        `yaml:"listen_addr"`
	WALDir                  string        `yaml:"wal_dir"`
	RefreshInterval         time.Duration `yaml:"refresh_interval"`
	ReconnectMin            time.Duration `yaml:"reconnect_min"`
	ReconnectMax            time.Duration `yaml:"reconnect_max"`
	BackfillPageLimit       int           `yaml:"backfill_page_limit"`
	ActivityPlacementWeight float64       `yaml:"activity_placement_weight"`
	ActivityFillWeight      float64       `yaml:"activity_fill_weight"`
	TopKDefault             int           `yaml:"top_k_default"`
}

// Get resolves configuration: a --config YAML file if provided, flags
// otherwise, with defaults filled either way.
func Get() (Config, error) {
	path := flag.String("config", "", "path to yaml config")
	network := flag.String("network", NetworkMainnet, "ledger network: mainnet or testnet")
	wsURL := flag.String("wsurl", "", "ledger websocket endpoint (overrides network default)")
	httpURL := flag.String("httpurl", "", "ledger json-rpc endpoint (overrides network default)")
	listen := flag.String("listen", ":3001", "http api listen address")
	walDir := flag.String("waldir", "", "activity journal directory")
	flag.Parse()

	if *path != "" {
		return getYaml(*path)
	}

	cfg := Config{
		Network:    *network,
		WSURL:      *wsURL,
		HTTPURL:    *httpURL,
		ListenAddr: *listen,
		WALDir:     *walDir,
	}
	return finalize(cfg)
}

func getYaml(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var y configYaml
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return Config{}, fmt.Errorf("parse yaml config: %w", err)
	}

	cfg := Config{
		Network:                 y.Network,
		WSURL:                   y.WSURL,
		HTTPURL:                 y.HTTPURL,
		ListenAddr:              y.ListenAddr,
		WALDir:                  y.WALDir,
		RefreshInterval:         y.RefreshInterval,
		ReconnectMin:            y.ReconnectMin,
		ReconnectMax:            y.ReconnectMax,
		BackfillPageLimit:       y.BackfillPageLimit,
		ActivityPlacementWeight: y.ActivityPlacementWeight,
		ActivityFillWeight:      y.ActivityFillWeight,
		TopKDefault:             y.TopKDefault,
	}
	return finalize(cfg)
}

func finalize(cfg Config) (Config, error) {
	if cfg.Network == "" {
		cfg.Network = NetworkMainnet
	}
	defaults, ok := networkDefaults[cfg.Network]
	if !ok {
		return Config{}, fmt.Errorf("unknown network %q, expected mainnet or testnet", cfg.Network)
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaults.ws
	}
	if cfg.HTTPURL == "" {
		cfg.HTTPURL = defaults.http
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3001"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		return Config{}, fmt.Errorf("reconnect_max %s is below reconnect_min %s", cfg.ReconnectMax, cfg.ReconnectMin)
	}
	if cfg.BackfillPageLimit <= 0 {
		cfg.BackfillPageLimit = 200
	}
	if cfg.ActivityPlacementWeight <= 0 {
		cfg.ActivityPlacementWeight = 1
	}
	if cfg.ActivityFillWeight <= 0 {
		cfg.ActivityFillWeight = 1
	}
	if cfg.TopKDefault <= 0 {
		cfg.TopKDefault = 20
	}
	return cfg, nil
}
