// Package config resolves the runtime configuration of the arbitration
// proxy server: defaults, then an optional YAML file, then environment.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/arbitration-proxy/internal/bridge"
	"github.com/atmx/arbitration-proxy/internal/home"
	"github.com/atmx/arbitration-proxy/internal/ident"
	"github.com/atmx/arbitration-proxy/internal/proxy"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the resolved runtime configuration.
type Config struct {
	Port int

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaGroupID     string

	Proxy proxy.Settings

	// Bearer token of the relayer allowed to post envelopes over HTTP.
	// Required when the proxy trusts the "http" transport.
	RelayToken string

	// Used only when no broker is configured: the home proxy then runs in
	// process behind a loopback bridge.
	HomeAddress   string
	RelayInterval time.Duration

	ArbitrationCost decimal.Decimal
	AppealCost      decimal.Decimal
}

// configFile mirrors configs/default.yaml.
type configFile struct {
	Service struct {
		HTTPPort int `yaml:"http_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL     string   `yaml:"postgres_url"`
		RedisURL        string   `yaml:"redis_url"`
		CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
		KafkaBrokers    []string `yaml:"kafka_brokers"`
		KafkaTopics     string   `yaml:"kafka_topic_prefix"`
		KafkaGroupID    string   `yaml:"kafka_group_id"`
	} `yaml:"dependencies"`
	Proxy struct {
		Address             string `yaml:"address"`
		Domain              string `yaml:"domain"`
		ArbitratorAddress   string `yaml:"arbitrator_address"`
		ArbitratorExtraData string `yaml:"arbitrator_extra_data"`
		ChoiceCount         uint64 `yaml:"choice_count"`
		Transport           string `yaml:"transport"`
		PeerDomain          string `yaml:"peer_domain"`
		PeerAddress         string `yaml:"peer_address"`
		GasBudget           uint64 `yaml:"gas_budget"`
		WinnerMultiplier    *int64 `yaml:"winner_multiplier"`
		LoserMultiplier     *int64 `yaml:"loser_multiplier"`
		TermsOfService      string `yaml:"terms_of_service"`
		MetaEvidence        string `yaml:"meta_evidence"`
		RelayToken          string `yaml:"relay_token"`
	} `yaml:"proxy"`
	Dev struct {
		HomeAddress         string `yaml:"home_address"`
		RelayIntervalMillis int    `yaml:"relay_interval_ms"`
		ArbitrationCost     string `yaml:"arbitration_cost"`
		AppealCost          string `yaml:"appeal_cost"`
	} `yaml:"dev"`
}

// Load resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{
		Port:             8080,
		CacheTTL:         30 * time.Second,
		KafkaTopicPrefix: "arbitration",
		KafkaGroupID:     "arbitration-proxy",
		Proxy: proxy.Settings{
			Address:           "0x000000000000000000000000000000000000f0f0",
			Domain:            "foreign",
			ArbitratorAddress: "0x000000000000000000000000000000000000abab",
			Transport:         "amb",
			PeerDomain:        "home",
			PeerAddress:       "0x000000000000000000000000000000000000e0e0",
			GasBudget:         1_500_000,
			WinnerMultiplier:  3000,
			LoserMultiplier:   7000,
		},
		HomeAddress:     "0x000000000000000000000000000000000000e0e0",
		RelayInterval:   200 * time.Millisecond,
		ArbitrationCost: decimal.NewFromInt(1000),
		AppealCost:      decimal.NewFromInt(100),
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if f.Service.HTTPPort > 0 {
		c.Port = f.Service.HTTPPort
	}
	setString(&c.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&c.RedisURL, f.Dependencies.RedisURL)
	if f.Dependencies.CacheTTLSeconds > 0 {
		c.CacheTTL = time.Duration(f.Dependencies.CacheTTLSeconds) * time.Second
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		c.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	setString(&c.KafkaTopicPrefix, f.Dependencies.KafkaTopics)
	setString(&c.KafkaGroupID, f.Dependencies.KafkaGroupID)

	p := f.Proxy
	setString(&c.Proxy.Address, p.Address)
	setString(&c.Proxy.Domain, p.Domain)
	setString(&c.Proxy.ArbitratorAddress, p.ArbitratorAddress)
	if p.ArbitratorExtraData != "" {
		data, err := parseHex(p.ArbitratorExtraData)
		if err != nil {
			return err
		}
		c.Proxy.ArbitratorExtraData = data
	}
	if p.ChoiceCount > 0 {
		c.Proxy.ChoiceCount = p.ChoiceCount
	}
	setString(&c.Proxy.Transport, p.Transport)
	setString(&c.Proxy.PeerDomain, p.PeerDomain)
	setString(&c.Proxy.PeerAddress, p.PeerAddress)
	if p.GasBudget > 0 {
		c.Proxy.GasBudget = p.GasBudget
	}
	if p.WinnerMultiplier != nil {
		c.Proxy.WinnerMultiplier = *p.WinnerMultiplier
	}
	if p.LoserMultiplier != nil {
		c.Proxy.LoserMultiplier = *p.LoserMultiplier
	}
	setString(&c.Proxy.TermsOfService, p.TermsOfService)
	setString(&c.Proxy.MetaEvidence, p.MetaEvidence)
	setString(&c.RelayToken, p.RelayToken)

	setString(&c.HomeAddress, f.Dev.HomeAddress)
	if f.Dev.RelayIntervalMillis > 0 {
		c.RelayInterval = time.Duration(f.Dev.RelayIntervalMillis) * time.Millisecond
	}
	if err := setDecimal(&c.ArbitrationCost, "dev.arbitration_cost", f.Dev.ArbitrationCost); err != nil {
		return err
	}
	return setDecimal(&c.AppealCost, "dev.appeal_cost", f.Dev.AppealCost)
}

func (c *Config) applyEnv() error {
	c.Port = envInt("PORT", c.Port)
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = envOrDefault("REDIS_URL", c.RedisURL)
	c.CacheTTL = time.Duration(envInt("CACHE_TTL_SECONDS", int(c.CacheTTL.Seconds()))) * time.Second
	c.KafkaBrokers = envCSV("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopicPrefix = envOrDefault("KAFKA_TOPIC_PREFIX", c.KafkaTopicPrefix)
	c.KafkaGroupID = envOrDefault("KAFKA_GROUP_ID", c.KafkaGroupID)

	c.Proxy.Address = envOrDefault("PROXY_ADDRESS", c.Proxy.Address)
	c.Proxy.Domain = envOrDefault("PROXY_DOMAIN", c.Proxy.Domain)
	c.Proxy.ArbitratorAddress = envOrDefault("ARBITRATOR_ADDRESS", c.Proxy.ArbitratorAddress)
	if raw := os.Getenv("ARBITRATOR_EXTRA_DATA"); raw != "" {
		data, err := parseHex(raw)
		if err != nil {
			return err
		}
		c.Proxy.ArbitratorExtraData = data
	}
	c.Proxy.Transport = envOrDefault("BRIDGE_TRANSPORT", c.Proxy.Transport)
	c.Proxy.PeerDomain = envOrDefault("PEER_DOMAIN", c.Proxy.PeerDomain)
	c.Proxy.PeerAddress = envOrDefault("PEER_ADDRESS", c.Proxy.PeerAddress)
	c.Proxy.WinnerMultiplier = int64(envInt("WINNER_MULTIPLIER", int(c.Proxy.WinnerMultiplier)))
	c.Proxy.LoserMultiplier = int64(envInt("LOSER_MULTIPLIER", int(c.Proxy.LoserMultiplier)))
	c.Proxy.MetaEvidence = envOrDefault("META_EVIDENCE", c.Proxy.MetaEvidence)
	c.Proxy.TermsOfService = envOrDefault("TERMS_OF_SERVICE", c.Proxy.TermsOfService)
	c.RelayToken = envOrDefault("BRIDGE_RELAY_TOKEN", c.RelayToken)
	c.HomeAddress = envOrDefault("HOME_ADDRESS", c.HomeAddress)

	for _, addr := range []*string{&c.Proxy.Address, &c.Proxy.ArbitratorAddress, &c.Proxy.PeerAddress, &c.HomeAddress} {
		*addr = strings.ToLower(strings.TrimSpace(*addr))
	}
	return nil
}

// Validate checks the resolved configuration.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	for name, addr := range map[string]string{
		"proxy address":      c.Proxy.Address,
		"arbitrator address": c.Proxy.ArbitratorAddress,
		"peer address":       c.Proxy.PeerAddress,
	} {
		if _, err := ident.Address(addr); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, name, err)
		}
	}
	if c.Proxy.Domain == c.Proxy.PeerDomain {
		return fmt.Errorf("%w: proxy and peer share domain %q", ErrInvalid, c.Proxy.Domain)
	}
	if c.HTTPRelay() && c.RelayToken == "" {
		return fmt.Errorf("%w: transport %q needs a relay token", ErrInvalid, bridge.HTTPTransport)
	}
	if c.ArbitrationCost.IsNegative() || c.AppealCost.IsNegative() {
		return fmt.Errorf("%w: arbitrator costs must not be negative", ErrInvalid)
	}
	if !c.Bridged() && c.HomeAddress != c.Proxy.PeerAddress {
		return fmt.Errorf("%w: in-process home address %s must match peer address %s",
			ErrInvalid, c.HomeAddress, c.Proxy.PeerAddress)
	}
	return nil
}

// Bridged reports whether messages travel over Kafka rather than the
// in-process loopback.
func (c Config) Bridged() bool { return len(c.KafkaBrokers) > 0 }

// HTTPRelay reports whether inbound envelopes arrive from a relayer over the
// HTTP API instead of the Kafka consumer.
func (c Config) HTTPRelay() bool { return c.Proxy.Transport == bridge.HTTPTransport }

// HomeSettings derives the in-process home proxy's settings.
func (c Config) HomeSettings() home.Settings {
	return home.Settings{
		Address:     c.HomeAddress,
		Domain:      c.Proxy.PeerDomain,
		Transport:   c.Proxy.Transport,
		PeerDomain:  c.Proxy.Domain,
		PeerAddress: c.Proxy.Address,
		GasBudget:   c.Proxy.GasBudget,
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDecimal(dst *decimal.Decimal, name, v string) error {
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, name, err)
	}
	*dst = d
	return nil
}

func parseHex(s string) ([]byte, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: arbitrator extra data: %w", ErrInvalid, err)
	}
	return data, nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt falls back on empty or malformed values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
