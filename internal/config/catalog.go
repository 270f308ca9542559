package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CatalogConfig carries runtime overrides for the agent catalog. Agents
// themselves are fixed in code; only per-unit prices can be tuned here.
type CatalogConfig struct {
	Prices map[string]int64 `mapstructure:"prices"`
}

type CatalogHolder struct {
	current atomic.Value // holds CatalogConfig
}

func NewCatalogHolder(cfg Config) (*CatalogHolder, error) {
	v := viper.New()

	if cfg.CatalogPath != "" {
		v.SetConfigFile(cfg.CatalogPath)
	} else {
		v.SetConfigName("agent_catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/agentmeter")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("AGENTMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &CatalogHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read agent catalog: %w", err)
		}
		// no file: built-in prices apply
		holder.current.Store(CatalogConfig{})
		return holder, nil
	}

	var catalog CatalogConfig
	if err := v.UnmarshalKey("catalog", &catalog); err != nil {
		return nil, err
	}
	if err := validateCatalogConfig(catalog); err != nil {
		return nil, err
	}
	holder.current.Store(catalog)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CatalogConfig
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Printf("[agent-catalog] reload failed: %v", err)
			return
		}
		if err := validateCatalogConfig(updated); err != nil {
			log.Printf("[agent-catalog] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[agent-catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticCatalogHolder returns a holder that never reloads.
func NewStaticCatalogHolder(cfg CatalogConfig) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *CatalogHolder) Get() CatalogConfig {
	if h == nil {
		return CatalogConfig{}
	}
	cfg, _ := h.current.Load().(CatalogConfig)
	return cfg
}

func validateCatalogConfig(cfg CatalogConfig) error {
	for agent, price := range cfg.Prices {
		if strings.TrimSpace(agent) == "" {
			return errors.New("catalog.prices contains an empty agent name")
		}
		if price < 0 {
			return fmt.Errorf("catalog.prices.%s must not be negative", agent)
		}
	}
	return nil
}
