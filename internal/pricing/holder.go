package pricing

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/slabworks/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Source exposes the active cost table.
type Source interface {
	Current() Table
}

// Holder keeps the active Table and swaps it when pricing.yml changes.
type Holder struct {
	current atomic.Value // holds Table
}

// NewHolder loads pricing from PRICING_CONFIG_PATH, or from pricing.yml in the
// usual config directories, and falls back to DefaultTableConfig.
func NewHolder(cfg config.Config, log *zap.Logger) (*Holder, error) {
	log = log.Named("pricing")
	v := viper.New()

	if path := strings.TrimSpace(cfg.PricingConfigPath); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pricing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/slabworks")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fromFile = false
	}

	tableCfg := DefaultTableConfig()
	if fromFile {
		tableCfg = TableConfig{}
		if err := v.UnmarshalKey("pricing", &tableCfg); err != nil {
			return nil, err
		}
	}
	table, err := Build(tableCfg)
	if err != nil {
		return nil, err
	}

	holder := &Holder{}
	holder.current.Store(table)
	log.Info("cost table loaded",
		zap.String("version", table.Version),
		zap.Int("entries", table.Len()),
		zap.Bool("from_file", fromFile),
	)

	if fromFile {
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated TableConfig
			if err := v.UnmarshalKey("pricing", &updated); err != nil {
				log.Warn("cost table reload failed", zap.Error(err))
				return
			}
			next, err := Build(updated)
			if err != nil {
				log.Warn("invalid cost table ignored", zap.Error(err))
				return
			}
			holder.current.Store(next)
			log.Info("cost table reloaded", zap.String("file", e.Name), zap.String("version", next.Version))
		})
		v.WatchConfig()
	}

	return holder, nil
}

// NewStaticHolder wraps a fixed table.
func NewStaticHolder(table Table) *Holder {
	holder := &Holder{}
	holder.current.Store(table)
	return holder
}

// Current returns the active table.
func (h *Holder) Current() Table {
	return h.current.Load().(Table)
}
