package builder

import (
	"math"
	"strings"
	"time"

	dispatchqueue "github.com/joeycumines/go-dispatchqueue"
	"github.com/spf13/viper"
)

// Config is the dispatcher configuration recognized by the builder. All
// fields are optional with defaults.
type Config struct {
	// CatchExceptions keeps the worker running after body exceptions.
	CatchExceptions bool `mapstructure:"catch_exceptions"`
	// DefaultPriority is the priority the PriorityDefault sentinel resolves
	// to.
	DefaultPriority int `mapstructure:"default_priority"`
	// WatchdogTimeoutMS enables slow-operation surveillance when positive.
	WatchdogTimeoutMS int `mapstructure:"watchdog_timeout_ms"`
}

// DefaultConfig returns the built-in defaults: exceptions not caught, the
// default priority at the middle of the non-negative range, watchdog
// disabled.
func DefaultConfig() Config {
	return Config{
		CatchExceptions:   false,
		DefaultPriority:   math.MaxInt32 / 2,
		WatchdogTimeoutMS: 0,
	}
}

// Options maps the configuration onto dispatcher options.
func (c Config) Options() []dispatchqueue.Option {
	opts := []dispatchqueue.Option{
		dispatchqueue.WithCatchExceptions(c.CatchExceptions),
		dispatchqueue.WithDefaultPriority(c.DefaultPriority),
	}
	if c.WatchdogTimeoutMS > 0 {
		opts = append(opts, dispatchqueue.WithWatchdogTimeout(time.Duration(c.WatchdogTimeoutMS)*time.Millisecond))
	}
	return opts
}

// LoadConfig reads configuration through viper: from the given file when
// path is non-empty, with DISPATCHQUEUE_-prefixed environment variables
// layered on top, and the [DefaultConfig] values underneath.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	defaults := DefaultConfig()
	v.SetDefault("catch_exceptions", defaults.CatchExceptions)
	v.SetDefault("default_priority", defaults.DefaultPriority)
	v.SetDefault("watchdog_timeout_ms", defaults.WatchdogTimeoutMS)

	v.SetEnvPrefix("DISPATCHQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
