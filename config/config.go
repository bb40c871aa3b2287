// bgtask/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// Engine
	PollInterval        time.Duration `mapstructure:"POLL_INTERVAL"`
	MaxPollInterval     time.Duration `mapstructure:"MAX_POLL_INTERVAL"`
	PollBackoff         float64       `mapstructure:"POLL_BACKOFF"`
	DefaultWaitTimeout  time.Duration `mapstructure:"DEFAULT_WAIT_TIMEOUT"`
	ResultKeepAlive     time.Duration `mapstructure:"RESULT_KEEP_ALIVE"`
	MaxConcurrentTasks  int           `mapstructure:"MAX_CONCURRENT_TASKS"`
	QueueSize           int           `mapstructure:"QUEUE_SIZE"`
	TaskTimeout         time.Duration `mapstructure:"TASK_TIMEOUT"`
	ProgressLogThrottle time.Duration `mapstructure:"PROGRESS_LOG_THROTTLE"`

	// Tools
	ToolTimeUnit time.Duration `mapstructure:"TOOL_TIME_UNIT"`

	// Resource admission
	ThrottleEnable   bool    `mapstructure:"THROTTLE_ENABLE"`
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	// Transport
	MaxRequestSize int64  `mapstructure:"MAX_REQUEST_SIZE"`
	AuthEnable     bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey        string `mapstructure:"AUTH_KEY"`
	Port           string `mapstructure:"PORT"`
	BaseURL        string `mapstructure:"BASE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// Default returns the configuration produced by Load when no file or
// environment overrides are present.
func Default() *Config {
	return &Config{
		PollInterval:        50 * time.Millisecond,
		MaxPollInterval:     time.Second,
		PollBackoff:         1.5,
		DefaultWaitTimeout:  300 * time.Second,
		ResultKeepAlive:     time.Hour,
		MaxConcurrentTasks:  16,
		QueueSize:           100,
		TaskTimeout:         30 * time.Minute,
		ProgressLogThrottle: 2 * time.Second,
		ToolTimeUnit:        time.Second,
		ThrottleCPU:         10,
		ThrottleFreeMem:     64 * 1024 * 1024,
		ThrottleFreeDisk:    64 * 1024 * 1024,
		MaxRequestSize:      1024 * 1024,
		AuthKey:             "123456",
		Port:                "8080",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("POLL_INTERVAL", "50ms")
	vp.SetDefault("MAX_POLL_INTERVAL", "1s")
	vp.SetDefault("POLL_BACKOFF", 1.5)
	vp.SetDefault("DEFAULT_WAIT_TIMEOUT", "300s")
	vp.SetDefault("RESULT_KEEP_ALIVE", "1h")
	vp.SetDefault("MAX_CONCURRENT_TASKS", 16)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("TASK_TIMEOUT", "30m")
	vp.SetDefault("PROGRESS_LOG_THROTTLE", "2s")
	vp.SetDefault("TOOL_TIME_UNIT", "1s")
	vp.SetDefault("THROTTLE_ENABLE", false)
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "64MB")
	vp.SetDefault("THROTTLE_FREEDISK", "64MB")
	vp.SetDefault("MAX_REQUEST_SIZE", "1MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "text")

	vp.SetConfigName("bgtask_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/bgtask/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("BGTASK")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
