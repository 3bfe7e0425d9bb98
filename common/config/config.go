package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Timeouts struct {
	//	bounds connection establishment and blocking resolution
	Connect time.Duration `mapstructure:"connect"`
	//	bounds the wait for a twoway reply
	Response time.Duration `mapstructure:"response"`
	//	bounds the wait for outstanding calls on shutdown
	Close time.Duration `mapstructure:"close"`
	//	how long a failed binding fails fast before dialing again
	Reconnect time.Duration `mapstructure:"reconnect"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:   5 * time.Second,
		Response:  30 * time.Second,
		Close:     5 * time.Second,
		Reconnect: time.Second,
	}
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Syslog bool   `mapstructure:"syslog"`
}

type Config struct {
	Timeouts        Timeouts  `mapstructure:"timeouts"`
	MaxOutstanding  int       `mapstructure:"max_outstanding"`
	DiscardedIDs    int       `mapstructure:"discarded_ids"`
	CallbackWorkers int       `mapstructure:"callback_workers"`
	FrameCodec      string    `mapstructure:"frame_codec"`
	Listen          string    `mapstructure:"listen"`
	Endpoint        string    `mapstructure:"endpoint"`
	Log             LogConfig `mapstructure:"log"`
}

func DefaultConfig() Config {
	workers := runtime.GOMAXPROCS(0)
	if workers > 4 {
		workers = 4
	}
	return Config{
		Timeouts:        DefaultTimeouts(),
		MaxOutstanding:  4096,
		DiscardedIDs:    1024,
		CallbackWorkers: workers,
		FrameCodec:      "cbor",
		Listen:          "tcp://127.0.0.1:4061",
		Endpoint:        "tcp://127.0.0.1:4061",
		Log: LogConfig{
			Level: "NOTICE",
		},
	}
}

//	Load reads path (any format viper understands) over the defaults. KR_*
//	environment variables override both, e.g. KR_TIMEOUTS_CONNECT=2s.
func Load(path string) (conf Config, err error) {
	conf = DefaultConfig()
	v := viper.New()
	setDefaults(v, conf)
	v.SetEnvPrefix("KR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err = v.ReadInConfig(); err != nil {
			err = fmt.Errorf("read config %s: %w", path, err)
			return
		}
	}
	if err = v.Unmarshal(&conf); err != nil {
		err = fmt.Errorf("decode config: %w", err)
		return
	}
	err = conf.Validate()
	return
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("timeouts.connect", c.Timeouts.Connect)
	v.SetDefault("timeouts.response", c.Timeouts.Response)
	v.SetDefault("timeouts.close", c.Timeouts.Close)
	v.SetDefault("timeouts.reconnect", c.Timeouts.Reconnect)
	v.SetDefault("max_outstanding", c.MaxOutstanding)
	v.SetDefault("discarded_ids", c.DiscardedIDs)
	v.SetDefault("callback_workers", c.CallbackWorkers)
	v.SetDefault("frame_codec", c.FrameCodec)
	v.SetDefault("listen", c.Listen)
	v.SetDefault("endpoint", c.Endpoint)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.file", c.Log.File)
	v.SetDefault("log.syslog", c.Log.Syslog)
}

func (c Config) Validate() error {
	if c.Timeouts.Connect <= 0 || c.Timeouts.Response <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxOutstanding <= 0 {
		return fmt.Errorf("max_outstanding must be positive, got %d", c.MaxOutstanding)
	}
	if c.DiscardedIDs <= 0 {
		return fmt.Errorf("discarded_ids must be positive, got %d", c.DiscardedIDs)
	}
	if c.CallbackWorkers <= 0 {
		return fmt.Errorf("callback_workers must be positive, got %d", c.CallbackWorkers)
	}
	switch c.FrameCodec {
	case "cbor", "json":
	default:
		return fmt.Errorf("unknown frame_codec %q", c.FrameCodec)
	}
	return nil
}
