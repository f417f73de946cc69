// Package config loads client configuration and assembles a working
// cache client from it.  Pluggable providers (key transformers,
// transcoders, node locators, protocols) are constructed through a
// registry of named factories; configuration values name registry
// entries.
package config

import (
	"strings"
	"time"

	"github.com/dropbox/godropbox/errors"
	"github.com/spf13/viper"

	"github.com/kettlemc/kettlemc/netpool"
)

const envPrefix = "KETTLE"

type SocketPoolConfig struct {
	// Connections dialed eagerly per server.
	MinPoolSize uint32 `mapstructure:"minPoolSize"`

	// Upper bound of checked-out connections per server.
	MaxPoolSize int32 `mapstructure:"maxPoolSize"`

	ConnectionTimeoutMs int `mapstructure:"connectionTimeoutMs"`
	ReceiveTimeoutMs    int `mapstructure:"receiveTimeoutMs"`
	DeadTimeoutSec      int `mapstructure:"deadTimeoutSec"`
	QueueTimeoutMs      int `mapstructure:"queueTimeoutMs"`
}

type AuthenticationConfig struct {
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type Config struct {
	// "host:port" server addresses.
	Servers []string `mapstructure:"servers"`

	// Protocol dialect: "binary" (default) or "text".
	Protocol string `mapstructure:"protocol"`

	SocketPool SocketPoolConfig `mapstructure:"socketPool"`

	// Absent (nil) means no authentication handshake.
	Authentication *AuthenticationConfig `mapstructure:"authentication"`

	// Registry names; empty fields mean the defaults.
	KeyTransformer string `mapstructure:"keyTransformer"`
	Transcoder     string `mapstructure:"transcoder"`
	NodeLocator    string `mapstructure:"nodeLocator"`
}

func Default() Config {
	return Config{
		Protocol: "binary",
		SocketPool: SocketPoolConfig{
			MinPoolSize:         0,
			MaxPoolSize:         4,
			ConnectionTimeoutMs: 1000,
			ReceiveTimeoutMs:    3000,
			DeadTimeoutSec:      10,
			QueueTimeoutMs:      100,
		},
		KeyTransformer: "identity",
		Transcoder:     "default",
		NodeLocator:    "ketama",
	}
}

// This loads configuration from the given file (any format viper
// understands), with KETTLE_* environment variables taking precedence.
// Unset fields fall back to Default().
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("protocol", defaults.Protocol)
	v.SetDefault("socketPool.minPoolSize", defaults.SocketPool.MinPoolSize)
	v.SetDefault("socketPool.maxPoolSize", defaults.SocketPool.MaxPoolSize)
	v.SetDefault(
		"socketPool.connectionTimeoutMs",
		defaults.SocketPool.ConnectionTimeoutMs)
	v.SetDefault(
		"socketPool.receiveTimeoutMs",
		defaults.SocketPool.ReceiveTimeoutMs)
	v.SetDefault(
		"socketPool.deadTimeoutSec",
		defaults.SocketPool.DeadTimeoutSec)
	v.SetDefault(
		"socketPool.queueTimeoutMs",
		defaults.SocketPool.QueueTimeoutMs)
	v.SetDefault("keyTransformer", defaults.KeyTransformer)
	v.SetDefault("transcoder", defaults.Transcoder)
	v.SetDefault("nodeLocator", defaults.NodeLocator)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrapf(err, "Failed to read config %s", path)
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrapf(err, "Failed to parse config %s", path)
	}

	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("No servers configured")
	}
	if c.SocketPool.MaxPoolSize <= 0 {
		return errors.New("maxPoolSize must be positive")
	}
	if c.Authentication != nil &&
		!strings.EqualFold(c.Authentication.Mechanism, "PLAIN") {

		return errors.Newf(
			"Unsupported auth mechanism: %s",
			c.Authentication.Mechanism)
	}
	return nil
}

func (c Config) connectionOptions() netpool.ConnectionOptions {
	return netpool.ConnectionOptions{
		MinIdleConnections:   c.SocketPool.MinPoolSize,
		MaxActiveConnections: c.SocketPool.MaxPoolSize,
		MaxIdleConnections:   uint32(c.SocketPool.MaxPoolSize),
		ConnectTimeout: time.Duration(
			c.SocketPool.ConnectionTimeoutMs) * time.Millisecond,
		ReceiveTimeout: time.Duration(
			c.SocketPool.ReceiveTimeoutMs) * time.Millisecond,
		QueueTimeout: time.Duration(
			c.SocketPool.QueueTimeoutMs) * time.Millisecond,
		DeadTimeout: time.Duration(
			c.SocketPool.DeadTimeoutSec) * time.Second,
	}
}
