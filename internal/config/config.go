package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "P2PCALL"

var defaultSTUN = []string{"stun1.l.google.com:19302", "stun2.l.google.com:19302"}

// Config holds the settings of both binaries. Every key can come from a
// flag, a P2PCALL_* environment variable or the YAML file given with
// --config, in that order of precedence.
type Config struct {
	// Call options.
	Create       bool     `mapstructure:"create"`
	Join         string   `mapstructure:"join"`
	STUN         []string `mapstructure:"stun"`
	ReceiveMedia bool     `mapstructure:"receive_media"`
	Secret       string   `mapstructure:"secret"`

	// Signaling store options.
	Store         string `mapstructure:"store"`
	RelayURL      string `mapstructure:"relay_url"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`

	// Relay options.
	Listen     string        `mapstructure:"listen"`
	Mode       string        `mapstructure:"mode"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	LogLevel string `mapstructure:"log_level"`
}

// CallFlags declares the options of the p2p-call binary.
func CallFlags(fs *pflag.FlagSet) {
	commonFlags(fs)

	fs.BoolP("create", "C", false, "Create a new call and print its session ID")
	fs.StringP("join", "j", "", "Join the call with the given session ID")
	fs.StringSliceP("stun", "S", defaultSTUN, "List of used STUN servers")
	fs.Bool("receive-media", false, "Offer to receive audio and video tracks from the other peer")
	fs.StringP("secret", "s", "", "Shared secret sealing descriptions and candidates in the signaling store")

	fs.String("store", "relay", "Signaling store: relay or mongo")
	fs.StringP("relay-url", "r", "http://localhost:8080", "Base URL of the signaling relay")
	fs.Int("retry-attempts", 3, "Attempts of every signaling operation before giving up")
	fs.Duration("retry-base", 200*time.Millisecond, "Delay before the first signaling retry, doubled afterwards")
}

// RelayFlags declares the options of the p2p-call-relay binary.
func RelayFlags(fs *pflag.FlagSet) {
	commonFlags(fs)

	fs.StringP("listen", "l", ":8080", "Address the relay listens on")
	fs.String("store", "memory", "Backing store of the relay: memory or mongo")
	fs.String("mode", "release", "HTTP router mode: release or debug")
	fs.Duration("ping-period", 54*time.Second, "Keepalive ping interval of watch streams")
	fs.Duration("session-ttl", time.Hour, "Sessions are removed this long after creation")
}

func commonFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Path to a YAML config file")
	fs.String("log-level", "info", "Log level: trace, debug, info, warn or error")
	fs.String("mongo-uri", "", "MongoDB connection URI (store mongo)")
	fs.String("mongo-database", "p2pcall", "MongoDB database (store mongo)")
}

// Load parses args with fs, then merges environment and config file.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error

	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})

	if bindErr != nil {
		return nil, errors.Wrap(bindErr, "bind flags")
	}

	if path := v.GetString("config"); len(path) != 0 {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "config file")
		}
	}

	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config")
	}

	return &cfg, nil
}

// ValidateCall checks the options of a call.
func (c *Config) ValidateCall() error {
	if c.Create == (len(c.Join) != 0) {
		return errors.New("exactly one of --create and --join is required")
	}

	if c.RetryAttempts < 1 {
		return errors.Errorf("retry attempts must be positive, got %d", c.RetryAttempts)
	}

	return c.validateStore("relay", "mongo")
}

// ValidateRelay checks the options of the relay.
func (c *Config) ValidateRelay() error {
	if len(c.Listen) == 0 {
		return errors.New("listen address is empty")
	}

	if c.SessionTTL <= 0 {
		return errors.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}

	return c.validateStore("memory", "mongo")
}

func (c *Config) validateStore(allowed ...string) error {
	known := false

	for _, store := range allowed {
		known = known || store == c.Store
	}

	if !known {
		return errors.Errorf("unknown store %q, want one of %s", c.Store, strings.Join(allowed, ", "))
	}

	switch {
	case c.Store == "relay" && len(c.RelayURL) == 0:
		return errors.New("relay store requires --relay-url")
	case c.Store == "mongo" && len(c.MongoURI) == 0:
		return errors.New("mongo store requires --mongo-uri")
	}

	return nil
}
