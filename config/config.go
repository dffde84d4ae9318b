// Package config reads node settings from an optional config file and
// VOTELEDGER_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/voteledger/commonconst"
)

const envPrefix = "VOTELEDGER"

type Config struct {
	Addr     string
	KeyFile  string
	PeerKeys []string

	Difficulty        int
	Salt              string
	CanonicalID       string
	SeedFromCanonical bool

	Workers          int
	QueueSize        int
	BroadcastTimeout time.Duration

	Quorum         float64
	ChunkSize      int
	Concurrency    int
	Unreadable     string
	VerifyInterval time.Duration

	StoreBackend  string
	StorePath     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RemoteURL     string
	RemoteNS      string

	Counter      string
	RegistryFile string
	Admins       []string
	LogLevel     string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.addr", ":8000")
	v.SetDefault("node.key_file", "node_key.pem")
	v.SetDefault("node.peer_keys", []string{})

	v.SetDefault("ledger.difficulty", commonconst.DefaultDifficulty)
	v.SetDefault("ledger.salt", commonconst.VoterSalt)
	v.SetDefault("ledger.canonical", commonconst.CanonicalReplica)
	v.SetDefault("ledger.seed_from_canonical", false)

	v.SetDefault("broadcast.workers", commonconst.DefaultWorkers)
	v.SetDefault("broadcast.queue", commonconst.DefaultQueueSize)
	v.SetDefault("broadcast.timeout", 5*time.Second)

	v.SetDefault("verify.quorum", commonconst.DefaultQuorum)
	v.SetDefault("verify.chunk_size", commonconst.DefaultChunkSize)
	v.SetDefault("verify.concurrency", commonconst.DefaultVerifyJobs)
	v.SetDefault("verify.unreadable", "count")
	v.SetDefault("verify.interval", time.Duration(0))

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "data")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.remote.url", "")
	v.SetDefault("store.remote.namespace", "ledger")

	v.SetDefault("tally.counter", "memory")
	v.SetDefault("registry.file", "")
	v.SetDefault("identity.admins", []string{})
	v.SetDefault("log.level", "info")
}

// Load reads path when it is not empty, otherwise looks for voteledger.* in
// the working directory. Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("voteledger")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, errors.Wrap(err, "read config")
		}
		log.Debug("no config file, using defaults and environment")
	}

	c := &Config{
		Addr:     v.GetString("node.addr"),
		KeyFile:  v.GetString("node.key_file"),
		PeerKeys: v.GetStringSlice("node.peer_keys"),

		Difficulty:        v.GetInt("ledger.difficulty"),
		Salt:              v.GetString("ledger.salt"),
		CanonicalID:       v.GetString("ledger.canonical"),
		SeedFromCanonical: v.GetBool("ledger.seed_from_canonical"),

		Workers:          v.GetInt("broadcast.workers"),
		QueueSize:        v.GetInt("broadcast.queue"),
		BroadcastTimeout: v.GetDuration("broadcast.timeout"),

		Quorum:         v.GetFloat64("verify.quorum"),
		ChunkSize:      v.GetInt("verify.chunk_size"),
		Concurrency:    v.GetInt("verify.concurrency"),
		Unreadable:     v.GetString("verify.unreadable"),
		VerifyInterval: v.GetDuration("verify.interval"),

		StoreBackend:  v.GetString("store.backend"),
		StorePath:     v.GetString("store.path"),
		RedisAddr:     v.GetString("store.redis.addr"),
		RedisPassword: v.GetString("store.redis.password"),
		RedisDB:       v.GetInt("store.redis.db"),
		RemoteURL:     v.GetString("store.remote.url"),
		RemoteNS:      v.GetString("store.remote.namespace"),

		Counter:      v.GetString("tally.counter"),
		RegistryFile: v.GetString("registry.file"),
		Admins:       v.GetStringSlice("identity.admins"),
		LogLevel:     v.GetString("log.level"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Difficulty < 0 || c.Difficulty > 64:
		return errors.Errorf("ledger.difficulty %d out of range 0-64", c.Difficulty)
	case c.Salt == "":
		return errors.New("ledger.salt must not be empty")
	case c.CanonicalID == "":
		return errors.New("ledger.canonical must not be empty")
	case c.Quorum <= 0 || c.Quorum > 100:
		return errors.Errorf("verify.quorum %v out of range (0,100]", c.Quorum)
	case c.Unreadable != "count" && c.Unreadable != "exclude":
		return errors.Errorf("verify.unreadable must be count or exclude, got %q", c.Unreadable)
	}
	switch c.StoreBackend {
	case "memory", "file", "leveldb", "redis":
	case "remote":
		if c.RemoteURL == "" {
			return errors.New("store.remote.url is required for the remote backend")
		}
		if c.RemoteNS == "" {
			return errors.New("store.remote.namespace must not be empty")
		}
	default:
		return errors.Errorf("unknown store.backend %q", c.StoreBackend)
	}
	switch c.Counter {
	case "memory", "redis":
	default:
		return errors.Errorf("unknown tally.counter %q", c.Counter)
	}
	return nil
}

// Apply sets the process-wide settings: log level and voter salt.
func (c *Config) Apply() {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		log.Level = log.LevelDebug
	case "warning", "warn":
		log.Level = log.LevelWarning
	case "error":
		log.Level = log.LevelError
	default:
		log.Level = log.LevelInfo
	}
	commonconst.VoterSalt = c.Salt
}
