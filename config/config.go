// Package config loads node settings from a YAML file, ROLLUP_ prefixed
// environment variables (a .env file is honored) and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const EnvPrefix = "ROLLUP"

const (
	KeyRPCURL      = "basechain.rpcUrl"
	KeyRPCUser     = "basechain.rpcUser"
	KeyRPCPassword = "basechain.rpcPassword"
	KeyNetwork     = "basechain.network"
	KeyRPCTimeout  = "basechain.rpcTimeout"

	KeyDepositAddress = "rollup.depositAddress"
	KeyStrictCalls    = "rollup.strictCalls"

	KeySequencerEnabled      = "sequencer.enabled"
	KeySequencerAddress      = "sequencer.address"
	KeySequencerInterval     = "sequencer.interval"
	KeySequencerMaxBatchSize = "sequencer.maxBatchSize"
	KeySequencerChunkSize    = "sequencer.chunkSize"
	KeySequencerAnchorAmount = "sequencer.anchorAmount"
	KeySequencerFee          = "sequencer.fee"
	KeySequencerReanchor     = "sequencer.reanchorAfter"
	KeySequencerURL          = "sequencer.url"

	KeyMintAddress = "genesis.mintAddress"
	KeyMintAmount  = "genesis.mintAmount"

	KeyStartHeight          = "sync.startHeight"
	KeyPollInterval         = "sync.pollInterval"
	KeyMaxRetries           = "sync.maxRetries"
	KeyInitialBackoff       = "sync.initialBackoff"
	KeyMaxBackoff           = "sync.maxBackoff"
	KeyMalformedBatchPolicy = "sync.malformedBatchPolicy"

	KeyRPCPort      = "rpc.port"
	KeyRPCRateLimit = "rpc.rateLimit"
	KeyRPCRateBurst = "rpc.rateBurst"

	KeyPoolCapacity = "pool.capacity"

	KeyStorageEngine = "storage.engine"
	KeyLedgerPath    = "storage.ledgerPath"
	KeyIndexPath     = "storage.indexPath"
	KeyIndexCache    = "storage.indexCacheSize"

	KeyLogLevel     = "log.level"
	KeyLogFormatter = "log.formatter"
	KeyLogOut       = "log.out"
	KeyLogCaller    = "log.caller"
)

var defaults = map[string]interface{}{
	KeyRPCURL:      "http://localhost:18443",
	KeyRPCUser:     "",
	KeyRPCPassword: "",
	KeyNetwork:     "regtest",
	KeyRPCTimeout:  "10s",

	KeyDepositAddress: "",
	KeyStrictCalls:    false,

	KeySequencerEnabled:      false,
	KeySequencerAddress:      "",
	KeySequencerInterval:     "100s",
	KeySequencerMaxBatchSize: 100,
	KeySequencerChunkSize:    80,
	KeySequencerAnchorAmount: 546,
	KeySequencerFee:          1000,
	KeySequencerReanchor:     "1h",
	KeySequencerURL:          "",

	KeyMintAddress: "",
	KeyMintAmount:  "0",

	KeyStartHeight:          0,
	KeyPollInterval:         "5s",
	KeyMaxRetries:           10,
	KeyInitialBackoff:       "500ms",
	KeyMaxBackoff:           "30s",
	KeyMalformedBatchPolicy: "skip",

	KeyRPCPort:      3000,
	KeyRPCRateLimit: 50,
	KeyRPCRateBurst: 100,

	KeyPoolCapacity: 10000,

	KeyStorageEngine: "badger",
	KeyLedgerPath:    "./data/ledger",
	KeyIndexPath:     "./data/index",
	KeyIndexCache:    4096,

	KeyLogLevel:     "info",
	KeyLogFormatter: "console",
	KeyLogOut:       "stderr",
	KeyLogCaller:    false,
}

var ErrInvalidConfig = errors.New("invalid config")

type BasechainConfig struct {
	RPCURL      string
	RPCUser     string
	RPCPassword string
	Network     string
	RPCTimeout  time.Duration
}

type SequencerConfig struct {
	Enabled      bool
	Address      common.Address
	Interval     time.Duration
	MaxBatchSize int
	ChunkSize    int
	AnchorAmount int64
	Fee          int64
	// ReanchorAfter is how long an anchored batch may go unreplayed before
	// its frame is anchored again.
	ReanchorAfter time.Duration
	// URL is the API of the sequencing node. Nodes that do not sequence
	// forward submitted transactions there.
	URL string
}

type SyncConfig struct {
	StartHeight          uint64
	PollInterval         time.Duration
	MaxRetries           uint64
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MalformedBatchPolicy string
}

type RPCConfig struct {
	Port      int
	RateLimit float64
	RateBurst int
}

type StorageConfig struct {
	Engine         string
	LedgerPath     string
	IndexPath      string
	IndexCacheSize int
}

type LogConfig struct {
	Level     string
	Formatter string
	Out       string
	Caller    bool
}

type Config struct {
	Basechain      BasechainConfig
	DepositAddress string
	StrictCalls    bool
	Sequencer      SequencerConfig
	MintAddress    common.Address
	MintAmount     *big.Int
	Sync           SyncConfig
	RPC            RPCConfig
	PoolCapacity   int
	Storage        StorageConfig
	Log            LogConfig
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads path (if not empty) and the environment into v and returns the
// validated configuration. Flags must already be bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseAddress(v *viper.Viper, key string) (common.Address, error) {
	raw := v.GetString(key)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address: %q", ErrInvalidConfig, key, raw)
	}
	return common.HexToAddress(raw), nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	seqAddress, err := parseAddress(v, KeySequencerAddress)
	if err != nil {
		return nil, err
	}
	mintAddress, err := parseAddress(v, KeyMintAddress)
	if err != nil {
		return nil, err
	}
	mintAmount, ok := new(big.Int).SetString(v.GetString(KeyMintAmount), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an integer", ErrInvalidConfig, KeyMintAmount)
	}

	return &Config{
		Basechain: BasechainConfig{
			RPCURL:      v.GetString(KeyRPCURL),
			RPCUser:     v.GetString(KeyRPCUser),
			RPCPassword: v.GetString(KeyRPCPassword),
			Network:     v.GetString(KeyNetwork),
			RPCTimeout:  v.GetDuration(KeyRPCTimeout),
		},
		DepositAddress: v.GetString(KeyDepositAddress),
		StrictCalls:    v.GetBool(KeyStrictCalls),
		Sequencer: SequencerConfig{
			Enabled:       v.GetBool(KeySequencerEnabled),
			Address:       seqAddress,
			Interval:      v.GetDuration(KeySequencerInterval),
			MaxBatchSize:  v.GetInt(KeySequencerMaxBatchSize),
			ChunkSize:     v.GetInt(KeySequencerChunkSize),
			AnchorAmount:  v.GetInt64(KeySequencerAnchorAmount),
			Fee:           v.GetInt64(KeySequencerFee),
			ReanchorAfter: v.GetDuration(KeySequencerReanchor),
			URL:           v.GetString(KeySequencerURL),
		},
		MintAddress: mintAddress,
		MintAmount:  mintAmount,
		Sync: SyncConfig{
			StartHeight:          v.GetUint64(KeyStartHeight),
			PollInterval:         v.GetDuration(KeyPollInterval),
			MaxRetries:           v.GetUint64(KeyMaxRetries),
			InitialBackoff:       v.GetDuration(KeyInitialBackoff),
			MaxBackoff:           v.GetDuration(KeyMaxBackoff),
			MalformedBatchPolicy: v.GetString(KeyMalformedBatchPolicy),
		},
		RPC: RPCConfig{
			Port:      v.GetInt(KeyRPCPort),
			RateLimit: v.GetFloat64(KeyRPCRateLimit),
			RateBurst: v.GetInt(KeyRPCRateBurst),
		},
		PoolCapacity: v.GetInt(KeyPoolCapacity),
		Storage: StorageConfig{
			Engine:         v.GetString(KeyStorageEngine),
			LedgerPath:     v.GetString(KeyLedgerPath),
			IndexPath:      v.GetString(KeyIndexPath),
			IndexCacheSize: v.GetInt(KeyIndexCache),
		},
		Log: LogConfig{
			Level:     v.GetString(KeyLogLevel),
			Formatter: v.GetString(KeyLogFormatter),
			Out:       v.GetString(KeyLogOut),
			Caller:    v.GetBool(KeyLogCaller),
		},
	}, nil
}

// Validate checks the settings a node cannot start without.
func (c *Config) Validate() error {
	var problems []string
	if c.DepositAddress == "" {
		problems = append(problems, KeyDepositAddress+" is required")
	}
	if c.MintAddress == (common.Address{}) {
		problems = append(problems, KeyMintAddress+" is required")
	}
	if c.MintAmount.Sign() < 0 {
		problems = append(problems, KeyMintAmount+" must not be negative")
	}
	if c.Sequencer.Enabled {
		if c.Sequencer.Address == (common.Address{}) {
			problems = append(problems, KeySequencerAddress+" is required when the sequencer is enabled")
		}
		if c.Sequencer.MaxBatchSize <= 0 {
			problems = append(problems, KeySequencerMaxBatchSize+" must be positive")
		}
		if c.Sequencer.ChunkSize <= 0 || c.Sequencer.ChunkSize > 80 {
			problems = append(problems, KeySequencerChunkSize+" must be in 1..80")
		}
		if c.Sequencer.Interval <= 0 {
			problems = append(problems, KeySequencerInterval+" must be positive")
		}
		if c.Sequencer.ReanchorAfter <= 0 {
			problems = append(problems, KeySequencerReanchor+" must be positive")
		}
	} else if c.Sequencer.URL != "" {
		if u, err := url.Parse(c.Sequencer.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, KeySequencerURL+" must be an http or https URL")
		}
	}
	switch c.Sync.MalformedBatchPolicy {
	case "skip", "halt":
	default:
		problems = append(problems, KeyMalformedBatchPolicy+" must be skip or halt")
	}
	switch c.Storage.Engine {
	case "badger", "leveldb", "memory":
	default:
		problems = append(problems, KeyStorageEngine+" must be badger, leveldb or memory")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// WriteDefault writes every default as a YAML file at path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	out, err := yaml.Marshal(nest(defaults))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0o644)
}

// nest turns dotted keys into ordered YAML sections.
func nest(flat map[string]interface{}) yaml.MapSlice {
	sections := make(map[string]yaml.MapSlice)
	var names []string
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		section, name, _ := strings.Cut(key, ".")
		if _, ok := sections[section]; !ok {
			names = append(names, section)
		}
		sections[section] = append(sections[section], yaml.MapItem{Key: name, Value: flat[key]})
	}
	out := make(yaml.MapSlice, 0, len(names))
	for _, name := range names {
		out = append(out, yaml.MapItem{Key: name, Value: sections[name]})
	}
	return out
}
