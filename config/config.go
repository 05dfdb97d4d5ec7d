package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/soyart/gsl/soyutils"
)

const (
	DefaultNodeUrl      = "https://eth.llamarpc.com"
	DefaultAbiFile      = "./abi/sp_abi.json"
	DefaultListenAddr   = ":8080"
	DefaultCallTimeout  = 10 * time.Second
	DefaultRetryBackoff = 250 * time.Millisecond
	DefaultMaxRetries   = 2
)

// Pool is one deployed Stability Pool contract. Collaterals are listed
// in the order of their on-chain collateral index.
type Pool struct {
	Name        string   `yaml:"name" json:"name"`
	Address     string   `yaml:"address" json:"address"`
	Collaterals []string `yaml:"collaterals" json:"collaterals"`
}

func (p Pool) ContractAddress() common.Address {
	return common.HexToAddress(p.Address)
}

type Config struct {
	Label string `yaml:"label" json:"label"`

	NodeUrl  string `yaml:"node_url" json:"nodeUrl"`
	AbiFile  string `yaml:"abi_file" json:"abiFile"`
	RedisUrl string `yaml:"redis_url" json:"redisUrl"`

	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`

	CallTimeoutConfig  string        `yaml:"call_timeout" json:"-"`
	CallTimeout        time.Duration `yaml:"-" json:"callTimeout"` // Parsed from CallTimeoutConfig
	RetryBackoffConfig string        `yaml:"retry_backoff" json:"-"`
	RetryBackoff       time.Duration `yaml:"-" json:"retryBackoff"` // Parsed from RetryBackoffConfig
	MaxRetries         *int          `yaml:"max_retries" json:"maxRetries"`

	Pools []Pool `yaml:"pools" json:"pools"`
}

// DefaultPools are the mkUSD and ULTRA Stability Pools on Ethereum mainnet.
func DefaultPools() []Pool {
	return []Pool{
		{
			Name:        "mkUSD",
			Address:     "0xed8B26D99834540C5013701bB3715faFD39993Ba",
			Collaterals: []string{"wstETH", "rETH", "cbETH", "sfrxETH", "ETHx"},
		},
		{
			Name:        "ULTRA",
			Address:     "0x6953504F2f4537D7a7B4024508f321f7816BB6ED",
			Collaterals: []string{"weETH", "ezETH", "rsETH"},
		},
	}
}

func From(filename string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if envFilename, found := os.LookupEnv("CONF_FILE"); found {
		filename = envFilename
	}

	conf, err := soyutils.ReadFileYAMLPointer[Config](filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", filename)
	}

	if err := conf.applyEnv(); err != nil {
		return nil, err
	}

	if err := conf.setDefaults(); err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, errors.Wrapf(err, "bad config file %s", filename)
	}

	return conf, nil
}

func (conf *Config) applyEnv() error {
	// Allow env override for NodeUrl
	if nodeUrl, found := os.LookupEnv("NODE_URL"); found {
		conf.NodeUrl = nodeUrl
	}

	if abiFile, found := os.LookupEnv("ABI_FILE"); found {
		conf.AbiFile = abiFile
	}

	if listenAddr, found := os.LookupEnv("LISTEN_ADDR"); found {
		conf.ListenAddr = listenAddr
	}

	if label, found := os.LookupEnv("LABEL"); found {
		conf.Label = label
	}

	// Allow env override for RedisUrl
	if redisUrl, found := os.LookupEnv("REDIS_URL"); found {
		// Strip protocol string
		if strings.Contains(redisUrl, "redis://") {
			urlParts := strings.Split(redisUrl, "redis://")
			if len(urlParts) < 2 {
				return fmt.Errorf("bad REDIS_URL env %s", redisUrl)
			}

			redisUrl = urlParts[1]
		}

		conf.RedisUrl = redisUrl
	}

	if retries, found := os.LookupEnv("MAX_RETRIES"); found {
		n, err := strconv.Atoi(retries)
		if err != nil {
			return errors.Wrapf(err, "illegal MAX_RETRIES env %s", retries)
		}

		conf.MaxRetries = &n
	}

	return nil
}

func (conf *Config) setDefaults() error {
	if conf.Label == "" {
		conf.Label = "spgains"
	}

	if conf.NodeUrl == "" {
		conf.NodeUrl = DefaultNodeUrl
	}

	if conf.AbiFile == "" {
		conf.AbiFile = DefaultAbiFile
	}

	if conf.ListenAddr == "" {
		conf.ListenAddr = DefaultListenAddr
	}

	if len(conf.Pools) == 0 {
		conf.Pools = DefaultPools()
	}

	if conf.MaxRetries == nil {
		n := DefaultMaxRetries
		conf.MaxRetries = &n
	}

	var err error
	conf.CallTimeout, err = parseDuration(conf.CallTimeoutConfig, DefaultCallTimeout)
	if err != nil {
		return errors.Wrap(err, "bad call_timeout")
	}

	conf.RetryBackoff, err = parseDuration(conf.RetryBackoffConfig, DefaultRetryBackoff)
	if err != nil {
		return errors.Wrap(err, "bad retry_backoff")
	}

	return nil
}

// Validate checks everything the query service relies on at startup.
func (conf *Config) Validate() error {
	if conf.NodeUrl == "" {
		return errors.New("empty ethereum node url")
	}

	if conf.AbiFile == "" {
		return errors.New("empty abi file path")
	}

	if conf.CallTimeout <= 0 {
		return fmt.Errorf("non-positive call timeout %s", conf.CallTimeout)
	}

	if conf.MaxRetries != nil && *conf.MaxRetries < 0 {
		return fmt.Errorf("negative max retries %d", *conf.MaxRetries)
	}

	if len(conf.Pools) == 0 {
		return errors.New("no stability pools configured")
	}

	seen := make(map[string]string)
	for i := range conf.Pools {
		pool := conf.Pools[i]

		if !common.IsHexAddress(pool.Address) {
			return fmt.Errorf("pool %s: bad contract address %s", pool.Name, pool.Address)
		}

		if len(pool.Collaterals) == 0 {
			return fmt.Errorf("pool %s: no collaterals", pool.Name)
		}

		// Collateral index is an uint8
		if len(pool.Collaterals) > 256 {
			return fmt.Errorf("pool %s: too many collaterals (%d)", pool.Name, len(pool.Collaterals))
		}

		for _, symbol := range pool.Collaterals {
			if symbol == "" {
				return fmt.Errorf("pool %s: empty collateral symbol", pool.Name)
			}

			if other, dup := seen[symbol]; dup {
				return fmt.Errorf("duplicate collateral %s in pools %s and %s", symbol, other, pool.Name)
			}

			seen[symbol] = pool.Name
		}
	}

	return nil
}

func (conf *Config) Retries() int {
	if conf.MaxRetries == nil {
		return DefaultMaxRetries
	}

	return *conf.MaxRetries
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}

	return time.ParseDuration(s)
}
