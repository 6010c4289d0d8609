package config

import (
	"fmt"
	"net/url"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for payout server configuration
const (
	EnvPayoutPort            = "PAYOUT_PORT"
	EnvPayoutNetwork         = "PAYOUT_NETWORK"
	EnvPayoutPersistenceType = "PAYOUT_PERSISTENCE_TYPE"
	EnvPayoutBadgerDir       = "PAYOUT_BADGER_DIR"
	EnvPayoutRedisAddress    = "PAYOUT_REDIS_ADDRESS"
	EnvPayoutRedisDB         = "PAYOUT_REDIS_DB"
	EnvPayoutDatabaseURL     = "PAYOUT_DATABASE_URL"
	EnvPayoutChainMode       = "PAYOUT_CHAIN_MODE"
	EnvPayoutChainRPCURL     = "PAYOUT_CHAIN_RPC_URL"
	EnvPayoutSubmitTimeout   = "PAYOUT_SUBMIT_TIMEOUT"
	EnvPayoutVerbose         = "PAYOUT_VERBOSE"
)

// Network selects the SS58 address format the server derives and
// renders addresses in.
type Network string

func (n Network) String() string {
	return string(n)
}

const (
	Network_Polkadot  Network = "polkadot"
	Network_Kusama    Network = "kusama"
	Network_Westend   Network = "westend"
	Network_Substrate Network = "substrate" // generic / local development
)

var NetworkToPrefix = map[Network]uint16{
	Network_Polkadot:  0,
	Network_Kusama:    2,
	Network_Westend:   42,
	Network_Substrate: 42,
}

// GetPrefixForNetwork resolves a network name to its SS58 prefix.
func GetPrefixForNetwork(network Network) (uint16, error) {
	prefix, ok := NetworkToPrefix[network]
	if !ok {
		return 0, fmt.Errorf("unsupported network %q. Supported: %s", network, GetSupportedNetworksString())
	}
	return prefix, nil
}

// GetSupportedNetworksString returns supported networks for CLI help
func GetSupportedNetworksString() string {
	return fmt.Sprintf("%s (prefix 0), %s (prefix 2), %s (prefix 42), %s (prefix 42)",
		Network_Polkadot, Network_Kusama, Network_Westend, Network_Substrate)
}

// PersistenceType selects the approval store backend.
type PersistenceType string

const (
	PersistenceType_Memory   PersistenceType = "memory"
	PersistenceType_Badger   PersistenceType = "badger"
	PersistenceType_Redis    PersistenceType = "redis"
	PersistenceType_Postgres PersistenceType = "postgres"
)

// ChainMode selects how the server reaches the chain.
type ChainMode string

const (
	// ChainMode_Mock serves canned chain state; for development and tests.
	ChainMode_Mock ChainMode = "mock"
	// ChainMode_RPC attaches a real node at ChainRPCURL.
	ChainMode_RPC ChainMode = "rpc"
)

// ServerConfig represents the complete configuration for a payout server
type ServerConfig struct {
	Port int `json:"port"`

	// Address format
	Network       Network `json:"network"`
	NetworkPrefix uint16  `json:"network_prefix"` // resolved from Network during Validate

	// Persistence
	PersistenceType PersistenceType `json:"persistence_type"`
	BadgerDir       string          `json:"badger_dir,omitempty"`
	RedisAddress    string          `json:"redis_address,omitempty"`
	RedisDB         int             `json:"redis_db,omitempty"`
	DatabaseURL     string          `json:"-"` // never serialized, may carry credentials

	// Chain access
	ChainMode     ChainMode     `json:"chain_mode"`
	ChainRPCURL   string        `json:"chain_rpc_url,omitempty"`
	SubmitTimeout time.Duration `json:"submit_timeout"`

	// Operational settings
	Debug   bool `json:"debug"`
	Verbose bool `json:"verbose"`
}

// Validate checks the configuration and resolves derived fields
// (NetworkPrefix from Network).
func (c *ServerConfig) Validate() error {
	var allErrors field.ErrorList

	if c.Port < 1 || c.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("port"), c.Port, "must be between 1-65535"))
	}

	prefix, err := GetPrefixForNetwork(c.Network)
	if err != nil {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("network"), c.Network,
			[]string{string(Network_Polkadot), string(Network_Kusama), string(Network_Westend), string(Network_Substrate)}))
	} else {
		c.NetworkPrefix = prefix
	}

	switch c.PersistenceType {
	case PersistenceType_Memory:
	case PersistenceType_Badger:
		if c.BadgerDir == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("badgerDir"),
				fmt.Sprintf("%s is required for badger persistence", EnvPayoutBadgerDir)))
		}
	case PersistenceType_Redis:
		if c.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("redisAddress"),
				fmt.Sprintf("%s is required for redis persistence", EnvPayoutRedisAddress)))
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("redisDB"), c.RedisDB, "must be between 0-15"))
		}
	case PersistenceType_Postgres:
		if c.DatabaseURL == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("databaseURL"),
				fmt.Sprintf("%s is required for postgres persistence", EnvPayoutDatabaseURL)))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("persistenceType"), c.PersistenceType,
			[]string{string(PersistenceType_Memory), string(PersistenceType_Badger), string(PersistenceType_Redis), string(PersistenceType_Postgres)}))
	}

	switch c.ChainMode {
	case ChainMode_Mock:
	case ChainMode_RPC:
		if c.ChainRPCURL == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("chainRPCURL"),
				fmt.Sprintf("%s is required for rpc chain mode", EnvPayoutChainRPCURL)))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("chainMode"), c.ChainMode,
			[]string{string(ChainMode_Mock), string(ChainMode_RPC)}))
	}

	if c.SubmitTimeout < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("submitTimeout"), c.SubmitTimeout.String(), "must not be negative"))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// MaskDSN redacts the password component of a database URL so the DSN
// can be logged. Unparseable inputs are fully redacted.
func MaskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "<redacted>"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
