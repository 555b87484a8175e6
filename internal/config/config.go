// Package config loads gateway configuration from environment variables
// in the teacher's getEnv/getBool/getDuration style, and assembles the
// explicit x402.NetworkRegistry/x402.RouteRegistry the core depends on
// (spec §9: "replace the lazy network map with an explicit
// BuildNetworkRegistry(env) function invoked once at startup").
package config

import (
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"stronghold/internal/usdc"
	"stronghold/internal/x402"
)

// Environment represents the runtime environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config holds all service configuration.
type Config struct {
	Environment Environment
	Server      ServerConfig
	Database    DatabaseConfig
	Settlement  SettlementConfig
	Networks    x402.NetworkRegistry
	Routes      x402.RouteRegistry
	ReqDeps     x402.PaymentRequiredDeps
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

// SettlementConfig holds the signing material each ChainAdapter needs.
type SettlementConfig struct {
	// SettlementPrivateKeyHex signs EVM-local transferWithAuthorization
	// submissions (SETTLEMENT_PRIVATE_KEY).
	SettlementPrivateKeyHex string
	// SolanaFacilitatorPrivateKeyBase58 co-signs SVM transfers as fee
	// payer (SOLANA_FACILITATOR_PRIVATE_KEY).
	SolanaFacilitatorPrivateKeyBase58 string
}

// knownNetwork is a built-in network definition; RPC URL, facilitator
// API key, and activation are all resolved from the environment at
// Load time, never hardcoded.
type knownNetwork struct {
	networkID     string // CAIP-2 identifier
	vm            x402.VM
	chainID       int64
	rpcEnvVar     string
	tokenEnvVar   string // override for the token contract/mint address
	defaultToken  string
	displayName   string
	domainVersion string
	decimals      int
	facilitator   bool
	aliasEnvVar   string
	apiKeyEnvVar  string
}

// knownNetworks enumerates every CAIP-2 network this gateway can settle
// against. A network is only advertised in a 402 response once it is
// "active" (spec §4.3): an RPC URL is configured for EVM-local, a
// facilitator API key env var resolves to a non-empty value for
// EVM-facilitator, or a Solana fee payer key is configured for SVM.
var knownNetworks = []knownNetwork{
	{
		networkID: "eip155:8453", vm: x402.VMEVM, chainID: 8453,
		rpcEnvVar: "BASE_RPC_URL", tokenEnvVar: "BASE_USDC_ADDRESS",
		defaultToken:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		displayName:   "USD Coin",
		domainVersion: "2",
		decimals:      6,
	},
	{
		networkID: "eip155:84532", vm: x402.VMEVM, chainID: 84532,
		rpcEnvVar: "BASE_SEPOLIA_RPC_URL", tokenEnvVar: "BASE_SEPOLIA_USDC_ADDRESS",
		defaultToken:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		displayName:   "USDC",
		domainVersion: "2",
		decimals:      6,
	},
	{
		networkID: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdpKuc147dw2N9d", vm: x402.VMSVM,
		rpcEnvVar: "SOLANA_RPC_URL", tokenEnvVar: "SOLANA_USDC_MINT",
		defaultToken: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		decimals:     6,
	},
	{
		networkID: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1wcaWoxPkrZBG", vm: x402.VMSVM,
		rpcEnvVar: "SOLANA_DEVNET_RPC_URL", tokenEnvVar: "SOLANA_DEVNET_USDC_MINT",
		defaultToken: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		decimals:     6,
	},
}

// facilitatorNetworkSuffix derives the FACILITATOR_URL/API_KEY env var
// prefix for an EVM network from its RPC env var
// (BASE_RPC_URL -> BASE_FACILITATOR_URL / BASE_FACILITATOR_API_KEY).
func facilitatorEnvPrefix(rpcEnvVar string) string {
	return strings.TrimSuffix(rpcEnvVar, "_RPC_URL")
}

// BuildNetworkRegistry constructs the registry once at startup (spec
// §9), reading every known network's RPC URL / facilitator credentials
// from the environment. A network is included whenever it has enough
// configuration to be either settled locally or delegated.
func BuildNetworkRegistry() x402.NetworkRegistry {
	registry := make(x402.NetworkRegistry, len(knownNetworks))
	for _, kn := range knownNetworks {
		token := x402.TokenDescriptor{
			Address:       getEnv(kn.tokenEnvVar, kn.defaultToken),
			DisplayName:   kn.displayName,
			DomainVersion: kn.domainVersion,
			Decimals:      kn.decimals,
		}

		descriptor := x402.NetworkDescriptor{
			VM:        kn.vm,
			NetworkID: kn.networkID,
			ChainID:   kn.chainID,
			RPCEnvVar: kn.rpcEnvVar,
			Token:     token,
		}

		if kn.vm == x402.VMEVM {
			prefix := facilitatorEnvPrefix(kn.rpcEnvVar)
			facilitatorURL := getEnv(prefix+"_FACILITATOR_URL", "")
			if facilitatorURL != "" {
				descriptor.Facilitator = &x402.FacilitatorConfig{
					URL:                 facilitatorURL,
					APIKeyEnv:           prefix + "_FACILITATOR_API_KEY",
					NetworkAlias:        getEnv(prefix+"_FACILITATOR_NETWORK_ALIAS", ""),
					FacilitatorContract: getEnv(prefix+"_FACILITATOR_CONTRACT", ""),
					ProtocolVersion:     getInt(prefix+"_FACILITATOR_PROTOCOL_VERSION", 0),
				}
			}
		}

		registry[kn.networkID] = descriptor
	}
	return registry
}

// RPCURLs returns the configured RPC URL for every network that has
// one, keyed by networkID — the shape internal/x402.PaymentRequiredDeps
// and internal/chainadapter/evmlocal.New need.
func RPCURLs() map[string]string {
	urls := make(map[string]string)
	for _, kn := range knownNetworks {
		if url := os.Getenv(kn.rpcEnvVar); url != "" {
			urls[kn.networkID] = url
		}
	}
	return urls
}

// BuildRouteRegistry reads X402_ROUTES (comma-separated route keys) and
// each key's K_* env vars (spec SPEC_FULL.md §9).
func BuildRouteRegistry() (x402.RouteRegistry, error) {
	registry := make(x402.RouteRegistry)
	keys := getEnvSlice("X402_ROUTES", nil)
	globalPayTo := getEnv("PAY_TO_ADDRESS", "")
	globalPayToSol := getEnv("PAY_TO_ADDRESS_SOL", "")

	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		prefix := envPrefix(key)

		priceAtomicStr := getEnv(prefix+"_PRICE_ATOMIC", "")
		var priceAtomic *big.Int
		if priceAtomicStr != "" {
			var ok bool
			priceAtomic, ok = new(big.Int).SetString(priceAtomicStr, 10)
			if !ok {
				slog.Warn("invalid price atomic value, defaulting to 0", "route", key, "value", priceAtomicStr)
				priceAtomic = big.NewInt(0)
			}
		} else {
			// MicroUSDC is already expressed in 6-decimal atomic units,
			// exactly the reference priceAtomic uses (spec §3).
			priceAtomic = big.NewInt(int64(getMicroUSDC(prefix+"_PRICE", 0)))
		}

		route := x402.RouteDescriptor{
			RouteKey:            key,
			Path:                getEnv(prefix+"_PATH", "/"+key),
			BackendName:         key,
			BackendURL:          getEnv(prefix+"_BACKEND_URL", ""),
			BackendAPIKeyEnv:    prefix + "_BACKEND_API_KEY",
			BackendAPIKeyHeader: getEnv(prefix+"_BACKEND_API_KEY_HEADER", "X-Internal-Api-Key"),
			Price:               getMicroUSDC(prefix+"_PRICE", 0),
			PriceAtomic:         priceAtomic,
			PayTo:               getEnv(prefix+"_PAY_TO_ADDRESS", globalPayTo),
			PayToSol:            getEnv(prefix+"_PAY_TO_ADDRESS_SOL", globalPayToSol),
			Description:         getEnv(prefix+"_DESCRIPTION", ""),
			MimeType:            getEnv(prefix+"_MIME_TYPE", "application/json"),
		}
		registry[key] = route
	}
	return registry, nil
}

func envPrefix(routeKey string) string {
	return strings.ToUpper(strings.ReplaceAll(routeKey, "-", "_"))
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	env := Environment(getEnv("ENV", "production"))
	if env != EnvDevelopment && env != EnvProduction && env != EnvTest {
		env = EnvProduction
	}

	routes, err := BuildRouteRegistry()
	if err != nil {
		return nil, err
	}
	networks := BuildNetworkRegistry()
	rpcURLs := RPCURLs()
	svmFeePayerKey := getEnv("SOLANA_FACILITATOR_PRIVATE_KEY", "")

	cfg := &Config{
		Environment: env,
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "stronghold"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "stronghold"),
			SSLMode:  getEnv("DB_SSLMODE", "require"),
			MaxConns: int32(getInt("DB_MAX_CONNS", 0)),
		},
		Settlement: SettlementConfig{
			SettlementPrivateKeyHex:           getEnv("SETTLEMENT_PRIVATE_KEY", ""),
			SolanaFacilitatorPrivateKeyBase58: svmFeePayerKey,
		},
		Networks: networks,
		Routes:   routes,
	}

	cfg.ReqDeps = x402.PaymentRequiredDeps{
		Networks:    networks,
		RPCURLs:     rpcURLs,
		SVMFeePayer: "", // resolved lazily once the svmfacilitator adapter derives it
	}

	return cfg, nil
}

// Validate checks that all required configuration is present. In
// production, missing critical values return an error; development
// tolerates an empty gateway for local iteration.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Routes) == 0 {
		msg := "no routes configured (X402_ROUTES is empty)"
		if c.Environment == EnvProduction {
			errs = append(errs, msg)
		} else {
			slog.Warn(msg)
		}
	}

	for key, route := range c.Routes {
		if route.BackendURL == "" {
			errs = append(errs, key+"_BACKEND_URL is required")
		}
		if route.PayTo == "" && route.PayToSol == "" {
			errs = append(errs, key+" has no payTo configured (set "+envPrefix(key)+"_PAY_TO_ADDRESS or _SOL, or the global PAY_TO_ADDRESS)")
		}
	}

	if c.Environment == EnvProduction {
		if c.Database.Password == "" {
			errs = append(errs, "DB_PASSWORD is required in production")
		}
		if c.Settlement.SettlementPrivateKeyHex == "" && c.Settlement.SolanaFacilitatorPrivateKeyBase58 == "" {
			errs = append(errs, "at least one of SETTLEMENT_PRIVATE_KEY or SOLANA_FACILITATOR_PRIVATE_KEY is required in production")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ValidationError aggregates every configuration problem found by
// Validate, matching the teacher's accumulate-then-join style.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "configuration errors: " + strings.Join(e.Errors, "; ")
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// getMicroUSDC parses a human-readable float env var (e.g. "0.001") into MicroUSDC.
func getMicroUSDC(key string, defaultFloat float64) usdc.MicroUSDC {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return usdc.FromFloat(f)
		}
		slog.Warn("invalid microUSDC env value, using default", "key", key, "value", value, "default_usdc", defaultFloat)
	}
	return usdc.FromFloat(defaultFloat)
}
