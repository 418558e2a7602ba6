package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Config struct {
	DbURL            string
	KafkaBroker      string
	KafkaTopic       string
	KafkaGroupID     string
	RpcURL           string
	APIPort          int
	PublishInterval  time.Duration
	PublishBatchSize int

	PlatformFeeBps        uint64
	MaxPlatformFeeBps     uint64
	LockWindow            time.Duration
	PaymentWindow         time.Duration
	ClaimWindow           time.Duration
	SettlementWindow      time.Duration
	RequireClaimSignature bool

	MinStake            *big.Int
	SlashPenaltyPercent uint8
	StakeToken          common.Address
	Treasury            common.Address
	Custody             common.Address

	Admin       common.Address
	Arbiter     common.Address
	Oracle      common.Address
	RateUpdater common.Address
	Slasher     common.Address
	ClaimSigner common.Address

	RateMaxStaleness        time.Duration
	RateMaxDeviationPercent uint64
	// PriceFeeds maps a fiat currency to its Chainlink aggregator.
	PriceFeeds map[string]common.Address
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	feeds, err := ParsePriceFeeds(os.Getenv("PRICE_FEEDS"))
	if err != nil {
		log.Fatalf("Invalid PRICE_FEEDS: %v", err)
	}

	admin := getEnvAddressOrFatal("ADMIN_ADDRESS")
	return &Config{
		DbURL:            getEnvOrFatal("DB_URL"),
		KafkaBroker:      getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:       getEnvOrFatal("KAFKA_TOPIC"),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "escrow-materializer"),
		RpcURL:           os.Getenv("RPC_URL"),
		APIPort:          getEnvInt("API_PORT", 8080),
		PublishInterval:  getEnvDuration("PUBLISH_INTERVAL", 5*time.Second),
		PublishBatchSize: getEnvInt("PUBLISH_BATCH_SIZE", 50),

		PlatformFeeBps:        getEnvUint64("PLATFORM_FEE_BPS", 50),
		MaxPlatformFeeBps:     getEnvUint64("MAX_PLATFORM_FEE_BPS", 500),
		LockWindow:            getEnvDuration("LOCK_WINDOW", 15*time.Minute),
		PaymentWindow:         getEnvDuration("PAYMENT_WINDOW", 30*time.Minute),
		ClaimWindow:           getEnvDuration("CLAIM_WINDOW", time.Hour),
		SettlementWindow:      getEnvDuration("SETTLEMENT_WINDOW", 2*time.Hour),
		RequireClaimSignature: getEnvBool("REQUIRE_CLAIM_SIGNATURE", false),

		MinStake:            getEnvBigInt("MIN_STAKE", big.NewInt(1_000_000_000)),
		SlashPenaltyPercent: uint8(getEnvUint64("SLASH_PENALTY_PERCENT", 10)),
		StakeToken:          getEnvAddressOrFatal("STAKE_TOKEN"),
		Treasury:            getEnvAddressOrFatal("TREASURY_ADDRESS"),
		Custody:             getEnvAddressOrFatal("CUSTODY_ADDRESS"),

		Admin:       admin,
		Arbiter:     getEnvAddress("ARBITER_ADDRESS", admin),
		Oracle:      getEnvAddress("ORACLE_ADDRESS", admin),
		RateUpdater: getEnvAddress("RATE_UPDATER_ADDRESS", admin),
		Slasher:     getEnvAddress("SLASHER_ADDRESS", admin),
		ClaimSigner: getEnvAddress("CLAIM_SIGNER", common.Address{}),

		RateMaxStaleness:        getEnvDuration("RATE_MAX_STALENESS", time.Hour),
		RateMaxDeviationPercent: getEnvUint64("RATE_MAX_DEVIATION_PERCENT", 10),
		PriceFeeds:              feeds,
	}
}

// ParsePriceFeeds reads "EUR=0xaddr,GBP=0xaddr" into a currency→aggregator map.
func ParsePriceFeeds(raw string) (map[string]common.Address, error) {
	feeds := make(map[string]common.Address)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return feeds, nil
	}
	for _, item := range strings.Split(raw, ",") {
		currency, addr, ok := strings.Cut(strings.TrimSpace(item), "=")
		currency = strings.ToUpper(strings.TrimSpace(currency))
		addr = strings.TrimSpace(addr)
		if !ok || currency == "" {
			return nil, fmt.Errorf("malformed entry %q", item)
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid aggregator address %q for %s", addr, currency)
		}
		feeds[currency] = common.HexToAddress(addr)
	}
	return feeds, nil
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("Warning: environment variable %s not set", key)

	return ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseUint(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvBigInt(key string, defaultValue *big.Int) *big.Int {
	if value := os.Getenv(key); value != "" {
		if parsed, ok := new(big.Int).SetString(value, 10); ok {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAddress(key string, defaultValue common.Address) common.Address {
	if value := os.Getenv(key); common.IsHexAddress(value) {
		return common.HexToAddress(value)
	}
	return defaultValue
}

func getEnvAddressOrFatal(key string) common.Address {
	value := getEnvOrFatal(key)
	if !common.IsHexAddress(value) {
		log.Fatalf("Warning: environment variable %s is not an address: %q", key, value)
	}
	return common.HexToAddress(value)
}
