package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestParsePriceFeeds(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected map[string]common.Address
		wantErr  bool
	}{
		{name: "empty", raw: "", expected: map[string]common.Address{}},
		{
			name: "two feeds",
			raw:  "eur=0xb49f677943BC038e9857d61E7d053CaA2C1734C1, GBP=0x5c0Ab2d9b5a7ed9f470386e82BB36A3613cDd4b5",
			expected: map[string]common.Address{
				"EUR": common.HexToAddress("0xb49f677943BC038e9857d61E7d053CaA2C1734C1"),
				"GBP": common.HexToAddress("0x5c0Ab2d9b5a7ed9f470386e82BB36A3613cDd4b5"),
			},
		},
		{name: "missing separator", raw: "EUR0xb49f677943BC038e9857d61E7d053CaA2C1734C1", wantErr: true},
		{name: "bad address", raw: "EUR=0x1234", wantErr: true},
		{name: "missing currency", raw: "=0xb49f677943BC038e9857d61E7d053CaA2C1734C1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePriceFeeds(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("Expected %d feeds, got %d", len(tt.expected), len(got))
			}
			for currency, addr := range tt.expected {
				if got[currency] != addr {
					t.Errorf("Expected %s for %s, got %s", addr.Hex(), currency, got[currency].Hex())
				}
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{name: "unset", value: "", expected: time.Minute},
		{name: "go duration", value: "90s", expected: 90 * time.Second},
		{name: "plain seconds", value: "120", expected: 2 * time.Minute},
		{name: "garbage", value: "soon", expected: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_WINDOW", tt.value)
			if got := getEnvDuration("TEST_WINDOW", time.Minute); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestTypedHelpers(t *testing.T) {
	t.Setenv("TEST_BIG", "123456789012345678901234567890")
	expected, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if got := getEnvBigInt("TEST_BIG", big.NewInt(1)); got.Cmp(expected) != 0 {
		t.Errorf("Expected %s, got %s", expected, got)
	}

	t.Setenv("TEST_BIG_BAD", "12ab")
	if got := getEnvBigInt("TEST_BIG_BAD", big.NewInt(7)); got.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("Expected default for malformed value, got %s", got)
	}

	fallback := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	t.Setenv("TEST_ADDR", "not-an-address")
	if got := getEnvAddress("TEST_ADDR", fallback); got != fallback {
		t.Errorf("Expected fallback address, got %s", got.Hex())
	}
	t.Setenv("TEST_ADDR", "0xdAC17F958D2ee523a2206206994597C13D831ec7")
	if got := getEnvAddress("TEST_ADDR", fallback); got != common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7") {
		t.Errorf("Expected parsed address, got %s", got.Hex())
	}

	t.Setenv("TEST_BOOL", "true")
	if !getEnvBool("TEST_BOOL", false) {
		t.Errorf("Expected true")
	}
	t.Setenv("TEST_UINT", "-1")
	if got := getEnvUint64("TEST_UINT", 5); got != 5 {
		t.Errorf("Expected default for negative value, got %d", got)
	}
}
