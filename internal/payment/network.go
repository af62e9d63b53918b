package payment

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Mode is the deployment mode that selects the settlement network.
type Mode string

const (
	ModeTestnet    Mode = "testnet"
	ModeProduction Mode = "production"
)

// ParseMode accepts "testnet" and "production" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeTestnet, ModeProduction:
		return m, nil
	default:
		return "", fmt.Errorf("unknown payment mode %q", s)
	}
}

const (
	// TestnetPlaceholderPayTo is the sample payee shipped for testnet. It must
	// never receive production payments.
	TestnetPlaceholderPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

	ZeroAddress = "0x0000000000000000000000000000000000000000"

	// USDC has 6 decimals.
	usdcDecimals = 6
)

type NetworkConfig struct {
	Name           string
	ChainID        int64
	FacilitatorURL string
	Asset          string // USDC contract address
}

var networks = map[Mode]NetworkConfig{
	ModeTestnet: {
		Name:           "base-sepolia",
		ChainID:        84532,
		FacilitatorURL: "https://x402.org/facilitator",
		Asset:          "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	},
	ModeProduction: {
		Name:           "base",
		ChainID:        8453,
		FacilitatorURL: "https://api.cdp.coinbase.com/platform/v2/x402",
		Asset:          "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	},
}

// Network returns the network settings for mode. Anything other than
// production resolves to testnet.
func Network(mode Mode) NetworkConfig {
	if mode == ModeProduction {
		return networks[ModeProduction]
	}
	return networks[ModeTestnet]
}

// FormatPrice renders a USD amount the way it appears in challenges ("$0.01").
func FormatPrice(usd float64) string {
	p := message.NewPrinter(language.English)
	return p.Sprintf("$%.2f", usd)
}

// AtomicAmount converts USD to USDC base units.
func AtomicAmount(usd float64) string {
	units := math.Round(usd * math.Pow10(usdcDecimals))
	return fmt.Sprintf("%d", int64(units))
}
