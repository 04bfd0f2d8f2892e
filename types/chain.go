package types

import "fmt"

// Chain identifies a supported blockchain network. The set is closed:
// adding a chain means adding a constant here and an adapter for it,
// not a new conditional branch in the engine.
type Chain string

const (
	// EVM chains
	ChainBase        Chain = "base"
	ChainBaseSepolia Chain = "base-sepolia" // testnet
	ChainPolygon     Chain = "polygon"
	ChainPolygonAmoy Chain = "polygon-amoy" // testnet

	// Solana chains
	ChainSolanaMainnet Chain = "solana-mainnet"
	ChainSolanaDevnet  Chain = "solana-devnet" // testnet
)

// ChainFamily classifies a chain by its transaction model.
type ChainFamily string

const (
	FamilyEVM    ChainFamily = "evm"
	FamilySolana ChainFamily = "solana"
)

func (c Chain) IsEVM() bool {
	return c == ChainBase || c == ChainBaseSepolia || c == ChainPolygon || c == ChainPolygonAmoy
}

func (c Chain) IsSolana() bool {
	return c == ChainSolanaMainnet || c == ChainSolanaDevnet
}

func (c Chain) IsTestnet() bool {
	return c == ChainBaseSepolia || c == ChainPolygonAmoy || c == ChainSolanaDevnet
}

func (c Chain) Family() ChainFamily {
	if c.IsSolana() {
		return FamilySolana
	}
	return FamilyEVM
}

func (c Chain) String() string {
	return string(c)
}

// ParseChain converts a wire string into a Chain, rejecting anything
// outside the supported set.
func ParseChain(s string) (Chain, error) {
	c := Chain(s)
	if !c.IsEVM() && !c.IsSolana() {
		return "", &Error{
			Code:    ErrUnsupportedChain,
			Message: fmt.Sprintf("unsupported chain: %q", s),
		}
	}
	return c, nil
}

// EVMChainID maps EVM chains to their chain ids for signing.
var EVMChainID = map[Chain]int64{
	ChainBase:        8453,
	ChainBaseSepolia: 84532,
	ChainPolygon:     137,
	ChainPolygonAmoy: 80002,
}
