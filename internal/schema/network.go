package schema

import "strings"

// Network identifies the chain a token quote belongs to.
type Network string

const (
	// NetworkSolana is the Solana chain.
	NetworkSolana Network = "solana"
	// NetworkBSC is the BNB Smart Chain.
	NetworkBSC Network = "bsc"
)

// legacy wire spellings still emitted by older feed versions.
var networkAliases = map[string]Network{
	"bnb": NetworkBSC,
}

// NormalizeNetwork lower-cases a wire network identifier and resolves legacy
// aliases. Unknown chains pass through lower-cased rather than being dropped.
func NormalizeNetwork(raw string) Network {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := networkAliases[lowered]; ok {
		return canonical
	}
	return Network(lowered)
}

// Canonical reports whether the network is one of the chains the feed serves.
func (n Network) Canonical() bool {
	switch n {
	case NetworkSolana, NetworkBSC:
		return true
	default:
		return false
	}
}
