package units

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token describes an asset for display and amount conversion.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Registry resolves tokens by address and symbol. It is read-only after
// construction.
type Registry struct {
	byAddr   map[common.Address]Token
	bySymbol map[string]Token
}

// NewRegistry indexes tokens. Duplicate addresses or symbols are an error.
func NewRegistry(tokens ...Token) (*Registry, error) {
	r := &Registry{
		byAddr:   make(map[common.Address]Token, len(tokens)),
		bySymbol: make(map[string]Token, len(tokens)),
	}
	for _, t := range tokens {
		sym := strings.ToUpper(t.Symbol)
		if _, dup := r.byAddr[t.Address]; dup {
			return nil, fmt.Errorf("units: duplicate token address %s", t.Address.Hex())
		}
		if _, dup := r.bySymbol[sym]; dup {
			return nil, fmt.Errorf("units: duplicate token symbol %s", t.Symbol)
		}
		r.byAddr[t.Address] = t
		r.bySymbol[sym] = t
	}
	return r, nil
}

// Lookup returns the token at addr.
func (r *Registry) Lookup(addr common.Address) (Token, bool) {
	t, ok := r.byAddr[addr]
	return t, ok
}

// BySymbol returns the token with symbol (case-insensitive).
func (r *Registry) BySymbol(symbol string) (Token, bool) {
	t, ok := r.bySymbol[strings.ToUpper(symbol)]
	return t, ok
}

// Tokens returns every token ordered by symbol.
func (r *Registry) Tokens() []Token {
	out := make([]Token, 0, len(r.byAddr))
	for _, t := range r.byAddr {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Label names addr by symbol, or by its hex form when unknown.
func (r *Registry) Label(addr common.Address) string {
	if t, ok := r.Lookup(addr); ok {
		return t.Symbol
	}
	return addr.Hex()
}

// Format renders v of asset in human units with its symbol, e.g. "1.5 WETH".
// Unknown assets print the raw base-unit amount.
func (r *Registry) Format(asset common.Address, v *uint256.Int) string {
	if t, ok := r.Lookup(asset); ok {
		return FromBase(v, t.Decimals) + " " + t.Symbol
	}
	if v == nil {
		v = new(uint256.Int)
	}
	return v.Dec() + " " + asset.Hex()
}

// Parse converts a human amount of asset into base units.
func (r *Registry) Parse(asset common.Address, amount string) (*uint256.Int, error) {
	t, ok := r.Lookup(asset)
	if !ok {
		return nil, fmt.Errorf("units: unknown token %s", asset.Hex())
	}
	return ToBase(amount, t.Decimals)
}
