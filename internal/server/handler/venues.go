package handler

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/units"
	"github.com/alanyoungcy/flasharb/internal/venue/amm"
)

// Venue is a constant-product router whose pools can be listed.
// amm.Router satisfies it.
type Venue interface {
	Name() string
	Address() common.Address
	Fee() uint64
	Pairs() []amm.Pair
	Reserves(tokenA, tokenB common.Address) (reserveA, reserveB *uint256.Int, err error)
}

// VenueHandler lists the swap venues and their pool reserves.
type VenueHandler struct {
	venues []Venue
	tokens *units.Registry
	logger *slog.Logger
}

// NewVenueHandler creates a VenueHandler.
func NewVenueHandler(tokens *units.Registry, logger *slog.Logger, venues ...Venue) *VenueHandler {
	return &VenueHandler{venues: venues, tokens: tokens, logger: logHandler(logger, "venues")}
}

type poolJSON struct {
	Address  string `json:"address"`
	Token0   string `json:"token0"`
	Token1   string `json:"token1"`
	Reserve0 string `json:"reserve0"`
	Reserve1 string `json:"reserve1"`
}

type venueJSON struct {
	Name    string     `json:"name"`
	Address string     `json:"address"`
	Fee     uint64     `json:"fee"`
	Pools   []poolJSON `json:"pools"`
}

// ListVenues returns every venue with its pools.
// GET /api/venues
func (h *VenueHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	out := make([]venueJSON, 0, len(h.venues))
	for _, v := range h.venues {
		vj := venueJSON{Name: v.Name(), Address: v.Address().Hex(), Fee: v.Fee(), Pools: []poolJSON{}}
		pairs := v.Pairs()
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].Address.Hex() < pairs[j].Address.Hex() })
		for _, p := range pairs {
			r0, r1, err := v.Reserves(p.Token0, p.Token1)
			if err != nil {
				writeDomainError(w, h.logger, r, err)
				return
			}
			vj.Pools = append(vj.Pools, poolJSON{
				Address:  p.Address.Hex(),
				Token0:   h.tokens.Label(p.Token0),
				Token1:   h.tokens.Label(p.Token1),
				Reserve0: h.tokens.Format(p.Token0, r0),
				Reserve1: h.tokens.Format(p.Token1, r1),
			})
		}
		out = append(out, vj)
	}
	writeJSON(w, http.StatusOK, map[string]any{"venues": out})
}
