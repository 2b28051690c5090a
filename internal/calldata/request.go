// Package calldata encodes arbitrage requests into the opaque params blob
// that travels through the lending protocol, and decodes it back inside the
// callback.
package calldata

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// The params tuple uses the same layout as the on-chain engine's
// abi.encode(tokenIn, amountIn, tokenOut, deadline, buyOnFirstVenue).
const paramsABI = `[
	{
		"type": "function",
		"name": "arbitrageParams",
		"stateMutability": "pure",
		"inputs": [
			{"name": "borrowedAsset", "type": "address"},
			{"name": "borrowAmount", "type": "uint256"},
			{"name": "profitAsset", "type": "address"},
			{"name": "deadline", "type": "uint256"},
			{"name": "buyOnFirstVenue", "type": "bool"}
		],
		"outputs": []
	}
]`

var paramsArgs = mustParseArgs(paramsABI, "arbitrageParams")

func mustParseArgs(raw, method string) abi.Arguments {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("calldata: parse ABI: %v", err))
	}
	m, ok := parsed.Methods[method]
	if !ok {
		panic(fmt.Sprintf("calldata: method %q not found", method))
	}
	return m.Inputs
}

// EncodeRequest packs req into ABI-encoded params.
func EncodeRequest(req domain.ArbitrageRequest) ([]byte, error) {
	if req.BorrowAmount == nil {
		return nil, fmt.Errorf("calldata: encode: nil borrow amount: %w", domain.ErrMalformedRequest)
	}
	if !req.LegOrder.Valid() {
		return nil, fmt.Errorf("calldata: encode: leg order %q: %w", req.LegOrder, domain.ErrMalformedRequest)
	}
	deadline := req.Deadline.Unix()
	if deadline < 0 {
		return nil, fmt.Errorf("calldata: encode: deadline %d: %w", deadline, domain.ErrMalformedRequest)
	}
	data, err := paramsArgs.Pack(
		req.BorrowedAsset,
		req.BorrowAmount.ToBig(),
		req.ProfitAsset,
		big.NewInt(deadline),
		req.LegOrder.BuyOnFirstVenue(),
	)
	if err != nil {
		return nil, fmt.Errorf("calldata: encode: %w", err)
	}
	return data, nil
}

// DecodeRequest unpacks params produced by EncodeRequest. Any failure wraps
// domain.ErrMalformedRequest.
func DecodeRequest(data []byte) (domain.ArbitrageRequest, error) {
	if len(data) == 0 || len(data)%32 != 0 {
		return domain.ArbitrageRequest{}, fmt.Errorf("calldata: decode: %d bytes: %w", len(data), domain.ErrMalformedRequest)
	}
	values, err := paramsArgs.Unpack(data)
	if err != nil {
		return domain.ArbitrageRequest{}, fmt.Errorf("calldata: decode: %v: %w", err, domain.ErrMalformedRequest)
	}
	if len(values) != len(paramsArgs) {
		return domain.ArbitrageRequest{}, fmt.Errorf("calldata: decode: %d values: %w", len(values), domain.ErrMalformedRequest)
	}

	borrowed, ok1 := values[0].(common.Address)
	amountBig, ok2 := values[1].(*big.Int)
	profit, ok3 := values[2].(common.Address)
	deadlineBig, ok4 := values[3].(*big.Int)
	buyFirst, ok5 := values[4].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return domain.ArbitrageRequest{}, fmt.Errorf("calldata: decode: unexpected value types: %w", domain.ErrMalformedRequest)
	}

	amount, overflow := uint256.FromBig(amountBig)
	if overflow {
		return domain.ArbitrageRequest{}, fmt.Errorf("calldata: decode: amount: %w", domain.ErrMalformedRequest)
	}
	if !deadlineBig.IsInt64() {
		return domain.ArbitrageRequest{}, fmt.Errorf("calldata: decode: deadline %s: %w", deadlineBig, domain.ErrMalformedRequest)
	}

	return domain.ArbitrageRequest{
		BorrowedAsset: borrowed,
		BorrowAmount:  amount,
		ProfitAsset:   profit,
		Deadline:      time.Unix(deadlineBig.Int64(), 0),
		LegOrder:      domain.LegOrderFromBool(buyFirst),
	}, nil
}
