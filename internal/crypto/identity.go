package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Identity is the operator: the caller of API-initiated runs, the default
// controller, and the signer of archived receipts.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewIdentity wraps key.
func NewIdentity(key *ecdsa.PrivateKey) (*Identity, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return &Identity{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the operator address.
func (id *Identity) Address() common.Address { return id.address }

// DeployAddress is the address a contract deployed by the operator at nonce
// would receive. The engine defaults to nonce 0.
func (id *Identity) DeployAddress(nonce uint64) common.Address {
	return ethcrypto.CreateAddress(id.address, nonce)
}

// Sign produces an EIP-191 personal signature over data, hex encoded with a
// 27/28 recovery byte.
func (id *Identity) Sign(data []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(data), id.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that produced sig over data with Sign.
func RecoverSigner(data []byte, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: decode signature: %w", err)
	}
	if len(raw) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("crypto: signature is %d bytes, want %d", len(raw), ethcrypto.SignatureLength)
	}
	if raw[ethcrypto.RecoveryIDOffset] >= 27 {
		raw[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(data), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
