package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agrichain/crypto"
)

// Signer signs ledger transactions on behalf of one address. Key material
// stays behind this interface.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// SignerResolver returns the signer for an address or ErrNoSigner.
type SignerResolver interface {
	SignerFor(addr common.Address) (Signer, error)
}

// Signers is a static SignerResolver keyed by address.
type Signers map[common.Address]Signer

// NewSigners indexes the supplied signers by address.
func NewSigners(signers ...Signer) Signers {
	out := make(Signers, len(signers))
	for _, s := range signers {
		if s == nil {
			continue
		}
		out[s.Address()] = s
	}
	return out
}

// SignerFor implements SignerResolver.
func (s Signers) SignerFor(addr common.Address) (Signer, error) {
	signer, ok := s[addr]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSigner, addr.Hex())
	}
	return signer, nil
}

// KeySigner signs with a key decrypted from an operator keystore file.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner loads the keystore at path.
func NewKeySigner(path, passphrase string) (*KeySigner, error) {
	key, err := crypto.LoadFromKeystore(path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("load operator keystore: %w", err)
	}
	return &KeySigner{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}
