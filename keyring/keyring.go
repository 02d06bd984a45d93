package keyring

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

var log = logging.Logger("keeper_keyring")

// Keyring is one account backend. Capabilities are explicit: a call the
// mask does not cover fails with ErrUnsupportedOperation instead of being
// silently absent.
type Keyring interface {
	Type() types.KeyringType
	Brand() string
	Accounts() []types.AccountRef
	Capabilities() types.Capability

	SignTransaction(ctx context.Context, addr common.Address, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
	SignMessage(ctx context.Context, addr common.Address, data []byte) ([]byte, error)
	SignTypedData(ctx context.Context, addr common.Address, td apitypes.TypedData) ([]byte, error)
	ExportPrivateKey(addr common.Address) (string, error)

	// Serialize returns the persistable backend state; secret material is
	// always sealed before it leaves the keyring.
	Serialize() (json.RawMessage, error)
	Lock()
	Unlock(password string) error
}

// Record is the persisted form of one keyring instance.
type Record struct {
	Type  types.KeyringType `json:"type"`
	Brand string            `json:"brand,omitempty"`
	Data  json.RawMessage   `json:"data"`
}

// signTx signs with the EIP-155 signer for chainID.
func signTx(key *ecdsa.PrivateKey, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	signer := ethtypes.LatestSignerForChainID(chainID)
	signed, err := ethtypes.SignTx(tx, signer, key)
	return signed, errors.Wrap(err, "sign transaction")
}

// signText signs the EIP-191 personal-message hash of data. The recovery
// byte is shifted to the legacy 27/28 form pages expect.
func signText(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(data), key)
	if err != nil {
		return nil, errors.Wrap(err, "sign message")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// signTypedData signs the EIP-712 hash of td.
func signTypedData(key *ecdsa.PrivateKey, td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, errors.Wrap(err, "hash typed data")
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, errors.Wrap(err, "sign typed data")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
