package keyring

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/ipfs-force-community/sophon-keeper/store"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

// purpose' / coin-type' / account' / change / index
var hdPathPrefix = []uint32{
	44 + hdkeychain.HardenedKeyStart,
	60 + hdkeychain.HardenedKeyStart,
	hdkeychain.HardenedKeyStart,
	0,
}

type mnemonicRecord struct {
	Sealed      *store.Sealed    `json:"sealed"`
	NumAccounts int              `json:"numAccounts"`
	Addresses   []common.Address `json:"addresses"`
}

// Mnemonic is the HD seed-phrase backend. The phrase lives sealed at rest;
// while unlocked the derived keys are held in memory, Lock drops them.
type Mnemonic struct {
	lk sync.Mutex

	sealed      *store.Sealed
	numAccounts int
	addresses   []common.Address

	// unlocked state
	phrase string
	keys   map[common.Address]*ecdsa.PrivateKey
}

var _ Keyring = (*Mnemonic)(nil)

// NewMnemonic validates the phrase checksum, seals it under password and
// derives the first account.
func NewMnemonic(phrase, password string) (*Mnemonic, error) {
	if !bip39.IsMnemonicValid(phrase) {
		return nil, types.ErrInvalidMnemonic
	}
	sealed, err := store.Seal(password, []byte(phrase))
	if err != nil {
		return nil, err
	}

	m := &Mnemonic{
		sealed: sealed,
		phrase: phrase,
		keys:   make(map[common.Address]*ecdsa.PrivateKey),
	}
	if _, err := m.DeriveNext(); err != nil {
		return nil, err
	}
	return m, nil
}

func newMnemonicFromRecord(raw json.RawMessage) (*Mnemonic, error) {
	var rec mnemonicRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode mnemonic record")
	}
	return &Mnemonic{
		sealed:      rec.Sealed,
		numAccounts: rec.NumAccounts,
		addresses:   rec.Addresses,
	}, nil
}

func (m *Mnemonic) Type() types.KeyringType { return types.MnemonicKeyring }
func (m *Mnemonic) Brand() string           { return "" }

func (m *Mnemonic) Capabilities() types.Capability {
	return types.CapSignTransaction | types.CapSignMessage | types.CapSignTypedData | types.CapExportPrivateKey
}

func (m *Mnemonic) Accounts() []types.AccountRef {
	m.lk.Lock()
	defer m.lk.Unlock()

	refs := make([]types.AccountRef, 0, len(m.addresses))
	for _, addr := range m.addresses {
		refs = append(refs, types.AccountRef{Address: addr, Type: types.MnemonicKeyring})
	}
	return refs
}

// DeriveNext derives the next sequential account. Requires the keyring to
// be unlocked.
func (m *Mnemonic) DeriveNext() (types.AccountRef, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.phrase == "" {
		return types.AccountRef{}, types.ErrWalletLocked
	}
	key, err := deriveSeedKey(bip39.NewSeed(m.phrase, ""), uint32(m.numAccounts))
	if err != nil {
		return types.AccountRef{}, err
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	m.numAccounts++
	m.addresses = append(m.addresses, addr)
	if m.keys == nil {
		m.keys = make(map[common.Address]*ecdsa.PrivateKey)
	}
	m.keys[addr] = key
	log.Infof("derived account %s at index %d", addr.Hex(), m.numAccounts-1)
	return types.AccountRef{Address: addr, Type: types.MnemonicKeyring}, nil
}

func (m *Mnemonic) SignTransaction(ctx context.Context, addr common.Address, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	key, err := m.key(addr)
	if err != nil {
		return nil, err
	}
	return signTx(key, tx, chainID)
}

func (m *Mnemonic) SignMessage(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	key, err := m.key(addr)
	if err != nil {
		return nil, err
	}
	return signText(key, data)
}

func (m *Mnemonic) SignTypedData(ctx context.Context, addr common.Address, td apitypes.TypedData) ([]byte, error) {
	key, err := m.key(addr)
	if err != nil {
		return nil, err
	}
	return signTypedData(key, td)
}

func (m *Mnemonic) ExportPrivateKey(addr common.Address) (string, error) {
	key, err := m.key(addr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.FromECDSA(key)), nil
}

func (m *Mnemonic) Serialize() (json.RawMessage, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	return json.Marshal(&mnemonicRecord{
		Sealed:      m.sealed,
		NumAccounts: m.numAccounts,
		Addresses:   m.addresses,
	})
}

func (m *Mnemonic) Lock() {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.phrase = ""
	m.keys = nil
}

func (m *Mnemonic) Unlock(password string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	plain, err := store.OpenSealed(password, m.sealed)
	if err != nil {
		return err
	}
	phrase := string(plain)

	keys := make(map[common.Address]*ecdsa.PrivateKey, m.numAccounts)
	seed := bip39.NewSeed(phrase, "")
	for i := 0; i < m.numAccounts; i++ {
		key, err := deriveSeedKey(seed, uint32(i))
		if err != nil {
			return err
		}
		keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	m.phrase = phrase
	m.keys = keys
	return nil
}

func (m *Mnemonic) key(addr common.Address) (*ecdsa.PrivateKey, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.keys == nil {
		return nil, types.ErrWalletLocked
	}
	key, ok := m.keys[addr]
	if !ok {
		return nil, errors.Errorf("account %s not in keyring", addr.Hex())
	}
	return key, nil
}

func deriveSeedKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	node, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, errors.Wrap(err, "derive master key")
	}
	for _, child := range append(append([]uint32{}, hdPathPrefix...), index) {
		node, err = node.Derive(child)
		if err != nil {
			return nil, errors.Wrapf(err, "derive child %d", child)
		}
	}
	priv, err := node.ECPrivKey()
	if err != nil {
		return nil, errors.Wrap(err, "derive private key")
	}
	return priv.ToECDSA(), nil
}
