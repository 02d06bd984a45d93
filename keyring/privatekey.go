package keyring

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-keeper/store"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

type privateKeyRecord struct {
	Sealed    *store.Sealed    `json:"sealed"`
	Addresses []common.Address `json:"addresses"`
}

// PrivateKey holds individually imported keys. All keys are sealed together
// as one JSON list of hex strings.
type PrivateKey struct {
	lk sync.Mutex

	sealed    *store.Sealed
	addresses []common.Address

	// unlocked state
	keys map[common.Address]*ecdsa.PrivateKey
}

var _ Keyring = (*PrivateKey)(nil)

// NewPrivateKey imports the first key, sealed under password.
func NewPrivateKey(hexKey, password string) (*PrivateKey, error) {
	p := &PrivateKey{
		keys: make(map[common.Address]*ecdsa.PrivateKey),
	}
	if _, err := p.Add(hexKey, password); err != nil {
		return nil, err
	}
	return p, nil
}

func newPrivateKeyFromRecord(raw json.RawMessage) (*PrivateKey, error) {
	var rec privateKeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode privatekey record")
	}
	return &PrivateKey{
		sealed:    rec.Sealed,
		addresses: rec.Addresses,
	}, nil
}

// Add imports one more key and reseals the whole set. Requires the keyring
// to be unlocked when it already holds keys.
func (p *PrivateKey) Add(hexKey, password string) (types.AccountRef, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return types.AccountRef{}, types.ErrInvalidPrivateKey
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	p.lk.Lock()
	defer p.lk.Unlock()

	if p.keys == nil {
		return types.AccountRef{}, types.ErrWalletLocked
	}
	if _, ok := p.keys[addr]; !ok {
		p.keys[addr] = key
		p.addresses = append(p.addresses, addr)
	}
	if err := p.resealLocked(password); err != nil {
		return types.AccountRef{}, err
	}
	log.Infof("imported key for account %s", addr.Hex())
	return types.AccountRef{Address: addr, Type: types.PrivateKeyKeyring}, nil
}

func (p *PrivateKey) Type() types.KeyringType { return types.PrivateKeyKeyring }
func (p *PrivateKey) Brand() string           { return "" }

func (p *PrivateKey) Capabilities() types.Capability {
	return types.CapSignTransaction | types.CapSignMessage | types.CapSignTypedData | types.CapExportPrivateKey
}

func (p *PrivateKey) Accounts() []types.AccountRef {
	p.lk.Lock()
	defer p.lk.Unlock()

	refs := make([]types.AccountRef, 0, len(p.addresses))
	for _, addr := range p.addresses {
		refs = append(refs, types.AccountRef{Address: addr, Type: types.PrivateKeyKeyring})
	}
	return refs
}

func (p *PrivateKey) SignTransaction(ctx context.Context, addr common.Address, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	key, err := p.key(addr)
	if err != nil {
		return nil, err
	}
	return signTx(key, tx, chainID)
}

func (p *PrivateKey) SignMessage(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	key, err := p.key(addr)
	if err != nil {
		return nil, err
	}
	return signText(key, data)
}

func (p *PrivateKey) SignTypedData(ctx context.Context, addr common.Address, td apitypes.TypedData) ([]byte, error) {
	key, err := p.key(addr)
	if err != nil {
		return nil, err
	}
	return signTypedData(key, td)
}

func (p *PrivateKey) ExportPrivateKey(addr common.Address) (string, error) {
	key, err := p.key(addr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.FromECDSA(key)), nil
}

func (p *PrivateKey) Serialize() (json.RawMessage, error) {
	p.lk.Lock()
	defer p.lk.Unlock()

	return json.Marshal(&privateKeyRecord{
		Sealed:    p.sealed,
		Addresses: p.addresses,
	})
}

func (p *PrivateKey) Lock() {
	p.lk.Lock()
	defer p.lk.Unlock()
	p.keys = nil
}

func (p *PrivateKey) Unlock(password string) error {
	p.lk.Lock()
	defer p.lk.Unlock()

	plain, err := store.OpenSealed(password, p.sealed)
	if err != nil {
		return err
	}
	var hexKeys []string
	if err := json.Unmarshal(plain, &hexKeys); err != nil {
		return errors.Wrap(err, "decode key list")
	}

	keys := make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))
	for _, hk := range hexKeys {
		key, err := crypto.HexToECDSA(hk)
		if err != nil {
			return types.ErrInvalidPrivateKey
		}
		keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	p.keys = keys
	return nil
}

// resealLocked assumes lk held and keys non-nil.
func (p *PrivateKey) resealLocked(password string) error {
	hexKeys := make([]string, 0, len(p.addresses))
	for _, addr := range p.addresses {
		hexKeys = append(hexKeys, hex.EncodeToString(crypto.FromECDSA(p.keys[addr])))
	}
	plain, err := json.Marshal(hexKeys)
	if err != nil {
		return errors.Wrap(err, "encode key list")
	}
	sealed, err := store.Seal(password, plain)
	if err != nil {
		return err
	}
	p.sealed = sealed
	return nil
}

func (p *PrivateKey) key(addr common.Address) (*ecdsa.PrivateKey, error) {
	p.lk.Lock()
	defer p.lk.Unlock()

	if p.keys == nil {
		return nil, types.ErrWalletLocked
	}
	key, ok := p.keys[addr]
	if !ok {
		return nil, errors.Errorf("account %s not in keyring", addr.Hex())
	}
	return key, nil
}
