package keyring

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

type watchRecord struct {
	Addresses []common.Address `json:"addresses"`
}

// Watch tracks addresses for display only. Every signing call is rejected.
type Watch struct {
	lk        sync.Mutex
	addresses []common.Address
}

var _ Keyring = (*Watch)(nil)

func NewWatch() *Watch {
	return &Watch{}
}

func newWatchFromRecord(raw json.RawMessage) (*Watch, error) {
	var rec watchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode watch record")
	}
	return &Watch{addresses: rec.Addresses}, nil
}

func (w *Watch) Type() types.KeyringType       { return types.WatchKeyring }
func (w *Watch) Brand() string                 { return "" }
func (w *Watch) Capabilities() types.Capability { return 0 }

func (w *Watch) Accounts() []types.AccountRef {
	w.lk.Lock()
	defer w.lk.Unlock()

	refs := make([]types.AccountRef, 0, len(w.addresses))
	for _, addr := range w.addresses {
		refs = append(refs, types.AccountRef{Address: addr, Type: types.WatchKeyring})
	}
	return refs
}

func (w *Watch) Add(addr common.Address) types.AccountRef {
	w.lk.Lock()
	defer w.lk.Unlock()

	for _, existing := range w.addresses {
		if existing == addr {
			return types.AccountRef{Address: addr, Type: types.WatchKeyring}
		}
	}
	w.addresses = append(w.addresses, addr)
	return types.AccountRef{Address: addr, Type: types.WatchKeyring}
}

func (w *Watch) Remove(addr common.Address) bool {
	w.lk.Lock()
	defer w.lk.Unlock()

	for i, existing := range w.addresses {
		if existing == addr {
			w.addresses = append(w.addresses[:i], w.addresses[i+1:]...)
			return true
		}
	}
	return false
}

func (w *Watch) SignTransaction(ctx context.Context, addr common.Address, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	return nil, types.ErrUnsupportedOperation
}

func (w *Watch) SignMessage(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	return nil, types.ErrUnsupportedOperation
}

func (w *Watch) SignTypedData(ctx context.Context, addr common.Address, td apitypes.TypedData) ([]byte, error) {
	return nil, types.ErrUnsupportedOperation
}

func (w *Watch) ExportPrivateKey(addr common.Address) (string, error) {
	return "", types.ErrUnsupportedOperation
}

func (w *Watch) Serialize() (json.RawMessage, error) {
	w.lk.Lock()
	defer w.lk.Unlock()
	return json.Marshal(&watchRecord{Addresses: w.addresses})
}

func (w *Watch) Lock() {}

func (w *Watch) Unlock(password string) error { return nil }
