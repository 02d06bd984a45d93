package testhelper

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-keeper/keyring"
)

var _ keyring.DeviceSession = (*MemDevice)(nil)
var _ keyring.DeviceConnector = (*MemDevice)(nil)

// MemDevice emulates a hardware signer in memory. Set Block to make
// interactive calls hang until the caller cancels, set Fail to reject
// them, mirroring a user who never confirms or presses reject.
type MemDevice struct {
	lk    sync.Mutex
	brand string
	keys  map[common.Address]*ecdsa.PrivateKey
	order []common.Address
	state string

	block chan struct{}
	fail  bool
}

func NewMemDevice(brand string, numAccounts int) (*MemDevice, error) {
	d := &MemDevice{
		brand: brand,
		keys:  make(map[common.Address]*ecdsa.PrivateKey),
		state: "state-" + brand,
	}
	for i := 0; i < numAccounts; i++ {
		key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		d.keys[addr] = key
		d.order = append(d.order, addr)
	}
	return d, nil
}

// SetBlock makes every signing call wait on ctx until Release is called.
func (d *MemDevice) SetBlock() {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.block = make(chan struct{})
}

// Release unblocks all waiting signing calls.
func (d *MemDevice) Release() {
	d.lk.Lock()
	defer d.lk.Unlock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
}

func (d *MemDevice) SetFail(fail bool) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.fail = fail
}

func (d *MemDevice) Connect(ctx context.Context, brand string) (keyring.DeviceSession, error) {
	if brand != d.brand {
		return nil, errors.Errorf("no %s device", brand)
	}
	return d, nil
}

func (d *MemDevice) Brand() string { return d.brand }

func (d *MemDevice) ListAccounts(ctx context.Context) ([]common.Address, error) {
	d.lk.Lock()
	defer d.lk.Unlock()
	return append([]common.Address{}, d.order...), nil
}

func (d *MemDevice) PassphraseState(ctx context.Context) (string, error) {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.state, nil
}

func (d *MemDevice) SignTransaction(ctx context.Context, addr common.Address, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	key, err := d.confirm(ctx, addr)
	if err != nil {
		return nil, err
	}
	return ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), key)
}

func (d *MemDevice) SignMessage(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	key, err := d.confirm(ctx, addr)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(data), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// confirm models the physical confirmation step.
func (d *MemDevice) confirm(ctx context.Context, addr common.Address) (*ecdsa.PrivateKey, error) {
	d.lk.Lock()
	block := d.block
	fail := d.fail
	key, ok := d.keys[addr]
	d.lk.Unlock()

	if !ok {
		return nil, errors.Errorf("account %s not on device", addr.Hex())
	}
	if fail {
		return nil, errors.New("user rejected on device")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return key, nil
}
