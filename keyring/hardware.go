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

// DeviceSession is one live connection to a hardware signer. Interactive
// calls may block on physical confirmation for an unbounded time; they must
// honor ctx cancellation.
type DeviceSession interface {
	Brand() string
	ListAccounts(ctx context.Context) ([]common.Address, error)
	PassphraseState(ctx context.Context) (string, error)
	SignTransaction(ctx context.Context, addr common.Address, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
	SignMessage(ctx context.Context, addr common.Address, data []byte) ([]byte, error)
}

// DeviceConnector establishes device sessions per brand.
type DeviceConnector interface {
	Connect(ctx context.Context, brand string) (DeviceSession, error)
}

type hardwareAccount struct {
	Address common.Address `json:"address"`
	Index   int            `json:"index"`
	// Version 0 marks a legacy fixed-address account imported before
	// passphrase-state tracking; it is upgraded on first successful sign.
	Version         int    `json:"version,omitempty"`
	PassphraseState string `json:"passphraseState,omitempty"`
}

type hardwareRecord struct {
	Brand    string            `json:"brand"`
	Accounts []hardwareAccount `json:"accounts"`
}

// Hardware delegates signing to a device session. No secret material is
// ever held here, only address references and device metadata.
type Hardware struct {
	lk sync.Mutex

	brand    string
	accounts []hardwareAccount
	session  DeviceSession
	dirty    bool
}

var _ Keyring = (*Hardware)(nil)

// NewHardware binds a connected device session and snapshots its accounts.
func NewHardware(ctx context.Context, session DeviceSession) (*Hardware, error) {
	addrs, err := session.ListAccounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list device accounts")
	}
	state, err := session.PassphraseState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read passphrase state")
	}

	h := &Hardware{
		brand:   session.Brand(),
		session: session,
	}
	for i, addr := range addrs {
		h.accounts = append(h.accounts, hardwareAccount{
			Address:         addr,
			Index:           i,
			Version:         1,
			PassphraseState: state,
		})
	}
	return h, nil
}

func newHardwareFromRecord(raw json.RawMessage) (*Hardware, error) {
	var rec hardwareRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode hardware record")
	}
	return &Hardware{
		brand:    rec.Brand,
		accounts: rec.Accounts,
	}, nil
}

func (h *Hardware) Type() types.KeyringType { return types.HardwareKeyring }

func (h *Hardware) Brand() string {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.brand
}

func (h *Hardware) Capabilities() types.Capability {
	return types.CapSignTransaction | types.CapSignMessage
}

func (h *Hardware) Accounts() []types.AccountRef {
	h.lk.Lock()
	defer h.lk.Unlock()

	refs := make([]types.AccountRef, 0, len(h.accounts))
	for _, acct := range h.accounts {
		refs = append(refs, types.AccountRef{Address: acct.Address, Type: types.HardwareKeyring, Brand: h.brand})
	}
	return refs
}

// AttachSession rebinds a reconnected device.
func (h *Hardware) AttachSession(session DeviceSession) {
	h.lk.Lock()
	defer h.lk.Unlock()
	h.session = session
}

func (h *Hardware) SignTransaction(ctx context.Context, addr common.Address, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	session, err := h.sessionFor(addr)
	if err != nil {
		return nil, err
	}
	signed, err := session.SignTransaction(ctx, addr, tx, chainID)
	if err != nil {
		return nil, err
	}
	h.upgradeOnFirstSign(ctx, addr, session)
	return signed, nil
}

func (h *Hardware) SignMessage(ctx context.Context, addr common.Address, data []byte) ([]byte, error) {
	session, err := h.sessionFor(addr)
	if err != nil {
		return nil, err
	}
	sig, err := session.SignMessage(ctx, addr, data)
	if err != nil {
		return nil, err
	}
	h.upgradeOnFirstSign(ctx, addr, session)
	return sig, nil
}

func (h *Hardware) SignTypedData(ctx context.Context, addr common.Address, td apitypes.TypedData) ([]byte, error) {
	return nil, types.ErrUnsupportedOperation
}

func (h *Hardware) ExportPrivateKey(addr common.Address) (string, error) {
	return "", types.ErrUnsupportedOperation
}

func (h *Hardware) Serialize() (json.RawMessage, error) {
	h.lk.Lock()
	defer h.lk.Unlock()

	return json.Marshal(&hardwareRecord{
		Brand:    h.brand,
		Accounts: h.accounts,
	})
}

// Lock is a no-op: the secret never leaves the device.
func (h *Hardware) Lock() {}

func (h *Hardware) Unlock(password string) error { return nil }

// TakeDirty reports and clears the pending-persist flag set by the lazy
// account upgrade.
func (h *Hardware) TakeDirty() bool {
	h.lk.Lock()
	defer h.lk.Unlock()

	dirty := h.dirty
	h.dirty = false
	return dirty
}

func (h *Hardware) sessionFor(addr common.Address) (DeviceSession, error) {
	h.lk.Lock()
	defer h.lk.Unlock()

	if h.session == nil {
		return nil, types.ErrDeviceDisconnected
	}
	for _, acct := range h.accounts {
		if acct.Address == addr {
			return h.session, nil
		}
	}
	return nil, errors.Errorf("account %s not in keyring", addr.Hex())
}

// upgradeOnFirstSign assigns a version and snapshots the passphrase state
// the first time a legacy account signs successfully. Idempotent.
func (h *Hardware) upgradeOnFirstSign(ctx context.Context, addr common.Address, session DeviceSession) {
	h.lk.Lock()
	idx := -1
	for i, acct := range h.accounts {
		if acct.Address == addr && acct.Version == 0 {
			idx = i
			break
		}
	}
	h.lk.Unlock()
	if idx < 0 {
		return
	}

	state, err := session.PassphraseState(ctx)
	if err != nil {
		log.Warnf("passphrase state snapshot for %s failed: %v", addr.Hex(), err)
		return
	}

	h.lk.Lock()
	defer h.lk.Unlock()
	if h.accounts[idx].Version != 0 {
		return
	}
	h.accounts[idx].Version = 1
	h.accounts[idx].PassphraseState = state
	h.dirty = true
	log.Infof("upgraded fixed-address account %s", addr.Hex())
}
