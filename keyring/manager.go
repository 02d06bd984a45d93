package keyring

import (
	"context"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/ipfs-force-community/sophon-keeper/metrics"
	"github.com/ipfs-force-community/sophon-keeper/store"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

const storeKey = "keyrings"

// SignPhase is the externally observable progress of one signing dispatch.
type SignPhase string

const (
	SignPhaseSigning        SignPhase = "signing"
	SignPhaseAwaitingDevice SignPhase = "awaiting-device"
)

// SignStatus lets the UI render a wait state while a hardware device holds
// the flow.
type SignStatus struct {
	ID        uuid.UUID        `json:"id"`
	Account   types.AccountRef `json:"account"`
	Phase     SignPhase        `json:"phase"`
	StartTime time.Time        `json:"startTime"`
}

type signFlight struct {
	status SignStatus
	cancel context.CancelFunc
}

// Manager owns every keyring instance, at most one per backend type, and
// dispatches signing by (address, type). All mutations write the serialized
// keyring set through the persistent store; only ciphertext and address
// references ever leave this package.
type Manager struct {
	lk        sync.Mutex
	ds        *store.Store
	connector DeviceConnector

	keyrings []Keyring
	locked   bool
	flights  map[uuid.UUID]*signFlight
}

// NewManager loads persisted keyrings. The wallet boots locked whenever
// sealed material exists.
func NewManager(ds *store.Store, connector DeviceConnector) (*Manager, error) {
	m := &Manager{
		ds:        ds,
		connector: connector,
		flights:   make(map[uuid.UUID]*signFlight),
	}

	var records []Record
	if _, err := ds.Get(storeKey, &records); err != nil {
		return nil, errors.Wrap(err, "load keyring records")
	}
	for _, rec := range records {
		kr, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		m.keyrings = append(m.keyrings, kr)
		if rec.Type == types.MnemonicKeyring || rec.Type == types.PrivateKeyKeyring {
			m.locked = true
		}
	}
	log.Infof("loaded %d keyrings, locked=%v", len(m.keyrings), m.locked)
	return m, nil
}

func fromRecord(rec Record) (Keyring, error) {
	switch rec.Type {
	case types.MnemonicKeyring:
		return newMnemonicFromRecord(rec.Data)
	case types.PrivateKeyKeyring:
		return newPrivateKeyFromRecord(rec.Data)
	case types.HardwareKeyring:
		return newHardwareFromRecord(rec.Data)
	case types.WatchKeyring:
		return newWatchFromRecord(rec.Data)
	default:
		return nil, errors.Errorf("unknown keyring type %q", rec.Type)
	}
}

// ImportMnemonic derives and seals a new HD keyring. A keyring of the same
// type must not exist yet.
func (m *Manager) ImportMnemonic(phrase, password string) ([]types.AccountRef, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.findLocked(types.MnemonicKeyring, "") != nil {
		return nil, errors.New("mnemonic keyring already exists")
	}
	kr, err := NewMnemonic(phrase, password)
	if err != nil {
		return nil, err
	}
	m.keyrings = append(m.keyrings, kr)
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return kr.Accounts(), nil
}

// ImportPrivateKey validates and seals one raw hex key.
func (m *Manager) ImportPrivateKey(hexKey, password string) (types.AccountRef, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	if kr := m.findLocked(types.PrivateKeyKeyring, ""); kr != nil {
		ref, err := kr.(*PrivateKey).Add(hexKey, password)
		if err != nil {
			return types.AccountRef{}, err
		}
		return ref, m.persistLocked()
	}

	kr, err := NewPrivateKey(hexKey, password)
	if err != nil {
		return types.AccountRef{}, err
	}
	m.keyrings = append(m.keyrings, kr)
	if err := m.persistLocked(); err != nil {
		return types.AccountRef{}, err
	}
	return kr.Accounts()[0], nil
}

// ImportJSON decrypts a standard encrypted keystore file and imports the
// contained key. A wrong password fails with ErrDecryptionFailed.
func (m *Manager) ImportJSON(blob []byte, password string) (types.AccountRef, error) {
	key, err := keystore.DecryptKey(blob, password)
	if err != nil {
		return types.AccountRef{}, types.ErrDecryptionFailed
	}
	return m.ImportPrivateKey(hex.EncodeToString(crypto.FromECDSA(key.PrivateKey)), password)
}

// ConnectHardware binds a device session for brand, creating or refreshing
// the hardware keyring.
func (m *Manager) ConnectHardware(ctx context.Context, brand string) ([]types.AccountRef, error) {
	if m.connector == nil {
		return nil, types.ErrDeviceDisconnected
	}
	session, err := m.connector.Connect(ctx, brand)
	if err != nil {
		return nil, errors.Wrapf(types.ErrDeviceDisconnected, "connect %s: %v", brand, err)
	}

	m.lk.Lock()
	defer m.lk.Unlock()

	if kr := m.findLocked(types.HardwareKeyring, brand); kr != nil {
		kr.(*Hardware).AttachSession(session)
		return kr.Accounts(), nil
	}

	kr, err := NewHardware(ctx, session)
	if err != nil {
		return nil, err
	}
	m.keyrings = append(m.keyrings, kr)
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return kr.Accounts(), nil
}

// AddWatchAddress tracks an address for display only.
func (m *Manager) AddWatchAddress(addr common.Address) (types.AccountRef, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	kr := m.findLocked(types.WatchKeyring, "")
	if kr == nil {
		kr = NewWatch()
		m.keyrings = append(m.keyrings, kr)
	}
	ref := kr.(*Watch).Add(addr)
	return ref, m.persistLocked()
}

func (m *Manager) RemoveWatchAddress(addr common.Address) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	kr := m.findLocked(types.WatchKeyring, "")
	if kr == nil || !kr.(*Watch).Remove(addr) {
		return errors.Errorf("address %s not watched", addr.Hex())
	}
	return m.persistLocked()
}

// GetAccounts aggregates across all keyrings in insertion order, dropping
// duplicate (address, type) pairs.
func (m *Manager) GetAccounts(filter ...types.KeyringType) []types.AccountRef {
	m.lk.Lock()
	defer m.lk.Unlock()

	want := make(map[types.KeyringType]struct{}, len(filter))
	for _, t := range filter {
		want[t] = struct{}{}
	}

	seen := make(map[string]struct{})
	var refs []types.AccountRef
	for _, kr := range m.keyrings {
		if len(want) > 0 {
			if _, ok := want[kr.Type()]; !ok {
				continue
			}
		}
		for _, ref := range kr.Accounts() {
			if _, ok := seen[ref.Key()]; ok {
				continue
			}
			seen[ref.Key()] = struct{}{}
			refs = append(refs, ref)
		}
	}
	return refs
}

// HasAccount reports whether the manager can enumerate ref.
func (m *Manager) HasAccount(ref types.AccountRef) bool {
	for _, known := range m.GetAccounts() {
		if known.Key() == ref.Key() {
			return true
		}
	}
	return false
}

// SignParams names one signing dispatch. ID may be pre-allocated by the
// caller so the UI can observe and cancel the flight.
type SignParams struct {
	ID      uuid.UUID
	Account types.AccountRef
}

func (m *Manager) SignTransaction(ctx context.Context, params SignParams, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	kr, finish, ctx, err := m.beginSign(ctx, params)
	if err != nil {
		return nil, err
	}
	defer finish()

	signed, err := kr.SignTransaction(ctx, params.Account.Address, tx, chainID)
	return signed, m.mapSignErr(ctx, err)
}

func (m *Manager) SignMessage(ctx context.Context, params SignParams, data []byte) ([]byte, error) {
	kr, finish, ctx, err := m.beginSign(ctx, params)
	if err != nil {
		return nil, err
	}
	defer finish()

	sig, err := kr.SignMessage(ctx, params.Account.Address, data)
	return sig, m.mapSignErr(ctx, err)
}

func (m *Manager) SignTypedData(ctx context.Context, params SignParams, td apitypes.TypedData) ([]byte, error) {
	kr, finish, ctx, err := m.beginSign(ctx, params)
	if err != nil {
		return nil, err
	}
	defer finish()

	sig, err := kr.SignTypedData(ctx, params.Account.Address, td)
	return sig, m.mapSignErr(ctx, err)
}

func (m *Manager) ExportPrivateKey(ref types.AccountRef) (string, error) {
	m.lk.Lock()
	if m.locked {
		m.lk.Unlock()
		return "", types.ErrWalletLocked
	}
	kr := m.findLocked(ref.Type, ref.Brand)
	m.lk.Unlock()

	if kr == nil {
		return "", errors.Errorf("no %s keyring", ref.Type)
	}
	if !kr.Capabilities().Has(types.CapExportPrivateKey) {
		return "", types.ErrUnsupportedOperation
	}
	return kr.ExportPrivateKey(ref.Address)
}

// SignStatusByID exposes the awaiting-device phase to the UI.
func (m *Manager) SignStatusByID(id uuid.UUID) (*SignStatus, bool) {
	m.lk.Lock()
	defer m.lk.Unlock()

	flight, ok := m.flights[id]
	if !ok {
		return nil, false
	}
	status := flight.status
	return &status, true
}

// CancelSign aborts the device call; the signing caller settles with
// ErrUserCancelled.
func (m *Manager) CancelSign(id uuid.UUID) error {
	m.lk.Lock()
	flight, ok := m.flights[id]
	m.lk.Unlock()

	if !ok {
		return errors.Errorf("no signing flight %s", id)
	}
	flight.cancel()
	return nil
}

// Lock drops all plaintext key material. Signing fails with
// ErrWalletLocked until Unlock succeeds.
func (m *Manager) Lock() {
	m.lk.Lock()
	defer m.lk.Unlock()

	for _, kr := range m.keyrings {
		kr.Lock()
	}
	m.locked = true
	log.Info("wallet locked")
}

// Unlock decrypts every sealed keyring with password.
func (m *Manager) Unlock(password string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	for _, kr := range m.keyrings {
		if err := kr.Unlock(password); err != nil {
			return err
		}
	}
	m.locked = false
	log.Info("wallet unlocked")
	return nil
}

func (m *Manager) IsLocked() bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.locked
}

// DeriveNextAccount extends the HD keyring by one account.
func (m *Manager) DeriveNextAccount() (types.AccountRef, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	kr := m.findLocked(types.MnemonicKeyring, "")
	if kr == nil {
		return types.AccountRef{}, errors.New("no mnemonic keyring")
	}
	ref, err := kr.(*Mnemonic).DeriveNext()
	if err != nil {
		return types.AccountRef{}, err
	}
	return ref, m.persistLocked()
}

func (m *Manager) beginSign(ctx context.Context, params SignParams) (Keyring, func(), context.Context, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	if m.locked {
		return nil, nil, nil, types.ErrWalletLocked
	}
	kr := m.findLocked(params.Account.Type, params.Account.Brand)
	if kr == nil {
		return nil, nil, nil, errors.Errorf("no %s keyring", params.Account.Type)
	}

	id := params.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	phase := SignPhaseSigning
	if kr.Type() == types.HardwareKeyring {
		phase = SignPhaseAwaitingDevice
	}
	signCtx, cancel := context.WithCancel(ctx)
	start := time.Now()
	m.flights[id] = &signFlight{
		status: SignStatus{ID: id, Account: params.Account, Phase: phase, StartTime: start},
		cancel: cancel,
	}

	finish := func() {
		cancel()
		m.lk.Lock()
		delete(m.flights, id)
		m.lk.Unlock()

		if hw, ok := kr.(*Hardware); ok && hw.TakeDirty() {
			m.lk.Lock()
			if err := m.persistLocked(); err != nil {
				log.Errorf("persist after account upgrade: %v", err)
			}
			m.lk.Unlock()
		}
		_ = stats.RecordWithTags(context.Background(), []tag.Mutator{
			tag.Upsert(metrics.KeyringTypeKey, string(kr.Type())),
		}, metrics.SignRequest.M(metrics.SinceInMilliseconds(start)))
	}
	return kr, finish, signCtx, nil
}

// mapSignErr translates a cancelled device/flow abort into the stable
// user-cancelled rejection.
func (m *Manager) mapSignErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return types.ErrUserCancelled
	}
	return err
}

// findLocked assumes lk held.
func (m *Manager) findLocked(t types.KeyringType, brand string) Keyring {
	for _, kr := range m.keyrings {
		if kr.Type() != t {
			continue
		}
		if t == types.HardwareKeyring && brand != "" && kr.Brand() != brand {
			continue
		}
		return kr
	}
	return nil
}

// persistLocked assumes lk held.
func (m *Manager) persistLocked() error {
	records := make([]Record, 0, len(m.keyrings))
	for _, kr := range m.keyrings {
		data, err := kr.Serialize()
		if err != nil {
			return errors.Wrapf(err, "serialize %s keyring", kr.Type())
		}
		records = append(records, Record{Type: kr.Type(), Brand: kr.Brand(), Data: data})
	}
	return errors.Wrap(m.ds.Set(storeKey, records), "persist keyrings")
}
