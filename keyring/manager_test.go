package keyring_test

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-keeper/keyring"
	"github.com/ipfs-force-community/sophon-keeper/testhelper"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

const (
	// hardhat account #0; also the first account of testhelper.TestMnemonic
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddrHex = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func recoverSigner(t *testing.T, msg, sig []byte) common.Address {
	cp := append([]byte{}, sig...)
	cp[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), cp)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(*pub)
}

func TestImportMnemonic(t *testing.T) {
	mgr := testhelper.NewTestManager(t, nil)

	_, err := mgr.ImportMnemonic("not a real phrase", "pass")
	require.ErrorIs(t, err, types.ErrInvalidMnemonic)

	refs, err := mgr.ImportMnemonic(testhelper.TestMnemonic, "pass")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, common.HexToAddress(testAddrHex), refs[0].Address)

	_, err = mgr.ImportMnemonic(testhelper.TestMnemonic, "pass")
	require.Error(t, err)

	second, err := mgr.DeriveNextAccount()
	require.NoError(t, err)
	require.NotEqual(t, refs[0].Address, second.Address)

	accts := mgr.GetAccounts()
	require.Equal(t, []types.AccountRef{refs[0], second}, accts)
}

func TestImportPrivateKey(t *testing.T) {
	mgr := testhelper.NewTestManager(t, nil)

	_, err := mgr.ImportPrivateKey("zz", "pass")
	require.ErrorIs(t, err, types.ErrInvalidPrivateKey)

	ref, err := mgr.ImportPrivateKey(testKeyHex, "pass")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(testAddrHex), ref.Address)

	// importing the same key twice keeps one account
	_, err = mgr.ImportPrivateKey("0x"+testKeyHex, "pass")
	require.NoError(t, err)
	require.Len(t, mgr.GetAccounts(), 1)

	msg := []byte("hello keeper")
	sig, err := mgr.SignMessage(context.Background(), keyring.SignParams{Account: ref}, msg)
	require.NoError(t, err)
	require.Equal(t, ref.Address, recoverSigner(t, msg, sig))

	exported, err := mgr.ExportPrivateKey(ref)
	require.NoError(t, err)
	require.Equal(t, testKeyHex, exported)

	_, err = mgr.SignTypedData(context.Background(), keyring.SignParams{Account: ref}, typedDataFixture())
	require.NoError(t, err)

	chainID := big.NewInt(1)
	signed, err := mgr.SignTransaction(context.Background(), keyring.SignParams{Account: ref},
		ethtypes.NewTx(&ethtypes.LegacyTx{Gas: 21000, GasPrice: big.NewInt(1), Value: big.NewInt(0)}), chainID)
	require.NoError(t, err)
	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	require.Equal(t, ref.Address, sender)
}

func TestImportKeystoreJSON(t *testing.T) {
	mgr := testhelper.NewTestManager(t, nil)

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	blob, err := keystore.EncryptKey(&keystore.Key{
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
		Id:         uuid.New(),
	}, "filepass", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	_, err = mgr.ImportJSON(blob, "wrong")
	require.ErrorIs(t, err, types.ErrDecryptionFailed)

	ref, err := mgr.ImportJSON(blob, "filepass")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(testAddrHex), ref.Address)
}

func TestLockUnlock(t *testing.T) {
	ds := testhelper.NewTestStore(t)
	mgr, err := keyring.NewManager(ds, nil)
	require.NoError(t, err)

	refs, err := mgr.ImportMnemonic(testhelper.TestMnemonic, "pass")
	require.NoError(t, err)
	ref := refs[0]
	msg := []byte("prove it")

	mgr.Lock()
	require.True(t, mgr.IsLocked())
	_, err = mgr.SignMessage(context.Background(), keyring.SignParams{Account: ref}, msg)
	require.ErrorIs(t, err, types.ErrWalletLocked)
	_, err = mgr.ExportPrivateKey(ref)
	require.ErrorIs(t, err, types.ErrWalletLocked)

	// addresses stay enumerable while locked
	require.Len(t, mgr.GetAccounts(), 1)

	require.ErrorIs(t, mgr.Unlock("wrong"), types.ErrDecryptionFailed)
	require.NoError(t, mgr.Unlock("pass"))
	sig, err := mgr.SignMessage(context.Background(), keyring.SignParams{Account: ref}, msg)
	require.NoError(t, err)
	require.Equal(t, ref.Address, recoverSigner(t, msg, sig))

	// a fresh boot over the same store starts locked
	reloaded, err := keyring.NewManager(ds, nil)
	require.NoError(t, err)
	require.True(t, reloaded.IsLocked())
	require.Equal(t, ref.Address, reloaded.GetAccounts()[0].Address)
	require.NoError(t, reloaded.Unlock("pass"))
	_, err = reloaded.SignMessage(context.Background(), keyring.SignParams{Account: ref}, msg)
	require.NoError(t, err)
}

func TestWatchOnly(t *testing.T) {
	mgr := testhelper.NewTestManager(t, nil)
	addr := common.HexToAddress(testAddrHex)

	ref, err := mgr.AddWatchAddress(addr)
	require.NoError(t, err)
	require.Equal(t, types.WatchKeyring, ref.Type)

	_, err = mgr.SignMessage(context.Background(), keyring.SignParams{Account: ref}, []byte("no"))
	require.ErrorIs(t, err, types.ErrUnsupportedOperation)
	_, err = mgr.SignTransaction(context.Background(), keyring.SignParams{Account: ref},
		ethtypes.NewTx(&ethtypes.LegacyTx{}), nil)
	require.ErrorIs(t, err, types.ErrUnsupportedOperation)
	_, err = mgr.ExportPrivateKey(ref)
	require.ErrorIs(t, err, types.ErrUnsupportedOperation)

	require.NoError(t, mgr.RemoveWatchAddress(addr))
	require.Error(t, mgr.RemoveWatchAddress(addr))
	require.Empty(t, mgr.GetAccounts())
}

func TestAccountDedupeAcrossKeyrings(t *testing.T) {
	mgr := testhelper.NewTestManager(t, nil)

	ref, err := mgr.ImportPrivateKey(testKeyHex, "pass")
	require.NoError(t, err)
	watched, err := mgr.AddWatchAddress(ref.Address)
	require.NoError(t, err)

	// same address, different backend: both stay visible
	accts := mgr.GetAccounts()
	require.Equal(t, []types.AccountRef{ref, watched}, accts)

	require.Equal(t, []types.AccountRef{watched}, mgr.GetAccounts(types.WatchKeyring))
	require.True(t, mgr.HasAccount(ref))
	require.False(t, mgr.HasAccount(types.AccountRef{Address: ref.Address, Type: types.HardwareKeyring}))
}

func TestHardwareAwaitingDevice(t *testing.T) {
	device, err := testhelper.NewMemDevice("trezor", 2)
	require.NoError(t, err)
	mgr := testhelper.NewTestManager(t, device)

	refs, err := mgr.ConnectHardware(context.Background(), "trezor")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "trezor", refs[0].Brand)

	device.SetBlock()
	id := uuid.New()
	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.SignMessage(context.Background(), keyring.SignParams{ID: id, Account: refs[0]}, []byte("confirm"))
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		status, ok := mgr.SignStatusByID(id)
		return ok && status.Phase == keyring.SignPhaseAwaitingDevice
	}, time.Second, time.Millisecond)

	require.NoError(t, mgr.CancelSign(id))
	require.ErrorIs(t, <-errCh, types.ErrUserCancelled)

	// the flight is gone after it settles
	_, ok := mgr.SignStatusByID(id)
	require.False(t, ok)
	require.Error(t, mgr.CancelSign(id))

	// an unblocked sign goes through
	device.Release()
	sig, err := mgr.SignMessage(context.Background(), keyring.SignParams{Account: refs[0]}, []byte("confirm"))
	require.NoError(t, err)
	require.Equal(t, refs[0].Address, recoverSigner(t, []byte("confirm"), sig))

	// typed data never reaches the device
	_, err = mgr.SignTypedData(context.Background(), keyring.SignParams{Account: refs[0]}, typedDataFixture())
	require.ErrorIs(t, err, types.ErrUnsupportedOperation)
}

func TestHardwareLazyUpgrade(t *testing.T) {
	device, err := testhelper.NewMemDevice("ledger", 1)
	require.NoError(t, err)
	addrs, err := device.ListAccounts(context.Background())
	require.NoError(t, err)

	// seed a record written before passphrase-state tracking existed
	ds := testhelper.NewTestStore(t)
	require.NoError(t, ds.Set("keyrings", []keyring.Record{{
		Type: types.HardwareKeyring,
		Data: mustJSON(t, map[string]interface{}{
			"brand":    "ledger",
			"accounts": []map[string]interface{}{{"address": addrs[0], "index": 0}},
		}),
	}}))

	mgr, err := keyring.NewManager(ds, device)
	require.NoError(t, err)
	require.False(t, mgr.IsLocked())

	refs, err := mgr.ConnectHardware(context.Background(), "ledger")
	require.NoError(t, err)

	_, err = mgr.SignMessage(context.Background(), keyring.SignParams{Account: refs[0]}, []byte("first sign"))
	require.NoError(t, err)

	var records []keyring.Record
	_, err = ds.Get("keyrings", &records)
	require.NoError(t, err)
	require.Len(t, records, 1)

	var rec struct {
		Accounts []struct {
			Version         int    `json:"version"`
			PassphraseState string `json:"passphraseState"`
		} `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(records[0].Data, &rec))
	require.Equal(t, 1, rec.Accounts[0].Version)
	require.Equal(t, "state-ledger", rec.Accounts[0].PassphraseState)

	// the upgrade happens once
	_, err = mgr.SignMessage(context.Background(), keyring.SignParams{Account: refs[0]}, []byte("second sign"))
	require.NoError(t, err)
}

func TestHardwareDisconnected(t *testing.T) {
	device, err := testhelper.NewMemDevice("trezor", 1)
	require.NoError(t, err)
	ds := testhelper.NewTestStore(t)

	mgr, err := keyring.NewManager(ds, device)
	require.NoError(t, err)
	refs, err := mgr.ConnectHardware(context.Background(), "trezor")
	require.NoError(t, err)

	// a reboot loses the live session but keeps the accounts
	reloaded, err := keyring.NewManager(ds, device)
	require.NoError(t, err)
	require.Len(t, reloaded.GetAccounts(), 1)

	_, err = reloaded.SignMessage(context.Background(), keyring.SignParams{Account: refs[0]}, []byte("hi"))
	require.ErrorIs(t, err, types.ErrDeviceDisconnected)

	// reconnecting reattaches the session
	_, err = reloaded.ConnectHardware(context.Background(), "trezor")
	require.NoError(t, err)
	_, err = reloaded.SignMessage(context.Background(), keyring.SignParams{Account: refs[0]}, []byte("hi"))
	require.NoError(t, err)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func typedDataFixture() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Greeting": []apitypes.Type{
				{Name: "contents", Type: "string"},
			},
		},
		PrimaryType: "Greeting",
		Domain: apitypes.TypedDataDomain{
			Name:    "Keeper",
			ChainId: math.NewHexOrDecimal256(1),
		},
		Message: apitypes.TypedDataMessage{"contents": "hello"},
	}
}

