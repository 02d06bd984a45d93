package testhelper

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-keeper/keyring"
	"github.com/ipfs-force-community/sophon-keeper/store"
)

// TestMnemonic is the well-known development phrase; its first derived
// account is 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266.
const TestMnemonic = "test test test test test test test test test test test junk"

func NewTestStore(t *testing.T) *store.Store {
	ds, err := store.Open(filepath.Join(t.TempDir(), "keeper.json"), "")
	require.NoError(t, err)
	return ds
}

func NewTestManager(t *testing.T, connector keyring.DeviceConnector) *keyring.Manager {
	mgr, err := keyring.NewManager(NewTestStore(t), connector)
	require.NoError(t, err)
	return mgr
}
