package permission

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-keeper/testhelper"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

const origin = "https://app.example.org"

func TestDefaultDeny(t *testing.T) {
	p := NewStore(testhelper.NewTestStore(t))
	require.NoError(t, p.Init())

	require.False(t, p.HasPermission(origin))
	_, ok := p.GetRecord(origin)
	require.False(t, ok)

	err := p.SetAccountForOrigin(origin, types.AccountRef{})
	require.ErrorIs(t, err, types.ErrPermissionDenied)
}

func TestGrantAndRevoke(t *testing.T) {
	p := NewStore(testhelper.NewTestStore(t))
	require.NoError(t, p.Init())

	require.NoError(t, p.AddConnectedSite(origin, []string{"accounts"}))
	require.True(t, p.HasPermission(origin))
	require.Equal(t, []string{origin}, p.ListConnectedSites())

	ref := types.AccountRef{
		Address: common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		Type:    types.MnemonicKeyring,
	}
	require.NoError(t, p.SetAccountForOrigin(origin, ref))
	rec, ok := p.GetRecord(origin)
	require.True(t, ok)
	require.Equal(t, ref, *rec.Account)

	require.NoError(t, p.RemoveConnectedSite(origin))
	require.False(t, p.HasPermission(origin))
	require.Empty(t, p.ListConnectedSites())

	// revoking an absent origin is a no-op
	require.NoError(t, p.RemoveConnectedSite(origin))
}

func TestGrantsPersist(t *testing.T) {
	ds := testhelper.NewTestStore(t)

	p := NewStore(ds)
	require.NoError(t, p.Init())
	require.NoError(t, p.AddConnectedSite(origin, []string{"accounts"}))
	require.NoError(t, p.AddConnectedSite("https://two.example.org", []string{"accounts"}))

	reloaded := NewStore(ds)
	require.NoError(t, reloaded.Init())
	require.True(t, reloaded.HasPermission(origin))
	require.Equal(t, []string{origin, "https://two.example.org"}, reloaded.ListConnectedSites())
}
