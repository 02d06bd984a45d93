package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.json")

	ds, err := Open(path, "")
	require.NoError(t, err)

	type site struct {
		Origin string `json:"origin"`
	}
	require.NoError(t, ds.Set("permission", []site{{Origin: "https://app.example.org"}}))

	var got []site
	ok, err := ds.Get("permission", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://app.example.org", got[0].Origin)

	ok, err = ds.Get("missing", nil)
	require.NoError(t, err)
	require.False(t, ok)

	// every Set is durable, a fresh open sees it
	reopened, err := Open(path, "")
	require.NoError(t, err)
	ok, err = reopened.Get("permission", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://app.example.org", got[0].Origin)
}

func TestStoreSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.json")

	ds, err := Open(path, "hunter2")
	require.NoError(t, err)
	require.NoError(t, ds.Set("preference", map[string]string{"theme": "dark"}))

	// on-disk form carries no plaintext
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "dark")

	_, err = Open(path, "wrong")
	require.ErrorIs(t, err, types.ErrDecryptionFailed)

	reopened, err := Open(path, "hunter2")
	require.NoError(t, err)
	var pref map[string]string
	ok, err := reopened.Get("preference", &pref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dark", pref["theme"])
}

func TestStoreMutate(t *testing.T) {
	ds, err := Open(filepath.Join(t.TempDir(), "keeper.json"), "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, ds.Mutate("counter", func(raw json.RawMessage) (interface{}, error) {
			n := 0
			if raw != nil {
				require.NoError(t, json.Unmarshal(raw, &n))
			}
			return n + 1, nil
		}))
	}

	var n int
	_, err = ds.Get("counter", &n)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
