package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-keeper/approval"
	"github.com/ipfs-force-community/sophon-keeper/keyring"
	"github.com/ipfs-force-community/sophon-keeper/permission"
	"github.com/ipfs-force-community/sophon-keeper/session"
	"github.com/ipfs-force-community/sophon-keeper/testhelper"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

const (
	ctrlOrigin  = "https://dapp.example.org"
	ctrlKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	ctrlAddrHex = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
)

type ctrlFixture struct {
	perm     *permission.Store
	orch     *approval.Orchestrator
	mgr      *keyring.Manager
	registry *session.Registry
	broker   *Broker

	pushLk sync.Mutex
	pushed []types.PushEvent
}

func newCtrlFixture(t *testing.T) *ctrlFixture {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ds := testhelper.NewTestStore(t)
	perm := permission.NewStore(ds)
	require.NoError(t, perm.Init())

	cfg := types.DefaultConfig()
	events := types.NewPubsub[types.WindowEvent](16)
	ui := approval.NewUIConnManager(events, cfg)
	cmds, err := ui.RegisterUI(ctx)
	require.NoError(t, err)
	go func() {
		for range cmds {
		}
	}()
	orch := approval.NewOrchestrator(ctx, cfg, ui, events)

	mgr, err := keyring.NewManager(ds, nil)
	require.NoError(t, err)

	registry := session.NewRegistry()
	b := NewBroker(cfg, DefaultDedupeBlacklist())
	NewController(perm, orch, mgr, registry, ds).RegisterRoutes(b)

	return &ctrlFixture{
		perm:     perm,
		orch:     orch,
		mgr:      mgr,
		registry: registry,
		broker:   b,
	}
}

func (f *ctrlFixture) connect(t *testing.T) *Connection {
	sess := f.registry.CreateSession(1, ctrlOrigin, "Example Dapp", "", func(event string, data json.RawMessage) {
		f.pushLk.Lock()
		defer f.pushLk.Unlock()
		f.pushed = append(f.pushed, types.PushEvent{Event: event, Data: data})
	})
	c := f.broker.NewConnection(context.Background(), sess)
	t.Cleanup(c.Close)
	return c
}

// settleNext settles the next approval that shows up.
func (f *ctrlFixture) settleNext(t *testing.T, herr *types.Error) {
	go func() {
		require.Eventually(t, func() bool {
			return f.orch.GetApproval() != nil
		}, time.Second, time.Millisecond)
		require.NoError(t, f.orch.HandleApproval(uuid.Nil, nil, herr))
	}()
}

func (f *ctrlFixture) pushedEvents() []types.PushEvent {
	f.pushLk.Lock()
	defer f.pushLk.Unlock()
	return append([]types.PushEvent{}, f.pushed...)
}

func TestEthChainIDDefault(t *testing.T) {
	f := newCtrlFixture(t)
	c := f.connect(t)

	resp := c.Request(&types.RPCRequest{Method: "eth_chainId"})
	require.Nil(t, resp.Error)
	require.JSONEq(t, `"0x1"`, string(resp.Result))
}

func TestEthAccountsDefaultDeny(t *testing.T) {
	f := newCtrlFixture(t)
	_, err := f.mgr.ImportPrivateKey(ctrlKeyHex, "pass")
	require.NoError(t, err)
	c := f.connect(t)

	// no grant: empty list, never an error
	resp := c.Request(&types.RPCRequest{Method: "eth_accounts"})
	require.Nil(t, resp.Error)
	require.JSONEq(t, `[]`, string(resp.Result))

	// signing without a grant is denied outright, no approval shown
	params, _ := json.Marshal([]string{hexutil.Encode([]byte("hi")), ctrlAddrHex})
	resp = c.Request(&types.RPCRequest{Method: "personal_sign", Params: params})
	require.NotNil(t, resp.Error)
	require.Equal(t, types.ErrCodePermissionDenied, resp.Error.Code)
	require.Nil(t, f.orch.GetApproval())
}

func TestEthRequestAccountsConnect(t *testing.T) {
	f := newCtrlFixture(t)
	_, err := f.mgr.ImportPrivateKey(ctrlKeyHex, "pass")
	require.NoError(t, err)
	c := f.connect(t)

	f.settleNext(t, nil)
	resp := c.Request(&types.RPCRequest{Method: "eth_requestAccounts"})
	require.Nil(t, resp.Error)
	require.JSONEq(t, `["`+ctrlAddrHex+`"]`, string(resp.Result))

	require.True(t, f.perm.HasPermission(ctrlOrigin))
	rec, ok := f.perm.GetRecord(ctrlOrigin)
	require.True(t, ok)
	require.Equal(t, common.HexToAddress(ctrlAddrHex), rec.Account.Address)

	events := f.pushedEvents()
	require.Len(t, events, 1)
	require.Equal(t, "accountsChanged", events[0].Event)

	// a second call short-circuits without another approval
	resp = c.Request(&types.RPCRequest{Method: "eth_requestAccounts"})
	require.Nil(t, resp.Error)
	require.JSONEq(t, `["`+ctrlAddrHex+`"]`, string(resp.Result))

	resp = c.Request(&types.RPCRequest{Method: "eth_accounts"})
	require.Nil(t, resp.Error)
	require.JSONEq(t, `["`+ctrlAddrHex+`"]`, string(resp.Result))
}

func TestEthRequestAccountsRejected(t *testing.T) {
	f := newCtrlFixture(t)
	_, err := f.mgr.ImportPrivateKey(ctrlKeyHex, "pass")
	require.NoError(t, err)
	c := f.connect(t)

	f.settleNext(t, types.ErrUserRejected)
	resp := c.Request(&types.RPCRequest{Method: "eth_requestAccounts"})
	require.NotNil(t, resp.Error)
	require.Equal(t, types.ErrCodeUserRejected, resp.Error.Code)
	require.False(t, f.perm.HasPermission(ctrlOrigin))
}

func TestPersonalSign(t *testing.T) {
	f := newCtrlFixture(t)
	ref, err := f.mgr.ImportPrivateKey(ctrlKeyHex, "pass")
	require.NoError(t, err)
	require.NoError(t, f.perm.AddConnectedSite(ctrlOrigin, []string{"accounts"}))
	c := f.connect(t)

	msg := []byte("login challenge")
	params, _ := json.Marshal([]string{hexutil.Encode(msg), ctrlAddrHex})

	f.settleNext(t, nil)
	resp := c.Request(&types.RPCRequest{Method: "personal_sign", Params: params})
	require.Nil(t, resp.Error)

	var sigHex string
	require.NoError(t, json.Unmarshal(resp.Result, &sigHex))
	sig := hexutil.MustDecode(sigHex)
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	require.NoError(t, err)
	require.Equal(t, ref.Address, crypto.PubkeyToAddress(*pub))
}

func TestEthSendTransaction(t *testing.T) {
	f := newCtrlFixture(t)
	_, err := f.mgr.ImportPrivateKey(ctrlKeyHex, "pass")
	require.NoError(t, err)
	require.NoError(t, f.perm.AddConnectedSite(ctrlOrigin, []string{"accounts"}))
	c := f.connect(t)

	to := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	params, _ := json.Marshal([]map[string]interface{}{{
		"from":  ctrlAddrHex,
		"to":    to,
		"value": "0x1",
		"gas":   "0x5208",
	}})

	f.settleNext(t, nil)
	resp := c.Request(&types.RPCRequest{Method: "eth_sendTransaction", Params: params})
	require.Nil(t, resp.Error)

	var hash string
	require.NoError(t, json.Unmarshal(resp.Result, &hash))
	require.Len(t, hash, 66)
}

func TestWalletAddEthereumChain(t *testing.T) {
	f := newCtrlFixture(t)
	_, err := f.mgr.ImportPrivateKey(ctrlKeyHex, "pass")
	require.NoError(t, err)
	require.NoError(t, f.perm.AddConnectedSite(ctrlOrigin, []string{"accounts"}))
	c := f.connect(t)

	params, _ := json.Marshal([]map[string]interface{}{{
		"chainId":   "0x2105",
		"chainName": "base",
		"rpcUrls":   []string{"https://mainnet.base.org"},
	}})

	f.settleNext(t, nil)
	resp := c.Request(&types.RPCRequest{Method: "wallet_addEthereumChain", Params: params})
	require.Nil(t, resp.Error)

	events := f.pushedEvents()
	require.Len(t, events, 1)
	require.Equal(t, "chainChanged", events[0].Event)
}

func TestWalletPermissions(t *testing.T) {
	f := newCtrlFixture(t)
	_, err := f.mgr.ImportPrivateKey(ctrlKeyHex, "pass")
	require.NoError(t, err)
	c := f.connect(t)

	resp := c.Request(&types.RPCRequest{Method: "wallet_getPermissions"})
	require.Nil(t, resp.Error)
	require.JSONEq(t, `[]`, string(resp.Result))

	require.NoError(t, f.perm.AddConnectedSite(ctrlOrigin, []string{"accounts"}))
	resp = c.Request(&types.RPCRequest{Method: "wallet_getPermissions"})
	require.Nil(t, resp.Error)
	require.JSONEq(t, `["accounts"]`, string(resp.Result))

	resp = c.Request(&types.RPCRequest{Method: "wallet_revokePermissions"})
	require.Nil(t, resp.Error)
	require.False(t, f.perm.HasPermission(ctrlOrigin))

	resp = c.Request(&types.RPCRequest{Method: "eth_accounts"})
	require.Nil(t, resp.Error)
	require.JSONEq(t, `[]`, string(resp.Result))
}
