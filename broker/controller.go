package broker

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-keeper/approval"
	"github.com/ipfs-force-community/sophon-keeper/keyring"
	"github.com/ipfs-force-community/sophon-keeper/permission"
	"github.com/ipfs-force-community/sophon-keeper/session"
	"github.com/ipfs-force-community/sophon-keeper/store"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

const preferenceKey = "preference"

type preference struct {
	ChainID *hexutil.Big `json:"chainId,omitempty"`
}

// Controller binds the inbound RPC surface to the keeper services. Every
// account-revealing method gates on the permission store first; anything
// needing consent goes through the approval orchestrator before the
// keyring manager is touched.
type Controller struct {
	perm     *permission.Store
	orch     *approval.Orchestrator
	mgr      *keyring.Manager
	registry *session.Registry
	ds       *store.Store
}

func NewController(perm *permission.Store, orch *approval.Orchestrator, mgr *keyring.Manager, registry *session.Registry, ds *store.Store) *Controller {
	return &Controller{
		perm:     perm,
		orch:     orch,
		mgr:      mgr,
		registry: registry,
		ds:       ds,
	}
}

// RegisterRoutes installs the controller dispatch table. The dedupe
// blacklist for hazardous methods is configured on the broker itself.
func (c *Controller) RegisterRoutes(b *Broker) {
	b.HandleFunc("eth_chainId", c.ethChainID)
	b.HandleFunc("eth_accounts", c.ethAccounts)
	b.HandleFunc("eth_requestAccounts", c.ethRequestAccounts)
	b.HandleFunc("personal_sign", c.personalSign)
	b.HandleFunc("eth_signTypedData_v4", c.ethSignTypedData)
	b.HandleFunc("eth_sendTransaction", c.ethSendTransaction)
	b.HandleFunc("wallet_addEthereumChain", c.walletAddEthereumChain)
	b.HandleFunc("wallet_getPermissions", c.walletGetPermissions)
	b.HandleFunc("wallet_revokePermissions", c.walletRevokePermissions)
}

// DefaultDedupeBlacklist names the methods whose concurrent re-entry is
// rejected rather than queued.
func DefaultDedupeBlacklist() []string {
	return []string{"eth_sendTransaction", "wallet_addEthereumChain"}
}

func (c *Controller) ethChainID(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error) {
	var pref preference
	if _, err := c.ds.Get(preferenceKey, &pref); err != nil {
		return nil, err
	}
	if pref.ChainID == nil {
		return hexutil.EncodeBig(big.NewInt(1)), nil
	}
	return pref.ChainID.String(), nil
}

// ethAccounts is a pure read: an origin without a grant sees an empty
// list, never an error.
func (c *Controller) ethAccounts(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error) {
	if !c.perm.HasPermission(sess.Origin) {
		return []string{}, nil
	}
	ref, ok := c.accountForOrigin(sess.Origin)
	if !ok {
		return []string{}, nil
	}
	return []string{strings.ToLower(ref.Address.Hex())}, nil
}

type connectPayload struct {
	Origin      string `json:"origin"`
	DisplayName string `json:"displayName,omitempty"`
	IconURL     string `json:"iconUrl,omitempty"`
}

func (c *Controller) ethRequestAccounts(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error) {
	if c.perm.HasPermission(sess.Origin) {
		return c.ethAccounts(ctx, sess, req)
	}

	accounts := c.mgr.GetAccounts()
	if len(accounts) == 0 {
		return nil, errors.New("wallet has no accounts")
	}

	payload, err := json.Marshal(&connectPayload{Origin: sess.Origin, DisplayName: sess.DisplayName, IconURL: sess.IconURL})
	if err != nil {
		return nil, err
	}
	if _, err := c.orch.RequestApproval(ctx, sess.Origin, approval.KindConnect, payload); err != nil {
		return nil, err
	}

	if err := c.perm.AddConnectedSite(sess.Origin, []string{"accounts"}); err != nil {
		return nil, err
	}
	if err := c.perm.SetAccountForOrigin(sess.Origin, accounts[0]); err != nil {
		return nil, err
	}

	addr := strings.ToLower(accounts[0].Address.Hex())
	c.pushAccountsChanged(sess.Origin, []string{addr})
	return []string{addr}, nil
}

type signMessagePayload struct {
	From common.Address `json:"from"`
	Data hexutil.Bytes  `json:"data"`
}

func (c *Controller) personalSign(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error) {
	var params []hexutil.Bytes
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 2 {
		return nil, errors.New("personal_sign expects [data, from]")
	}
	data := []byte(params[0])
	from := common.BytesToAddress(params[1])

	ref, err := c.signerForOrigin(sess.Origin, from)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&signMessagePayload{From: from, Data: data})
	if err != nil {
		return nil, err
	}
	if _, err := c.orch.RequestApproval(ctx, sess.Origin, approval.KindSignMessage, payload); err != nil {
		return nil, err
	}

	sig, err := c.mgr.SignMessage(ctx, keyring.SignParams{ID: uuid.New(), Account: ref}, data)
	if err != nil {
		return nil, err
	}
	return hexutil.Encode(sig), nil
}

func (c *Controller) ethSignTypedData(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 2 {
		return nil, errors.New("eth_signTypedData_v4 expects [from, typedData]")
	}
	var from common.Address
	if err := json.Unmarshal(params[0], &from); err != nil {
		return nil, errors.Wrap(err, "decode signer address")
	}
	var td apitypes.TypedData
	if err := json.Unmarshal(params[1], &td); err != nil {
		// typed data sometimes arrives double encoded as a JSON string
		var encoded string
		if err2 := json.Unmarshal(params[1], &encoded); err2 != nil {
			return nil, errors.Wrap(err, "decode typed data")
		}
		if err2 := json.Unmarshal([]byte(encoded), &td); err2 != nil {
			return nil, errors.Wrap(err2, "decode typed data")
		}
	}

	ref, err := c.signerForOrigin(sess.Origin, from)
	if err != nil {
		return nil, err
	}

	if _, err := c.orch.RequestApproval(ctx, sess.Origin, approval.KindSignTypedData, params[1]); err != nil {
		return nil, err
	}

	sig, err := c.mgr.SignTypedData(ctx, keyring.SignParams{ID: uuid.New(), Account: ref}, td)
	if err != nil {
		return nil, err
	}
	return hexutil.Encode(sig), nil
}

type txParams struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Nonce    *hexutil.Uint64 `json:"nonce,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
}

func (c *Controller) ethSendTransaction(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error) {
	var params []txParams
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return nil, errors.New("eth_sendTransaction expects [txParams]")
	}
	tp := params[0]

	ref, err := c.signerForOrigin(sess.Origin, tp.From)
	if err != nil {
		return nil, err
	}

	if _, err := c.orch.RequestApproval(ctx, sess.Origin, approval.KindSignTransaction, req.Params); err != nil {
		return nil, err
	}

	var (
		nonce    uint64
		gas      uint64 = 21000
		value           = new(big.Int)
		gasPrice        = new(big.Int)
	)
	if tp.Nonce != nil {
		nonce = uint64(*tp.Nonce)
	}
	if tp.Gas != nil {
		gas = uint64(*tp.Gas)
	}
	if tp.Value != nil {
		value = tp.Value.ToInt()
	}
	if tp.GasPrice != nil {
		gasPrice = tp.GasPrice.ToInt()
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       tp.To,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     tp.Data,
	})

	chainID := big.NewInt(1)
	var pref preference
	if _, err := c.ds.Get(preferenceKey, &pref); err == nil && pref.ChainID != nil {
		chainID = pref.ChainID.ToInt()
	}

	signed, err := c.mgr.SignTransaction(ctx, keyring.SignParams{ID: uuid.New(), Account: ref}, tx, chainID)
	if err != nil {
		return nil, err
	}
	return signed.Hash().Hex(), nil
}

type addChainPayload struct {
	ChainID   string   `json:"chainId"`
	ChainName string   `json:"chainName"`
	RPCURLs   []string `json:"rpcUrls"`
}

func (c *Controller) walletAddEthereumChain(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error) {
	var params []addChainPayload
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 || len(params[0].RPCURLs) == 0 {
		return nil, errors.New("wallet_addEthereumChain expects [{chainId, chainName, rpcUrls}]")
	}
	chain := params[0]

	if !c.perm.HasPermission(sess.Origin) {
		return nil, types.ErrPermissionDenied
	}
	payload, err := json.Marshal(&chain)
	if err != nil {
		return nil, err
	}
	if _, err := c.orch.RequestApproval(ctx, sess.Origin, approval.KindAddChain, payload); err != nil {
		return nil, err
	}

	type rpcEntry struct {
		URL    string `json:"url"`
		Enable bool   `json:"enable"`
	}
	err = c.ds.Mutate("rpc", func(raw json.RawMessage) (interface{}, error) {
		ns := struct {
			CustomRPC map[string]rpcEntry `json:"customRPC"`
		}{CustomRPC: make(map[string]rpcEntry)}
		if raw != nil {
			if err := json.Unmarshal(raw, &ns); err != nil {
				return nil, errors.Wrap(err, "decode rpc namespace")
			}
			if ns.CustomRPC == nil {
				ns.CustomRPC = make(map[string]rpcEntry)
			}
		}
		ns.CustomRPC[chain.ChainName] = rpcEntry{URL: chain.RPCURLs[0], Enable: true}
		return &ns, nil
	})
	if err != nil {
		return nil, err
	}
	c.registry.Broadcast("chainChanged", json.RawMessage(`"`+chain.ChainID+`"`), sess.Origin)
	return nil, nil
}

func (c *Controller) walletGetPermissions(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error) {
	rec, ok := c.perm.GetRecord(sess.Origin)
	if !ok || !rec.Connected {
		return []string{}, nil
	}
	return rec.Capabilities, nil
}

func (c *Controller) walletRevokePermissions(ctx context.Context, sess *session.Session, req *types.RPCRequest) (interface{}, error) {
	if err := c.perm.RemoveConnectedSite(sess.Origin); err != nil {
		return nil, err
	}
	c.pushAccountsChanged(sess.Origin, []string{})
	return nil, nil
}

// signerForOrigin gates on permission and resolves from to a manager
// account the origin is allowed to use.
func (c *Controller) signerForOrigin(origin string, from common.Address) (types.AccountRef, error) {
	if !c.perm.HasPermission(origin) {
		return types.AccountRef{}, types.ErrPermissionDenied
	}
	for _, ref := range c.mgr.GetAccounts() {
		if ref.Address == from && ref.Type != types.WatchKeyring {
			return ref, nil
		}
	}
	// a watch-only match still dispatches so the keyring can answer with
	// its own unsupported-operation rejection
	for _, ref := range c.mgr.GetAccounts() {
		if ref.Address == from {
			return ref, nil
		}
	}
	return types.AccountRef{}, errors.Errorf("account %s not in wallet", from.Hex())
}

func (c *Controller) accountForOrigin(origin string) (types.AccountRef, bool) {
	if rec, ok := c.perm.GetRecord(origin); ok && rec.Account != nil && c.mgr.HasAccount(*rec.Account) {
		return *rec.Account, true
	}
	accounts := c.mgr.GetAccounts()
	if len(accounts) == 0 {
		return types.AccountRef{}, false
	}
	return accounts[0], true
}

func (c *Controller) pushAccountsChanged(origin string, addrs []string) {
	data, err := json.Marshal(addrs)
	if err != nil {
		return
	}
	c.registry.Broadcast("accountsChanged", data, origin)
}
