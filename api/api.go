package api

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-keeper/approval"
	"github.com/ipfs-force-community/sophon-keeper/keyring"
	"github.com/ipfs-force-community/sophon-keeper/permission"
	"github.com/ipfs-force-community/sophon-keeper/types"
	"github.com/ipfs-force-community/sophon-keeper/version"
)

// KeeperAPI is the server side of the UI surface.
type KeeperAPI struct {
	Orch   *approval.Orchestrator
	UIConn *approval.UIConnManager
	Mgr    *keyring.Manager
	Perm   *permission.Store
}

func (a *KeeperAPI) GetApproval(ctx context.Context) (*approval.Pending, error) {
	return a.Orch.GetApproval(), nil
}

func (a *KeeperAPI) HandleApproval(ctx context.Context, id uuid.UUID, res json.RawMessage, herr *types.Error) error {
	return a.Orch.HandleApproval(id, res, herr)
}

func (a *KeeperAPI) ReportWindowEvent(ctx context.Context, kind types.WindowEventKind, windowID uuid.UUID) error {
	return a.UIConn.ReportEvent(kind, windowID)
}

// ListenUIEvents registers the calling surface as the modal UI. The channel
// carries open/close window commands until the connection drops.
func (a *KeeperAPI) ListenUIEvents(ctx context.Context) (chan *approval.WindowCommand, error) {
	in, err := a.UIConn.RegisterUI(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan *approval.WindowCommand)
	go func() {
		defer close(out)
		for cmd := range in {
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *KeeperAPI) ListAccounts(ctx context.Context, filter []types.KeyringType) ([]types.AccountRef, error) {
	return a.Mgr.GetAccounts(filter...), nil
}

func (a *KeeperAPI) DeriveNextAccount(ctx context.Context) (types.AccountRef, error) {
	return a.Mgr.DeriveNextAccount()
}

func (a *KeeperAPI) ImportMnemonic(ctx context.Context, phrase, password string) ([]types.AccountRef, error) {
	return a.Mgr.ImportMnemonic(phrase, password)
}

func (a *KeeperAPI) ImportPrivateKey(ctx context.Context, hexKey, password string) (types.AccountRef, error) {
	return a.Mgr.ImportPrivateKey(hexKey, password)
}

func (a *KeeperAPI) ImportKeystoreJSON(ctx context.Context, blob []byte, password string) (types.AccountRef, error) {
	return a.Mgr.ImportJSON(blob, password)
}

func (a *KeeperAPI) ConnectHardware(ctx context.Context, brand string) ([]types.AccountRef, error) {
	return a.Mgr.ConnectHardware(ctx, brand)
}

func (a *KeeperAPI) AddWatchAddress(ctx context.Context, addr common.Address) (types.AccountRef, error) {
	return a.Mgr.AddWatchAddress(addr)
}

func (a *KeeperAPI) RemoveWatchAddress(ctx context.Context, addr common.Address) error {
	return a.Mgr.RemoveWatchAddress(addr)
}

// ExportPrivateKey re-verifies the password even on an unlocked wallet
// before revealing plaintext key material.
func (a *KeeperAPI) ExportPrivateKey(ctx context.Context, ref types.AccountRef, password string) (string, error) {
	if err := a.Mgr.Unlock(password); err != nil {
		return "", err
	}
	return a.Mgr.ExportPrivateKey(ref)
}

func (a *KeeperAPI) Lock(ctx context.Context) error {
	a.Mgr.Lock()
	return nil
}

func (a *KeeperAPI) Unlock(ctx context.Context, password string) error {
	return a.Mgr.Unlock(password)
}

func (a *KeeperAPI) IsLocked(ctx context.Context) (bool, error) {
	return a.Mgr.IsLocked(), nil
}

func (a *KeeperAPI) SignStatus(ctx context.Context, id uuid.UUID) (*keyring.SignStatus, error) {
	status, ok := a.Mgr.SignStatusByID(id)
	if !ok {
		return nil, errors.Errorf("no signing flight %s", id)
	}
	return status, nil
}

func (a *KeeperAPI) CancelSign(ctx context.Context, id uuid.UUID) error {
	return a.Mgr.CancelSign(id)
}

func (a *KeeperAPI) ListConnectedSites(ctx context.Context) ([]string, error) {
	return a.Perm.ListConnectedSites(), nil
}

func (a *KeeperAPI) RemoveConnectedSite(ctx context.Context, origin string) error {
	return a.Perm.RemoveConnectedSite(origin)
}

func (a *KeeperAPI) Version(ctx context.Context) (string, error) {
	return version.UserVersion, nil
}
