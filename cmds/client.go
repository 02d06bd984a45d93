package cmds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/filecoin-project/go-jsonrpc"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/sophon-keeper/approval"
	"github.com/ipfs-force-community/sophon-keeper/keyring"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

// KeeperAPI is the client view of the trusted UI namespace.
type KeeperAPI struct {
	GetApproval       func(ctx context.Context) (*approval.Pending, error)
	HandleApproval    func(ctx context.Context, id uuid.UUID, res json.RawMessage, herr *types.Error) error
	ReportWindowEvent func(ctx context.Context, kind types.WindowEventKind, windowID uuid.UUID) error

	ListAccounts      func(ctx context.Context, filter []types.KeyringType) ([]types.AccountRef, error)
	DeriveNextAccount func(ctx context.Context) (types.AccountRef, error)

	ImportMnemonic     func(ctx context.Context, phrase, password string) ([]types.AccountRef, error)
	ImportPrivateKey   func(ctx context.Context, hexKey, password string) (types.AccountRef, error)
	ImportKeystoreJSON func(ctx context.Context, blob []byte, password string) (types.AccountRef, error)
	ConnectHardware    func(ctx context.Context, brand string) ([]types.AccountRef, error)
	AddWatchAddress    func(ctx context.Context, addr common.Address) (types.AccountRef, error)
	RemoveWatchAddress func(ctx context.Context, addr common.Address) error
	ExportPrivateKey   func(ctx context.Context, ref types.AccountRef, password string) (string, error)

	Lock     func(ctx context.Context) error
	Unlock   func(ctx context.Context, password string) error
	IsLocked func(ctx context.Context) (bool, error)

	SignStatus func(ctx context.Context, id uuid.UUID) (*keyring.SignStatus, error)
	CancelSign func(ctx context.Context, id uuid.UUID) error

	ListConnectedSites  func(ctx context.Context) ([]string, error)
	RemoveConnectedSite func(ctx context.Context, origin string) error

	Version func(ctx context.Context) (string, error)
}

func NewKeeperClient(ctx *cli.Context) (*KeeperAPI, jsonrpc.ClientCloser, error) {
	var keeperAPI = &KeeperAPI{}
	listen := ctx.String("listen")
	if listen == "" {
		listen = "127.0.0.1:45132"
	}
	addr, err := DialArgs(listen)
	if err != nil {
		return nil, nil, err
	}

	closer, err := jsonrpc.NewMergeClient(ctx.Context, addr,
		"Keeper", []interface{}{keeperAPI}, http.Header{})
	if err != nil {
		return nil, nil, err
	}
	return keeperAPI, closer, nil
}

func DialArgs(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	return u.String() + "/rpc/v0", nil
}
