package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

var ApprovalCmds = &cli.Command{
	Name:        "approval",
	Usage:       "approval cmds",
	Subcommands: []*cli.Command{pendingApprovalCmds, approveCmds, rejectCmds, signStatusCmds, cancelSignCmds},
}

var pendingApprovalCmds = &cli.Command{
	Name: "pending",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		pending, err := api.GetApproval(cctx.Context)
		if err != nil {
			return err
		}
		if pending == nil {
			fmt.Println("no approval in flight")
			return nil
		}
		pendingBytes, err := json.MarshalIndent(pending, " ", "\t")
		if err != nil {
			return err
		}
		fmt.Println(string(pendingBytes))
		return nil
	},
}

var approveCmds = &cli.Command{
	Name:      "approve",
	ArgsUsage: "[approval-id]",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		id, err := parseOptionalID(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		return api.HandleApproval(cctx.Context, id, nil, nil)
	},
}

var rejectCmds = &cli.Command{
	Name:      "reject",
	ArgsUsage: "[approval-id]",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		id, err := parseOptionalID(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		return api.HandleApproval(cctx.Context, id, nil, types.ErrUserRejected)
	},
}

var signStatusCmds = &cli.Command{
	Name:      "sign-status",
	ArgsUsage: "flight-id",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		id, err := uuid.Parse(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		status, err := api.SignStatus(cctx.Context, id)
		if err != nil {
			return err
		}
		statusBytes, err := json.MarshalIndent(status, " ", "\t")
		if err != nil {
			return err
		}
		fmt.Println(string(statusBytes))
		return nil
	},
}

var cancelSignCmds = &cli.Command{
	Name:      "cancel-sign",
	ArgsUsage: "flight-id",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		id, err := uuid.Parse(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		return api.CancelSign(cctx.Context, id)
	},
}

func parseOptionalID(arg string) (uuid.UUID, error) {
	if arg == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(arg)
}
