package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

var AccountCmds = &cli.Command{
	Name:        "account",
	Usage:       "account cmds",
	Subcommands: []*cli.Command{listAccountCmds, deriveAccountCmds, exportAccountCmds},
}

var listAccountCmds = &cli.Command{
	Name: "list",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "type", Usage: "filter by keyring type"},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		var filter []types.KeyringType
		if t := cctx.String("type"); t != "" {
			filter = append(filter, types.KeyringType(t))
		}
		accounts, err := api.ListAccounts(cctx.Context, filter)
		if err != nil {
			return err
		}
		accountBytes, err := json.MarshalIndent(accounts, " ", "\t")
		if err != nil {
			return err
		}
		fmt.Println(string(accountBytes))
		return nil
	},
}

var deriveAccountCmds = &cli.Command{
	Name:  "derive",
	Usage: "derive the next account from the mnemonic keyring",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ref, err := api.DeriveNextAccount(cctx.Context)
		if err != nil {
			return err
		}
		fmt.Println(ref.Address.Hex())
		return nil
	},
}

var exportAccountCmds = &cli.Command{
	Name:      "export",
	Usage:     "export the plaintext private key of an account",
	ArgsUsage: "address",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "type", Value: string(types.MnemonicKeyring)},
		&cli.StringFlag{Name: "password", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ref := types.AccountRef{
			Address: common.HexToAddress(cctx.Args().Get(0)),
			Type:    types.KeyringType(cctx.String("type")),
		}
		key, err := api.ExportPrivateKey(cctx.Context, ref, cctx.String("password"))
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}
