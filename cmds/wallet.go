package cmds

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli/v2"
)

var WalletCmds = &cli.Command{
	Name:  "wallet",
	Usage: "wallet cmds",
	Subcommands: []*cli.Command{
		lockCmds, unlockCmds, statusCmds,
		newMnemonicCmds, importMnemonicCmds, importKeyCmds, importJSONCmds,
		watchCmds,
	},
}

var lockCmds = &cli.Command{
	Name: "lock",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.Lock(cctx.Context)
	},
}

var unlockCmds = &cli.Command{
	Name: "unlock",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "password", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.Unlock(cctx.Context, cctx.String("password"))
	},
}

var statusCmds = &cli.Command{
	Name: "status",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		locked, err := api.IsLocked(cctx.Context)
		if err != nil {
			return err
		}
		ver, err := api.Version(cctx.Context)
		if err != nil {
			return err
		}
		fmt.Printf("version %s, locked %v\n", ver, locked)
		return nil
	},
}

var newMnemonicCmds = &cli.Command{
	Name:  "new-mnemonic",
	Usage: "generate a fresh mnemonic and import it",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "password", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return err
		}
		phrase, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return err
		}

		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		accounts, err := api.ImportMnemonic(cctx.Context, phrase, cctx.String("password"))
		if err != nil {
			return err
		}
		fmt.Println(phrase)
		for _, ref := range accounts {
			fmt.Println(ref.Address.Hex())
		}
		return nil
	},
}

var importMnemonicCmds = &cli.Command{
	Name:      "import-mnemonic",
	ArgsUsage: "phrase",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "password", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		accounts, err := api.ImportMnemonic(cctx.Context, cctx.Args().Get(0), cctx.String("password"))
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

var importKeyCmds = &cli.Command{
	Name:      "import-key",
	ArgsUsage: "hex-private-key",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "password", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ref, err := api.ImportPrivateKey(cctx.Context, cctx.Args().Get(0), cctx.String("password"))
		if err != nil {
			return err
		}
		fmt.Println(ref.Address.Hex())
		return nil
	},
}

var importJSONCmds = &cli.Command{
	Name:      "import-json",
	Usage:     "import an encrypted keystore file",
	ArgsUsage: "keystore-file",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "password", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		blob, err := os.ReadFile(cctx.Args().Get(0))
		if err != nil {
			return err
		}

		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ref, err := api.ImportKeystoreJSON(cctx.Context, blob, cctx.String("password"))
		if err != nil {
			return err
		}
		fmt.Println(ref.Address.Hex())
		return nil
	},
}

var watchCmds = &cli.Command{
	Name:  "watch",
	Usage: "track an address without its key",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			ArgsUsage: "address",
			Action: func(cctx *cli.Context) error {
				api, closer, err := NewKeeperClient(cctx)
				if err != nil {
					return err
				}
				defer closer()

				ref, err := api.AddWatchAddress(cctx.Context, common.HexToAddress(cctx.Args().Get(0)))
				if err != nil {
					return err
				}
				fmt.Println(ref.Address.Hex())
				return nil
			},
		},
		{
			Name:      "remove",
			ArgsUsage: "address",
			Action: func(cctx *cli.Context) error {
				api, closer, err := NewKeeperClient(cctx)
				if err != nil {
					return err
				}
				defer closer()

				return api.RemoveWatchAddress(cctx.Context, common.HexToAddress(cctx.Args().Get(0)))
			},
		},
	},
}
