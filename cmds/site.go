package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
)

var SiteCmds = &cli.Command{
	Name:        "site",
	Usage:       "connected site cmds",
	Subcommands: []*cli.Command{listSiteCmds, removeSiteCmds},
}

var listSiteCmds = &cli.Command{
	Name: "list",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		sites, err := api.ListConnectedSites(cctx.Context)
		if err != nil {
			return err
		}
		siteBytes, err := json.MarshalIndent(sites, " ", "\t")
		if err != nil {
			return err
		}
		fmt.Println(string(siteBytes))
		return nil
	},
}

var removeSiteCmds = &cli.Command{
	Name:      "remove",
	Usage:     "revoke an origin's grant",
	ArgsUsage: "origin",
	Action: func(cctx *cli.Context) error {
		api, closer, err := NewKeeperClient(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return api.RemoveConnectedSite(cctx.Context, cctx.Args().Get(0))
	},
}
