package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	kapi "github.com/ipfs-force-community/sophon-keeper/api"
	"github.com/ipfs-force-community/sophon-keeper/approval"
	"github.com/ipfs-force-community/sophon-keeper/broker"
	"github.com/ipfs-force-community/sophon-keeper/cmds"
	"github.com/ipfs-force-community/sophon-keeper/config"
	"github.com/ipfs-force-community/sophon-keeper/keyring"
	"github.com/ipfs-force-community/sophon-keeper/permission"
	"github.com/ipfs-force-community/sophon-keeper/session"
	"github.com/ipfs-force-community/sophon-keeper/store"
	"github.com/ipfs-force-community/sophon-keeper/types"
	"github.com/ipfs-force-community/sophon-keeper/version"
)

var log = logging.Logger("main")

func main() {
	_ = logging.SetLogLevel("*", "INFO")

	app := &cli.App{
		Name:  "sophon-keeper",
		Usage: "trusted signing and permission daemon for page wallets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				Usage:   "keeper data directory",
				EnvVars: []string{"SOPHON_KEEPER_PATH"},
				Value:   "~/.sophon-keeper",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "host address and port the keeper api will listen on",
			},
		},
		Commands: []*cli.Command{
			runCmd, cmds.AccountCmds, cmds.SiteCmds, cmds.WalletCmds, cmds.ApprovalCmds,
		},
	}
	app.Version = version.UserVersion
	if err := app.Run(os.Args); err != nil {
		log.Warn(err)
		os.Exit(1)
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "start sophon-keeper daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "store-passphrase",
			Usage:   "encrypt the persistent store at rest",
			EnvVars: []string{"SOPHON_KEEPER_STORE_PASSPHRASE"},
		},
	},
	Action: func(cctx *cli.Context) error {
		repoDir, err := config.ExpandRepoDir(cctx.String("repo"))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(repoDir, 0700); err != nil {
			return err
		}

		cfgPath := filepath.Join(repoDir, config.ConfigFile)
		cfg, err := config.ReadConfig(cfgPath)
		if os.IsNotExist(err) {
			cfg = config.DefaultConfig()
			if err := config.WriteConfig(cfgPath, cfg); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if cctx.IsSet("listen") {
			cfg.API.ListenAddress = cctx.String("listen")
		}
		if cctx.IsSet("store-passphrase") {
			cfg.Store.Passphrase = cctx.String("store-passphrase")
		}
		return RunMain(cctx.Context, repoDir, cfg)
	},
}

func RunMain(ctx context.Context, repoDir string, cfg *config.Config) error {
	log.Infof("sophon-keeper current version %s, listen %s", version.UserVersion, cfg.API.ListenAddress)

	ds, err := store.Open(cfg.StorePath(repoDir), cfg.Store.Passphrase)
	if err != nil {
		return err
	}
	if err := ds.RunMigrations(store.Registry()); err != nil {
		return err
	}

	perm := permission.NewStore(ds)
	if err := perm.Init(); err != nil {
		return err
	}

	registry := session.NewRegistry()

	winEvents := types.NewPubsub[types.WindowEvent](16)
	uiConn := approval.NewUIConnManager(winEvents, cfg.Request)
	orch := approval.NewOrchestrator(ctx, cfg.Request, uiConn, winEvents)

	mgr, err := keyring.NewManager(ds, nil)
	if err != nil {
		return err
	}

	b := broker.NewBroker(cfg.Request, cfg.DedupeBlacklist)
	broker.NewController(perm, orch, mgr, registry, ds).RegisterRoutes(b)

	keeperAPI := &kapi.KeeperAPI{
		Orch:   orch,
		UIConn: uiConn,
		Mgr:    mgr,
		Perm:   perm,
	}

	go sessionMetricsLoop(ctx, registry)

	handler := NewKeeperHandler(keeperAPI, b, registry)
	srv := &http.Server{Handler: handler}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warnw("received shutdown", "signal", sig)
		case <-ctx.Done():
			log.Warn("received shutdown")
		}

		log.Info("Shutting down...")
		if err := srv.Shutdown(context.TODO()); err != nil {
			log.Errorf("shutting down RPC server failed: %s", err)
		}
	}()

	nl, err := net.Listen("tcp", cfg.API.ListenAddress)
	if err != nil {
		return err
	}

	log.Infof("start to rpc listen %s", nl.Addr())
	if err = srv.Serve(nl); err != nil && err != http.ErrServerClosed {
		return err
	}

	log.Info("Graceful shutdown successful")
	return nil
}
