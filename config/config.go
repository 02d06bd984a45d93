package config

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

const (
	// Configuration file name
	ConfigFile = "config.toml"

	// Persistent store file name, relative to the repo dir
	StoreFile = "keeper.json"
)

type Config struct {
	API     *APIConfig
	Store   *StoreConfig
	Request *types.RequestConfig

	// Methods rejected instead of queued when a same-named call is
	// already in flight.
	DedupeBlacklist []string
}

type APIConfig struct {
	ListenAddress string
}

type StoreConfig struct {
	// Path overrides the default store location when set.
	Path string

	// Passphrase encrypts the store at rest. Empty keeps it plaintext.
	Passphrase string
}

func DefaultConfig() *Config {
	return &Config{
		API:             &APIConfig{ListenAddress: "127.0.0.1:45132"},
		Store:           &StoreConfig{},
		Request:         types.DefaultConfig(),
		DedupeBlacklist: []string{"eth_sendTransaction", "wallet_addEthereumChain"},
	}
}

// StorePath resolves the store location inside repoDir unless overridden.
func (c *Config) StorePath(repoDir string) string {
	if c.Store != nil && c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(repoDir, StoreFile)
}

// ExpandRepoDir resolves ~ in a repo path.
func ExpandRepoDir(dir string) (string, error) {
	return homedir.Expand(dir)
}

func ReadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	err = toml.Unmarshal(data, cfg)

	return cfg, err
}

func WriteConfig(filePath string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(filePath, data, 0644)
}
