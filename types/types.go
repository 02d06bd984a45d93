package types

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// KeyringType discriminates account backends. Identity of an account is
// always the (address, keyring type) pair.
type KeyringType string

const (
	MnemonicKeyring   KeyringType = "mnemonic"
	PrivateKeyKeyring KeyringType = "privatekey"
	HardwareKeyring   KeyringType = "hardware"
	WatchKeyring      KeyringType = "watch"
)

// Capability is the signing capability mask of a keyring backend.
type Capability uint8

const (
	CapSignTransaction Capability = 1 << iota
	CapSignMessage
	CapSignTypedData
	CapExportPrivateKey
)

func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// AccountRef identifies one account across the keeper. Addresses serialize
// canonical lowercase hex.
type AccountRef struct {
	Address common.Address `json:"address"`
	Type    KeyringType    `json:"type"`
	Brand   string         `json:"brand,omitempty"`
}

// Key is the dedupe key for account enumeration.
func (a AccountRef) Key() string {
	return strings.ToLower(a.Address.Hex()) + "/" + string(a.Type)
}

// RPCRequest is one inbound call from a page context. The ID is carried
// back verbatim; correlation itself relies on the one-at-a-time ordering
// of the page channel.
type RPCRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse carries the settled outcome back to the page.
type RPCResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// PushEvent is a background-to-page notification, delivered origin filtered
// through the session registry.
type PushEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
