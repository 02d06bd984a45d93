package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
)

var log = logging.Logger("keeper_store")

// document is the whole persisted state: one global data version plus
// independently migratable namespaces (permission, preference, keyrings,
// rpc, ...), each an opaque JSON value.
type document struct {
	DataVersion int                        `json:"dataVersion"`
	Namespaces  map[string]json.RawMessage `json:"namespaces"`
}

// Store is a versioned key-value store with a write-through in-memory
// cache. After Open the cache is the source of truth; every Set flushes the
// whole document durably before returning. When opened with a passphrase
// the on-disk form is sealed (scrypt + AES-256-GCM), otherwise plain JSON.
type Store struct {
	lk         sync.Mutex
	path       string
	passphrase string
	doc        document
}

// Open reads the backing file if it exists. A sealed file opened with the
// wrong passphrase fails with ErrDecryptionFailed.
func Open(path string, passphrase string) (*Store, error) {
	s := &Store{
		path:       path,
		passphrase: passphrase,
		doc: document{
			Namespaces: make(map[string]json.RawMessage),
		},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read store %s", path)
	}

	plain := raw
	if sealed, ok := parseSealed(raw); ok {
		plain, err = openSealed(passphrase, sealed)
		if err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(plain, &s.doc); err != nil {
		return nil, errors.Wrapf(err, "decode store %s", path)
	}
	if s.doc.Namespaces == nil {
		s.doc.Namespaces = make(map[string]json.RawMessage)
	}
	return s, nil
}

// Get decodes the value under key into out. The second return reports
// whether the key exists at all; absence is not an error.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	raw, ok := s.doc.Namespaces[key]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, errors.Wrapf(err, "decode key %s", key)
	}
	return true, nil
}

// Set updates the cache and performs the durable write before returning.
func (s *Store) Set(key string, val interface{}) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	raw, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "encode key %s", key)
	}
	s.doc.Namespaces[key] = raw
	return s.save()
}

// Mutate runs fn against the decoded value under key and writes the result
// back in one durable step. fn receives the raw current value (nil when the
// key is absent) and returns the replacement.
func (s *Store) Mutate(key string, fn func(raw json.RawMessage) (interface{}, error)) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	next, err := fn(s.doc.Namespaces[key])
	if err != nil {
		return err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return errors.Wrapf(err, "encode key %s", key)
	}
	s.doc.Namespaces[key] = raw
	return s.save()
}

func (s *Store) DataVersion() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.doc.DataVersion
}

// save assumes lk held. Written via temp file + rename so a crash mid-write
// never leaves a torn store.
func (s *Store) save() error {
	plain, err := json.Marshal(&s.doc)
	if err != nil {
		return errors.Wrap(err, "encode store document")
	}

	out := plain
	if s.passphrase != "" {
		sealed, err := seal(s.passphrase, plain)
		if err != nil {
			return err
		}
		out, err = json.Marshal(sealed)
		if err != nil {
			return errors.Wrap(err, "encode sealed store")
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create store dir")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return errors.Wrap(err, "write store")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "rename store")
}
