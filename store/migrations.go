package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Migration transforms a declared subset of namespaces. It receives the
// cumulative document state and returns a partial update merged shallowly
// into the whole; returning nil means nothing to change.
type Migration struct {
	Version int
	Migrate func(data map[string]json.RawMessage) (map[string]json.RawMessage, error)
}

// RunMigrations applies every registered migration with a version above the
// current data version, strictly ascending. A failing or panicking step is
// swallowed and its input passed through unchanged; boot is never blocked
// on migration errors. The data version advances to the highest
// successfully applied step, and nothing is written when no step applied.
func (s *Store) RunMigrations(migrations []Migration) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	applied := 0
	for _, m := range migrations {
		if m.Version <= s.doc.DataVersion {
			continue
		}
		update, err := runMigrationStep(m, s.doc.Namespaces)
		if err != nil {
			log.Errorf("migration %d failed, keeping data as-is: %v", m.Version, err)
			continue
		}
		for key, raw := range update {
			s.doc.Namespaces[key] = raw
		}
		s.doc.DataVersion = m.Version
		applied++
		log.Infof("migration %d applied", m.Version)
	}

	if applied == 0 {
		return nil
	}
	return s.save()
}

func runMigrationStep(m Migration, data map[string]json.RawMessage) (update map[string]json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			update, err = nil, fmt.Errorf("migration %d panic: %v", m.Version, r)
		}
	}()
	// each step sees a copy so a half-applied failing step cannot leak
	snapshot := make(map[string]json.RawMessage, len(data))
	for key, raw := range data {
		snapshot[key] = raw
	}
	return m.Migrate(snapshot)
}

// Registry returns the statically ordered migration pipeline.
func Registry() []Migration {
	return []Migration{
		{Version: 1, Migrate: migrateCustomRPCShape},
		{Version: 2, Migrate: migratePermissionConnectedFlag},
	}
}

// migrateCustomRPCShape upgrades legacy custom RPC entries from bare URL
// strings to {url, enable} objects, enabled by default.
func migrateCustomRPCShape(data map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	raw, ok := data["rpc"]
	if !ok {
		return nil, nil
	}

	var ns struct {
		CustomRPC map[string]json.RawMessage `json:"customRPC"`
	}
	if err := json.Unmarshal(raw, &ns); err != nil {
		return nil, errors.Wrap(err, "decode rpc namespace")
	}

	type rpcEntry struct {
		URL    string `json:"url"`
		Enable bool   `json:"enable"`
	}

	changed := false
	upgraded := make(map[string]rpcEntry, len(ns.CustomRPC))
	for chain, val := range ns.CustomRPC {
		var url string
		if err := json.Unmarshal(val, &url); err == nil {
			upgraded[chain] = rpcEntry{URL: url, Enable: true}
			changed = true
			continue
		}
		var entry rpcEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			return nil, errors.Wrapf(err, "unrecognized customRPC entry for %s", chain)
		}
		upgraded[chain] = entry
	}
	if !changed {
		return nil, nil
	}

	out, err := json.Marshal(map[string]interface{}{"customRPC": upgraded})
	if err != nil {
		return nil, err
	}
	return map[string]json.RawMessage{"rpc": out}, nil
}

// migratePermissionConnectedFlag backfills isConnected on permission
// records written before the flag existed; a persisted grant implies a
// connected site.
func migratePermissionConnectedFlag(data map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	raw, ok := data["permission"]
	if !ok {
		return nil, nil
	}

	var records []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, errors.Wrap(err, "decode permission namespace")
	}

	changed := false
	for _, rec := range records {
		if _, ok := rec["isConnected"]; !ok {
			rec["isConnected"] = json.RawMessage("true")
			changed = true
		}
	}
	if !changed {
		return nil, nil
	}

	out, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	return map[string]json.RawMessage{"permission": out}, nil
}
