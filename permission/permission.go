package permission

import (
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-keeper/store"
	"github.com/ipfs-force-community/sophon-keeper/types"
)

var log = logging.Logger("keeper_permission")

const storeKey = "permission"

// Record is one durable per-origin grant. Absence of a record means no
// permission, always.
type Record struct {
	Origin       string            `json:"origin"`
	Capabilities []string          `json:"capabilities"`
	Connected    bool              `json:"isConnected"`
	Account      *types.AccountRef `json:"account,omitempty"`
	Metadata     json.RawMessage   `json:"metadata,omitempty"`
}

// Store is the durable per-origin grant table. Reads hit the in-memory
// copy, every mutation writes through the persistent store before
// returning.
type Store struct {
	lk      sync.Mutex
	ds      *store.Store
	records map[string]*Record
	order   []string
}

func NewStore(ds *store.Store) *Store {
	return &Store{
		ds:      ds,
		records: make(map[string]*Record),
	}
}

// Init loads persisted grants. Call once at boot before serving requests.
func (p *Store) Init() error {
	p.lk.Lock()
	defer p.lk.Unlock()

	var persisted []*Record
	if _, err := p.ds.Get(storeKey, &persisted); err != nil {
		return errors.Wrap(err, "load permission records")
	}
	for _, rec := range persisted {
		if _, ok := p.records[rec.Origin]; ok {
			log.Warnf("duplicate permission record for %s dropped", rec.Origin)
			continue
		}
		p.records[rec.Origin] = rec
		p.order = append(p.order, rec.Origin)
	}
	log.Infof("loaded %d connected sites", len(p.order))
	return nil
}

// HasPermission is the synchronous default-deny gate consulted before any
// account-revealing method dispatch.
func (p *Store) HasPermission(origin string) bool {
	p.lk.Lock()
	defer p.lk.Unlock()

	rec, ok := p.records[origin]
	return ok && rec.Connected
}

func (p *Store) GetRecord(origin string) (*Record, bool) {
	p.lk.Lock()
	defer p.lk.Unlock()

	rec, ok := p.records[origin]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func (p *Store) AddConnectedSite(origin string, capabilities []string) error {
	p.lk.Lock()
	defer p.lk.Unlock()

	rec, ok := p.records[origin]
	if !ok {
		rec = &Record{Origin: origin}
		p.records[origin] = rec
		p.order = append(p.order, origin)
	}
	rec.Connected = true
	rec.Capabilities = capabilities
	log.Infof("origin %s connected with capabilities %v", origin, capabilities)
	return p.persist()
}

func (p *Store) RemoveConnectedSite(origin string) error {
	p.lk.Lock()
	defer p.lk.Unlock()

	if _, ok := p.records[origin]; !ok {
		return nil
	}
	delete(p.records, origin)
	for i, o := range p.order {
		if o == origin {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	log.Infof("origin %s disconnected", origin)
	return p.persist()
}

func (p *Store) ListConnectedSites() []string {
	p.lk.Lock()
	defer p.lk.Unlock()

	origins := make([]string, 0, len(p.order))
	for _, origin := range p.order {
		if p.records[origin].Connected {
			origins = append(origins, origin)
		}
	}
	return origins
}

func (p *Store) SetAccountForOrigin(origin string, account types.AccountRef) error {
	p.lk.Lock()
	defer p.lk.Unlock()

	rec, ok := p.records[origin]
	if !ok {
		return types.ErrPermissionDenied
	}
	rec.Account = &account
	return p.persist()
}

// persist assumes lk held.
func (p *Store) persist() error {
	out := make([]*Record, 0, len(p.order))
	for _, origin := range p.order {
		out = append(out, p.records[origin])
	}
	return errors.Wrap(p.ds.Set(storeKey, out), "persist permission records")
}
