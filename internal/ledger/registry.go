package ledger

import (
	"fmt"
	"slices"
)

// PoolParams are the static attributes a pool is created with.
type PoolParams struct {
	ID                 PoolID
	Underlying         string
	MaintenanceRateBps uint64
	FeeReceiver        string
}

// Registry is the arena of pools keyed by id.
type Registry struct {
	pools map[PoolID]*Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[PoolID]*Pool)}
}

// Register creates a pool. genesisEpoch is the day number maintenance starts
// counting from.
func (r *Registry) Register(params PoolParams, genesisEpoch uint64) (*Pool, error) {
	if _, ok := r.pools[params.ID]; ok {
		return nil, fmt.Errorf("register pool %d: %w", params.ID, ErrPoolExists)
	}
	p := NewPool(params.ID, params.Underlying)
	p.MaintenanceRateBps = params.MaintenanceRateBps
	p.FeeReceiver = params.FeeReceiver
	p.LastMaintenanceEpoch = genesisEpoch
	r.pools[params.ID] = p
	return p, nil
}

// Put installs a pool restored from a snapshot, replacing any existing one.
func (r *Registry) Put(p *Pool) {
	r.pools[p.ID] = p
}

func (r *Registry) Get(id PoolID) (*Pool, error) {
	p, ok := r.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %d: %w", id, ErrUnknownPool)
	}
	return p, nil
}

// IDs returns registered pool ids in ascending order.
func (r *Registry) IDs() []PoolID {
	ids := make([]PoolID, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
