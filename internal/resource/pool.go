package resource

import (
	"context"
	"fmt"
	"sync"
)

// Pool is the resource registry of one interpreter group. Operations are
// atomic per key; there are no cross-key transactions and stored values are
// not locked.
type Pool struct {
	id string

	mu        sync.RWMutex
	order     []string
	resources map[string]Resource
}

// NewPool creates an empty pool with the given id.
func NewPool(id string) *Pool {
	return &Pool{
		id:        id,
		resources: make(map[string]Resource),
	}
}

// ID returns the pool id.
func (p *Pool) ID() string {
	return p.id
}

// Put stores value under name, replacing any previous value.
func (p *Pool) Put(name string, value any, prov *Provenance) Resource {
	r := New(prov, ID{PoolID: p.id, Name: name}, value)
	p.Add(r)
	return r
}

// Add upserts r. The resource is re-keyed into this pool.
func (p *Pool) Add(r Resource) {
	r.ID.PoolID = p.id
	r.Remote = false

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.resources[r.ID.Name]; !ok {
		p.order = append(p.order, r.ID.Name)
	}
	p.resources[r.ID.Name] = r
}

// Get returns the resource stored under name.
func (p *Pool) Get(name string) (Resource, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.resources[name]
	return r, ok
}

// Remove deletes the resource stored under name and returns it.
func (p *Pool) Remove(name string) (Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[name]
	if !ok {
		return Resource{}, false
	}
	delete(p.resources, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return r, true
}

// GetAll returns every resource in insertion order.
func (p *Pool) GetAll() Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(Set, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.resources[name])
	}
	return out
}

// Connector reaches the pools of other processes.
type Connector interface {
	// GetAllResources returns the resources of every pool except exclude.
	GetAllResources(ctx context.Context, exclude string) (Set, error)
}

// DistributedPool answers lookups from its local pool first and falls back to
// remote pools through a Connector. A nil connector makes it purely local.
type DistributedPool struct {
	*Pool
	connector Connector
}

// NewDistributedPool wraps a local pool.
func NewDistributedPool(local *Pool, connector Connector) *DistributedPool {
	return &DistributedPool{Pool: local, connector: connector}
}

// Lookup returns the named resource from the local pool or, failing that,
// from the first remote pool that holds it.
func (d *DistributedPool) Lookup(ctx context.Context, name string) (Resource, bool, error) {
	if r, ok := d.Get(name); ok {
		return r, true, nil
	}
	if d.connector == nil {
		return Resource{}, false, nil
	}
	remote, err := d.connector.GetAllResources(ctx, d.ID())
	if err != nil {
		return Resource{}, false, fmt.Errorf("query remote pools: %w", err)
	}
	found := remote.FilterByName(name)
	if len(found) == 0 {
		return Resource{}, false, nil
	}
	r := found[0]
	r.Remote = true
	return r, true, nil
}

// GetAllDistributed returns local resources followed by remote ones.
func (d *DistributedPool) GetAllDistributed(ctx context.Context) (Set, error) {
	all := d.GetAll()
	if d.connector == nil {
		return all, nil
	}
	remote, err := d.connector.GetAllResources(ctx, d.ID())
	if err != nil {
		return all, fmt.Errorf("query remote pools: %w", err)
	}
	for _, r := range remote {
		r.Remote = true
		all = append(all, r)
	}
	return all, nil
}
