// Package exitnode lists and selects tunnel termination points. Initial
// client assignment (uniform random, in the reconciler) and runtime failover
// selection (NodePolicy here) are deliberately separate policies.
package exitnode

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fleetwan/pkg/model"
	"fleetwan/pkg/store"
)

// Filter decides which nodes an org may see. The default admits all nodes;
// richer deployments can hide remote/non-local ones.
type Filter func(orgID uint, node model.ExitNode) bool

// NodePolicy orders probe results and picks the best candidate, or nil.
type NodePolicy func(results []model.PingResult) *model.PingResult

// FirstResult is the default policy: take the first reported candidate.
func FirstResult(results []model.PingResult) *model.PingResult {
	if len(results) == 0 {
		return nil
	}
	return &results[0]
}

// LowestLatency picks the live candidate with the smallest latency.
func LowestLatency(results []model.PingResult) *model.PingResult {
	var best *model.PingResult
	for i := range results {
		r := &results[i]
		if !r.Live {
			continue
		}
		if best == nil || r.Latency < best.Latency {
			best = r
		}
	}
	return best
}

// Directory resolves exit nodes for orgs and for the local instance.
type Directory struct {
	store        store.Store
	filter       Filter
	policy       NodePolicy
	localName    string
	probeTimeout time.Duration
	client       *http.Client

	mu        sync.Mutex
	currentID uint
	resolved  bool
}

func NewDirectory(st store.Store, localName string, probeTimeout time.Duration) *Directory {
	if probeTimeout <= 0 {
		probeTimeout = 1500 * time.Millisecond
	}
	return &Directory{
		store:        st,
		filter:       func(uint, model.ExitNode) bool { return true },
		policy:       FirstResult,
		localName:    localName,
		probeTimeout: probeTimeout,
		client:       &http.Client{Timeout: probeTimeout},
	}
}

// SetFilter replaces the org visibility filter.
func (d *Directory) SetFilter(f Filter) {
	if f != nil {
		d.filter = f
	}
}

// SetPolicy replaces the best-node selection policy.
func (d *Directory) SetPolicy(p NodePolicy) {
	if p != nil {
		d.policy = p
	}
}

// List returns the exit nodes visible to an org. Pass the caller's tx when
// listing inside a transaction, nil otherwise.
func (d *Directory) List(tx store.Tx, orgID uint) ([]model.ExitNode, error) {
	if tx == nil {
		tx = d.store
	}
	nodes, err := tx.ListExitNodes()
	if err != nil {
		return nil, err
	}
	out := nodes[:0]
	for _, n := range nodes {
		if d.filter(orgID, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// SelectBest applies the configured policy to a set of probe results.
func (d *Directory) SelectBest(results []model.PingResult) *model.PingResult {
	return d.policy(results)
}

// CurrentExitNodeID resolves the local instance's exit node once per process:
// by configured name when set, otherwise any existing node. The fallback is a
// soft "pick any", not a discovery protocol.
func (d *Directory) CurrentExitNodeID() (uint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return d.currentID, nil
	}
	if d.localName != "" {
		node, ok, err := d.store.GetExitNodeByName(d.localName)
		if err != nil {
			return 0, err
		}
		if ok {
			d.currentID = node.ID
			d.resolved = true
			return d.currentID, nil
		}
	}
	nodes, err := d.store.ListExitNodes()
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, fmt.Errorf("no exit nodes registered")
	}
	d.currentID = nodes[0].ID
	d.resolved = true
	return d.currentID, nil
}

// Probe checks one node's liveness endpoint, bounded by the probe timeout.
// Failures report a dead node instead of propagating.
func (d *Directory) Probe(ctx context.Context, node model.ExitNode) model.PingResult {
	result := model.PingResult{ExitNodeID: node.ID}
	reqCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, node.Endpoint+"/ping", nil)
	if err != nil {
		return result
	}
	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return result
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return result
	}
	result.Latency = time.Since(start)
	result.Live = true
	return result
}
