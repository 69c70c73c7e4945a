// Package bandwidth ingests periodic per-peer transfer samples from exit
// nodes, maintains site counters and liveness, and rolls usage into org
// accounting. One batch is one transaction: all-or-nothing per batch,
// independent across exit nodes.
package bandwidth

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"fleetwan/pkg/model"
	"fleetwan/pkg/store"
	"fleetwan/pkg/usage"
)

// AuthorizeFunc vetoes an exit node reporting for an org. A non-nil error
// aborts (rolls back) the entire batch: partial writes from an unauthorized
// node would corrupt accounting.
type AuthorizeFunc func(tx store.Tx, exitNodeID, orgID uint) error

// Tracker processes bandwidth batches. The offline-site cache is
// per-instance by design: it only avoids redundant lookups and self-heals
// within one staleness window, so it is not coordinated across instances.
type Tracker struct {
	store          store.Store
	accounting     *usage.Accounting
	authorize      AuthorizeFunc
	staleness      time.Duration
	reportInterval time.Duration
	usageEnabled   bool

	mu           sync.Mutex
	offlineSites map[string]bool // keyed by site public key
}

func NewTracker(st store.Store, acct *usage.Accounting, staleness, reportInterval time.Duration, usageEnabled bool) *Tracker {
	if staleness <= 0 {
		staleness = 60 * time.Second
	}
	if reportInterval <= 0 {
		reportInterval = 10 * time.Second
	}
	return &Tracker{
		store:          st,
		accounting:     acct,
		staleness:      staleness,
		reportInterval: reportInterval,
		usageEnabled:   usageEnabled,
		offlineSites:   map[string]bool{},
	}
}

// SetAuthorize installs the per-site exit-node authorization check.
func (t *Tracker) SetAuthorize(fn AuthorizeFunc) { t.authorize = fn }

type orgAggregate struct {
	megabytes   float64
	activeSites int
}

// ProcessBatch applies one batch of samples from an exit node inside a single
// transaction. Samples with traffic update counters and liveness; idle
// samples only demote sites whose last update is older than the staleness
// threshold. The in-memory offline cache is mutated only after commit.
func (t *Tracker) ProcessBatch(ctx context.Context, exitNodeID uint, samples []model.BandwidthSample) error {
	now := time.Now()
	var active, idle []model.BandwidthSample
	for _, s := range samples {
		// idle does not mean dead: keepalive traffic still moves bytesOut
		if s.BytesIn > 0 {
			active = append(active, s)
		} else {
			idle = append(idle, s)
		}
	}

	var evict, markOffline []string
	aggs := map[uint]*orgAggregate{}

	err := t.store.WithTx(nil, func(tx store.Tx) error {
		for _, s := range active {
			site, ok, err := tx.GetSiteByPublicKey(s.PublicKey)
			if err != nil {
				return err
			}
			if !ok {
				log.Printf("bandwidth sample for unknown peer %s; skipping", s.PublicKey)
				continue
			}
			if t.authorize != nil {
				if err := t.authorize(tx, exitNodeID, site.OrgID); err != nil {
					return fmt.Errorf("exit node %d not authorized for org %d: %w", exitNodeID, site.OrgID, err)
				}
			}
			// samples are measured from the tunnel endpoint: the peer's
			// inbound bytes are the site's outbound megabytes
			if err := tx.AddSiteBandwidth(site.ID, s.BytesOut, s.BytesIn, now); err != nil {
				return err
			}
			evict = append(evict, s.PublicKey)
			agg := aggs[site.OrgID]
			if agg == nil {
				agg = &orgAggregate{}
				aggs[site.OrgID] = agg
			}
			agg.megabytes += s.BytesIn + s.BytesOut
			agg.activeSites++
		}

		if t.usageEnabled && t.accounting != nil {
			t.pushUsage(tx, aggs)
		}

		for _, s := range idle {
			if t.isCachedOffline(s.PublicKey) {
				continue
			}
			site, ok, err := tx.GetSiteByPublicKey(s.PublicKey)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			stale := site.LastBandwidthUpdate == nil || now.Sub(*site.LastBandwidthUpdate) > t.staleness
			if !stale {
				continue
			}
			if site.Online {
				if t.authorize != nil {
					if err := t.authorize(tx, exitNodeID, site.OrgID); err != nil {
						return fmt.Errorf("exit node %d not authorized for org %d: %w", exitNodeID, site.OrgID, err)
					}
				}
				if err := tx.SetSiteOnline(site.ID, false); err != nil {
					return err
				}
			}
			markOffline = append(markOffline, s.PublicKey)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, pk := range evict {
		delete(t.offlineSites, pk)
	}
	for _, pk := range markOffline {
		t.offlineSites[pk] = true
	}
	t.mu.Unlock()
	return nil
}

// pushUsage feeds each org's aggregate into accounting. One org's failure
// never blocks another's; errors are logged and dropped.
func (t *Tracker) pushUsage(tx store.Tx, aggs map[uint]*orgAggregate) {
	for orgID, agg := range aggs {
		total, err := t.accounting.AddUsage(orgID, usage.FeatureBandwidthMB, agg.megabytes, tx)
		if err != nil {
			log.Printf("usage push org=%d failed: %v", orgID, err)
			continue
		}
		if _, err := t.accounting.CheckLimits(orgID, true, usage.FeatureBandwidthMB, total, tx); err != nil {
			log.Printf("limit check org=%d failed: %v", orgID, err)
		}
		// uptime credit: one report interval per active site, in minutes
		minutes := t.reportInterval.Seconds() / 60 * float64(agg.activeSites)
		upTotal, err := t.accounting.AddUsage(orgID, usage.FeatureUptimeMinute, minutes, tx)
		if err != nil {
			log.Printf("uptime push org=%d failed: %v", orgID, err)
			continue
		}
		if _, err := t.accounting.CheckLimits(orgID, true, usage.FeatureUptimeMinute, upTotal, tx); err != nil {
			log.Printf("limit check org=%d failed: %v", orgID, err)
		}
	}
}

func (t *Tracker) isCachedOffline(publicKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offlineSites[publicKey]
}
