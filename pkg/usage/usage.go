// Package usage is the org-level accounting collaborator: cumulative feature
// counters with opportunistic limit checks. Callers never let a usage failure
// abort their own transaction.
package usage

import (
	"fmt"
	"log"
	"time"

	"fleetwan/pkg/model"
	"fleetwan/pkg/store"
)

// Notifier receives over-limit events; delivery is best effort.
type Notifier interface {
	Dispatch(name string, fn func() error)
}

type Accounting struct {
	store    store.Store
	notifier Notifier
}

func NewAccounting(st store.Store, notifier Notifier) *Accounting {
	return &Accounting{store: st, notifier: notifier}
}

// AddUsage adds amount to the org's counter for featureID and returns the new
// total. Runs in the caller's transaction when tx is non-nil.
func (a *Accounting) AddUsage(orgID uint, featureID string, amount float64, tx store.Tx) (float64, error) {
	var total float64
	err := a.store.WithTx(tx, func(tx store.Tx) error {
		var err error
		total, err = tx.AddUsage(orgID, featureID, amount, time.Now())
		return err
	})
	return total, err
}

// CheckLimits compares usage against the org's limit for featureID. Pass the
// total returned by AddUsage to avoid a re-read; a negative usageTotal forces
// a fresh read. An absent limit row means unlimited. When notify is set and
// the limit is exceeded, an over-limit notification is dispatched off the
// caller's path.
func (a *Accounting) CheckLimits(orgID uint, notify bool, featureID string, usageTotal float64, tx store.Tx) (bool, error) {
	var over bool
	err := a.store.WithTx(tx, func(tx store.Tx) error {
		limit, ok, err := tx.GetLimit(orgID, featureID)
		if err != nil || !ok {
			return err
		}
		total := usageTotal
		if total < 0 {
			total, err = tx.AddUsage(orgID, featureID, 0, time.Now())
			if err != nil {
				return err
			}
		}
		over = total > limit.Max
		return nil
	})
	if err != nil || !over {
		return over, err
	}
	if notify && a.notifier != nil {
		a.notifier.Dispatch(fmt.Sprintf("limit-notify-%d-%s", orgID, featureID), func() error {
			log.Printf("org %d exceeded limit for %s", orgID, featureID)
			return nil
		})
	}
	return over, nil
}

// Feature ids re-exported for callers that only import usage.
const (
	FeatureBandwidthMB  = model.FeatureBandwidthMB
	FeatureUptimeMinute = model.FeatureUptimeMinute
)
