// Package reconcile keeps the client fleet consistent with user and org
// membership state: one client per (olm device, org membership) pair, each
// carrying the org admin-role grant and the owner's user grant, with the
// derived client-site cache rebuilt on every client mutation.
package reconcile

import (
	"fmt"
	"log"
	"math/rand"

	"fleetwan/pkg/exitnode"
	"fleetwan/pkg/model"
	"fleetwan/pkg/store"
)

// Messenger delivers best-effort session control messages to connected olms.
type Messenger interface {
	SendToClient(olmID string, message interface{})
	DisconnectClient(olmID string)
}

// Dispatcher runs fire-and-forget tasks off the reconciliation path.
type Dispatcher interface {
	Dispatch(name string, fn func() error)
}

// Summary aggregates the per-org outcomes of one reconciliation. Skips are
// configuration gaps (missing subnet, missing admin role, exhausted address
// space), never hard errors.
type Summary struct {
	Created  int
	Repaired int
	Removed  int
	Skipped  int
}

type Reconciler struct {
	store    store.Store
	dir      *exitnode.Directory
	msg      Messenger
	tasks    Dispatcher
	randIntn func(n int) int
}

func NewReconciler(st store.Store, dir *exitnode.Directory, msg Messenger, tasks Dispatcher) *Reconciler {
	return &Reconciler{store: st, dir: dir, msg: msg, tasks: tasks, randIntn: rand.Intn}
}

// Reconcile ensures exactly one client per (olm, org membership) pair for the
// user, repairs grants on existing clients, and removes clients in orgs the
// user has left. Runs in the caller's transaction when tx is non-nil; any
// database error rolls the whole reconciliation back.
func (r *Reconciler) Reconcile(userID uint, tx store.Tx) (Summary, error) {
	var sum Summary
	var terminated []string
	err := r.store.WithTx(tx, func(tx store.Tx) error {
		olms, err := tx.ListOlmsByUser(userID)
		if err != nil {
			return err
		}
		memberships, err := tx.ListOrgMemberships(userID)
		if err != nil {
			return err
		}

		retained := make(map[uint]bool, len(memberships))
		for _, ou := range memberships {
			retained[ou.OrgID] = true
			if err := r.reconcileOrg(tx, userID, ou.OrgID, olms, &sum); err != nil {
				return err
			}
		}

		// orphan cleanup: clients outside the retained org set
		for _, olm := range olms {
			clients, err := tx.ListClientsByOlm(olm.ID)
			if err != nil {
				return err
			}
			for _, c := range clients {
				if retained[c.OrgID] {
					continue
				}
				if err := tx.DeleteClient(c.ID); err != nil {
					return err
				}
				if olm.ClientID != nil && *olm.ClientID == c.ID {
					if err := tx.SetOlmClient(olm.ID, nil); err != nil {
						return err
					}
				}
				terminated = append(terminated, olm.ID)
				sum.Removed++
			}
		}
		return nil
	})
	if err != nil {
		return sum, err
	}
	// session teardown only after the transaction committed
	for _, olmID := range terminated {
		r.notifyTerminate(olmID)
	}
	log.Printf("reconciled user=%d created=%d repaired=%d removed=%d skipped=%d",
		userID, sum.Created, sum.Repaired, sum.Removed, sum.Skipped)
	return sum, nil
}

// reconcileOrg handles one org membership; configuration gaps skip the org
// with a warning so one bad org never stalls the rest.
func (r *Reconciler) reconcileOrg(tx store.Tx, userID, orgID uint, olms []model.Olm, sum *Summary) error {
	org, ok, err := tx.GetOrg(orgID)
	if err != nil {
		return err
	}
	if !ok || org.Subnet == "" {
		log.Printf("reconcile skip org=%d user=%d: no subnet configured", orgID, userID)
		sum.Skipped++
		return nil
	}
	adminRole, ok, err := tx.GetAdminRole(orgID)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("reconcile skip org=%d user=%d: no admin role", orgID, userID)
		sum.Skipped++
		return nil
	}

	for _, olm := range olms {
		existing, ok, err := tx.GetClientByOrgOlm(orgID, olm.ID)
		if err != nil {
			return err
		}
		if ok {
			// verify/repair grants only
			if err := tx.UpsertRoleClient(adminRole.ID, existing.ID); err != nil {
				return err
			}
			if err := tx.UpsertUserClient(userID, existing.ID); err != nil {
				return err
			}
			sum.Repaired++
			continue
		}
		created, err := r.createClient(tx, userID, org, adminRole, olm)
		if err != nil {
			return err
		}
		if !created {
			sum.Skipped++
			continue
		}
		sum.Created++
	}
	return nil
}

// createClient allocates an address, picks an exit node uniformly at random
// (health is tracked elsewhere; initial placement is deliberately unweighted)
// and inserts the client with its grants and cache rows.
func (r *Reconciler) createClient(tx store.Tx, userID uint, org model.Organization, adminRole model.Role, olm model.Olm) (bool, error) {
	nodes, err := r.dir.List(tx, org.ID)
	if err != nil {
		return false, err
	}
	if len(nodes) == 0 {
		log.Printf("reconcile skip org=%d olm=%s: no exit nodes available", org.ID, olm.ID)
		return false, nil
	}
	node := nodes[r.randIntn(len(nodes))]

	used, err := tx.UsedSubnets(org.ID)
	if err != nil {
		return false, err
	}
	addr, err := nextFreeAddress(org.Subnet, used)
	if err != nil {
		log.Printf("reconcile skip org=%d olm=%s: %v", org.ID, olm.ID, err)
		return false, nil
	}

	olmID := olm.ID
	uid := userID
	client := model.Client{
		OrgID:      org.ID,
		ExitNodeID: node.ID,
		UserID:     &uid,
		OlmID:      &olmID,
		Name:       fmt.Sprintf("%s-%s", org.Name, olm.ID),
		Subnet:     addr,
	}
	if err := tx.CreateClient(&client); err != nil {
		return false, err
	}
	if err := tx.UpsertRoleClient(adminRole.ID, client.ID); err != nil {
		return false, err
	}
	if err := tx.UpsertUserClient(userID, client.ID); err != nil {
		return false, err
	}
	if err := r.rebuildCache(tx, client); err != nil {
		return false, err
	}
	if olm.ClientID == nil {
		if err := tx.SetOlmClient(olm.ID, &client.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ReconcileClient rebuilds the derived client-site cache for a single client
// after direct creation or deletion, under the same atomicity rules as the
// user-centric path.
func (r *Reconciler) ReconcileClient(client model.Client, tx store.Tx) error {
	return r.store.WithTx(tx, func(tx store.Tx) error {
		if _, ok, err := tx.GetClient(client.ID); err != nil {
			return err
		} else if !ok {
			// deleted client: only its cache rows remain to clean up
			return tx.DeleteClientSites(client.ID)
		}
		return r.rebuildCache(tx, client)
	})
}

// rebuildCache recomputes the client's reachable-sites rows from scratch.
// The cache is a materialized view owned here; readers must treat it as
// eventually consistent.
func (r *Reconciler) rebuildCache(tx store.Tx, client model.Client) error {
	if err := tx.DeleteClientSites(client.ID); err != nil {
		return err
	}
	sites, err := tx.ListSitesByOrg(client.OrgID)
	if err != nil {
		return err
	}
	for _, s := range sites {
		if err := tx.CreateClientSite(client.ID, s.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) notifyTerminate(olmID string) {
	if r.msg == nil {
		return
	}
	send := func() error {
		r.msg.SendToClient(olmID, map[string]string{"type": "terminate"})
		r.msg.DisconnectClient(olmID)
		return nil
	}
	if r.tasks != nil {
		r.tasks.Dispatch("terminate-"+olmID, send)
		return
	}
	_ = send()
}
