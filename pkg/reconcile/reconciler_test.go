package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwan/pkg/exitnode"
	"fleetwan/pkg/model"
	"fleetwan/pkg/store"
)

type fakeMessenger struct {
	mu           sync.Mutex
	sent         []string
	disconnected []string
}

func (f *fakeMessenger) SendToClient(olmID string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, olmID)
}

func (f *fakeMessenger) DisconnectClient(olmID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, olmID)
}

func seedOrg(m *store.MemoryStore, orgID uint, subnet string, withAdmin bool) {
	m.AddOrg(model.Organization{ID: orgID, Name: "org", Subnet: subnet})
	if withAdmin {
		m.AddRole(model.Role{ID: orgID*10 + 1, OrgID: orgID, Name: "admin", IsAdmin: true})
	}
	m.AddExitNode(model.ExitNode{ID: 1, Name: "node-1", Endpoint: "http://node-1"})
}

func newTestReconciler(m *store.MemoryStore, msg Messenger) *Reconciler {
	dir := exitnode.NewDirectory(m, "", 0)
	r := NewReconciler(m, dir, msg, nil)
	r.randIntn = func(n int) int { return 0 } // deterministic node pick
	return r
}

func TestReconcileCreatesClientPerOlmOrgPair(t *testing.T) {
	m := store.NewMemoryStore()
	seedOrg(m, 1, "10.0.1.0/24", true)
	seedOrg(m, 2, "10.0.2.0/24", true)
	m.AddUser(model.User{ID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 1, UserID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 2, UserID: 7})
	m.AddOlm(model.Olm{ID: "olm-a", UserID: 7})
	m.AddOlm(model.Olm{ID: "olm-b", UserID: 7})

	r := newTestReconciler(m, nil)
	sum, err := r.Reconcile(7, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Created, "2 olms x 2 orgs")
	assert.Zero(t, sum.Skipped)

	clients := m.ListClients()
	require.Len(t, clients, 4)
	for _, c := range clients {
		roleGrants, _ := m.ListRoleClients(c.ID)
		userGrants, _ := m.ListUserClients(c.ID)
		assert.Len(t, roleGrants, 1, "admin role grant on client %d", c.ID)
		assert.Len(t, userGrants, 1, "user grant on client %d", c.ID)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	m := store.NewMemoryStore()
	seedOrg(m, 1, "10.0.1.0/24", true)
	m.AddUser(model.User{ID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 1, UserID: 7})
	m.AddOlm(model.Olm{ID: "olm-a", UserID: 7})

	r := newTestReconciler(m, nil)
	_, err := r.Reconcile(7, nil)
	require.NoError(t, err)
	sum, err := r.Reconcile(7, nil)
	require.NoError(t, err)
	assert.Zero(t, sum.Created)
	assert.Equal(t, 1, sum.Repaired)
	assert.Len(t, m.ListClients(), 1)
}

func TestReconcileSkipsOrgWithoutSubnetOrAdminRole(t *testing.T) {
	m := store.NewMemoryStore()
	seedOrg(m, 1, "", true)          // no subnet
	seedOrg(m, 2, "10.0.2.0/24", false) // no admin role
	seedOrg(m, 3, "10.0.3.0/24", true)
	m.AddUser(model.User{ID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 1, UserID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 2, UserID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 3, UserID: 7})
	m.AddOlm(model.Olm{ID: "olm-a", UserID: 7})

	r := newTestReconciler(m, nil)
	sum, err := r.Reconcile(7, nil)
	require.NoError(t, err, "one bad org must not fail the reconciliation")
	assert.Equal(t, 1, sum.Created, "the healthy org still gets its client")
	assert.Equal(t, 2, sum.Skipped)
}

func TestReconcileSkipsIPv6SubnetOrg(t *testing.T) {
	m := store.NewMemoryStore()
	seedOrg(m, 1, "fd00::/64", true)
	seedOrg(m, 2, "10.0.2.0/24", true)
	m.AddUser(model.User{ID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 1, UserID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 2, UserID: 7})
	m.AddOlm(model.Olm{ID: "olm-a", UserID: 7})

	r := newTestReconciler(m, nil)
	sum, err := r.Reconcile(7, nil)
	require.NoError(t, err, "an unusable subnet skips the org, never crashes")
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Skipped)
	clients := m.ListClients()
	require.Len(t, clients, 1)
	assert.Equal(t, uint(2), clients[0].OrgID)
}

func TestReconcileRemovesClientsOfDepartedOrgsOnly(t *testing.T) {
	m := store.NewMemoryStore()
	seedOrg(m, 1, "10.0.1.0/24", true)
	seedOrg(m, 2, "10.0.2.0/24", true)
	m.AddUser(model.User{ID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 1, UserID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 2, UserID: 7})
	m.AddOlm(model.Olm{ID: "olm-a", UserID: 7})

	msg := &fakeMessenger{}
	r := newTestReconciler(m, msg)
	_, err := r.Reconcile(7, nil)
	require.NoError(t, err)
	require.Len(t, m.ListClients(), 2)

	m.RemoveOrgUser(2, 7)
	sum, err := r.Reconcile(7, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Removed)

	clients := m.ListClients()
	require.Len(t, clients, 1)
	assert.Equal(t, uint(1), clients[0].OrgID, "only the departed org's client goes")
	assert.Equal(t, []string{"olm-a"}, msg.sent, "terminate sent to the removed client's olm")
}

func TestReconcileRemovesAllClientsWhenNoMemberships(t *testing.T) {
	m := store.NewMemoryStore()
	seedOrg(m, 1, "10.0.1.0/24", true)
	m.AddUser(model.User{ID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 1, UserID: 7})
	m.AddOlm(model.Olm{ID: "olm-a", UserID: 7})

	r := newTestReconciler(m, nil)
	_, err := r.Reconcile(7, nil)
	require.NoError(t, err)

	m.RemoveOrgUser(1, 7)
	sum, err := r.Reconcile(7, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Removed)
	assert.Empty(t, m.ListClients())
}

func TestConcurrentReconciliationsNeverCollideOnAddresses(t *testing.T) {
	// the memory store serializes transactions under one mutex; on mysql the
	// (org_id, subnet) unique index fails the losing insert instead
	m := store.NewMemoryStore()
	seedOrg(m, 1, "10.0.1.0/24", true)
	for _, uid := range []uint{1, 2, 3, 4} {
		m.AddUser(model.User{ID: uid})
		m.AddOrgUser(model.OrgUser{OrgID: 1, UserID: uid})
		m.AddOlm(model.Olm{ID: "olm-" + string(rune('a'+uid)), UserID: uid})
	}

	r := newTestReconciler(m, nil)
	var wg sync.WaitGroup
	for _, uid := range []uint{1, 2, 3, 4} {
		wg.Add(1)
		go func(uid uint) {
			defer wg.Done()
			_, err := r.Reconcile(uid, nil)
			assert.NoError(t, err)
		}(uid)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, c := range m.ListClients() {
		require.False(t, seen[c.Subnet], "address %s allocated twice", c.Subnet)
		seen[c.Subnet] = true
	}
	assert.Len(t, seen, 4)
}

func TestReconcileRebuildsAssociationCache(t *testing.T) {
	m := store.NewMemoryStore()
	seedOrg(m, 1, "10.0.1.0/24", true)
	m.AddSite(model.Site{ID: 11, OrgID: 1, PublicKey: "pk-11"})
	m.AddSite(model.Site{ID: 12, OrgID: 1, PublicKey: "pk-12"})
	m.AddUser(model.User{ID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 1, UserID: 7})
	m.AddOlm(model.Olm{ID: "olm-a", UserID: 7})

	r := newTestReconciler(m, nil)
	_, err := r.Reconcile(7, nil)
	require.NoError(t, err)

	clients := m.ListClients()
	require.Len(t, clients, 1)
	assert.Len(t, m.ListClientSites(clients[0].ID), 2)
}

func TestReconcileClientCleansCacheForDeletedClient(t *testing.T) {
	m := store.NewMemoryStore()
	seedOrg(m, 1, "10.0.1.0/24", true)
	m.AddSite(model.Site{ID: 11, OrgID: 1, PublicKey: "pk-11"})
	m.AddUser(model.User{ID: 7})
	m.AddOrgUser(model.OrgUser{OrgID: 1, UserID: 7})
	m.AddOlm(model.Olm{ID: "olm-a", UserID: 7})

	r := newTestReconciler(m, nil)
	_, err := r.Reconcile(7, nil)
	require.NoError(t, err)
	clients := m.ListClients()
	require.Len(t, clients, 1)
	client := clients[0]

	// site added after creation: ReconcileClient refreshes the cache
	m.AddSite(model.Site{ID: 12, OrgID: 1, PublicKey: "pk-12"})
	require.NoError(t, r.ReconcileClient(client, nil))
	assert.Len(t, m.ListClientSites(client.ID), 2)

	require.NoError(t, m.DeleteClient(client.ID))
	require.NoError(t, r.ReconcileClient(client, nil))
	assert.Empty(t, m.ListClientSites(client.ID))
}
