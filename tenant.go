package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Tenant is the isolation boundary. It owns its users and channels; no
// lookup on one tenant may ever return state from another.
type Tenant struct {
	// Canonicalized tenant name.
	Name string

	// Guards all maps below plus the mutable fields of owned users.
	mu sync.Mutex

	// Username to user.
	users map[string]*User

	// Canonicalized nickname to user. One-to-one with users' Nick fields.
	nicks map[string]*User

	// Connection id to user.
	conns map[uint64]*User

	// Canonicalized channel name to channel.
	channels map[string]*Channel

	createdAt    time.Time
	lastActivity time.Time
}

func newTenant(name string) *Tenant {
	now := time.Now()
	return &Tenant{
		Name:         name,
		users:        make(map[string]*User),
		nicks:        make(map[string]*User),
		conns:        make(map[uint64]*User),
		channels:     make(map[string]*Channel),
		createdAt:    now,
		lastActivity: now,
	}
}

func (t *Tenant) touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = time.Now()
}

// attachUser binds a registering connection's identity to a user, creating
// the user if this identity has not been seen.
//
// The nickname must be free within the tenant (held by no one, or held by
// the same identity reconnecting). On a reconnect the returned superseded
// client is the connection that previously carried the user; the caller
// must close it.
func (t *Tenant) attachUser(c *Client) (*User, *Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nickCanon := canonicalizeNick(c.Nick)

	if holder, exists := t.nicks[nickCanon]; exists &&
		holder.Username != c.Username {
		return nil, nil, errors.New("nickname is already in use")
	}

	var superseded *Client

	u, exists := t.users[c.Username]
	if exists {
		// Same identity reconnecting. Take over; the old connection gets
		// closed by the caller.
		if u.Client != nil && u.Client != c {
			superseded = u.Client
			delete(t.conns, superseded.ID)
		}
		delete(t.nicks, canonicalizeNick(u.Nick))

		u.mu.Lock()
		u.Client = c
		u.Access = c.Access
		u.RealName = c.RealName
		if u.Nick != c.Nick {
			u.NickHistory = append(u.NickHistory, c.Nick)
		}
		u.Nick = c.Nick
		u.mu.Unlock()
	} else {
		u = NewUser(t, c)
		t.users[c.Username] = u
	}

	t.nicks[nickCanon] = u
	t.conns[c.ID] = u
	t.lastActivity = time.Now()

	return u, superseded, nil
}

// detachUser removes a user from the tenant's indices. The caller handles
// channel membership separately (channel locks come after the tenant lock).
//
// Returns the remaining user count.
func (t *Tenant) detachUser(u *User) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	u.mu.Lock()
	if u.Client != nil {
		delete(t.conns, u.Client.ID)
		u.Client = nil
	}
	u.mu.Unlock()

	delete(t.nicks, canonicalizeNick(u.Nick))
	delete(t.users, u.Username)
	t.lastActivity = time.Now()

	return len(t.users)
}

// changeNick moves a user to a new nickname, keeping the nick index
// one-to-one.
func (t *Tenant) changeNick(u *User, nick string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	nickCanon := canonicalizeNick(nick)

	if holder, exists := t.nicks[nickCanon]; exists && holder != u {
		return errors.New("nickname is already in use")
	}

	delete(t.nicks, canonicalizeNick(u.Nick))
	t.nicks[nickCanon] = u

	u.mu.Lock()
	u.NickHistory = append(u.NickHistory, nick)
	u.Nick = nick
	u.mu.Unlock()

	return nil
}

// ownsUser reports whether the connection still carries the user. A
// connection that was superseded by a reconnect no longer does.
func (t *Tenant) ownsUser(u *User, c *Client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return u.Client == c
}

// userByNick resolves a nickname within this tenant only.
func (t *Tenant) userByNick(nick string) (*User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, exists := t.nicks[canonicalizeNick(nick)]
	return u, exists
}

// userByConn resolves a connection id to its user.
func (t *Tenant) userByConn(id uint64) (*User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, exists := t.conns[id]
	return u, exists
}

func (t *Tenant) userCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.users)
}

// userList snapshots the tenant's users.
func (t *Tenant) userList() []*User {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]*User, 0, len(t.users))
	for _, u := range t.users {
		users = append(users, u)
	}
	return users
}

// channel looks up a channel by name.
func (t *Tenant) channel(name string) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, exists := t.channels[canonicalizeChannel(name)]
	return ch, exists
}

// getOrCreateChannel looks up a channel, creating it if needed. The name
// must be canonical and valid. Reports whether it was created.
func (t *Tenant) getOrCreateChannel(name, createdBy string) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, exists := t.channels[name]
	if exists {
		return ch, false
	}

	ch = NewChannel(t, name, createdBy)
	t.channels[name] = ch
	return ch, true
}

// removeChannel drops an empty channel from the tenant.
func (t *Tenant) removeChannel(ch *Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.channels, ch.Name)
}

// channelList snapshots the tenant's channels.
func (t *Tenant) channelList() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	chs := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		chs = append(chs, ch)
	}
	return chs
}

// joinChannel adds the user↔channel references in one critical section so
// the membership invariant holds at every observable point.
func (t *Tenant) joinChannel(u *User, ch *Channel, roles ...byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch.addMember(u, roles...)
	u.Channels[ch.Name] = ch
}

// partChannel removes the user↔channel references and garbage collects the
// channel if it emptied. Returns true if the channel was removed.
func (t *Tenant) partChannel(u *User, ch *Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	empty := ch.removeMember(u)
	delete(u.Channels, ch.Name)

	if empty {
		delete(t.channels, ch.Name)
	}
	return empty
}

// channelsOf snapshots the channels a user is on.
func (t *Tenant) channelsOf(u *User) []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	chs := make([]*Channel, 0, len(u.Channels))
	for _, ch := range u.Channels {
		chs = append(chs, ch)
	}
	return chs
}

// Registry is the process-global tenant map plus the set of tenant-aware
// connections.
type Registry struct {
	mu sync.Mutex

	// Canonicalized tenant name to tenant.
	tenants map[string]*Tenant

	// Connections that enabled the tenant-aware capability, by connection
	// id. These receive TENANT* lifecycle lines and cross-tenant message
	// fan-out regardless of per-tenant isolation.
	aware map[uint64]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*Tenant),
		aware:   make(map[uint64]*Client),
	}
}

// attach places a connection's identity into its tenant, creating the
// tenant on first use. Reports whether this made the tenant active, so the
// caller can notify tenant-aware connections, and returns any connection
// the identity superseded.
func (r *Registry) attach(c *Client) (*User, bool, *Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := canonicalizeTenant(c.TenantName)

	t, exists := r.tenants[name]
	if !exists {
		t = newTenant(name)
		r.tenants[name] = t
	}

	u, superseded, err := t.attachUser(c)
	if err != nil {
		if !exists {
			delete(r.tenants, name)
		}
		return nil, false, nil, err
	}

	// An existing tenant always holds at least one user, so the tenant went
	// inactive-to-active exactly when it was created here. A reconnect of
	// the same identity is never a first join.
	return u, !exists, superseded, nil
}

// detach removes a user from its tenant, dropping the tenant when its last
// user leaves. Reports whether the tenant went inactive.
func (r *Registry) detach(u *User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := u.Tenant.detachUser(u)
	if remaining > 0 {
		return false
	}

	delete(r.tenants, u.Tenant.Name)
	return true
}

// tenant looks up an existing tenant. It never creates one: resolution of
// message targets must not invent tenants.
func (r *Registry) tenant(name string) (*Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tenants[canonicalizeTenant(name)]
	return t, exists
}

// tenantNames lists active tenants, sorted.
func (r *Registry) tenantNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tenants))
	for name := range r.tenants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// addAware enrolls a connection in the tenant-aware plane.
func (r *Registry) addAware(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.aware[c.ID] = c
}

// removeAware drops a connection from the tenant-aware plane.
func (r *Registry) removeAware(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.aware, c.ID)
}

// awareClients snapshots the tenant-aware connections so the caller can
// fan out without holding the registry lock.
func (r *Registry) awareClients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make([]*Client, 0, len(r.aware))
	for _, c := range r.aware {
		clients = append(clients, c)
	}
	return clients
}

func (t *Tenant) String() string {
	return fmt.Sprintf("tenant %s", t.Name)
}
