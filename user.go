package main

import (
	"sync"
	"time"

	"github.com/horgh/irc"
)

// Access levels the backend hands out at login.
const (
	AccessRoot = "root"
	AccessFull = "full"
	AccessEdit = "edit"
	AccessRead = "read"
)

// User is one authenticated identity within a tenant.
//
// A user's identity is tenant:username. Writers of the mutable fields hold
// both the owning tenant's mutex and the user's mutex; readers outside a
// tenant critical section go through the accessor methods, which take the
// user's mutex only.
type User struct {
	Tenant *Tenant

	// Guards Nick, RealName, Access, Away, NickHistory, and Client.
	mu sync.RWMutex

	// Current nickname. The tenant's nick index must always agree with it.
	Nick string

	Username string
	RealName string

	// root, full, edit, or read.
	Access string

	// Away message. Blank means not away.
	Away string

	// User modes, e.g. 'i'. Touched only by the owning connection.
	Modes map[byte]struct{}

	// Channels the user is on, by canonical name. Kept in sync with each
	// channel's member set inside the tenant critical section.
	Channels map[string]*Channel

	// Every nick the user has held, oldest first.
	NickHistory []string

	CreatedAt time.Time

	// The connection currently carrying this user. Nil once it closes.
	Client *Client
}

// NewUser creates a user from a registering connection's identity fields.
func NewUser(t *Tenant, c *Client) *User {
	return &User{
		Tenant:      t,
		Nick:        c.Nick,
		Username:    c.Username,
		RealName:    c.RealName,
		Access:      c.Access,
		Modes:       make(map[byte]struct{}),
		Channels:    make(map[string]*Channel),
		NickHistory: []string{c.Nick},
		CreatedAt:   time.Now(),
		Client:      c,
	}
}

func (u *User) nick() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.Nick
}

func (u *User) realName() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.RealName
}

func (u *User) setRealName(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.RealName = name
}

func (u *User) access() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.Access
}

func (u *User) awayMessage() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.Away
}

func (u *User) setAway(message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Away = message
}

// prefix builds the source of lines this user originates: nick!user@tenant.
func (u *User) prefix() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.Nick + "!" + u.Username + "@" + u.Tenant.Name
}

// onChannel reports whether the user is on the given channel. The channel
// set is guarded by the tenant mutex.
func (u *User) onChannel(ch *Channel) bool {
	u.Tenant.mu.Lock()
	defer u.Tenant.mu.Unlock()

	_, exists := u.Channels[ch.Name]
	return exists
}

// modesString renders the user's modes, e.g. "+i".
func (u *User) modesString() string {
	s := "+"
	for mode := range u.Modes {
		s += string(mode)
	}
	return s
}

// client returns the connection currently carrying the user, if any.
func (u *User) client() *Client {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.Client
}

// send delivers a message to the user's connection, if it has one.
// Capability-conditional rendering happens in the client's writer.
func (u *User) send(m irc.Message) {
	c := u.client()
	if c == nil {
		return
	}
	c.send(m)
}

// hasCap reports whether the user's connection enabled a capability.
func (u *User) hasCap(name string) bool {
	c := u.client()
	if c == nil {
		return false
	}
	return c.hasCap(name)
}

// defaultRole is the channel role a joining user gets from its access
// level. The first member of a channel is always made operator.
func defaultRole(access string, firstMember bool) (byte, bool) {
	if firstMember {
		return RoleOperator, true
	}

	switch access {
	case AccessRoot, AccessFull:
		return RoleOperator, true
	case AccessEdit:
		return RoleVoice, true
	default:
		return 0, false
	}
}
