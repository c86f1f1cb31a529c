package main

import (
	"sort"
	"sync"
	"time"
)

// Channel roles, in precedence order.
const (
	RoleOperator byte = '@'
	RoleHalfop   byte = '%'
	RoleVoice    byte = '+'
)

// Channel mode flags we track: n t i m s p k.
const channelModes = "ntimspk"

// Channel holds everything to do with a channel.
//
// A channel names a backend entity: #schema is a collection, and
// #schema/recordId is a single record.
type Channel struct {
	Tenant *Tenant

	// Canonicalized name, with leading #.
	Name string

	// Decomposed name. RecordID is blank for schema channels.
	Schema   string
	RecordID string

	// Guards members, topic, modes, key, and stats.
	mu sync.RWMutex

	// Members in the channel, each with its set of role marks.
	// If we have zero members, we should not exist.
	members map[*User]map[byte]struct{}

	topic       string
	topicSetter string
	topicTime   time.Time

	// Modes set on the channel, e.g. 'n', 't'.
	modes map[byte]struct{}

	// Channel key. Meaningful only while mode k is set.
	key string

	createdAt time.Time
	createdBy string

	// Cached aggregate metadata for schema channels. Nil if we never
	// fetched it.
	stats *SchemaStats
}

// NewChannel creates a channel. The name must be canonical and valid.
func NewChannel(t *Tenant, name, createdBy string) *Channel {
	schema, recordID := parseChannelName(name)

	return &Channel{
		Tenant:    t,
		Name:      name,
		Schema:    schema,
		RecordID:  recordID,
		members:   make(map[*User]map[byte]struct{}),
		modes:     make(map[byte]struct{}),
		createdAt: time.Now(),
		createdBy: createdBy,
	}
}

// isRecordChannel reports whether the channel names a single record.
func (ch *Channel) isRecordChannel() bool {
	return ch.RecordID != ""
}

// addMember puts a user in the channel with the given role marks.
func (ch *Channel) addMember(u *User, roles ...byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	marks := make(map[byte]struct{})
	for _, r := range roles {
		marks[r] = struct{}{}
	}
	ch.members[u] = marks
}

// removeMember takes a user out of the channel. Returns true if the channel
// is now empty and should be garbage collected.
func (ch *Channel) removeMember(u *User) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	delete(ch.members, u)
	return len(ch.members) == 0
}

// hasMember reports whether the user is in the channel.
func (ch *Channel) hasMember(u *User) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	_, exists := ch.members[u]
	return exists
}

// memberCount returns the number of members.
func (ch *Channel) memberCount() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	return len(ch.members)
}

// memberList snapshots the member set so callers can iterate and write to
// sockets without holding the channel lock.
func (ch *Channel) memberList() []*User {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	users := make([]*User, 0, len(ch.members))
	for u := range ch.members {
		users = append(users, u)
	}
	return users
}

// sortedMembers returns members ordered by nick. Used for NAMES so output
// is stable.
func (ch *Channel) sortedMembers() []*User {
	users := ch.memberList()
	sort.Slice(users, func(i, j int) bool {
		return canonicalizeNick(users[i].nick()) < canonicalizeNick(users[j].nick())
	})
	return users
}

// roles returns a copy of the user's role marks in the channel.
func (ch *Channel) roles(u *User) map[byte]struct{} {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	marks := make(map[byte]struct{})
	for r := range ch.members[u] {
		marks[r] = struct{}{}
	}
	return marks
}

func (ch *Channel) hasRole(u *User, role byte) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	marks, exists := ch.members[u]
	if !exists {
		return false
	}
	_, has := marks[role]
	return has
}

// grantRole adds a role mark to a member.
func (ch *Channel) grantRole(u *User, role byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if marks, exists := ch.members[u]; exists {
		marks[role] = struct{}{}
	}
}

// removeRole removes a role mark from a member.
func (ch *Channel) removeRole(u *User, role byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if marks, exists := ch.members[u]; exists {
		delete(marks, role)
	}
}

// prefixFor renders the role marks in front of a nick in NAMES.
//
// With multi-prefix we show every mark in precedence order. Without, only
// the highest.
func (ch *Channel) prefixFor(u *User, multiPrefix bool) string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	marks, exists := ch.members[u]
	if !exists || len(marks) == 0 {
		return ""
	}

	s := ""
	for _, role := range []byte{RoleOperator, RoleHalfop, RoleVoice} {
		if _, has := marks[role]; !has {
			continue
		}
		s += string(role)
		if !multiPrefix {
			break
		}
	}
	return s
}

// isOperator reports whether the user has ops in the channel.
func (ch *Channel) isOperator(u *User) bool {
	return ch.hasRole(u, RoleOperator)
}

// hasVoice reports whether the user can speak in a moderated channel.
func (ch *Channel) hasVoice(u *User) bool {
	return ch.hasRole(u, RoleVoice) || ch.hasRole(u, RoleHalfop) ||
		ch.hasRole(u, RoleOperator)
}

// hasMode reports whether a channel mode flag is set.
func (ch *Channel) hasMode(mode byte) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	_, exists := ch.modes[mode]
	return exists
}

// setMode sets a channel mode flag. The key argument applies to mode k.
func (ch *Channel) setMode(mode byte, key string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.modes[mode] = struct{}{}
	if mode == 'k' {
		ch.key = key
	}
}

// unsetMode clears a channel mode flag.
func (ch *Channel) unsetMode(mode byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	delete(ch.modes, mode)
	if mode == 'k' {
		ch.key = ""
	}
}

// modesString renders the channel's modes, e.g. "+nt".
func (ch *Channel) modesString() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	s := "+"
	for _, mode := range []byte(channelModes) {
		if _, exists := ch.modes[mode]; exists {
			s += string(mode)
		}
	}
	return s
}

// Topic accessors.

func (ch *Channel) getTopic() (topic, setter string, at time.Time) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	return ch.topic, ch.topicSetter, ch.topicTime
}

func (ch *Channel) setTopic(topic, setter string) {
	if len(topic) > maxTopicLength {
		topic = topic[:maxTopicLength]
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.topic = topic
	ch.topicSetter = setter
	ch.topicTime = time.Now()
}

func (ch *Channel) setStats(stats SchemaStats) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.stats = &stats
}

func (ch *Channel) getStats() *SchemaStats {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	if ch.stats == nil {
		return nil
	}
	stats := *ch.stats
	return &stats
}

// Permission predicates. These are the rigorously enforced mode semantics.

// canSendMessage: moderated channels require voice or better; +n requires
// membership.
func (ch *Channel) canSendMessage(u *User) bool {
	if ch.hasMode('m') && !ch.hasVoice(u) {
		return false
	}
	if ch.hasMode('n') && !ch.hasMember(u) {
		return false
	}
	return true
}

// canSetTopic: +t restricts topic changes to operators, otherwise any
// member may set it.
func (ch *Channel) canSetTopic(u *User) bool {
	if ch.hasMode('t') {
		return ch.isOperator(u)
	}
	return ch.hasMember(u)
}

// canKick: operators only. Callers may fall back to a backend permission
// check when this fails.
func (ch *Channel) canKick(u *User) bool {
	return ch.isOperator(u)
}

// canInvite: +i restricts inviting to operators, otherwise any member.
func (ch *Channel) canInvite(u *User) bool {
	if ch.hasMode('i') {
		return ch.isOperator(u)
	}
	return ch.hasMember(u)
}

// canJoin: invite-only channels refuse everyone; +k requires the key.
func (ch *Channel) canJoin(u *User, key string) bool {
	if ch.hasMode('i') {
		return false
	}

	ch.mu.RLock()
	defer ch.mu.RUnlock()

	if _, hasKey := ch.modes['k']; hasKey && ch.key != key {
		return false
	}
	return true
}
