package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/horgh/irc"
)

// pingCommand echoes PING back.
func (c *Client) pingCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 409 ERR_NOORIGIN
		c.numeric("409", "No origin specified")
		return
	}

	c.send(irc.Message{
		Prefix:  c.Server.Config.ServerName,
		Command: "PONG",
		Params:  []string{c.Server.Config.ServerName, m.Params[0]},
	})
}

// pongCommand has nothing to do beyond the activity timestamp the read
// loop already updated.
func (c *Client) pongCommand(m irc.Message) {}

func (c *Client) quitCommand(m irc.Message) {
	reason := "Client Quit"
	if len(m.Params) > 0 && m.Params[0] != "" {
		reason = m.Params[0]
	}

	c.quit(reason)
}

// channelOrReply resolves a channel argument within the sender's tenant,
// replying 403 on bad names and unknown channels.
func (c *Client) channelOrReply(name string) (*Channel, bool) {
	name = canonicalizeChannel(name)

	if !isValidChannel(name) {
		// 403 ERR_NOSUCHCHANNEL. Used to indicate channel name is invalid.
		c.numeric("403", name, "Invalid channel name")
		return nil, false
	}

	ch, exists := c.User.Tenant.channel(name)
	if !exists {
		c.numeric("403", name, "No such channel")
		return nil, false
	}

	return ch, true
}

func (c *Client) joinCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		c.numeric("461", "JOIN", "Not enough parameters")
		return
	}

	key := ""
	if len(m.Params) > 1 {
		key = m.Params[1]
	}

	for _, name := range strings.Split(m.Params[0], ",") {
		c.join(name, key)
	}
}

// join puts this connection's user into a channel, creating it if needed.
//
// Channels denote backend entities, so joining validates the entity is
// accessible with the user's token before any state changes.
func (c *Client) join(name, key string) {
	name = canonicalizeChannel(strings.TrimSpace(name))

	if !isValidChannel(name) {
		c.numeric("403", name, "Invalid channel name")
		return
	}

	u := c.User
	t := u.Tenant
	schema, recordID := parseChannelName(name)

	// Already a member: re-emit topic and NAMES, no broadcast.
	if ch, exists := t.channel(name); exists && ch.hasMember(u) {
		c.sendTopicNumeric(ch)
		c.sendNames(ch)
		return
	}

	// Validate accessibility. Record channels need the record to exist and
	// be readable; schema channels need a readable collection. No lock is
	// held during these calls.
	if recordID != "" {
		_, status, err := c.Server.Backend.GetRecord(c.ctx, c.Token, schema,
			recordID)
		if err != nil {
			if status == http.StatusNotFound {
				c.numeric("403", name, "Record not found")
			} else {
				c.numeric("403", name, "Access denied")
			}
			return
		}
	} else {
		_, _, err := c.Server.Backend.ListRecords(c.ctx, c.Token, schema, 1)
		if err != nil {
			c.numeric("403", name, "Access denied")
			return
		}
	}

	// Gate checks on an existing channel, in order: invite-only, then key.
	if ch, exists := t.channel(name); exists {
		if ch.hasMode('i') {
			// 473 ERR_INVITEONLYCHAN
			c.numeric("473", name, "Cannot join channel (+i)")
			return
		}
		if !ch.canJoin(u, key) {
			// 475 ERR_BADCHANNELKEY
			c.numeric("475", name, "Cannot join channel (+k)")
			return
		}
	}

	ch, created := t.getOrCreateChannel(name, u.nick())

	// A new schema-level channel gets aggregate metadata cached for its
	// topic. Best effort: a failed stats call doesn't block the join.
	if created && !ch.isRecordChannel() {
		stats, err := c.Server.Backend.SchemaStats(c.ctx, c.Token, schema)
		if err != nil {
			c.log.Debug().Str("schema", schema).Err(err).Msg("stats fetch failed")
		} else {
			ch.setStats(stats)
		}
	}

	first := ch.memberCount() == 0
	role, hasRole := defaultRole(u.access(), first)
	if hasRole {
		t.joinChannel(u, ch, role)
	} else {
		t.joinChannel(u, ch)
	}

	// JOIN to the joiner, then topic and NAMES.
	sendJoinTo(u, u, ch)
	c.sendTopicNumeric(ch)
	c.sendNames(ch)

	// Broadcast the JOIN to the other members, formatted per recipient.
	for _, member := range ch.memberList() {
		if member == u {
			continue
		}
		sendJoinTo(member, u, ch)
	}
}

// sendJoinTo delivers a JOIN line to one recipient. The extended-join form
// is used when the joiner or the recipient enabled that capability.
func sendJoinTo(recipient, joiner *User, ch *Channel) {
	params := []string{ch.Name}
	if joiner.hasCap("extended-join") || recipient.hasCap("extended-join") {
		params = []string{ch.Name, joiner.Username, joiner.realName()}
	}

	recipient.send(irc.Message{
		Prefix:  joiner.prefix(),
		Command: "JOIN",
		Params:  params,
	})
}

// sendTopicNumeric sends 332 (or 331) for a channel. Schema metadata fills
// in for channels that never had a topic set.
func (c *Client) sendTopicNumeric(ch *Channel) {
	topic, _, _ := ch.getTopic()

	if topic == "" {
		if stats := ch.getStats(); stats != nil {
			topic = formatStatsTopic(stats)
		}
	}

	if topic == "" {
		// 331 RPL_NOTOPIC
		c.numeric("331", ch.Name, "No topic is set")
		return
	}

	// 332 RPL_TOPIC
	c.numeric("332", ch.Name, topic)
}

func formatStatsTopic(stats *SchemaStats) string {
	topic := fmt.Sprintf("%d records", stats.Total)
	if stats.MaxCreated != "" {
		topic += " | newest " + stats.MaxCreated
	}
	if stats.MaxUpdated != "" {
		topic += " | updated " + stats.MaxUpdated
	}
	return topic
}

// sendNames sends 353/366 for a channel to this client. Role prefixes
// render per this client's multi-prefix setting.
func (c *Client) sendNames(ch *Channel) {
	multiPrefix := c.hasCap("multi-prefix")

	var names []string
	for _, member := range ch.sortedMembers() {
		names = append(names, ch.prefixFor(member, multiPrefix)+member.nick())
	}

	// Chunk so we stay under the line limit.
	const perLine = 10
	for start := 0; start < len(names); start += perLine {
		end := start + perLine
		if end > len(names) {
			end = len(names)
		}
		// 353 RPL_NAMREPLY
		c.numeric("353", "=", ch.Name, strings.Join(names[start:end], " "))
	}

	// 366 RPL_ENDOFNAMES
	c.numeric("366", ch.Name, "End of /NAMES list")
}

func (c *Client) partCommand(m irc.Message) {
	if len(m.Params) == 0 {
		c.numeric("461", "PART", "Not enough parameters")
		return
	}

	reason := ""
	if len(m.Params) > 1 {
		reason = m.Params[1]
	}

	for _, name := range strings.Split(m.Params[0], ",") {
		c.part(strings.TrimSpace(name), reason)
	}
}

// part removes this connection's user from a channel, telling every member
// including the parter.
func (c *Client) part(name, reason string) {
	ch, ok := c.channelOrReply(name)
	if !ok {
		return
	}

	u := c.User
	if !ch.hasMember(u) {
		// 442 ERR_NOTONCHANNEL
		c.numeric("442", ch.Name, "You're not on that channel")
		return
	}

	params := []string{ch.Name}
	if reason != "" {
		params = append(params, reason)
	}

	msg := irc.Message{Prefix: u.prefix(), Command: "PART", Params: params}
	for _, member := range ch.memberList() {
		member.send(msg)
	}

	u.Tenant.partChannel(u, ch)
}

func (c *Client) kickCommand(m irc.Message) {
	if len(m.Params) < 2 {
		c.numeric("461", "KICK", "Not enough parameters")
		return
	}

	ch, ok := c.channelOrReply(m.Params[0])
	if !ok {
		return
	}

	u := c.User
	if !ch.hasMember(u) {
		c.numeric("442", ch.Name, "You're not on that channel")
		return
	}

	target, exists := u.Tenant.userByNick(m.Params[1])
	if !exists {
		// 401 ERR_NOSUCHNICK
		c.numeric("401", m.Params[1], "No such nick/channel")
		return
	}
	if !ch.hasMember(target) {
		// 441 ERR_USERNOTINCHANNEL
		c.numeric("441", target.nick(), ch.Name, "They aren't on that channel")
		return
	}

	// Channel operators may kick. Anyone else falls back to schema-level
	// permissions from the backend.
	if !ch.canKick(u) && !c.backendAllowsKick(ch.Schema) {
		// 482 ERR_CHANOPRIVSNEEDED
		c.numeric("482", ch.Name, "You're not channel operator")
		return
	}

	reason := u.nick()
	if len(m.Params) > 2 && m.Params[2] != "" {
		reason = m.Params[2]
	}

	msg := irc.Message{
		Prefix:  u.prefix(),
		Command: "KICK",
		Params:  []string{ch.Name, target.nick(), reason},
	}
	for _, member := range ch.memberList() {
		member.send(msg)
	}

	u.Tenant.partChannel(target, ch)
}

// backendAllowsKick asks the backend whether the user's schema-level access
// permits moderation: an access level of root/full/edit, or explicit write
// or delete permission.
func (c *Client) backendAllowsKick(schema string) bool {
	access, _, err := c.Server.Backend.DescribeSchema(c.ctx, c.Token, schema)
	if err != nil {
		return false
	}

	switch access.Access {
	case AccessRoot, AccessFull, AccessEdit:
		return true
	}
	return access.CanWrite || access.CanDelete
}

func (c *Client) topicCommand(m irc.Message) {
	if len(m.Params) == 0 {
		c.numeric("461", "TOPIC", "Not enough parameters")
		return
	}

	ch, ok := c.channelOrReply(m.Params[0])
	if !ok {
		return
	}

	u := c.User

	// Query.
	if len(m.Params) == 1 {
		c.sendTopicNumeric(ch)
		return
	}

	if !ch.hasMember(u) {
		c.numeric("442", ch.Name, "You're not on that channel")
		return
	}

	if !ch.canSetTopic(u) {
		c.numeric("482", ch.Name, "You're not channel operator")
		return
	}

	// Empty text clears the topic.
	ch.setTopic(m.Params[1], u.prefix())

	msg := irc.Message{
		Prefix:  u.prefix(),
		Command: "TOPIC",
		Params:  []string{ch.Name, m.Params[1]},
	}
	for _, member := range ch.memberList() {
		member.send(msg)
	}
}

func (c *Client) inviteCommand(m irc.Message) {
	if len(m.Params) < 2 {
		c.numeric("461", "INVITE", "Not enough parameters")
		return
	}

	u := c.User

	target, exists := u.Tenant.userByNick(m.Params[0])
	if !exists {
		c.numeric("401", m.Params[0], "No such nick/channel")
		return
	}

	ch, ok := c.channelOrReply(m.Params[1])
	if !ok {
		return
	}

	if !ch.hasMember(u) {
		c.numeric("442", ch.Name, "You're not on that channel")
		return
	}

	if !ch.canInvite(u) {
		c.numeric("482", ch.Name, "You're not channel operator")
		return
	}

	targetNick := target.nick()
	if ch.hasMember(target) {
		// 443 ERR_USERONCHANNEL
		c.numeric("443", targetNick, ch.Name, "is already on channel")
		return
	}

	invite := irc.Message{
		Prefix:  u.prefix(),
		Command: "INVITE",
		Params:  []string{targetNick, ch.Name},
	}
	target.send(invite)

	// 341 RPL_INVITING
	c.numeric("341", targetNick, ch.Name)

	// Members who opted in see the invite too.
	for _, member := range ch.memberList() {
		if member == u || member == target {
			continue
		}
		if member.hasCap("invite-notify") {
			member.send(invite)
		}
	}
}

func (c *Client) modeCommand(m irc.Message) {
	if len(m.Params) == 0 {
		c.numeric("461", "MODE", "Not enough parameters")
		return
	}

	target := m.Params[0]

	if strings.HasPrefix(target, "#") {
		c.channelMode(m)
		return
	}

	u := c.User

	if canonicalizeNick(target) != canonicalizeNick(u.nick()) {
		// 502 ERR_USERSDONTMATCH
		c.numeric("502", "Cannot change mode for other users")
		return
	}

	// Query.
	if len(m.Params) == 1 {
		// 221 RPL_UMODEIS
		c.numeric("221", u.modesString())
		return
	}

	// Toggle single-char user modes.
	modes := m.Params[1]
	if len(modes) < 2 || (modes[0] != '+' && modes[0] != '-') {
		// 501 ERR_UMODEUNKNOWNFLAG
		c.numeric("501", "Unknown MODE flag")
		return
	}

	adding := modes[0] == '+'
	for _, mode := range []byte(modes[1:]) {
		if adding {
			u.Modes[mode] = struct{}{}
		} else {
			delete(u.Modes, mode)
		}
	}

	c.send(irc.Message{
		Prefix:  u.prefix(),
		Command: "MODE",
		Params:  []string{u.nick(), modes},
	})
}

func (c *Client) channelMode(m irc.Message) {
	ch, ok := c.channelOrReply(m.Params[0])
	if !ok {
		return
	}

	u := c.User

	// Query.
	if len(m.Params) == 1 {
		// 324 RPL_CHANNELMODEIS
		c.numeric("324", ch.Name, ch.modesString())
		// 329 RPL_CREATIONTIME
		c.numeric("329", ch.Name, fmt.Sprintf("%d", ch.createdAt.Unix()))
		return
	}

	if !ch.hasMember(u) {
		c.numeric("442", ch.Name, "You're not on that channel")
		return
	}

	// Toggle flags. Rigorous enforcement happens in the permission
	// predicates; the change itself is echoed verbatim.
	modes := m.Params[1]
	if len(modes) < 2 || (modes[0] != '+' && modes[0] != '-') {
		// 472 ERR_UNKNOWNMODE
		c.numeric("472", modes, "is unknown mode char to me")
		return
	}

	key := ""
	if len(m.Params) > 2 {
		key = m.Params[2]
	}

	adding := modes[0] == '+'
	for _, mode := range []byte(modes[1:]) {
		if !strings.ContainsRune(channelModes, rune(mode)) {
			c.numeric("472", string(mode), "is unknown mode char to me")
			continue
		}
		if adding {
			ch.setMode(mode, key)
		} else {
			ch.unsetMode(mode)
		}
	}

	echo := irc.Message{
		Prefix:  u.prefix(),
		Command: "MODE",
		Params:  m.Params,
	}
	for _, member := range ch.memberList() {
		member.send(echo)
	}
}

// forcejoinCommand joins another user to a channel. It needs the force-join
// capability and root or full access.
func (c *Client) forcejoinCommand(m irc.Message) {
	if len(m.Params) < 2 {
		c.numeric("461", "FORCEJOIN", "Not enough parameters")
		return
	}

	if !c.canForce("force-join") {
		// 481 ERR_NOPRIVILEGES
		c.numeric("481", "Permission Denied- You're not an IRC operator")
		return
	}

	target, exists := c.User.Tenant.userByNick(m.Params[0])
	if !exists {
		c.numeric("401", m.Params[0], "No such nick/channel")
		return
	}

	tc := target.client()
	if tc == nil {
		c.numeric("401", m.Params[0], "No such nick/channel")
		return
	}

	// The join runs as the target: its token validates the entity and its
	// capabilities shape the burst it receives.
	tc.join(m.Params[1], "")
}

// forcepartCommand parts another user from a channel with a polite reason.
func (c *Client) forcepartCommand(m irc.Message) {
	if len(m.Params) < 2 {
		c.numeric("461", "FORCEPART", "Not enough parameters")
		return
	}

	if !c.canForce("force-part") {
		c.numeric("481", "Permission Denied- You're not an IRC operator")
		return
	}

	target, exists := c.User.Tenant.userByNick(m.Params[0])
	if !exists {
		c.numeric("401", m.Params[0], "No such nick/channel")
		return
	}

	tc := target.client()
	if tc == nil {
		c.numeric("401", m.Params[0], "No such nick/channel")
		return
	}

	reason := fmt.Sprintf("Requested by %s", c.User.nick())
	if len(m.Params) > 2 && m.Params[2] != "" {
		reason = m.Params[2]
	}

	tc.part(m.Params[1], reason)
}

func (c *Client) canForce(capName string) bool {
	if !c.hasCap(capName) {
		return false
	}
	return c.Access == AccessRoot || c.Access == AccessFull
}

func (c *Client) namesCommand(m irc.Message) {
	if len(m.Params) == 0 {
		c.numeric("461", "NAMES", "Not enough parameters")
		return
	}

	ch, ok := c.channelOrReply(m.Params[0])
	if !ok {
		return
	}

	c.sendNames(ch)
}

func (c *Client) whoCommand(m irc.Message) {
	if len(m.Params) == 0 {
		c.numeric("461", "WHO", "Not enough parameters")
		return
	}

	target := m.Params[0]
	u := c.User

	if strings.HasPrefix(target, "#") {
		if ch, exists := u.Tenant.channel(canonicalizeChannel(target)); exists {
			for _, member := range ch.sortedMembers() {
				c.sendWhoReply(ch, member)
			}
		}
	} else if other, exists := u.Tenant.userByNick(target); exists {
		c.sendWhoReply(nil, other)
	}

	// 315 RPL_ENDOFWHO
	c.numeric("315", target, "End of /WHO list")
}

func (c *Client) sendWhoReply(ch *Channel, member *User) {
	channelName := "*"
	flags := "H"
	if member.awayMessage() != "" {
		flags = "G"
	}
	if ch != nil {
		channelName = ch.Name
		flags += ch.prefixFor(member, false)
	}

	// 352 RPL_WHOREPLY
	c.numeric("352", channelName, member.Username, member.Tenant.Name,
		c.Server.Config.ServerName, member.nick(), flags,
		"0 "+member.realName())
}

func (c *Client) whoisCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		c.numeric("431", "No nickname given")
		return
	}

	u := c.User
	target, exists := u.Tenant.userByNick(m.Params[0])
	if !exists {
		c.numeric("401", m.Params[0], "No such nick/channel")
		return
	}

	targetNick := target.nick()

	// 311 RPL_WHOISUSER
	c.numeric("311", targetNick, target.Username, target.Tenant.Name, "*",
		target.realName())

	var chans []string
	for _, ch := range u.Tenant.channelsOf(target) {
		chans = append(chans, ch.prefixFor(target, false)+ch.Name)
	}
	if len(chans) > 0 {
		// 319 RPL_WHOISCHANNELS
		c.numeric("319", targetNick, strings.Join(chans, " "))
	}

	if away := target.awayMessage(); away != "" {
		// 301 RPL_AWAY
		c.numeric("301", targetNick, away)
	}

	// 318 RPL_ENDOFWHOIS
	c.numeric("318", targetNick, "End of /WHOIS list")
}

func (c *Client) awayCommand(m irc.Message) {
	u := c.User

	if len(m.Params) == 0 || m.Params[0] == "" {
		u.setAway("")
		// 305 RPL_UNAWAY
		c.numeric("305", "You are no longer marked as being away")
		return
	}

	u.setAway(m.Params[0])
	// 306 RPL_NOWAWAY
	c.numeric("306", "You have been marked as being away")
}

func (c *Client) listCommand(m irc.Message) {
	// 321 RPL_LISTSTART
	c.numeric("321", "Channel", "Users Name")

	for _, ch := range c.User.Tenant.channelList() {
		topic, _, _ := ch.getTopic()
		if topic == "" {
			if stats := ch.getStats(); stats != nil {
				topic = formatStatsTopic(stats)
			}
		}
		// 322 RPL_LIST
		c.numeric("322", ch.Name, fmt.Sprintf("%d", ch.memberCount()), topic)
	}

	// 323 RPL_LISTEND
	c.numeric("323", "End of /LIST")
}

func (c *Client) isonCommand(m irc.Message) {
	if len(m.Params) == 0 {
		c.numeric("461", "ISON", "Not enough parameters")
		return
	}

	var present []string
	for _, param := range m.Params {
		for _, nick := range strings.Fields(param) {
			if u, exists := c.User.Tenant.userByNick(nick); exists {
				present = append(present, u.nick())
			}
		}
	}

	// 303 RPL_ISON
	c.numeric("303", strings.Join(present, " "))
}

func (c *Client) userhostCommand(m irc.Message) {
	if len(m.Params) == 0 {
		c.numeric("461", "USERHOST", "Not enough parameters")
		return
	}

	var replies []string
	for i, nick := range m.Params {
		// RFC allows up to 5.
		if i == 5 {
			break
		}
		if u, exists := c.User.Tenant.userByNick(nick); exists {
			replies = append(replies,
				fmt.Sprintf("%s=+%s@%s", u.nick(), u.Username, u.Tenant.Name))
		}
	}

	// 302 RPL_USERHOST
	c.numeric("302", strings.Join(replies, " "))
}

func (c *Client) motdCommand(m irc.Message) {
	c.sendMOTD()
}

func (c *Client) lusersCommand(m irc.Message) {
	t := c.User.Tenant
	users := t.userCount()
	channels := len(t.channelList())

	// 251 RPL_LUSERCLIENT
	c.numeric("251", fmt.Sprintf(
		"There are %d users and 0 invisible on 1 servers", users))
	// 254 RPL_LUSERCHANNELS
	c.numeric("254", fmt.Sprintf("%d", channels), "channels formed")
	// 255 RPL_LUSERME
	c.numeric("255", fmt.Sprintf("I have %d clients and 0 servers", users))
}

// The read-only catalog. Fixed numerics with static content.

func (c *Client) versionCommand(m irc.Message) {
	cfg := c.Server.Config
	// 351 RPL_VERSION
	c.numeric("351", cfg.Version+".", cfg.ServerName, cfg.ServerInfo)
}

func (c *Client) timeCommand(m irc.Message) {
	// 391 RPL_TIME
	c.numeric("391", c.Server.Config.ServerName,
		time.Now().UTC().Format(time.RFC1123))
}

func (c *Client) infoCommand(m irc.Message) {
	cfg := c.Server.Config
	// 371 RPL_INFO
	c.numeric("371", cfg.ServerInfo)
	c.numeric("371", fmt.Sprintf("Running version %s", cfg.Version))
	// 374 RPL_ENDOFINFO
	c.numeric("374", "End of INFO list")
}

func (c *Client) statsCommand(m irc.Message) {
	query := "*"
	if len(m.Params) > 0 {
		query = m.Params[0]
	}
	// 219 RPL_ENDOFSTATS
	c.numeric("219", query, "End of STATS report")
}

func (c *Client) adminCommand(m irc.Message) {
	cfg := c.Server.Config
	// 256 RPL_ADMINME
	c.numeric("256", cfg.ServerName, "Administrative info")
	// 257 RPL_ADMINLOC1
	c.numeric("257", cfg.ServerInfo)
	// 259 RPL_ADMINEMAIL
	c.numeric("259", "Contact your backend administrator")
}

func (c *Client) helpCommand(m irc.Message) {
	// 705 RPL_HELPTXT
	c.numeric("705", "*", "Channels name backend entities:")
	c.numeric("705", "*", "  #schema opens a collection, "+
		"#schema/recordId opens a record")
	c.numeric("705", "*", "Messages starting with ! run functions. "+
		"Try !help in a channel.")
	// 706 RPL_ENDOFHELP
	c.numeric("706", "*", "End of /HELP")
}

func (c *Client) linksCommand(m irc.Message) {
	// 365 RPL_ENDOFLINKS
	c.numeric("365", "*", "End of /LINKS list")
}

func (c *Client) operCommand(m irc.Message) {
	// 491 ERR_NOOPERHOST
	c.numeric("491", "No O-lines for your host")
}

func (c *Client) notImplementedCommand(m irc.Message) {
	// 481 ERR_NOPRIVILEGES
	c.numeric("481", "Permission Denied- You're not an IRC operator")
}
