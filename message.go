package main

import (
	"strings"

	"github.com/horgh/irc"
)

// Per RFC these commands are near identical, except NOTICE never causes
// error numerics.
func (c *Client) privmsgCommand(m irc.Message) {
	c.message("PRIVMSG", m)
}

func (c *Client) noticeCommand(m irc.Message) {
	c.message("NOTICE", m)
}

func (c *Client) message(verb string, m irc.Message) {
	notice := verb == "NOTICE"

	if len(m.Params) == 0 {
		if !notice {
			// 411 ERR_NORECIPIENT
			c.numeric("411", "No recipient given (PRIVMSG)")
		}
		return
	}
	if len(m.Params) < 2 || m.Params[1] == "" {
		if !notice {
			// 412 ERR_NOTEXTTOSEND
			c.numeric("412", "No text to send")
		}
		return
	}

	target, text := m.Params[0], m.Params[1]

	if strings.HasPrefix(target, "#") {
		c.messageChannel(verb, target, text)
		return
	}

	c.messageNick(verb, target, text)
}

// messageChannel routes a channel-targeted message.
func (c *Client) messageChannel(verb, target, text string) {
	notice := verb == "NOTICE"
	u := c.User

	name, tenantTag := parseChannelTarget(target)
	name = canonicalizeChannel(name)

	// Only tenant-aware senders may address a channel with a #chan@tenant
	// routing tag. The tag is stripped before delivery. Anyone else gets
	// refused rather than silently rerouted to their own tenant.
	if tenantTag != "" {
		if !c.hasCap("tenant-aware") {
			if !notice {
				c.numeric("403", target, "No such channel")
			}
			return
		}
		c.messageForeignChannel(verb, name, tenantTag, text)
		return
	}

	ch, exists := u.Tenant.channel(name)
	if !exists {
		if !notice {
			c.numeric("403", name, "No such channel")
		}
		return
	}

	if !ch.hasMember(u) || !ch.canSendMessage(u) {
		if !notice {
			// 404 ERR_CANNOTSENDTOCHAN
			c.numeric("404", ch.Name,
				"Cannot send to channel (moderated/not a member)")
		}
		return
	}

	// A channel PRIVMSG starting with ! is a function invocation, not a
	// broadcast.
	if !notice && strings.HasPrefix(text, "!") {
		c.dispatchFunction(ch, text)
		return
	}

	msg := irc.Message{
		Prefix:  u.prefix(),
		Command: verb,
		Params:  []string{ch.Name, text},
	}
	for _, member := range ch.memberList() {
		if member == u {
			continue
		}
		member.send(msg)
	}

	// PRIVMSG always fans out to the tenant-aware plane. NOTICE does so
	// only under explicit @tenant addressing (handled above).
	if !notice {
		c.Server.fanoutTenantAware(u, verb, ch, text)
	}
}

// messageForeignChannel delivers into another tenant's channel on behalf of
// a tenant-aware sender.
func (c *Client) messageForeignChannel(verb, name, tenantName, text string) {
	notice := verb == "NOTICE"

	t, exists := c.Server.Registry.tenant(tenantName)
	if !exists {
		if !notice {
			c.numeric("401", name+"@"+tenantName, "No such nick/channel")
		}
		return
	}

	ch, exists := t.channel(name)
	if !exists {
		if !notice {
			c.numeric("403", name, "No such channel")
		}
		return
	}

	// Members see the plain channel name; the @tenant suffix is never
	// stored or delivered to tenant members.
	msg := irc.Message{
		Prefix:  c.User.prefix(),
		Command: verb,
		Params:  []string{ch.Name, text},
	}
	for _, member := range ch.memberList() {
		if member == c.User {
			continue
		}
		member.send(msg)
	}

	c.Server.fanoutTenantAware(c.User, verb, ch, text)
}

// messageNick routes a nick-targeted message within the sender's tenant.
func (c *Client) messageNick(verb, target, text string) {
	notice := verb == "NOTICE"
	u := c.User

	to, exists := u.Tenant.userByNick(target)
	if !exists {
		// NOTICE to a missing target drops silently. A hard IRC rule.
		if !notice {
			// 401 ERR_NOSUCHNICK
			c.numeric("401", target, "No such nick/channel")
		}
		return
	}

	toNick := to.nick()
	to.send(irc.Message{
		Prefix:  u.prefix(),
		Command: verb,
		Params:  []string{toNick, text},
	})

	if away := to.awayMessage(); !notice && away != "" {
		// 301 RPL_AWAY
		c.numeric("301", toNick, away)
	}
}

// fanoutTenantAware sends the tagged form of a channel message to every
// tenant-aware connection. The tag names the channel's tenant, so
// listeners can tell identically named channels apart.
func (s *Server) fanoutTenantAware(sender *User, verb string, ch *Channel,
	text string,
) {
	msg := irc.Message{
		Prefix:  sender.prefix(),
		Command: verb,
		Params:  []string{ch.Name + "@" + ch.Tenant.Name, text},
	}

	senderClient := sender.client()
	for _, ac := range s.Registry.awareClients() {
		if ac == senderClient {
			continue
		}
		ac.send(msg)
	}
}
