package main

import (
	"strings"

	"github.com/horgh/irc"
)

// Capabilities we advertise in CAP LS. All of them may be REQ'd.
var supportedCaps = []string{
	"multi-prefix",
	"tenant-aware",
	"extended-join",
	"invite-notify",
	"server-time",
	"force-join",
	"force-part",
}

func isSupportedCap(name string) bool {
	for _, c := range supportedCaps {
		if c == name {
			return true
		}
	}
	return false
}

// capCommand handles IRCv3 capability negotiation: LS, LIST, REQ, END.
func (c *Client) capCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		c.numeric("461", "CAP", "Not enough parameters")
		return
	}

	sub := strings.ToUpper(m.Params[0])

	switch sub {
	case "LS":
		// Starting negotiation holds registration open until CAP END.
		if !c.isRegistered() {
			c.setCapNegotiating(true)
		}
		c.capReply("LS", strings.Join(supportedCaps, " "))

	case "LIST":
		c.capReply("LIST", strings.Join(c.enabledCaps(), " "))

	case "REQ":
		if !c.isRegistered() {
			c.setCapNegotiating(true)
		}
		c.capReq(m)

	case "END":
		c.setCapNegotiating(false)
		c.maybeCompleteRegistration()

	default:
		// 410 ERR_INVALIDCAPCMD
		c.numeric("410", sub, "Invalid CAP command")
	}
}

// capReq enables the requested capabilities, all or nothing.
func (c *Client) capReq(m irc.Message) {
	requested := ""
	if len(m.Params) > 1 {
		requested = strings.TrimSpace(m.Params[1])
	}
	if requested == "" {
		c.numeric("461", "CAP", "Not enough parameters")
		return
	}

	caps := strings.Fields(requested)
	for _, name := range caps {
		if !isSupportedCap(name) {
			c.capReply("NAK", requested)
			return
		}
	}

	tenantAware := false
	for _, name := range caps {
		c.enableCap(name)
		if name == "tenant-aware" {
			tenantAware = true
		}
	}

	// ACK first; the synthetic TENANTS snapshot follows it.
	c.capReply("ACK", requested)

	if tenantAware {
		c.becomeTenantAware()
	}
}

// becomeTenantAware enrolls the connection in the cross-tenant routing
// plane and tells it which tenants are currently active.
func (c *Client) becomeTenantAware() {
	c.Server.Registry.addAware(c)

	nick := "*"
	if c.Nick != "" {
		nick = c.Nick
	}

	c.send(irc.Message{
		Prefix:  c.Server.Config.ServerName,
		Command: "TENANTS",
		Params: []string{nick,
			strings.Join(c.Server.Registry.tenantNames(), ",")},
	})
}

// capReply sends a CAP subcommand response. The nick slot is * until the
// client has a nick.
func (c *Client) capReply(sub, arg string) {
	nick := "*"
	if c.Nick != "" {
		nick = c.Nick
	}

	c.send(irc.Message{
		Prefix:  c.Server.Config.ServerName,
		Command: "CAP",
		Params:  []string{nick, sub, arg},
	})
}
