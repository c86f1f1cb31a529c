package main

import (
	"fmt"
	"strings"

	"github.com/horgh/irc"
)

// Registration is driven by NICK, USER, and CAP. Identity may arrive in the
// extended NICK form (nick!user@tenant or user@tenant) or split across NICK
// and USER (USER user@tenant ...). Authentication against the backend
// happens as soon as we know both the username and the tenant.
//
// Registration completes once we have a nickname, a username, a token, and
// CAP negotiation is not in progress.

// The NICK command happens both at connection registration time and after.
// There are different rules.
func (c *Client) nickCommand(m irc.Message) {
	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		c.numeric("431", "No nickname given")
		return
	}

	if c.isRegistered() {
		c.changeNick(m.Params[0])
		return
	}

	arg := m.Params[0]

	// Extended forms carry identity: nick!user@tenant or user@tenant.
	nick, username, tenant := parseNickArg(arg)

	if !isValidNick(nick) {
		// 432 ERR_ERRONEUSNICKNAME
		c.numeric("432", nick, "Erroneous nickname")
		return
	}

	c.Nick = nick

	if tenant == "" {
		// Plain NICK. Identity comes with USER.
		c.maybeCompleteRegistration()
		return
	}

	if !isValidUser(username) {
		c.messageFromServer("ERROR", []string{"Invalid username"})
		return
	}

	c.Username = username
	c.TenantName = tenant

	if !c.authenticate() {
		return
	}

	c.maybeCompleteRegistration()
}

// parseNickArg splits the extended NICK argument.
//
// alice!root@system => (alice, root, system)
// root@system       => (root, root, system)
// alice             => (alice, "", "")
func parseNickArg(arg string) (nick, username, tenant string) {
	bang := strings.Index(arg, "!")
	at := strings.LastIndex(arg, "@")

	if bang != -1 && at > bang {
		return arg[:bang], arg[bang+1 : at], arg[at+1:]
	}

	if at != -1 {
		return arg[:at], arg[:at], arg[at+1:]
	}

	return arg, "", ""
}

// userCommand handles USER: username@tenant <mode> <unused> :<realname>.
//
// If NICK already authenticated us, USER merely sets the realname.
func (c *Client) userCommand(m irc.Message) {
	if c.isRegistered() {
		// 462 ERR_ALREADYREGISTRED
		c.numeric("462", "You may not reregister")
		return
	}

	if len(m.Params) < 4 {
		// 461 ERR_NEEDMOREPARAMS
		c.numeric("461", "USER", "Not enough parameters")
		return
	}

	if !isValidRealName(m.Params[3]) {
		c.messageFromServer("ERROR", []string{"Invalid realname"})
		return
	}
	c.RealName = m.Params[3]

	if c.Token != "" {
		// Authenticated via extended NICK already.
		if c.User != nil {
			c.User.setRealName(c.RealName)
		}
		c.maybeCompleteRegistration()
		return
	}

	username, tenant := m.Params[0], ""
	if at := strings.LastIndex(username, "@"); at != -1 {
		username, tenant = username[:at], username[at+1:]
	}

	if !isValidUser(username) {
		c.messageFromServer("ERROR", []string{"Invalid username"})
		return
	}
	if tenant == "" {
		c.numeric("421", "USER",
			"Authentication failed - no tenant specified (use user@tenant)")
		return
	}

	c.Username = username
	c.TenantName = tenant

	// A client that never sent NICK gets its username as nick.
	if c.Nick == "" && isValidNick(username) {
		c.Nick = username
	}

	if !c.authenticate() {
		return
	}

	c.maybeCompleteRegistration()
}

// authenticate logs in against the backend and attaches the identity to its
// tenant. Reports success.
func (c *Client) authenticate() bool {
	result, err := c.Server.Backend.Login(c.ctx, c.TenantName, c.Username)
	if err != nil {
		c.log.Info().Str("tenant", c.TenantName).Str("user", c.Username).
			Err(err).Msg("login failed")
		c.numeric("421", "USER", "Authentication failed - "+err.Error())
		return false
	}

	c.Token = result.Token
	c.Access = result.Access

	u, firstInTenant, superseded, err := c.Server.Registry.attach(c)
	if err != nil {
		// 433 ERR_NICKNAMEINUSE
		c.numeric("433", c.Nick, "Nickname is already in use")
		c.Token = ""
		return false
	}

	c.User = u
	c.log = c.log.With().Str("tenant", c.TenantName).Str("nick", c.Nick).Logger()

	// Same identity reconnecting: the old connection no longer carries the
	// user and gets closed.
	if superseded != nil {
		superseded.quit("Connection superseded")
	}

	if firstInTenant {
		c.Server.notifyAware("TENANTJOIN", u.Tenant.Name)
	}

	return true
}

// maybeCompleteRegistration transitions to REGISTERED once identity and
// auth are complete and CAP negotiation finished.
func (c *Client) maybeCompleteRegistration() {
	c.mu.Lock()
	if c.registered || c.capNegotiating ||
		c.Nick == "" || c.Username == "" || c.Token == "" {
		c.mu.Unlock()
		return
	}
	c.registered = true
	c.mu.Unlock()

	c.welcome()
}

// welcome sends the registration burst: 001-004 then the MOTD.
func (c *Client) welcome() {
	cfg := c.Server.Config

	// 001 RPL_WELCOME
	c.numeric("001",
		fmt.Sprintf("Welcome to the IRC Network %s", c.User.prefix()))

	// 002 RPL_YOURHOST
	c.numeric("002", fmt.Sprintf("Your host is %s, running version %s",
		cfg.ServerName, cfg.Version))

	// 003 RPL_CREATED
	c.numeric("003", fmt.Sprintf("This server was created %s", cfg.CreatedDate))

	// 004 RPL_MYINFO
	c.numeric("004", cfg.ServerName, cfg.Version, "iow", channelModes)

	c.sendMOTD()

	c.log.Info().Msg("registered")
}

// sendMOTD sends 375/372xN/376.
func (c *Client) sendMOTD() {
	cfg := c.Server.Config

	// 375 RPL_MOTDSTART
	c.numeric("375", fmt.Sprintf("- %s Message of the day - ", cfg.ServerName))

	// 372 RPL_MOTD
	for _, line := range cfg.MOTD {
		c.numeric("372", fmt.Sprintf("- %s", line))
	}

	// 376 RPL_ENDOFMOTD
	c.numeric("376", "End of /MOTD command")
}

// changeNick renames a registered user and tells everyone who shares a
// channel with them.
func (c *Client) changeNick(nick string) {
	if !isValidNick(nick) {
		c.numeric("432", nick, "Erroneous nickname")
		return
	}

	u := c.User
	oldPrefix := u.prefix()

	if nick == u.nick() {
		return
	}

	if err := u.Tenant.changeNick(u, nick); err != nil {
		// 433 ERR_NICKNAMEINUSE
		c.numeric("433", nick, "Nickname is already in use")
		return
	}

	c.Nick = nick

	// Tell the user and every channel they are on, each recipient once.
	msg := irc.Message{
		Prefix:  oldPrefix,
		Command: "NICK",
		Params:  []string{nick},
	}

	c.send(msg)

	told := map[*User]struct{}{u: {}}
	for _, ch := range u.Tenant.channelsOf(u) {
		for _, member := range ch.memberList() {
			if _, exists := told[member]; exists {
				continue
			}
			told[member] = struct{}{}
			member.send(msg)
		}
	}
}
