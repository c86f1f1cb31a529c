package main

import (
	"github.com/horgh/irc"
)

// commandHandler ties an IRC verb to its handler. Commands that mutate or
// read tenant state require a registered connection.
type commandHandler struct {
	name              string
	needsRegistration bool
	fn                func(c *Client, m irc.Message)
}

// commandTable maps uppercased command to handler. Dispatch gates on
// registration and catches handler panics; see dispatch.
var commandTable = map[string]commandHandler{
	"CAP":  {"CAP", false, (*Client).capCommand},
	"NICK": {"NICK", false, (*Client).nickCommand},
	"USER": {"USER", false, (*Client).userCommand},
	"PING": {"PING", false, (*Client).pingCommand},
	"PONG": {"PONG", false, (*Client).pongCommand},
	"QUIT": {"QUIT", false, (*Client).quitCommand},

	"JOIN":    {"JOIN", true, (*Client).joinCommand},
	"PART":    {"PART", true, (*Client).partCommand},
	"KICK":    {"KICK", true, (*Client).kickCommand},
	"TOPIC":   {"TOPIC", true, (*Client).topicCommand},
	"INVITE":  {"INVITE", true, (*Client).inviteCommand},
	"MODE":    {"MODE", true, (*Client).modeCommand},
	"PRIVMSG": {"PRIVMSG", true, (*Client).privmsgCommand},
	"NOTICE":  {"NOTICE", true, (*Client).noticeCommand},

	"FORCEJOIN": {"FORCEJOIN", true, (*Client).forcejoinCommand},
	"FORCEPART": {"FORCEPART", true, (*Client).forcepartCommand},

	"NAMES":    {"NAMES", true, (*Client).namesCommand},
	"WHO":      {"WHO", true, (*Client).whoCommand},
	"WHOIS":    {"WHOIS", true, (*Client).whoisCommand},
	"AWAY":     {"AWAY", true, (*Client).awayCommand},
	"LIST":     {"LIST", true, (*Client).listCommand},
	"ISON":     {"ISON", true, (*Client).isonCommand},
	"USERHOST": {"USERHOST", true, (*Client).userhostCommand},
	"MOTD":     {"MOTD", true, (*Client).motdCommand},
	"LUSERS":   {"LUSERS", true, (*Client).lusersCommand},

	// Read-only catalog. Fixed numerics with static content.
	"VERSION": {"VERSION", true, (*Client).versionCommand},
	"TIME":    {"TIME", true, (*Client).timeCommand},
	"INFO":    {"INFO", true, (*Client).infoCommand},
	"STATS":   {"STATS", true, (*Client).statsCommand},
	"ADMIN":   {"ADMIN", true, (*Client).adminCommand},
	"HELP":    {"HELP", true, (*Client).helpCommand},
	"LINKS":   {"LINKS", true, (*Client).linksCommand},

	// Not implemented on a bridge.
	"OPER":    {"OPER", true, (*Client).operCommand},
	"KILL":    {"KILL", true, (*Client).notImplementedCommand},
	"REHASH":  {"REHASH", true, (*Client).notImplementedCommand},
	"WALLOPS": {"WALLOPS", true, (*Client).notImplementedCommand},
}

// dispatch routes one parsed message to its handler.
//
// Unknown commands get 421. Commands that need registration get 451 when
// the connection has not registered. A handler panic becomes a 400 reply
// and never takes down the connection loop.
func (s *Server) dispatch(c *Client, m irc.Message) {
	handler, exists := commandTable[m.Command]
	if !exists {
		// 421 ERR_UNKNOWNCOMMAND
		c.numeric("421", m.Command, "Unknown command")
		return
	}

	if handler.needsRegistration && !c.isRegistered() {
		// 451 ERR_NOTREGISTERED
		c.numeric("451", "You have not registered")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Uint64("cid", c.ID).Str("command", handler.name).
				Interface("panic", r).Msg("handler error")
			c.numeric("400", "Internal server error")
		}
	}()

	handler.fn(c, m)
}
