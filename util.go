package main

import "strings"

// 50 from RFC. Long enough for #schema/recordId names too.
const maxChannelLength = 50

const maxNickLength = 30

// Arbitrary. Something low enough we won't hit message limit.
const maxTopicLength = 300

// canonicalizeNick converts the given nick to its canonical representation
// (which must be unique within a tenant).
//
// Note: We don't check validity or strip whitespace.
func canonicalizeNick(n string) string {
	return strings.ToLower(n)
}

// canonicalizeChannel converts the given channel to its canonical
// representation (which must be unique within a tenant).
//
// Note: We don't check validity or strip whitespace.
func canonicalizeChannel(c string) string {
	return strings.ToLower(c)
}

// canonicalizeTenant converts a tenant name to its canonical representation.
func canonicalizeTenant(t string) string {
	return strings.ToLower(t)
}

// isValidNick checks if a nickname is valid.
//
// The first character must be a letter or one of the RFC specials
// []\`_^{|}. Later characters additionally allow digits and -.
func isValidNick(n string) bool {
	if len(n) == 0 || len(n) > maxNickLength {
		return false
	}

	for i, char := range n {
		if char >= 'a' && char <= 'z' {
			continue
		}
		if char >= 'A' && char <= 'Z' {
			continue
		}

		if strings.ContainsRune("[]\\`_^{|}", char) {
			continue
		}

		if i == 0 {
			// No digits or - in first position.
			return false
		}

		if char >= '0' && char <= '9' {
			continue
		}
		if char == '-' {
			continue
		}

		return false
	}

	return true
}

// isValidUser checks if a user (USER command) is valid.
func isValidUser(u string) bool {
	if len(u) == 0 || len(u) > maxNickLength {
		return false
	}

	for _, char := range u {
		if char >= 'a' && char <= 'z' {
			continue
		}
		if char >= 'A' && char <= 'Z' {
			continue
		}
		if char >= '0' && char <= '9' {
			continue
		}
		if char == '_' || char == '-' || char == '.' {
			continue
		}

		return false
	}

	return true
}

func isValidRealName(s string) bool {
	// Arbitrary. Length only for now.
	return len(s) <= 64
}

// isValidChannel checks a channel name for validity.
//
// Channels name backend entities: #schema or #schema/recordId. A single /
// may separate the schema from the record id.
//
// You should canonicalize it before using this function.
func isValidChannel(c string) bool {
	if len(c) < 2 || len(c) > maxChannelLength {
		return false
	}

	if c[0] != '#' {
		return false
	}

	sawSlash := false
	for _, char := range c[1:] {
		if char >= 'a' && char <= 'z' {
			continue
		}
		if char >= 'A' && char <= 'Z' {
			continue
		}
		if char >= '0' && char <= '9' {
			continue
		}
		if char == '_' || char == '-' {
			continue
		}
		if char == '/' && !sawSlash {
			sawSlash = true
			continue
		}

		return false
	}

	return true
}

// parseChannelName decomposes #schema or #schema/recordId into its parts.
//
// recordID is blank for schema-level channels.
func parseChannelName(name string) (schema string, recordID string) {
	name = strings.TrimPrefix(name, "#")

	idx := strings.Index(name, "/")
	if idx == -1 {
		return name, ""
	}

	return name[:idx], name[idx+1:]
}

// parseChannelTarget splits a message target of the form #chan@tenant.
//
// The @tenant suffix is a routing tag used by tenant-aware connections. It
// is never stored.
func parseChannelTarget(target string) (channel string, tenant string) {
	idx := strings.LastIndex(target, "@")
	if idx == -1 {
		return target, ""
	}

	return target[:idx], target[idx+1:]
}

func isNumericCommand(command string) bool {
	for _, c := range command {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(command) > 0
}
