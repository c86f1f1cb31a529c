package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidNick(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"", false},
		{"a", true},
		{"alice", true},
		{"Alice", true},
		{"alice-1", true},
		{"[away]", true},
		{"nick`", true},
		{"a{b|c}", true},
		{"1alice", false},
		{"-alice", false},
		{"al ice", false},
		{"al.ice", false},
		{strings.Repeat("a", 30), true},
		{strings.Repeat("a", 31), false},
	}

	for _, test := range tests {
		assert.Equal(t, test.valid, isValidNick(test.input), "nick %q",
			test.input)
	}
}

func TestIsValidUser(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"", false},
		{"root", true},
		{"svc_user", true},
		{"a.b-c", true},
		{"user name", false},
		{"user@host", false},
		{strings.Repeat("u", 30), true},
		{strings.Repeat("u", 31), false},
	}

	for _, test := range tests {
		assert.Equal(t, test.valid, isValidUser(test.input), "user %q",
			test.input)
	}
}

func TestIsValidChannel(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"", false},
		{"#", false},
		{"#a", true},
		{"#users", true},
		{"#users/42", true},
		{"#users/abc-def_123", true},
		{"#users/1/2", false},
		{"users", false},
		{"#us ers", false},
		{"#users!", false},
		{"#" + strings.Repeat("a", 49), true},
		{"#" + strings.Repeat("a", 50), false},
	}

	for _, test := range tests {
		assert.Equal(t, test.valid, isValidChannel(test.input), "channel %q",
			test.input)
	}
}

func TestParseChannelName(t *testing.T) {
	tests := []struct {
		input    string
		schema   string
		recordID string
	}{
		{"#users", "users", ""},
		{"#users/42", "users", "42"},
		{"#tickets/abc-def", "tickets", "abc-def"},
		{"users", "users", ""},
	}

	for _, test := range tests {
		schema, recordID := parseChannelName(test.input)
		assert.Equal(t, test.schema, schema, "schema of %q", test.input)
		assert.Equal(t, test.recordID, recordID, "record of %q", test.input)
	}
}

func TestParseChannelTarget(t *testing.T) {
	tests := []struct {
		input   string
		channel string
		tenant  string
	}{
		{"#users", "#users", ""},
		{"#users@acme", "#users", "acme"},
		{"#users/42@acme", "#users/42", "acme"},
	}

	for _, test := range tests {
		channel, tenant := parseChannelTarget(test.input)
		assert.Equal(t, test.channel, channel)
		assert.Equal(t, test.tenant, tenant)
	}
}

func TestIsNumericCommand(t *testing.T) {
	assert.True(t, isNumericCommand("001"))
	assert.True(t, isNumericCommand("433"))
	assert.False(t, isNumericCommand("PRIVMSG"))
	assert.False(t, isNumericCommand(""))
	assert.False(t, isNumericCommand("4a3"))
}
