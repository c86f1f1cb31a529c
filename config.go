package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/horgh/config"
)

// Config holds a server's configuration.
type Config struct {
	ListenHost string
	ListenPort string

	// Name we report in numerics and message prefixes.
	ServerName string
	ServerInfo string

	Version     string
	CreatedDate string

	// MOTD lines, one 372 per line.
	MOTD []string

	// Base URL of the record API, e.g. http://localhost:3033.
	BackendURL string

	Debug bool
}

// checkAndParseConfig checks configuration keys are present and in an
// acceptable format.
//
// This function populates the server.Config field.
func (s *Server) checkAndParseConfig(file string) error {
	configMap, err := config.ReadStringMap(file)
	if err != nil {
		return err
	}

	requiredKeys := []string{
		"listen-host",
		"listen-port",
		"server-name",
		"server-info",
		"version",
		"created-date",
		"motd",
		"backend-url",
	}

	// Check each key we want is present and non-blank.
	for _, key := range requiredKeys {
		v, exists := configMap[key]
		if !exists {
			return fmt.Errorf("missing required key: %s", key)
		}

		if len(v) == 0 {
			return fmt.Errorf("configuration value is blank: %s", key)
		}
	}

	s.Config.ListenHost = configMap["listen-host"]
	s.Config.ListenPort = configMap["listen-port"]
	s.Config.ServerName = configMap["server-name"]
	s.Config.ServerInfo = configMap["server-info"]
	s.Config.Version = configMap["version"]
	s.Config.CreatedDate = configMap["created-date"]

	// The motd value may hold multiple lines separated by \n.
	for _, line := range strings.Split(configMap["motd"], "\\n") {
		s.Config.MOTD = append(s.Config.MOTD, strings.TrimRight(line, " "))
	}

	u, err := url.Parse(configMap["backend-url"])
	if err != nil {
		return fmt.Errorf("backend URL is not valid: %s", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend URL must be http or https: %s",
			configMap["backend-url"])
	}
	s.Config.BackendURL = strings.TrimRight(configMap["backend-url"], "/")

	// Optional.
	if v, exists := configMap["debug"]; exists {
		s.Config.Debug = v == "true" || v == "1" || v == "yes"
	}

	return nil
}
