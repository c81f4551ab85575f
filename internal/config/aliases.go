package config

import "strings"

// Resolve maps a user-facing short name (e.g. "redis") to the canonical
// service or package name. Names without an alias are returned unchanged.
func (c *Config) Resolve(name string) string {
	if target, ok := c.Aliases[strings.ToLower(name)]; ok && target != "" {
		return target
	}
	return name
}

// KnownPorts returns the well-known ports configured for a service.
func (c *Config) KnownPorts(service string) []int {
	return c.Ports[service]
}
