package config

import "github.com/blackwell-systems/devstack/internal/broker"

// Policy returns the broker policy for the configured paths.
func (c *Config) Policy() *broker.Policy {
	p := broker.DefaultPolicy()
	p.StagingRoot = c.Paths.StagingDir
	p.HostsFile = c.Paths.HostsFile
	p.CertDir = c.Paths.CertDir
	p.KeyDir = c.Paths.KeyDir
	p.TrustDir = c.Paths.TrustDir

	apache := p.Sites[broker.EngineApache]
	apache.Available = c.Paths.ApacheSites
	apache.Enabled = c.Paths.ApacheEnabled
	apache.Modules = c.Paths.ApacheModules
	p.Sites[broker.EngineApache] = apache

	nginx := p.Sites[broker.EngineNginx]
	nginx.Available = c.Paths.NginxSites
	nginx.Enabled = c.Paths.NginxEnabled
	p.Sites[broker.EngineNginx] = nginx

	p.WritableRoots = p.DefaultWritableRoots()
	return p
}
