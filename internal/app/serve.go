package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/api"
	"github.com/blackwell-systems/devstack/internal/packages"
)

var (
	serveListen string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the local HTTP API",
		Long: `Serve a JSON API over HTTP for dashboards and editor integrations.

Routes:
  GET  /api/services               all configured services
  GET  /api/services/{name}        one service
  POST /api/services/{name}/{op}   start, stop, restart, enable or disable
  GET  /api/packages?q=            catalog with live state
  POST /api/packages/{id}/install  install, streamed as server-sent events
  POST /api/packages/{id}/remove   remove, streamed as server-sent events
  GET  /api/projects               projects under the projects root
  GET  /api/sites                  managed virtual hosts
  GET  /api/history?limit=&kind=   journal of privileged actions
  GET  /api/drift?since=           changes to managed files
  GET  /metrics                    Prometheus metrics

The API listens on loopback by default. Privileged actions still ask for
authorization through the configured gateway.`,
		Example: `  devstack serve
  devstack serve --listen 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default: config serve.listen)")
	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		deps, err := apiDeps(s)
		if err != nil {
			return err
		}

		addr := serveListen
		if addr == "" {
			addr = s.cfg.Serve.Listen
		}
		fmt.Printf("✓ Serving the devstack API on http://%s (press Ctrl+C to stop)\n", addr)

		err = api.Serve(ctx, addr, api.NewRouter(deps))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
}

// apiDeps wires the stack's managers into the API.
func apiDeps(s *stack) (api.Deps, error) {
	catalog, err := s.catalog()
	if err != nil {
		return api.Deps{}, err
	}
	hosts, err := s.vhosts()
	if err != nil {
		return api.Deps{}, err
	}
	projects, err := s.projects()
	if err != nil {
		return api.Deps{}, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		s.metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return api.Deps{
		Services:     s.services(),
		Catalog:      catalog,
		PackageState: s.inspector,
		Installer:    packages.NewInstaller(s.exec, s.inspector, catalog),
		Projects:     projects,
		Sites:        hosts,
		Journal:      s.store,
		Gatherer:     reg,
	}, nil
}
