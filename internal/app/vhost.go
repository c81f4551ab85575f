package app

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/output"
	"github.com/blackwell-systems/devstack/internal/ui"
	"github.com/blackwell-systems/devstack/internal/vhost"
)

var (
	vhostRoot   string
	vhostEngine string
	vhostPHP    string
	vhostStatic bool
	vhostTLS    bool

	vhostCmd = &cobra.Command{
		Use:   "vhost",
		Short: "Manage virtual hosts",
		Long: `Create, remove and list the virtual hosts devstack manages on Apache and Nginx.

A virtual host named 'shop' is served as shop.test (the configured domain
suffix). Creating one writes the site configuration, enables it, adds a
loopback entry to the hosts file, checks the engine's configuration and
reloads it. Running create again with the same arguments changes nothing.`,
		Example: `  devstack vhost create shop --root ~/projects/shop/public --php 8.3
  devstack vhost create docs --static --engine nginx --tls
  devstack vhost remove shop.test
  devstack vhost list`,
	}

	vhostCreateCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create or update a virtual host",
		Args:  cobra.ExactArgs(1),
		RunE:  runVhostCreate,
	}

	vhostRemoveCmd = &cobra.Command{
		Use:   "remove <hostname>",
		Short: "Remove a virtual host and its hosts entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runVhostRemove,
	}

	vhostListCmd = &cobra.Command{
		Use:   "list",
		Short: "List managed virtual hosts",
		Args:  cobra.NoArgs,
		RunE:  runVhostList,
	}
)

func init() {
	vhostCreateCmd.Flags().StringVar(&vhostRoot, "root", "", "document root (default: <projects_root>/<name>)")
	vhostCreateCmd.Flags().StringVar(&vhostEngine, "engine", "", "apache or nginx (default: config default_engine)")
	vhostCreateCmd.Flags().StringVar(&vhostPHP, "php", "", "PHP version (default: config default_php)")
	vhostCreateCmd.Flags().BoolVar(&vhostStatic, "static", false, "serve files only, without PHP")
	vhostCreateCmd.Flags().BoolVar(&vhostTLS, "tls", false, "serve over HTTPS with a local certificate")
	vhostCreateCmd.MarkFlagsMutuallyExclusive("php", "static")

	vhostRemoveCmd.Flags().StringVar(&vhostEngine, "engine", "", "apache or nginx (default: config default_engine)")

	vhostCmd.AddCommand(vhostCreateCmd, vhostRemoveCmd, vhostListCmd)
	RootCmd.AddCommand(vhostCmd)
}

func runVhostCreate(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		vh := vhost.VirtualHost{
			Name:         args[0],
			DocumentRoot: vhostRoot,
			Engine:       vhostEngine,
			PHPVersion:   vhostPHP,
			TLS:          vhostTLS,
		}
		if vh.DocumentRoot == "" {
			vh.DocumentRoot = filepath.Join(s.cfg.ProjectsRoot, vh.Name)
		}
		if abs, err := filepath.Abs(vh.DocumentRoot); err == nil {
			vh.DocumentRoot = abs
		}
		if vh.Engine == "" {
			vh.Engine = s.cfg.DefaultEngine
		}
		if vh.PHPVersion == "" && !vhostStatic {
			vh.PHPVersion = s.cfg.DefaultPHP
		}

		p, err := s.vhosts()
		if err != nil {
			return err
		}

		spinner := output.NewSpinner(fmt.Sprintf("Provisioning %s", vh.Hostname(s.cfg.DomainSuffix)))
		spinner.Start()
		res, err := p.CreateOrUpdate(ctx, vh)
		spinner.Stop()
		printVhostResult(res)
		return err
	})
}

// printVhostResult lists the steps CreateOrUpdate completed. res may be
// partial or nil.
func printVhostResult(res *vhost.Result) {
	if res == nil {
		return
	}
	step := func(done bool, what string) {
		if done {
			fmt.Printf("  ✓ %s\n", what)
		}
	}

	fmt.Printf("%s\n", ui.Bold(res.Hostname))
	if res.Certificate != nil {
		if res.Certificate.Generated {
			step(true, "certificate issued: "+res.Certificate.CertPath)
		} else {
			step(true, "certificate reused: "+res.Certificate.CertPath)
		}
	}
	for _, engine := range res.MovedFrom {
		step(true, "removed from "+engine)
	}
	step(res.ConfigWritten, "configuration written: "+res.ConfigPath)
	step(res.SiteEnabled, "site enabled")
	step(res.HostsUpdated, "hosts entry added")
	step(res.ConfigTested, "configuration test passed")
	step(res.Reloaded, "web server reloaded")
	if res.Reloaded {
		scheme := "http"
		if res.Certificate != nil {
			scheme = "https"
		}
		fmt.Printf("\n%s://%s\n", scheme, res.Hostname)
	}
}

func runVhostRemove(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		hostname := args[0]
		engine := vhostEngine
		if engine == "" {
			engine = s.cfg.DefaultEngine
		}

		ok, err := confirm(fmt.Sprintf("Remove %s from %s?", hostname, engine),
			"The site configuration and its hosts entry are deleted. A copy is kept in the backups.")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Cancelled")
			return nil
		}

		p, err := s.vhosts()
		if err != nil {
			return err
		}
		spinner := output.NewSpinner(fmt.Sprintf("Removing %s", hostname))
		spinner.Start()
		if err := p.Remove(ctx, hostname, engine); err != nil {
			spinner.Stop()
			return err
		}
		spinner.StopWithMessage(fmt.Sprintf("✓ %s removed", hostname))
		return nil
	})
}

func runVhostList(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		p, err := s.vhosts()
		if err != nil {
			return err
		}
		sites, err := p.List()
		if err != nil {
			return fmt.Errorf("failed to list sites: %w", err)
		}
		if len(sites) == 0 {
			fmt.Println("No managed virtual hosts")
			return nil
		}
		fmt.Print(output.RenderSiteTable(sites))
		return nil
	})
}
