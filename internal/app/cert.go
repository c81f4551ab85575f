package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/certs"
	"github.com/blackwell-systems/devstack/internal/output"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage local TLS certificates",
	Long: `Issue, inspect, trust and remove the self-signed certificates used by
TLS virtual hosts.

'ensure' issues a certificate only when no usable pair exists; 'renew'
always replaces it. Trusting a certificate adds it to the system trust store
so local browsers and tools accept it.`,
	Example: `  devstack cert ensure shop.test
  devstack cert trust shop.test
  devstack cert list`,
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed certificates",
	Args:  cobra.NoArgs,
	RunE:  runCertList,
}

// certAction is a certificate subcommand taking one hostname.
type certAction struct {
	use      string
	short    string
	progress string
	done     string
	run      func(ctx context.Context, m *certs.Manager, hostname string) (*certs.Bundle, error)
	confirm  bool
}

var certActions = []certAction{
	{use: "ensure", short: "Issue a certificate unless a usable one exists", progress: "Checking certificate for", done: "certificate ready",
		run: func(ctx context.Context, m *certs.Manager, h string) (*certs.Bundle, error) { return m.EnsureCertificate(ctx, h) }},
	{use: "renew", short: "Replace a certificate with a freshly issued one", progress: "Renewing certificate for", done: "certificate renewed",
		run: func(ctx context.Context, m *certs.Manager, h string) (*certs.Bundle, error) { return m.Renew(ctx, h) }},
	{use: "trust", short: "Add a certificate to the system trust store", progress: "Trusting", done: "trusted",
		run: func(ctx context.Context, m *certs.Manager, h string) (*certs.Bundle, error) { return nil, m.Trust(ctx, h) }},
	{use: "untrust", short: "Remove a certificate from the system trust store", progress: "Untrusting", done: "no longer trusted",
		run: func(ctx context.Context, m *certs.Manager, h string) (*certs.Bundle, error) { return nil, m.Untrust(ctx, h) }},
	{use: "remove", short: "Delete a certificate, its key and its trust entry", progress: "Removing certificate for", done: "certificate removed", confirm: true,
		run: func(ctx context.Context, m *certs.Manager, h string) (*certs.Bundle, error) { return nil, m.Remove(ctx, h) }},
}

func init() {
	certCmd.AddCommand(certListCmd)
	for _, a := range certActions {
		certCmd.AddCommand(newCertActionCmd(a))
	}
	RootCmd.AddCommand(certCmd)
}

func newCertActionCmd(a certAction) *cobra.Command {
	return &cobra.Command{
		Use:   a.use + " <hostname>",
		Short: a.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hostname := args[0]
			if a.confirm {
				ok, err := confirm(fmt.Sprintf("Remove the certificate for %s?", hostname),
					"Sites using it stop serving HTTPS until a new one is issued.")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Cancelled")
					return nil
				}
			}

			return withStack(func(s *stack) error {
				ctx, cancel := signalContext()
				defer cancel()

				spinner := output.NewSpinner(fmt.Sprintf("%s %s", a.progress, hostname))
				spinner.Start()
				bundle, err := a.run(ctx, s.certs(), hostname)
				if err != nil {
					spinner.Stop()
					return err
				}
				spinner.StopWithMessage(fmt.Sprintf("✓ %s: %s", hostname, a.done))
				if bundle != nil {
					printBundle(bundle)
				}
				return nil
			})
		},
	}
}

func printBundle(b *certs.Bundle) {
	fmt.Printf("  Certificate: %s\n", b.CertPath)
	fmt.Printf("  Key:         %s\n", b.KeyPath)
	if !b.NotAfter.IsZero() {
		fmt.Printf("  Expires:     %s\n", b.NotAfter.Format("2006-01-02"))
	}
	if b.Generated {
		fmt.Println("  Newly issued; run 'devstack cert trust' to have browsers accept it.")
	}
}

func runCertList(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		bundles, err := s.certs().List()
		if err != nil {
			return fmt.Errorf("failed to list certificates: %w", err)
		}
		if len(bundles) == 0 {
			fmt.Println("No certificates installed")
			return nil
		}
		fmt.Print(output.RenderCertTable(bundles, time.Now()))
		return nil
	})
}
