package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/inspect"
	"github.com/blackwell-systems/devstack/internal/output"
	"github.com/blackwell-systems/devstack/internal/services"
)

var (
	serviceLogLines int

	serviceCmd = &cobra.Command{
		Use:     "service",
		Aliases: []string{"svc"},
		Short:   "Inspect and control system services",
		Long: `Inspect and control the services of the stack: web servers, databases,
caches and PHP-FPM pools.

Service names are systemd unit names (mysql, php8.2-fpm). Configured aliases
such as 'apache' or 'redis' are accepted too.

Start, stop, enable and disable do nothing when the service is already in the
requested state and exit with status 2.`,
		Example: `  devstack service list
  devstack service start mysql
  devstack service enable redis
  devstack service logs nginx -n 100`,
	}

	serviceListCmd = &cobra.Command{
		Use:   "list",
		Short: "List configured services with status and ports",
		Args:  cobra.NoArgs,
		RunE:  runServiceList,
	}

	serviceStatusCmd = &cobra.Command{
		Use:   "status <service>",
		Short: "Show the state of one service",
		Args:  cobra.ExactArgs(1),
		RunE:  runServiceStatus,
	}

	serviceLogsCmd = &cobra.Command{
		Use:   "logs <service>",
		Short: "Show recent journal lines for a service",
		Args:  cobra.ExactArgs(1),
		RunE:  runServiceLogs,
	}
)

// serviceAction is one of the state-changing service subcommands.
type serviceAction struct {
	use      string
	short    string
	progress string
	apply    func(ctx context.Context, m *services.Manager, name string) (*services.Transition, error)
}

var serviceActions = []serviceAction{
	{"start", "Start a service", "Starting", func(ctx context.Context, m *services.Manager, name string) (*services.Transition, error) {
		return m.SetDesiredState(ctx, name, inspect.Running)
	}},
	{"stop", "Stop a service", "Stopping", func(ctx context.Context, m *services.Manager, name string) (*services.Transition, error) {
		return m.SetDesiredState(ctx, name, inspect.Stopped)
	}},
	{"restart", "Restart a service", "Restarting", func(ctx context.Context, m *services.Manager, name string) (*services.Transition, error) {
		return m.Restart(ctx, name)
	}},
	{"enable", "Start a service at boot", "Enabling", func(ctx context.Context, m *services.Manager, name string) (*services.Transition, error) {
		return m.SetAutostart(ctx, name, true)
	}},
	{"disable", "Do not start a service at boot", "Disabling", func(ctx context.Context, m *services.Manager, name string) (*services.Transition, error) {
		return m.SetAutostart(ctx, name, false)
	}},
}

func init() {
	serviceLogsCmd.Flags().IntVarP(&serviceLogLines, "lines", "n", 50, "number of journal lines")

	serviceCmd.AddCommand(serviceListCmd, serviceStatusCmd, serviceLogsCmd)
	for _, a := range serviceActions {
		serviceCmd.AddCommand(newServiceActionCmd(a))
	}
	RootCmd.AddCommand(serviceCmd)
}

func newServiceActionCmd(a serviceAction) *cobra.Command {
	return &cobra.Command{
		Use:   a.use + " <service>",
		Short: a.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(s *stack) error {
				ctx, cancel := signalContext()
				defer cancel()

				name := s.cfg.Resolve(args[0])
				spinner := output.NewSpinner(fmt.Sprintf("%s %s", a.progress, name))
				spinner.Start()
				t, err := a.apply(ctx, s.services(), name)
				if err != nil {
					spinner.Stop()
					return err
				}
				if !t.Changed {
					spinner.StopWithMessage(fmt.Sprintf("%s is already %s", name, t.To))
					return ErrNoChange
				}
				spinner.StopWithMessage(fmt.Sprintf("✓ %s: %s → %s", name, t.From, t.To))
				return nil
			})
		},
	}
}

func runServiceList(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		svcs, err := s.services().List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list services: %w", err)
		}
		fmt.Print(output.RenderServiceTable(svcs))
		return nil
	})
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		name := s.cfg.Resolve(args[0])
		svc, err := s.services().Service(ctx, name)
		if err != nil {
			return err
		}
		printService(svc)
		return nil
	})
}

func printService(svc *inspect.ManagedService) {
	autostart := "no"
	if svc.Autostart {
		autostart = "yes"
	}
	ports := "-"
	if len(svc.Ports) > 0 {
		p := make([]string, len(svc.Ports))
		for i, port := range svc.Ports {
			p[i] = fmt.Sprint(port)
		}
		ports = strings.Join(p, ", ")
	}

	fmt.Printf("Service:    %s\n", svc.Name)
	fmt.Printf("Status:     %s\n", svc.Status)
	fmt.Printf("Autostart:  %s\n", autostart)
	fmt.Printf("Ports:      %s\n", ports)
	if svc.MainPID > 0 {
		fmt.Printf("Main PID:   %d\n", svc.MainPID)
	}
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	name := cfg.Resolve(args[0])
	out, err := newInspector(cfg).Journal(ctx, name, serviceLogLines)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	fmt.Print(out)
	return nil
}
