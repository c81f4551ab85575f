package app

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/output"
	"github.com/blackwell-systems/devstack/internal/project"
	"github.com/blackwell-systems/devstack/internal/ui"
	"github.com/blackwell-systems/devstack/internal/vhost"
)

var (
	projectTemplate  string
	projectEngine    string
	projectPHP       string
	projectTLS       bool
	projectVhost     bool
	projectKeepVhost bool

	projectCmd = &cobra.Command{
		Use:   "project",
		Short: "Create, list and delete projects",
		Long: `Create, list and delete web projects under the projects root.

A new project starts from a template (empty, html, php or laravel) and can
get its own virtual host, optionally with TLS, in the same step. Without a
name, 'create' asks for the details interactively.`,
		Example: `  devstack project create shop --template php --vhost --tls
  devstack project create
  devstack project list
  devstack project delete shop`,
	}

	projectCreateCmd = &cobra.Command{
		Use:   "create [name]",
		Short: "Scaffold a project and optionally its virtual host",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProjectCreate,
	}

	projectListCmd = &cobra.Command{
		Use:   "list",
		Short: "List projects with their detected type",
		Args:  cobra.NoArgs,
		RunE:  runProjectList,
	}

	projectDeleteCmd = &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a project directory and its virtual host",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectDelete,
	}
)

func init() {
	projectCreateCmd.Flags().StringVarP(&projectTemplate, "template", "t", string(project.Empty), "empty, html, php or laravel")
	projectCreateCmd.Flags().StringVar(&projectEngine, "engine", "", "apache or nginx (default: config default_engine)")
	projectCreateCmd.Flags().StringVar(&projectPHP, "php", "", "PHP version for PHP templates (default: config default_php)")
	projectCreateCmd.Flags().BoolVar(&projectVhost, "vhost", false, "also create <name><suffix> as a virtual host")
	projectCreateCmd.Flags().BoolVar(&projectTLS, "tls", false, "serve the virtual host over HTTPS")

	projectDeleteCmd.Flags().StringVar(&projectEngine, "engine", "", "engine serving the project (default: config default_engine)")
	projectDeleteCmd.Flags().BoolVar(&projectKeepVhost, "keep-vhost", false, "leave the virtual host in place")

	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectDeleteCmd)
	RootCmd.AddCommand(projectCmd)
}

func runProjectCreate(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		req := project.Request{
			Template:    project.Template(projectTemplate),
			Engine:      projectEngine,
			PHPVersion:  projectPHP,
			TLS:         projectTLS,
			VirtualHost: projectVhost || projectTLS,
		}
		if len(args) == 1 {
			req.Name = args[0]
		} else {
			if !isatty.IsTerminal(os.Stdin.Fd()) {
				return ui.ErrNotInteractive
			}
			if req.Engine == "" {
				req.Engine = s.cfg.DefaultEngine
			}
			if err := projectWizard(&req); err != nil {
				return err
			}
		}

		m, err := s.projects()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		spinner := output.NewSpinner(fmt.Sprintf("Creating %s", req.Name))
		spinner.Start()
		res, err := m.Create(ctx, req)
		spinner.Stop()
		if res != nil {
			fmt.Printf("✓ %s project created at %s\n", res.Project.Type, res.Project.Path)
			if res.VHost != nil {
				fmt.Println()
				printVhostResult(res.VHost)
			}
		}
		return err
	})
}

// projectWizard fills req from an interactive form.
func projectWizard(req *project.Request) error {
	templates := make([]huh.Option[project.Template], len(project.Templates))
	for i, t := range project.Templates {
		templates[i] = huh.NewOption(string(t), t).Selected(t == req.Template)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Project name").
				Description("Letters, digits, hyphen and underscore. Also the host name.").
				Validate(vhost.ValidName).
				Value(&req.Name),
			huh.NewSelect[project.Template]().
				Title("Template").
				Options(templates...).
				Value(&req.Template),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Create a virtual host?").
				Value(&req.VirtualHost),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Web server").
				Options(
					huh.NewOption("Apache", "apache"),
					huh.NewOption("Nginx", "nginx"),
				).
				Value(&req.Engine),
			huh.NewConfirm().
				Title("Serve over HTTPS?").
				Value(&req.TLS),
		).WithHideFunc(func() bool { return !req.VirtualHost }),
	)
	return form.Run()
}

func runProjectList(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		m, err := s.projects()
		if err != nil {
			return err
		}
		projects, err := m.List()
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Printf("No projects in %s\n", s.cfg.ProjectsRoot)
			fmt.Println("Run 'devstack project create' to start one.")
			return nil
		}
		fmt.Print(output.RenderProjectTable(projects))
		return nil
	})
}

func runProjectDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	ok, err := confirm(fmt.Sprintf("Delete project %s?", name),
		"The project directory and everything in it is deleted. This cannot be undone.")
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("Cancelled")
		return nil
	}

	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		m, err := s.projects()
		if err != nil {
			return err
		}
		engine := ""
		if !projectKeepVhost {
			engine = projectEngine
			if engine == "" {
				engine = s.cfg.DefaultEngine
			}
		}

		spinner := output.NewSpinner(fmt.Sprintf("Deleting %s", name))
		spinner.Start()
		if err := m.Delete(ctx, name, engine); err != nil {
			spinner.Stop()
			return err
		}
		spinner.StopWithMessage(fmt.Sprintf("✓ Project %s deleted", name))
		return nil
	})
}
