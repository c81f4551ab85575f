package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/devstack/internal/database"
	"github.com/blackwell-systems/devstack/internal/output"
	"github.com/blackwell-systems/devstack/internal/ui"
)

var (
	dbEngine   string
	dbUser     string
	dbPassword string
	dbIfAbsent bool
	dbHost     string
	dbPort     int
	dbForce    bool

	dbCmd = &cobra.Command{
		Use:   "db",
		Short: "Create, drop and list databases",
		Long: `Create, drop and list MySQL/MariaDB and PostgreSQL databases.

'create' makes the database, its user and the user's grant in one privileged
step. An existing database is reported as a conflict unless --if-absent is
given; existing data is never dropped by create.

'import' loads a SQL dump into an existing database and 'export' writes one
(mysqldump or pg_dump). Dumps pass through a private staging directory so the
privileged step only reads and writes files devstack created.`,
		Example: `  devstack db create shop --user shop --password secret
  devstack db create shop --engine postgres --user shop --if-absent
  devstack db list --engine postgres
  devstack db url shop --user shop --password secret
  devstack db export shop backup.sql
  devstack db import shop backup.sql
  devstack db drop shop`,
	}

	dbCreateCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create a database with its owning user",
		Args:  cobra.ExactArgs(1),
		RunE:  runDBCreate,
	}

	dbDropCmd = &cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a database (its user is kept)",
		Args:  cobra.ExactArgs(1),
		RunE:  runDBDrop,
	}

	dbListCmd = &cobra.Command{
		Use:   "list",
		Short: "List user databases",
		Args:  cobra.NoArgs,
		RunE:  runDBList,
	}

	dbImportCmd = &cobra.Command{
		Use:   "import <name> <file>",
		Short: "Load a SQL dump into an existing database",
		Args:  cobra.ExactArgs(2),
		RunE:  runDBImport,
	}

	dbExportCmd = &cobra.Command{
		Use:   "export <name> [file]",
		Short: "Write a SQL dump of a database (default file: <name>.sql)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runDBExport,
	}

	dbURLCmd = &cobra.Command{
		Use:   "url <name>",
		Short: "Print a connection URL for a database",
		Args:  cobra.ExactArgs(1),
		RunE:  runDBURL,
	}
)

func init() {
	dbCmd.PersistentFlags().StringVarP(&dbEngine, "engine", "e", database.MySQL, "mysql or postgres")

	dbCreateCmd.Flags().StringVarP(&dbUser, "user", "u", "", "owning user (default: the database name)")
	dbCreateCmd.Flags().StringVarP(&dbPassword, "password", "p", "", "user password (prompted when omitted)")
	dbCreateCmd.Flags().BoolVar(&dbIfAbsent, "if-absent", false, "succeed when the database already exists")

	dbURLCmd.Flags().StringVarP(&dbUser, "user", "u", "", "user (default: the database name)")
	dbURLCmd.Flags().StringVarP(&dbPassword, "password", "p", "", "password to embed")
	dbURLCmd.Flags().StringVar(&dbHost, "host", "127.0.0.1", "server host")
	dbURLCmd.Flags().IntVar(&dbPort, "port", 0, "server port (default: the engine's)")

	dbExportCmd.Flags().BoolVar(&dbForce, "force", false, "overwrite an existing file")

	dbCmd.AddCommand(dbCreateCmd, dbDropCmd, dbListCmd, dbImportCmd, dbExportCmd, dbURLCmd)
	RootCmd.AddCommand(dbCmd)
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	req := database.Request{
		Engine:   dbEngine,
		Name:     args[0],
		User:     dbUser,
		Password: dbPassword,
		IfAbsent: dbIfAbsent,
	}
	if req.User == "" {
		req.User = req.Name
	}
	// Check the names before asking for a password.
	probe := req
	if probe.Password == "" {
		probe.Password = "-"
	}
	if err := probe.Validate(); err != nil {
		return err
	}
	if req.Password == "" {
		pw, err := ui.Password(fmt.Sprintf("Password for %s", req.User))
		if err != nil {
			return err
		}
		req.Password = pw
	}

	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		spinner := output.NewSpinner(fmt.Sprintf("Creating %s database %s", req.Engine, req.Name))
		spinner.Start()
		res, err := s.databases().CreateDatabase(ctx, req)
		if err != nil {
			spinner.Stop()
			return err
		}
		if res.Created {
			spinner.StopWithMessage(fmt.Sprintf("✓ Database %s created, owned by %s", res.Name, res.User))
		} else {
			spinner.StopWithMessage(fmt.Sprintf("✓ Database %s already existed; %s has access", res.Name, res.User))
		}
		fmt.Println()
		fmt.Println(database.ConnectionURL(res.Engine, res.Name, res.User, "", "127.0.0.1", 0))
		return nil
	})
}

func runDBDrop(cmd *cobra.Command, args []string) error {
	name := args[0]
	ok, err := confirm(fmt.Sprintf("Drop %s database %s?", dbEngine, name),
		"All tables and data in it are deleted. This cannot be undone.")
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

		spinner := output.NewSpinner(fmt.Sprintf("Dropping %s", name))
		spinner.Start()
		if err := s.databases().DropDatabase(ctx, dbEngine, name); err != nil {
			spinner.Stop()
			return err
		}
		spinner.StopWithMessage(fmt.Sprintf("✓ Database %s dropped", name))
		return nil
	})
}

func runDBList(cmd *cobra.Command, args []string) error {
	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		names, err := s.databases().ListDatabases(ctx, dbEngine)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Printf("No %s databases\n", dbEngine)
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	})
}

func runDBImport(cmd *cobra.Command, args []string) error {
	name, path := args[0], args[1]
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to read dump: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		spinner := output.NewSpinner(fmt.Sprintf("Importing %s into %s", path, name))
		spinner.Start()
		if err := s.databases().ImportDatabase(ctx, dbEngine, name, path); err != nil {
			spinner.Stop()
			return err
		}
		spinner.StopWithMessage(fmt.Sprintf("✓ Imported %s into %s (%d bytes)", path, name, info.Size()))
		return nil
	})
}

func runDBExport(cmd *cobra.Command, args []string) error {
	name := args[0]
	path := name + ".sql"
	if len(args) == 2 {
		path = args[1]
	}
	if _, err := os.Stat(path); err == nil && !dbForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	return withStack(func(s *stack) error {
		ctx, cancel := signalContext()
		defer cancel()

		spinner := output.NewSpinner(fmt.Sprintf("Exporting %s", name))
		spinner.Start()
		if err := s.databases().ExportDatabase(ctx, dbEngine, name, path); err != nil {
			spinner.Stop()
			return err
		}
		spinner.StopWithMessage(fmt.Sprintf("✓ Database %s written to %s", name, path))
		return nil
	})
}

func runDBURL(cmd *cobra.Command, args []string) error {
	req := database.Request{Engine: dbEngine, Name: args[0], User: dbUser, Password: "-"}
	if req.User == "" {
		req.User = req.Name
	}
	if err := req.Validate(); err != nil {
		return err
	}
	fmt.Println(database.ConnectionURL(dbEngine, req.Name, req.User, dbPassword, dbHost, dbPort))
	return nil
}
