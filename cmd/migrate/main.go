// Command migrate manages the compliance database schema.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/erp/compliance/internal/infrastructure/logger"
	"github.com/erp/compliance/internal/infrastructure/migration"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const defaultMigrationsPath = "migrations"

type command struct {
	usage   string
	minArgs int
	run     func(m *migration.Migrator, args []string, log *zap.Logger) error
}

var commands = map[string]command{
	"up": {usage: "up", run: func(m *migration.Migrator, _ []string, _ *zap.Logger) error {
		return m.Up()
	}},
	"down": {usage: "down -confirm", run: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		if !confirmed(args) {
			return fmt.Errorf("down drops the hash chain; rerun with -confirm")
		}
		return m.Down()
	}},
	"step": {usage: "step <n>", minArgs: 1, run: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid step count %q", args[0])
		}
		return m.Steps(n)
	}},
	"goto": {usage: "goto <version>", minArgs: 1, run: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return m.GoTo(uint(v))
	}},
	"version": {usage: "version", run: func(m *migration.Migrator, _ []string, log *zap.Logger) error {
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		log.Info("Current schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
		return nil
	}},
	"status": {usage: "status", run: func(m *migration.Migrator, _ []string, _ *zap.Logger) error {
		st, err := m.Status()
		if err != nil {
			return err
		}
		for _, s := range st {
			state := "pending"
			switch {
			case s.Dirty:
				state = "dirty"
			case s.Applied:
				state = "applied"
			}
			fmt.Printf("  %-8s %s\n", state, s.Migration)
		}
		return nil
	}},
	"force": {usage: "force <version>", minArgs: 1, run: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return m.Force(v)
	}},
	"drop": {usage: "drop -confirm", run: func(m *migration.Migrator, args []string, _ *zap.Logger) error {
		if !confirmed(args) {
			return fmt.Errorf("drop removes every table; rerun with -confirm")
		}
		return m.Drop()
	}},
}

func main() {
	var (
		migrationsPath string
		logLevel       string
		lockTimeout    time.Duration
	)
	flag.StringVar(&migrationsPath, "path", "", "migrations directory (default ./migrations)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.DurationVar(&lockTimeout, "lock-timeout", 15*time.Second, "how long to wait for the migration lock")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	name, args := args[0], args[1:]

	log, err := logger.New(&logger.Config{
		Level:      logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	path, err := resolvePath(migrationsPath)
	if err != nil {
		log.Fatal("Failed to resolve migrations path", zap.Error(err))
	}

	// create and list work on the directory alone
	switch name {
	case "create":
		if len(args) < 1 {
			log.Fatal("usage: migrate create <name> [description]")
		}
		desc := ""
		if len(args) > 1 {
			desc = args[1]
		}
		mf, err := migration.CreateMigration(path, args[0], desc)
		if err != nil {
			log.Fatal("Failed to create migration", zap.Error(err))
		}
		log.Info("Migration created", zap.String("up", mf.UpPath), zap.String("down", mf.DownPath))
		return
	case "list":
		files, err := migration.ListMigrations(path)
		if err != nil {
			log.Fatal("Failed to list migrations", zap.Error(err))
		}
		for _, f := range files {
			fmt.Println("  -", f)
		}
		return
	}

	cmd, ok := commands[name]
	if !ok {
		log.Error("Unknown command", zap.String("command", name))
		printUsage()
		os.Exit(2)
	}
	if len(args) < cmd.minArgs {
		log.Fatal("usage: migrate " + cmd.usage)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal("Failed to ping database", zap.Error(err))
	}

	m, err := migration.NewWithOptions(db, path, migration.Options{LockTimeout: lockTimeout}, log)
	if err != nil {
		log.Fatal("Failed to create migrator", zap.Error(err))
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("Failed to close migrator", zap.Error(err))
		}
	}()

	log.Info("Running migration command", zap.String("command", name), zap.String("path", path))
	if err := cmd.run(m, args, log); err != nil {
		log.Fatal("Migration command failed", zap.String("command", name), zap.Error(err))
	}
}

// resolvePath finds the migrations directory next to the working directory
// or the binary
func resolvePath(flagPath string) (string, error) {
	if flagPath != "" {
		return filepath.Abs(flagPath)
	}
	candidates := []string{defaultMigrationsPath}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "..", "..", defaultMigrationsPath))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return filepath.Abs(c)
		}
	}
	return filepath.Abs(defaultMigrationsPath)
}

func confirmed(args []string) bool {
	for _, a := range args {
		if a == "-confirm" || a == "--confirm" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Compliance schema migrations

Usage:
  migrate [flags] <command> [arguments]

Commands:
  up                    apply all pending migrations
  down -confirm         roll back every migration
  step <n>              apply n migrations, negative rolls back
  goto <version>        migrate to a version
  version               show the applied version
  status                show each migration as applied, pending or dirty
  force <version>       record a version without running it
  drop -confirm         drop every schema object
  create <name> [desc]  write the next up/down pair
  list                  list migrations on disk

Flags:
  -path string          migrations directory (default ./migrations)
  -log-level string     debug, info, warn or error (default info)
  -lock-timeout dur     wait for the migration lock (default 15s)

Database settings come from CMP_DATABASE_HOST, CMP_DATABASE_PORT,
CMP_DATABASE_USER, CMP_DATABASE_PASSWORD, CMP_DATABASE_DBNAME and
CMP_DATABASE_SSLMODE.
`)
}
