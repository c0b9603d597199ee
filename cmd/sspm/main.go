package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/nexasec/sspm/internal/api"
	"github.com/nexasec/sspm/internal/auth"
	"github.com/nexasec/sspm/internal/config"
	"github.com/nexasec/sspm/internal/queue"
	"github.com/nexasec/sspm/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("SSPM v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "serve":
		runServer(cfg)
	case "migrate":
		runMigrate(cfg, args[1:])
	case "user-create":
		runUserCreate(cfg, args[1:])
	case "discover":
		runDiscover(cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fmt.Fprintln(os.Stderr, "Commands: serve, migrate, user-create, discover")
		os.Exit(1)
	}
}

func runServer(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	server, err := api.NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize server: %v\n", err)
		os.Exit(1)
	}

	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func runMigrate(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	schemaPath := fs.String("schema", "scripts/schema.sql", "Path to schema file")
	_ = fs.Parse(args)

	schema, err := os.ReadFile(*schemaPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read schema: %v\n", err)
		os.Exit(1)
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if _, err := st.DB().Exec(string(schema)); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Schema applied")
}

func runUserCreate(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("user-create", flag.ExitOnError)
	email := fs.String("email", "", "User email")
	password := fs.String("password", "", "User password")
	orgID := fs.String("org", "", "Organization ID (generated when empty)")
	role := fs.String("role", string(auth.RoleAnalyst), "Role: admin, analyst, or viewer")
	_ = fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Usage: sspm user-create -email <email> -password <password> [-org <uuid>] [-role <role>]")
		os.Exit(1)
	}

	if *orgID == "" {
		*orgID = uuid.New().String()
		fmt.Printf("Generated organization ID: %s\n", *orgID)
	} else if _, err := uuid.Parse(*orgID); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid organization ID: %v\n", err)
		os.Exit(1)
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash password: %v\n", err)
		os.Exit(1)
	}

	user := &auth.User{
		Email:          *email,
		OrganizationID: *orgID,
		Password:       hash,
		Role:           auth.Role(*role),
	}

	userStore := auth.NewPostgresUserStore(st.DB())
	if err := userStore.CreateUser(context.Background(), user); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create user: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created user %s (%s)\n", user.Email, user.Role)
}

func runDiscover(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	connectionID := fs.String("connection", "", "Connection ID to discover")
	priority := fs.Int("priority", 0, "Job priority (higher runs sooner)")
	_ = fs.Parse(args)

	id, err := uuid.Parse(*connectionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Usage: sspm discover -connection <uuid> [-priority <n>]")
		os.Exit(1)
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	conn, err := st.GetConnection(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load connection: %v\n", err)
		os.Exit(1)
	}
	if conn == nil {
		fmt.Fprintf(os.Stderr, "Connection not found: %s\n", id)
		os.Exit(1)
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to queue: %v\n", err)
		os.Exit(1)
	}
	defer q.Close()

	job := &queue.Job{
		ConnectionID:   conn.ID,
		OrganizationID: conn.OrganizationID,
		TriggeredBy:    "cli",
		Priority:       *priority,
	}
	if err := q.EnqueueDiscoveryJob(ctx, job); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to enqueue job: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Queued discovery job %s for connection %s (%s)\n", job.ID, conn.ID, conn.Platform)
}
