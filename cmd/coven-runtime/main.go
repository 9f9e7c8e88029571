// ABOUTME: Entry point for the coven-runtime agent host
// ABOUTME: Connects local agent engines to a coven gateway

package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/client"
	"github.com/2389/coven-runtime/internal/config"
	"github.com/2389/coven-runtime/internal/engine"
	"github.com/2389/coven-runtime/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                     _   _
  ___ _____   _____ _ __        _ __ _   _ _ __ | |_(_)_ __ ___   ___
 / __/ _ \ \ / / _ \ '_ \ _____| '__| | | | '_ \| __| | '_ ' _ \ / _ \
| (_| (_) \ V /  __/ | | |_____| |  | |_| | | | | |_| | | | | | |  __/
 \___\___/ \_/ \___|_| |_|     |_|   \__,_|_| |_|\__|_|_| |_| |_|\___|
`

// getConfigPath returns the path to the runtime config file.
// Priority: COVEN_RUNTIME_CONFIG env var > XDG_CONFIG_HOME/coven/runtime.yaml > ~/.config/coven/runtime.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RUNTIME_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "runtime.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "runtime.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-runtime <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Connect to the gateway and host agents")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  usage      Show the local turn cost ledger")
		fmt.Println("  version    Print the runtime version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "usage":
		err = runUsage(ctx)
	case "version":
		fmt.Printf("coven-runtime %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	creds, err := cfg.ResolveCredentials()
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	runtimeID := cfg.Runtime.RuntimeID
	if creds.RuntimeID != "" {
		runtimeID = creds.RuntimeID
	}
	if runtimeID == "" {
		runtimeID = uuid.NewString()
	}

	engineKind := engine.KindInProcess
	if cfg.Engine.Kind == "subprocess" {
		engineKind = engine.KindSubprocess
	} else if cfg.Engine.Command == "" {
		return fmt.Errorf("engine.command is required for in-process turns")
	}

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Runtime:    %s (%s)\n", cfg.Runtime.Name, runtimeID)
	green.Print("    ▶ ")
	fmt.Printf("Engine:     %s (%s)\n", engineKind, cfg.Engine.Command)
	green.Print("    ▶ ")
	fmt.Printf("Workspaces: %s\n", cfg.Runtime.WorkspaceBase)
	if cfg.Containerized() {
		yellow := color.New(color.FgYellow)
		yellow.Print("    ▶ ")
		fmt.Println("Container:  loopback tool servers rewritten to the host gateway")
	}
	fmt.Println()

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(getDataPath(), "runtime-usage.db")
	}
	ledger, err := store.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("opening cost ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	mgr := agent.NewManager(agent.Config{
		WorkspaceBase:   cfg.Runtime.WorkspaceBase,
		EngineKind:      engineKind,
		EngineCommand:   cfg.Engine.Command,
		EngineArgs:      cfg.Engine.Args,
		Query:           engine.ProcessQuery(cfg.Engine.Command, cfg.Engine.Args, logger),
		RewriteLoopback: cfg.Containerized(),
		Usage:           ledger,
	}, logger)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+creds.Token)
	headers.Set("X-Coven-Runtime-ID", runtimeID)

	cl := client.New(client.Config{
		RuntimeID:         runtimeID,
		SpaceID:           cfg.Runtime.SpaceID,
		Name:              cfg.Runtime.Name,
		Version:           version,
		HeartbeatInterval: cfg.Runtime.HeartbeatInterval,
		IdleTimeout:       cfg.Runtime.IdleTimeout,
		IdleCheckInterval: cfg.Runtime.IdleCheckInterval,
		DedupeWindow:      cfg.Dedupe.Window,
		DedupeSize:        cfg.Dedupe.MaxEntries,
	}, client.WebSocketDialer(cfg.Gateway.URL, headers), mgr, logger)

	shutdown, stop := context.WithCancel(ctx)
	defer stop()
	cl.OnIdleTimeout(func() {
		logger.Info("shutting down after idle timeout")
		stop()
	})

	if err := cl.Connect(ctx); err != nil {
		// The client keeps retrying with backoff; a first failure is not
		// fatal to the process.
		logger.Warn("initial gateway connection failed, retrying", "error", err)
	}

	<-shutdown.Done()
	logger.Info("shutting down")
	cl.Disconnect()
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-runtime configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "runtime-usage.db")
	defaultWorkspaces := filepath.Join(defaultDataPath, "agents")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Gateway Configuration ---")
	gatewayURL := prompt(reader, "Gateway URL", "wss://localhost:7433/runtime")
	credsPath := prompt(reader, "Credentials file (TOML with token)", filepath.Join(filepath.Dir(defaultConfigPath), "credentials.toml"))

	fmt.Println("\n--- Runtime Configuration ---")
	spaceID := prompt(reader, "Space id", "")
	name := prompt(reader, "Runtime name", "workshop-box")
	workspaceBase := prompt(reader, "Agent workspace base", defaultWorkspaces)
	idleTimeout := prompt(reader, "Idle timeout (empty to disable)", "")

	fmt.Println("\n--- Engine Configuration ---")
	engineKind := prompt(reader, "Engine kind (in-process/subprocess)", "subprocess")
	engineCommand := prompt(reader, "Engine command", "coven-engine")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "Cost ledger path", defaultDbPath)

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-runtime configuration\n")
	cfg.WriteString("# Generated by coven-runtime init\n\n")

	cfg.WriteString("gateway:\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n", gatewayURL))
	cfg.WriteString(fmt.Sprintf("  credentials_path: %q\n", credsPath))
	cfg.WriteString("\n")

	cfg.WriteString("runtime:\n")
	cfg.WriteString(fmt.Sprintf("  space_id: %q\n", spaceID))
	cfg.WriteString(fmt.Sprintf("  name: %q\n", name))
	cfg.WriteString(fmt.Sprintf("  workspace_base: %q\n", workspaceBase))
	cfg.WriteString("  heartbeat_interval: 30s\n")
	if idleTimeout != "" {
		cfg.WriteString(fmt.Sprintf("  idle_timeout: %s\n", idleTimeout))
	}
	cfg.WriteString("\n")

	cfg.WriteString("engine:\n")
	cfg.WriteString(fmt.Sprintf("  kind: %q\n", engineKind))
	cfg.WriteString(fmt.Sprintf("  command: %q\n", engineCommand))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nWrote %s\n", outputFile)
	fmt.Println("Place the gateway token in the credentials file:")
	fmt.Printf("  token = \"...\"\n")
	return nil
}

func runUsage(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(getDataPath(), "runtime-usage.db")
	}

	ledger, err := store.Open(dbPath, setupLogger(cfg.Logging))
	if err != nil {
		return fmt.Errorf("opening cost ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	agentID := ""
	if len(os.Args) > 2 {
		agentID = os.Args[2]
	}

	stats, err := ledger.Stats(ctx, agentID)
	if err != nil {
		return err
	}

	if agentID != "" {
		fmt.Printf("Usage for %s\n", agentID)
	} else {
		fmt.Println("Usage for all agents")
	}
	fmt.Printf("  turns:         %d\n", stats.TurnCount)
	fmt.Printf("  total cost:    $%.4f\n", stats.TotalCostUSD)
	fmt.Printf("  input tokens:  %d\n", stats.InputTokens)
	fmt.Printf("  output tokens: %d\n", stats.OutputTokens)
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	answer, err := reader.ReadString('\n')
	if err != nil {
		return defaultValue
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return defaultValue
	}
	return answer
}
