// PlayerTXT is a multiplayer text adventure server.
//
// It serves the player and mission control HTTP API, narrates player
// commands through interchangeable generative backends, and runs timed
// missions gated on a continuous health check. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	playertxt serve                        Start the server
//	playertxt init [dir]                   Initialize a working directory with defaults
//	playertxt verify <role>                Send the canary prompt to a role's backend
//	playertxt models <provider> [cred]     List a backend's models
//	playertxt generate [-players N] <idea> Author a world and import it
//	playertxt version                      Print version and build information
//	playertxt -o json version              Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/playertxt/internal/api"
	"github.com/nugget/playertxt/internal/buildinfo"
	"github.com/nugget/playertxt/internal/config"
	"github.com/nugget/playertxt/internal/embeddings"
	"github.com/nugget/playertxt/internal/escalation"
	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/game"
	"github.com/nugget/playertxt/internal/metrics"
	"github.com/nugget/playertxt/internal/mission"
	"github.com/nugget/playertxt/internal/mqtt"
	"github.com/nugget/playertxt/internal/opstate"
	"github.com/nugget/playertxt/internal/preflight"
	"github.com/nugget/playertxt/internal/provider"
	"github.com/nugget/playertxt/internal/scenario"
	"github.com/nugget/playertxt/internal/storage"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server and the
// MQTT publisher.
const shutdownTimeout = 10 * time.Second

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the
// caller prints the returned error to stderr.
//
// Arguments are parsed by hand. The flag package's global state gets
// in the way of calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			// Remaining args, including subcommand flags, belong to the command.
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "verify":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: playertxt verify <workhorse|director>")
		}
		return runVerify(ctx, stdout, configPath, outputFmt, cmdArgs[0])
	case "models":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: playertxt models <gemini|openrouter|ollama> [credential-or-url]")
		}
		return runModels(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "generate":
		return runGenerate(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "PlayerTXT - Multiplayer Text Adventure Server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: playertxt [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                         Start the server")
	fmt.Fprintln(w, "  init [dir]                    Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  verify <role>                 Send the canary prompt to workhorse or director")
	fmt.Fprintln(w, "  models <provider> [cred|url]  List models offered by gemini, openrouter or ollama")
	fmt.Fprintln(w, "  generate [-players N] <idea>  Author a world from a concept and import it")
	fmt.Fprintln(w, "  version                       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/playertxt/config.yaml, /etc/playertxt/config.yaml")
	return nil
}

// runServe wires every component, starts the background loops and
// blocks in the HTTP server until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting PlayerTXT", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Validated by config.Load.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"storage", cfg.Storage.Driver,
		"director", cfg.Providers.Director.Provider,
		"workhorse", cfg.Providers.Workhorse.Provider,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Persistence ---
	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, storage.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	system, err := opstate.NewStore(cfg.SystemDBPath())
	if err != nil {
		return fmt.Errorf("open system config %s: %w", cfg.SystemDBPath(), err)
	}
	defer system.Close()
	logger.Info("system config opened", "path", cfg.SystemDBPath())

	if err := seedAdminPassword(system, cfg.Admin.Password, logger); err != nil {
		return err
	}

	// --- Event plumbing ---
	bus := events.New()
	ring := events.NewRing(0)
	m := metrics.New()
	go ring.Follow(ctx, bus)
	go m.Follow(ctx, bus)

	// --- Providers ---
	targets, err := providerTargets(cfg.Providers, system)
	if err != nil {
		return err
	}
	router := provider.NewRouter(targets,
		provider.WithTimeout(time.Duration(cfg.Providers.TimeoutSec)*time.Second),
		provider.WithLogger(logger),
		provider.WithObserver(m.ObserveProvider),
	)

	if err := seedWorld(ctx, store, cfg.Storage.SeedWorld, logger); err != nil {
		return err
	}

	// --- Health and missions ---
	monitor := preflight.New(store, router, preflight.Config{
		Interval:     time.Duration(cfg.Preflight.IntervalSec) * time.Second,
		ProbeTimeout: time.Duration(cfg.Preflight.ProbeTimeoutSec) * time.Second,
		Bus:          bus,
		Logger:       logger,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	sched := mission.New(store, monitor, mission.Config{
		TickInterval:    time.Duration(cfg.Mission.TickIntervalSec) * time.Second,
		DefaultDuration: time.Duration(cfg.Mission.DefaultDurationMinutes) * time.Minute,
		Bus:             bus,
		Logger:          logger,
	})
	sched.Start(ctx)
	defer sched.Stop()
	m.Watch(sched, monitor)

	entries := make([]mission.AutopilotEntry, len(cfg.Mission.Autopilot))
	for i, a := range cfg.Mission.Autopilot {
		entries[i] = mission.AutopilotEntry{Spec: a.Cron, WorldID: a.WorldID, DurationMinutes: a.DurationMinutes}
	}
	autopilot, err := mission.NewAutopilot(sched, entries, logger)
	if err != nil {
		return err
	}
	go autopilot.Run(ctx)

	// --- Gameplay ---
	policy := escalation.NewRulePolicy(logger, escalation.Config{Keywords: cfg.Game.EscalateKeywords})
	facts := embeddings.NewIndex(router, store, logger)
	go backfillFacts(ctx, store, facts, logger)

	engine := game.New(store, router, game.Config{
		Persona:   cfg.Game.NarratorPersona,
		Policy:    policy,
		Facts:     facts,
		FactLimit: cfg.Game.FactLimit,
		Mission:   sched,
		Bus:       bus,
		Logger:    logger,
	})

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Store:         store,
		System:        system,
		Mission:       sched,
		Health:        monitor,
		Providers:     router,
		Engine:        engine,
		Generator:     scenario.NewGenerator(router, logger),
		Routing:       policy,
		Bus:           bus,
		Ring:          ring,
		Metrics:       m.Handler(),
		BaseProviders: cfg.Providers,
		Admin:         cfg.Admin,
		Logger:        logger,
	})

	// --- MQTT ---
	var pub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		pub = mqtt.New(cfg.MQTT, instanceID, sched, monitor, bus, logger)
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if pub != nil {
			if err := pub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("PlayerTXT stopped")
	return nil
}

// runVerify sends the canary prompt to one role's backend and reports
// the outcome. A failed canary is an error so scripts can check the
// exit status.
func runVerify(ctx context.Context, stdout io.Writer, configPath, outputFmt, roleName string) error {
	role, err := provider.ParseRole(roleName)
	if err != nil {
		return err
	}
	router, _, err := cliRouter(configPath)
	if err != nil {
		return err
	}

	res := router.Verify(ctx, role)
	if outputFmt == "json" {
		if err := writeJSON(stdout, res); err != nil {
			return err
		}
	} else if res.OK {
		fmt.Fprintf(stdout, "%s (%s): %s\n", res.Role, res.Provider, res.Message)
	}
	if !res.OK {
		return fmt.Errorf("%s (%s): %s", res.Role, res.Provider, res.Error)
	}
	return nil
}

// runModels lists the models a backend offers. The optional argument
// is a credential for keyed backends and an endpoint URL for ollama;
// either defaults to the configured value.
func runModels(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	router, cfg, err := cliRouter(configPath)
	if err != nil {
		return err
	}

	kind := provider.Kind(strings.ToLower(strings.TrimSpace(args[0])))
	var credential, endpoint string
	switch kind {
	case provider.KindGemini:
		credential = cfg.Providers.GeminiAPIKey
	case provider.KindOpenRouter:
		credential = cfg.Providers.OpenRouterAPIKey
	case provider.KindOllama:
		endpoint = cfg.Providers.OllamaURL
	}
	if len(args) > 1 {
		if kind == provider.KindOllama {
			endpoint = args[1]
		} else {
			credential = args[1]
		}
	}

	models, err := router.ListModels(ctx, kind, credential, endpoint)
	if err != nil {
		return fmt.Errorf("list %s models: %w", kind, err)
	}
	if outputFmt == "json" {
		if models == nil {
			models = []string{}
		}
		return writeJSON(stdout, models)
	}
	for _, name := range models {
		fmt.Fprintln(stdout, name)
	}
	return nil
}

// generateRequest is the parsed argument list of the generate command.
type generateRequest struct {
	concept string
	players int
}

func parseGenerateArgs(args []string) (generateRequest, error) {
	var req generateRequest
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-players" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return req, fmt.Errorf("invalid player count %q", args[i+1])
			}
			req.players = n
			i++
		case strings.HasPrefix(args[i], "-players="):
			v := strings.TrimPrefix(args[i], "-players=")
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return req, fmt.Errorf("invalid player count %q", v)
			}
			req.players = n
		default:
			words = append(words, args[i])
		}
	}
	req.concept = strings.TrimSpace(strings.Join(words, " "))
	if req.concept == "" {
		return req, fmt.Errorf("usage: playertxt generate [-players N] <concept>")
	}
	return req, nil
}

// runGenerate authors a world on the director and imports it into
// storage, printing the new world's id.
func runGenerate(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	req, err := parseGenerateArgs(args)
	if err != nil {
		return err
	}
	router, cfg, err := cliRouter(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelInfo, cfg.LogFormat)

	world, err := scenario.NewGenerator(router, logger).Generate(ctx, req.concept, req.players)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, storage.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	id, err := store.ImportWorld(ctx, world)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"worldId": id, "storyName": world.Metadata.Name})
	}
	fmt.Fprintf(stdout, "Imported world %d: %s\n", id, world.Metadata.Name)
	return nil
}

// cliRouter builds a provider router for the one-shot commands, with
// the same persisted overrides the server would apply.
func cliRouter(configPath string) (*provider.Router, *config.Config, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	var system *opstate.Store
	if _, err := os.Stat(cfg.SystemDBPath()); err == nil {
		system, err = opstate.NewStore(cfg.SystemDBPath())
		if err != nil {
			return nil, nil, fmt.Errorf("open system config %s: %w", cfg.SystemDBPath(), err)
		}
		defer system.Close()
	}

	targets, err := providerTargets(cfg.Providers, system)
	if err != nil {
		return nil, nil, err
	}
	router := provider.NewRouter(targets,
		provider.WithTimeout(time.Duration(cfg.Providers.TimeoutSec)*time.Second),
		provider.WithLogger(config.NewLogger(io.Discard, slog.LevelInfo, "text")),
	)
	return router, cfg, nil
}

// providerTargets layers the persisted AI_MODELS overrides, if any, on
// the file and environment configuration.
func providerTargets(base config.ProvidersConfig, system *opstate.Store) (provider.Targets, error) {
	if system == nil {
		return provider.TargetsFromConfig(base), nil
	}
	overrides, err := system.List(opstate.CategoryAIModels)
	if err != nil {
		return provider.Targets{}, fmt.Errorf("load provider overrides: %w", err)
	}
	return provider.TargetsFromConfig(base.WithOverrides(overrides)), nil
}

// seedAdminPassword stores the configured initial password when none
// has been set yet. Later changes go through the admin API.
func seedAdminPassword(system *opstate.Store, password string, logger *slog.Logger) error {
	has, err := system.HasAdminPassword()
	if err != nil {
		return fmt.Errorf("check admin password: %w", err)
	}
	if has {
		return nil
	}
	if password == "" {
		logger.Warn("no admin password configured; browser sign-in is disabled until one is set")
		return nil
	}
	if err := system.SetAdminPassword(password); err != nil {
		return fmt.Errorf("seed admin password: %w", err)
	}
	logger.Info("admin password seeded from config")
	return nil
}

// seedWorld imports the configured seed world, or the bundled one,
// when storage holds no worlds.
func seedWorld(ctx context.Context, store *storage.Store, path string, logger *slog.Logger) error {
	n, err := store.CountWorlds(ctx)
	if err != nil {
		return fmt.Errorf("count worlds: %w", err)
	}
	if n > 0 {
		return nil
	}

	doc := scenario.Builtin()
	if path != "" {
		if doc, err = scenario.Load(path); err != nil {
			return err
		}
	}
	id, err := store.ImportWorld(ctx, doc)
	if err != nil {
		return fmt.Errorf("seed world: %w", err)
	}
	logger.Info("seed world imported", "world_id", id, "name", doc.Metadata.Name)
	return nil
}

// backfillFacts computes missing fact vectors for every world so the
// first narrated commands do not pay for them.
func backfillFacts(ctx context.Context, store *storage.Store, ix *embeddings.Index, logger *slog.Logger) {
	worlds, err := store.ListWorlds(ctx)
	if err != nil {
		logger.Warn("fact backfill skipped", "error", err)
		return
	}
	for _, w := range worlds {
		if ctx.Err() != nil {
			return
		}
		if _, err := ix.Backfill(ctx, w.ID); err != nil {
			logger.Warn("fact backfill failed", "world_id", w.ID, "error", err)
		}
	}
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
