package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pronlab/stackbench/internal/config"
	"github.com/pronlab/stackbench/internal/dataset"
	"github.com/pronlab/stackbench/internal/db"
	"github.com/pronlab/stackbench/internal/experiment"
	"github.com/pronlab/stackbench/internal/fsutil"
	"github.com/pronlab/stackbench/internal/methods"
	"github.com/pronlab/stackbench/internal/report"
	"github.com/pronlab/stackbench/internal/stack"
	"github.com/pronlab/stackbench/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "run":
		handleRun(args)
	case "validate":
		handleValidate(args)
	case "methods":
		handleMethods()
	case "report":
		handleReport(args)
	case "migrate":
		handleMigrate(args)
	case "version":
		fmt.Printf("stackbench %s\n", version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`stackbench - cross-validated ablation runs over pronunciation scoring stacks

Usage: stackbench <command> [options]

Commands:
  run        Execute every stack in an experiment document and write reports
  validate   Check an experiment document without running anything
  methods    List the registered methods for each pipeline stage
  report     Re-render the reports for a stored run
  migrate    Manage the database schema (up, down, status, version, force)
  version    Show build version
  help       Show this help message

Examples:
  # Run the full experiment, persist it, and write reports under results/
  stackbench run -config config/stacks.yaml -db stackbench.db -out results

  # Dry-run a single stack without touching the database
  stackbench run -config config/stacks.yaml -stack mfcc_dtw -no-store

  # Re-render reports for the most recent stored run
  stackbench report -db stackbench.db -out results

  # Apply pending schema migrations
  stackbench migrate -db stackbench.db up`)
}

// loadAndValidate parses the experiment document and resolves every
// referenced method against the built-in registry, so a typo fails here
// rather than mid-run.
func loadAndValidate(path string) (*config.ExperimentConfig, *stack.CapabilityRegistry, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	reg := stack.NewCapabilityRegistry()
	if err := methods.RegisterBuiltins(reg); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(reg); err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultStacksPath, "Experiment document path")
	dbPath := fs.String("db", "stackbench.db", "SQLite database path")
	outDir := fs.String("out", "results", "Report output directory")
	stackID := fs.String("stack", "", "Run only the named stack")
	workers := fs.Int("workers", 0, "Per-fold worker pool size; 0 keeps the document value")
	seed := fs.Int64("seed", 0, "Fold-shuffle seed; 0 keeps the document value")
	noStore := fs.Bool("no-store", false, "Skip database persistence")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, reg, err := loadAndValidate(*configPath)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}

	if *stackID != "" {
		def, ok := cfg.Stack(*stackID)
		if !ok {
			log.Fatalf("[config] no stack %q in %s", *stackID, *configPath)
		}
		cfg.Stacks = []stack.StackDefinition{def}
	}
	if *workers > 0 {
		cfg.Execution.Workers = workers
	}
	if *seed != 0 {
		cfg.Execution.Seed = seed
	}

	ds, err := dataset.Load(fsutil.OSFileSystem{}, dataset.FromGlobals(cfg.Global))
	if err != nil {
		log.Fatalf("[run] %v", err)
	}
	log.Printf("[run] loaded %d utterances from %s", ds.Len(), cfg.Global.DataPath)

	var store *db.RunStore
	if !*noStore {
		database, err := db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("[run] open database: %v", err)
		}
		defer database.Close()
		store = db.NewRunStore(database.DB)
	}

	runner := experiment.NewRunner(experiment.RunnerConfig{Store: store})
	res, err := runner.Run(ctx, cfg, *configPath, ds, reg)
	if err != nil {
		log.Fatalf("[run] %v", err)
	}

	writer := report.NewWriter(report.Config{
		OutDir:     *outDir,
		RankMetric: cfg.Evaluation.SegmentationMetrics[0],
	})
	if err := writer.Write(res); err != nil {
		log.Fatalf("[report] %v", err)
	}
}

func handleValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultStacksPath, "Experiment document path")
	fs.Parse(args)

	cfg, _, err := loadAndValidate(*configPath)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	fmt.Printf("%s: %d stacks, ok\n", *configPath, len(cfg.Stacks))
}

func handleMethods() {
	reg := stack.NewCapabilityRegistry()
	if err := methods.RegisterBuiltins(reg); err != nil {
		log.Fatalf("[config] register methods: %v", err)
	}
	kinds := []stack.StageKind{
		stack.StageVAD, stack.StageFeature, stack.StageAlignment, stack.StageScoring,
	}
	for _, kind := range kinds {
		fmt.Printf("%s:\n", kind)
		for _, name := range reg.Methods(kind) {
			fmt.Printf("  %s\n", name)
		}
	}
}

func handleReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	dbPath := fs.String("db", "stackbench.db", "SQLite database path")
	runID := fs.String("run", "", "Run id to render; empty picks the most recent run")
	outDir := fs.String("out", "results", "Report output directory")
	fs.Parse(args)

	database, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("[report] open database: %v", err)
	}
	defer database.Close()
	store := db.NewRunStore(database.DB)

	id := *runID
	if id == "" {
		runs, err := store.ListRuns(1)
		if err != nil {
			log.Fatalf("[report] list runs: %v", err)
		}
		if len(runs) == 0 {
			log.Fatalf("[report] no runs recorded in %s", *dbPath)
		}
		id = runs[0].RunID
	}

	run, err := store.GetRun(id)
	if err != nil {
		log.Fatalf("[report] %v", err)
	}
	table, err := store.LoadComparisonTable(id)
	if err != nil {
		log.Fatalf("[report] %v (run status %s)", err, run.Status)
	}

	writer := report.NewWriter(report.Config{OutDir: *outDir})
	if err := writer.Write(&experiment.Result{RunID: run.RunID, Table: table}); err != nil {
		log.Fatalf("[report] %v", err)
	}
}

func handleMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db", "stackbench.db", "SQLite database path")
	fs.Parse(args)

	if fs.NArg() < 1 {
		db.PrintMigrateHelp()
		os.Exit(1)
	}
	db.RunMigrateCommand(fs.Args(), *dbPath)
}
