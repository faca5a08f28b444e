package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/ccnode/pkg/config"
	"github.com/cuemby/ccnode/pkg/fileprep"
	_ "github.com/cuemby/ccnode/pkg/handlers/echo"
	_ "github.com/cuemby/ccnode/pkg/handlers/sleeper"
	"github.com/cuemby/ccnode/pkg/jobdb"
	"github.com/cuemby/ccnode/pkg/log"
	"github.com/cuemby/ccnode/pkg/node"
	"github.com/cuemby/ccnode/pkg/registry"
	"github.com/cuemby/ccnode/pkg/types"
	"github.com/cuemby/ccnode/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ccnode",
	Short: "ccnode runs the worker-node runtime",
	Long: `ccnode claims jobs from a shared job database, loads the handler
module each job names, stages its input files, executes it to
completion or cancellation, and reports state back to the database.

Many ccnode processes can run against the same job database; each is
independent and coordinates only through that shared store.`,
	Version: Version,
	RunE:    runNode,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ccnode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().IntP("num-workers", "n", config.NumCPU(), "Number of normal worker processes")
	rootCmd.Flags().String("name", config.Hostname(), "Node name used in worker identities")
	rootCmd.Flags().IntP("num-admin-workers", "a", 1, "Number of admin worker processes")
	rootCmd.Flags().Int("cpus", 0, "Override the detected CPU count (also scales reported telemetry)")
	rootCmd.Flags().Bool("list-modules", false, "Run handler discovery, print the supported set, and exit")
	rootCmd.Flags().StringP("modules", "m", "", "Comma-separated handler filter; literal 'any' disables filtering")
	rootCmd.Flags().StringP("module-paths", "p", "", "Comma-separated extra handler search directories")
	rootCmd.Flags().Bool("debug", false, "Verbose logging, equivalent to --log-level=debug")
	rootCmd.Flags().String("metrics-addr", ":9090", "Address to serve /metrics and /healthz on; empty disables it")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(workerRunCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	debug, _ := rootCmd.Flags().GetBool("debug")
	if debug {
		logLevel = "debug"
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runNode(cmd *cobra.Command, args []string) error {
	numWorkers, _ := cmd.Flags().GetInt("num-workers")
	name, _ := cmd.Flags().GetString("name")
	numAdmin, _ := cmd.Flags().GetInt("num-admin-workers")
	cpuOverride, _ := cmd.Flags().GetInt("cpus")
	listModules, _ := cmd.Flags().GetBool("list-modules")
	modulesCSV, _ := cmd.Flags().GetString("modules")
	modulePathsCSV, _ := cmd.Flags().GetString("module-paths")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	installRoot := config.InstallRoot()
	modulePaths := splitCSV(modulePathsCSV)
	moduleFilter := splitCSV(modulesCSV)

	if listModules {
		reg := registry.New()
		filter := toFilterSet(moduleFilter)
		found := reg.Discover(append([]string{"./modules", "./Modules", installRoot}, modulePaths...), filter)
		for _, name := range found {
			fmt.Println(name)
		}
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}

	ctrl := node.New(node.Config{
		Name:            name,
		NumWorkers:      numWorkers,
		NumAdminWorkers: numAdmin,
		CPUOverride:     cpuOverride,
		ModulePaths:     modulePaths,
		ModuleFilter:    moduleFilter,
		InstallRoot:     installRoot,
		DataDir:         filepath.Join(installRoot, "data"),
		SampleRate:      5 * time.Second,
		WorkerBinary:    self,
		MetricsAddr:     metricsAddr,
	})

	return ctrl.Run(context.Background())
}

func toFilterSet(modules []string) map[string]struct{} {
	if len(modules) == 0 {
		return nil
	}
	for _, m := range modules {
		if m == "any" {
			return nil
		}
	}
	set := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		set[m] = struct{}{}
	}
	return set
}

// workerRunCmd is the hidden re-exec target the node controller spawns
// one OS process per worker into. It is never meant to be invoked
// directly by an operator.
var workerRunCmd = &cobra.Command{
	Use:    "worker-run",
	Short:  "Run a single worker process (internal, spawned by the node controller)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerRunCmd.Flags().String("type", string(types.WorkerTypeNormal), "Worker type: normal or admin")
	workerRunCmd.Flags().Int("index", 0, "Worker pool slot index")
	workerRunCmd.Flags().String("name", config.Hostname(), "Node name")
	workerRunCmd.Flags().String("modules", "", "Comma-separated supported handler set")
	workerRunCmd.Flags().String("module-paths", "", "Comma-separated extra handler search directories")
	workerRunCmd.Flags().String("cc-dir", "", "Install root (CC_DIR)")
	workerRunCmd.Flags().String("job-socket", "", "Unix socket of the node controller's job store")
}

func runWorker(cmd *cobra.Command, args []string) error {
	typeStr, _ := cmd.Flags().GetString("type")
	index, _ := cmd.Flags().GetInt("index")
	name, _ := cmd.Flags().GetString("name")
	modulesCSV, _ := cmd.Flags().GetString("modules")
	modulePathsCSV, _ := cmd.Flags().GetString("module-paths")
	ccDir, _ := cmd.Flags().GetString("cc-dir")
	jobSocket, _ := cmd.Flags().GetString("job-socket")

	if ccDir == "" {
		ccDir = config.InstallRoot()
	}
	if jobSocket == "" {
		return fmt.Errorf("worker-run requires --job-socket (the node controller always sets this)")
	}

	dataDir := filepath.Join(ccDir, "data")
	tempDir := filepath.Join(ccDir, "tmp")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}

	// bbolt holds an exclusive lock on its file; the node controller is
	// the only process that opens it directly, so every worker talks to
	// it over this socket instead of opening its own BoltClient.
	db := jobdb.NewRPCClient(jobSocket)

	prep := fileprep.New(dataDir, tempDir)

	w := worker.New(worker.Config{
		Type:        types.WorkerType(typeStr),
		Index:       index,
		NodeName:    name,
		Supported:   splitCSV(modulesCSV),
		ModulePaths: splitCSV(modulePathsCSV),
		InstallRoot: ccDir,
	}, db, prep)

	ctx := context.Background()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		reg := registry.New()
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				found := reg.Discover(append([]string{"./modules", "./Modules", ccDir}, splitCSV(modulePathsCSV)...), nil)
				w.Reload(found)
			default:
				w.Stop()
				return
			}
		}
	}()

	log.Info("worker " + w.ID() + " starting (pid " + strconv.Itoa(os.Getpid()) + ")")
	return w.Run(ctx)
}
