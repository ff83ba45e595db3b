// Command dsctl is a thin administrative wrapper around pkg/store for
// standalone (non-embedded) use: creating a store directory, inspecting its
// root pointers, driving a pack pass by hand, toggling snapshot mode, and
// idling a store open with its metrics/health endpoints exposed.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/dirstore/pkg/dsconfig"
	"github.com/cuemby/dirstore/pkg/events"
	"github.com/cuemby/dirstore/pkg/fsprim"
	"github.com/cuemby/dirstore/pkg/log"
	"github.com/cuemby/dirstore/pkg/metrics"
	"github.com/cuemby/dirstore/pkg/pathmunge"
	"github.com/cuemby/dirstore/pkg/record"
	"github.com/cuemby/dirstore/pkg/replica"
	"github.com/cuemby/dirstore/pkg/store"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dsctl",
	Short:   "Administer a dirstore object revision store",
	Version: "dev",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replicaCmd)
	replicaCmd.AddCommand(replicaBuildCmd)
	replicaCmd.AddCommand(replicaApplyCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// noopRefs is the trivial reference extractor used when dsctl drives the
// engine standalone, with no object layer above it to walk pickles for
// cross-object references.
func noopRefs([]byte) ([]record.OID, error) { return nil, nil }

var createCmd = &cobra.Command{
	Use:   "create DIR",
	Short: "Initialize a new store directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		format, _ := cmd.Flags().GetString("format")
		class, _ := cmd.Flags().GetString("class")
		sync, _ := cmd.Flags().GetBool("sync")

		s := dsconfig.Default()
		s.Format = format
		s.ClassName = class
		s.UseDirSync = sync

		if err := dsconfig.Create(dir, s); err != nil {
			return fmt.Errorf("create store: %w", err)
		}

		fmt.Printf("✓ Store created: %s\n", dir)
		fmt.Printf("  Format: %s\n", s.Format)
		fmt.Printf("  Class: %s\n", s.ClassName)
		return nil
	},
}

func init() {
	createCmd.Flags().String("format", "bushy", "Path-munging scheme: flat, lawn, bushy, chunky")
	createCmd.Flags().String("class", "Full", "Storage class: Full, Minimal")
	createCmd.Flags().Bool("sync", true, "fsync directory entries after rename/unlink")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect DIR",
	Short: "Print a store's root pointers and snapshot state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		s, err := dsconfig.Load(settingsPath(dir))
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}

		e, err := store.New(dir, s, nil, noopRefs, nil)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		identity, err := dsconfig.ReadIdentity(dir)
		if err != nil {
			return fmt.Errorf("read identity: %w", err)
		}

		fmt.Printf("Store: %s\n", dir)
		fmt.Printf("  Identity: %s\n", identity)
		fmt.Printf("  Format: %s\n", s.Format)
		fmt.Printf("  Class: %s\n", s.ClassName)
		fmt.Printf("  Last transaction: %s\n", e.LastTransaction())
		fmt.Printf("  Snapshot active: %t\n", e.SnapshotCode() != "")
		if code := e.SnapshotCode(); code != "" {
			fmt.Printf("  Snapshot code: %s\n", code)
		}
		return nil
	},
}

var packCmd = &cobra.Command{
	Use:   "pack DIR",
	Short: "Run one pack pass against a store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		threshold, _ := cmd.Flags().GetDuration("threshold")

		s, err := dsconfig.Load(settingsPath(dir))
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		e, err := store.New(dir, s, nil, noopRefs, nil)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		cutoff := time.Now().Add(-threshold)
		fmt.Printf("Packing %s (threshold %s ago)...\n", dir, threshold)
		if err := e.Pack(cutoff, noopRefs); err != nil {
			return fmt.Errorf("pack: %w", err)
		}
		fmt.Println("✓ Pack complete")
		return nil
	},
}

func init() {
	packCmd.Flags().Duration("threshold", 24*time.Hour, "keep revisions newer than this long ago")
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot enter|leave DIR CODE",
	Short: "Enter or leave snapshot mode",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, dir, code := args[0], args[1], args[2]
		if action != "enter" && action != "leave" {
			return fmt.Errorf("action must be 'enter' or 'leave'")
		}

		s, err := dsconfig.Load(settingsPath(dir))
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		e, err := store.New(dir, s, nil, noopRefs, nil)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		if action == "enter" {
			if err := e.EnterSnapshot(code); err != nil {
				return fmt.Errorf("enter snapshot: %w", err)
			}
			fmt.Printf("✓ Snapshot %q entered\n", code)
			return nil
		}
		if err := e.LeaveSnapshot(code); err != nil {
			return fmt.Errorf("leave snapshot: %w", err)
		}
		fmt.Printf("✓ Snapshot %q left\n", code)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve DIR",
	Short: "Open a store and idle with metrics/health endpoints exposed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		s, err := dsconfig.Load(settingsPath(dir))
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		broker := events.NewBroker()
		e, err := store.New(dir, s, nil, noopRefs, broker)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		fmt.Printf("✓ Store opened: %s\n", dir)

		provider, ok := e.(metrics.StatsProvider)
		var collector *metrics.Collector
		if ok {
			collector = metrics.NewCollector(provider, 5*time.Second)
			collector.Start()
			defer collector.Stop()
		}

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Printf("✓ Health endpoint:  http://%s/health\n", metricsAddr)
		fmt.Println()
		fmt.Println("Store is open. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		if err := e.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address for the metrics/health HTTP server")
}

var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Build or apply incremental replication streams",
}

var replicaBuildCmd = &cobra.Command{
	Use:   "build DIR",
	Short: "Write an increment of everything committed since --since to --out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		sinceHex, _ := cmd.Flags().GetString("since")
		outPath, _ := cmd.Flags().GetString("out")

		since, err := record.ParseTID(sinceHex)
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}

		scheme, fs, err := openFilesystem(dir)
		if err != nil {
			return err
		}
		if err := replica.CheckNotPacked(dir, fs, scheme, since); err != nil {
			return err
		}
		inc, err := replica.Build(dir, fs, scheme, since)
		if err != nil {
			return fmt.Errorf("build increment: %w", err)
		}

		out, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		defer out.Close()
		if err := replica.Write(out, inc); err != nil {
			return fmt.Errorf("write increment: %w", err)
		}

		fmt.Printf("✓ Increment written: %s\n", outPath)
		fmt.Printf("  %s -> %s, %d files\n", inc.OldTID, inc.NewTID, len(inc.Files))
		return nil
	},
}

func init() {
	replicaBuildCmd.Flags().String("since", "0000000000000000", "last transaction the destination already holds")
	replicaBuildCmd.Flags().String("out", "replica.dsr", "output path for the increment stream")
}

var replicaApplyCmd = &cobra.Command{
	Use:   "apply DIR",
	Short: "Apply an increment written by 'replica build' into DIR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		inPath, _ := cmd.Flags().GetString("in")

		scheme, fs, err := openFilesystem(dir)
		if err != nil {
			return err
		}

		f, err := os.Open(inPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", inPath, err)
		}
		defer f.Close()
		inc, err := replica.Read(f)
		if err != nil {
			return fmt.Errorf("read increment: %w", err)
		}

		if err := replica.Apply(dir, fs, scheme, inc); err != nil {
			return fmt.Errorf("apply increment: %w", err)
		}

		fmt.Printf("✓ Increment applied: %s -> %s, %d files\n", inc.OldTID, inc.NewTID, len(inc.Files))
		return nil
	},
}

func init() {
	replicaApplyCmd.Flags().String("in", "replica.dsr", "input path for the increment stream")
}

func openFilesystem(dir string) (pathmunge.Scheme, fsprim.FS, error) {
	s, err := dsconfig.Load(settingsPath(dir))
	if err != nil {
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}
	scheme, err := pathmunge.Resolve(s.Format)
	if err != nil {
		return nil, nil, err
	}
	return scheme, fsprim.New(s.UseDirSync), nil
}

func settingsPath(dir string) string { return dir + "/config/settings" }
