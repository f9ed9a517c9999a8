package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockvault/bvault/pkg/actor"
	"github.com/blockvault/bvault/pkg/captain"
	"github.com/blockvault/bvault/pkg/config"
	"github.com/blockvault/bvault/pkg/log"
	"github.com/blockvault/bvault/pkg/storage"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "bvaultd",
	Short:   "bvaultd supervises pools, snapshot schedules, and syncs for a set of local BTRFS filesystems",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("bvaultd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the captain process in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		runtimeDir, _ := cmd.Flags().GetString("runtime-dir")
		volumeBinary, _ := cmd.Flags().GetString("volume-binary")
		dedupBinary, _ := cmd.Flags().GetString("dedup-binary")

		configStore, err := config.NewFileStore(dataDir)
		if err != nil {
			return fmt.Errorf("bvaultd: creating config store: %w", err)
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("bvaultd: opening state store: %w", err)
		}
		defer store.Close()

		root := actor.Spawn("captain", captain.New(captain.Config{
			DataDir:      dataDir,
			RuntimeDir:   runtimeDir,
			ConfigStore:  configStore,
			Store:        store,
			VolumeBinary: volumeBinary,
			DedupBinary:  dedupBinary,
		}))

		log.Logger.Info().Str("data_dir", dataDir).Str("runtime_dir", runtimeDir).Msg("bvaultd running")

		rootDead := make(chan struct{})
		go func() {
			root.Wait()
			close(rootDead)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-rootDead:
			// The captain never runs to completion on its own: reaching here
			// without a signal means it could not start.
			return fmt.Errorf("bvaultd: captain failed to start: %s", root.Status())
		case <-sigCh:
		}

		log.Logger.Info().Msg("shutting down")
		root.Stop()

		select {
		case <-rootDead:
		case <-time.After(30 * time.Second):
			log.Logger.Warn().Msg("shutdown timed out waiting for captain to stop")
		}

		return nil
	},
}

func init() {
	runCmd.Flags().String("data-dir", "/var/lib/bvaultd", "Directory holding entities.json and the crash-recovery database")
	runCmd.Flags().String("runtime-dir", "/run/bvaultd", "Directory holding the status socket")
	runCmd.Flags().String("volume-binary", "btrfs", "Name or path of the BTRFS command-line tool")
	runCmd.Flags().String("dedup-binary", "restic", "Name or path of the dedup backup command-line tool")
}
