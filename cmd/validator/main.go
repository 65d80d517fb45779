package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotaledger/corestate/internal/congestion"
	"github.com/iotaledger/corestate/internal/consensus"
	"github.com/iotaledger/corestate/internal/lockmanager"
	"github.com/iotaledger/corestate/internal/objectstore"
	"github.com/iotaledger/corestate/internal/raftengine"
	"github.com/iotaledger/corestate/pkg/config"
	"github.com/iotaledger/corestate/pkg/log"
	"github.com/iotaledger/corestate/pkg/metrics"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
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
	Use:     "validator",
	Short:   "corestate validator node core",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("validator version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: parseLevel(level), JSONOutput: jsonOut})
}

func parseLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// runCmd starts the validator core: perpetual object store, lock manager,
// congestion tracker, consensus handler, and the Raft engine that totally
// orders commits into the handler. Out-of-scope collaborators named in
// spec.md §6 (JSON-RPC/REST serving, the transaction manager's execution
// engine, state-sync publishing) are not started here; this command brings
// up exactly the four components §2 assigns to this core.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the validator core",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg := config.Default()
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		epochID, _ := cmd.Flags().GetUint64("epoch")
		if cfg.RaftNodeID == "" {
			// No identity configured: mint one for this process lifetime
			// rather than refusing to start, matching the teacher's
			// single-binary-no-ceremony bootstrap posture.
			cfg.RaftNodeID = uuid.NewString()
			log.Logger.Warn().Str("node_id", cfg.RaftNodeID).Msg("no raft_node_id configured, generated one")
		}

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		store, err := objectstore.Open(cfg.DataDir, objectstore.Config{
			IndirectObjectsThreshold: cfg.IndirectObjectsThreshold,
			EnableConservationCheck:  cfg.EnableEpochIotaConservationCheck,
		})
		if err != nil {
			return fmt.Errorf("open object store: %w", err)
		}
		defer store.Close()

		locks := lockmanager.New(store)
		_ = locks // exposed to the (out-of-scope) RPC submit-transaction path

		handler, err := consensus.New(store, consensus.Config{
			CongestionMode:                parseCongestionMode(cfg.PerObjectCongestionControlMode),
			AssignMinFreeExecutionSlot:    cfg.AssignMinFreeExecutionSlot,
			MaxExecutionDurationPerCommit: cfg.MaxExecutionDurationPerCommit,
			ProcessedCacheCapacity:        cfg.ProcessedCacheCapacity,
			PostConsensusChannelDepth:     cfg.PostConsensusChannelDepth,
		})
		if err != nil {
			return fmt.Errorf("construct consensus handler: %w", err)
		}

		engine, err := raftengine.New(raftengine.Config{
			NodeID:   cfg.RaftNodeID,
			BindAddr: cfg.RaftBindAddr,
			DataDir:  cfg.DataDir + "/raft",
		}, handler)
		if err != nil {
			return fmt.Errorf("construct raft engine: %w", err)
		}

		if len(cfg.RaftPeers) == 0 {
			if err := engine.Bootstrap(); err != nil {
				return fmt.Errorf("bootstrap raft committee: %w", err)
			}
		} else {
			if err := engine.Join(); err != nil {
				return fmt.Errorf("join raft committee: %w", err)
			}
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

		// Drain executable transactions into a no-op scheduler: handing
		// transactions to an actual execution engine is out of this core's
		// scope (spec.md §1), but the channel must still be drained so
		// HandleCommit never blocks on a full bounded channel.
		go func() {
			for tx := range handler.Transactions() {
				log.Logger.Debug().
					Str("key", tx.Key).
					Uint64("round", tx.Indices.LastCommittedRound).
					Msg("transaction ready for execution")
			}
		}()

		if cfg.EnableEpochIotaConservationCheck {
			go runConservationLoop(store)
		}

		log.Logger.Info().
			Uint64("epoch", epochID).
			Str("node_id", cfg.RaftNodeID).
			Msg("validator core running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Logger.Info().Msg("shutting down")

		if err := engine.Shutdown(); err != nil {
			log.Logger.Warn().Err(err).Msg("raft shutdown error")
		}
		return nil
	},
}

// runConservationLoop runs the end-of-epoch conservation check on a fixed
// cadence. In production this is triggered by epoch-boundary reconfiguration
// events, not a timer; the timer stands in for that out-of-scope trigger.
func runConservationLoop(store *objectstore.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		if err := store.CheckIotaConservation(0, 8); err != nil {
			log.Logger.Error().Err(err).Msg("conservation check failed")
		}
	}
}

func parseCongestionMode(m config.CongestionMode) congestion.Mode {
	switch m {
	case config.CongestionModeTotalGasBudget:
		return congestion.ModeTotalGasBudget
	case config.CongestionModeTotalTxCount:
		return congestion.ModeTotalTxCount
	default:
		return congestion.ModeNone
	}
}

func init() {
	runCmd.Flags().Uint64("epoch", 0, "Epoch ID this process is starting in")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
}
