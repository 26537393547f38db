// spin-node: a single-node chain that executes sBPF contracts.
//
// Usage:
//
//	spin-node [flags]                        run the node and its JSON-RPC server
//	spin-node snapshot export [flags]        write a state snapshot
//	spin-node snapshot import [path] [flags] restore a snapshot into an empty data dir
//	spin-node verify [flags]                 re-execute the stored chain and compare state
//
// Every flag can also be set through a SPIN_* environment variable
// (SPIN_DATA_DIR, SPIN_RPC_ADDR, ...) or a --config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/dashboard"
	"github.com/evikser/spin-node/pkg/node"
	"github.com/evikser/spin-node/pkg/replay"
	"github.com/evikser/spin-node/pkg/rpc"
	"github.com/evikser/spin-node/pkg/snapshot"
	"github.com/evikser/spin-node/pkg/spinvm/executor"
	"github.com/evikser/spin-node/pkg/storage"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

const statusInterval = 10 * time.Second

func main() {
	v, args, err := getViper(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "couldn't get config: %s\n", err)
		os.Exit(2)
	}

	if v.GetBool(versionKey) {
		fmt.Printf("spin-node %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	if err := setupLogging(v.GetString(logLevelKey)); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(2)
	}

	switch {
	case len(args) == 0:
		err = runNode(v)
	case args[0] == "snapshot":
		err = runSnapshot(v, args[1:])
	case args[0] == "verify":
		err = runVerify(v)
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		log.Crit("spin-node failed", "err", err)
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat())))
	return nil
}

func runNode(v *viper.Viper) error {
	cfg := nodeConfigFromViper(v)
	cfg.OnBlockProduced = func(block *chain.Block) {
		log.Debug("block committed", "height", block.Height, "hash", block.Hash, "txs", len(block.Transactions))
	}
	cfg.OnError = func(err error) {
		log.Warn("block production failed", "err", err)
	}

	n, err := node.New(&cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	log.Info("starting spin-node", "version", Version, "engine", cfg.Engine,
		"data_dir", cfg.DataDir, "height", n.LatestBlock().Height)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if err := n.Start(gctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	if v.GetBool(enableRPCKey) {
		server := rpc.New(rpcConfigFromViper(v), n)
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	if v.GetBool(dashboardKey) {
		dash, err := dashboard.New(dashboardConfigFromViper(v), n)
		if err != nil {
			return fmt.Errorf("create dashboard: %w", err)
		}
		g.Go(func() error {
			return dash.Start(gctx)
		})
	}

	// Print status periodically
	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				st := n.Status()
				log.Info("status", "height", st.Height, "pending", st.PendingTxs,
					"blocks", st.BlocksProduced, "txs", st.TxsProcessed, "failed", st.TxsFailed)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := n.Stop(); err != nil && !errors.Is(err, node.ErrNotRunning) {
			return err
		}
		return nil
	})

	err = g.Wait()
	st := n.Status()
	log.Info("spin-node stopped", "height", st.Height, "blocks", st.BlocksProduced, "uptime", st.Uptime)
	return err
}

func runSnapshot(v *viper.Viper, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: spin-node snapshot export|import [path]")
	}

	cfg := nodeConfigFromViper(v)
	if cfg.Engine == storage.EngineMemory {
		return errors.New("snapshots need a persistent engine")
	}
	dir := v.GetString(snapshotDirKey)
	if dir == "" {
		dir = filepath.Join(cfg.DataDir, "snapshots")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.Open(cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Engine, err)
	}
	defer store.Close()

	switch args[0] {
	case "export":
		opts := snapshot.DefaultOptions()
		opts.Uncompressed = v.GetBool(uncompressedKey)
		path, result, err := snapshot.ExportFile(store, dir, opts)
		if err != nil {
			return err
		}
		log.Info("snapshot written", "path", path, "height", result.Height,
			"entries", result.Entries, "state_hash", result.StateHash)
		return nil

	case "import":
		var path string
		if len(args) > 1 {
			path = args[1]
		} else {
			latest, err := snapshot.FindLatestSnapshot(dir)
			if err != nil {
				return fmt.Errorf("find snapshot in %s: %w", dir, err)
			}
			path = latest.Path
		}
		result, err := snapshot.ImportFile(store, path)
		if err != nil {
			return err
		}
		log.Info("snapshot restored", "path", path, "height", result.Height,
			"entries", result.Entries, "latest_hash", result.LatestHash)
		return nil

	default:
		return fmt.Errorf("unknown snapshot command %q", args[0])
	}
}

// runVerify replays the stored chain into memory and checks that every block
// and the final state come out identical.
func runVerify(v *viper.Viper) error {
	cfg := nodeConfigFromViper(v)
	if cfg.Engine == storage.EngineMemory {
		return errors.New("verify needs a persistent engine")
	}
	source, err := storage.Open(cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Engine, err)
	}
	defer source.Close()

	exec, err := executor.New(cfg.ExecutorConfig())
	if err != nil {
		return err
	}
	target, err := storage.Open(storage.Config{Engine: storage.EngineMemory})
	if err != nil {
		return fmt.Errorf("open replay target: %w", err)
	}
	defer target.Close()

	rcfg := replay.DefaultConfig()
	rcfg.OnBlockComplete = func(res *replay.BlockResult) {
		log.Debug("block verified", "height", res.Height, "hash", res.Hash,
			"txs", len(res.Transactions), "failed", res.Failed)
	}
	replayer, err := replay.New(source, target, exec, rcfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if _, err := replayer.ReplayAll(ctx); err != nil {
		return err
	}
	hash, err := replayer.Verify()
	if err != nil {
		return err
	}
	stats := replayer.Stats()
	log.Info("chain verified", "height", stats.CurrentHeight, "blocks", stats.BlocksReplayed,
		"txs", stats.TxsReplayed, "state_hash", hash, "elapsed", time.Since(start))
	return nil
}
