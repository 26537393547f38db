package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/evikser/spin-node/pkg/dashboard"
	"github.com/evikser/spin-node/pkg/node"
	"github.com/evikser/spin-node/pkg/rpc"
	"github.com/evikser/spin-node/pkg/storage"
)

const (
	configFileKey    = "config"
	versionKey       = "version"
	logLevelKey      = "log-level"
	dataDirKey       = "data-dir"
	engineKey        = "engine"
	syncWritesKey    = "sync-writes"
	batchSizeKey     = "batch-size"
	blockIntervalKey = "block-interval"
	maxPoolSizeKey   = "max-pool-size"
	maxCallDepthKey  = "max-call-depth"
	minSegmentPo2Key = "min-segment-po2"
	maxSegmentPo2Key = "max-segment-po2"
	programCacheKey  = "program-cache-size"
	rpcAddrKey       = "rpc-addr"
	enableRPCKey     = "enable-rpc"
	manualProduceKey = "manual-production"
	corsOriginsKey   = "cors-origins"
	logRequestsKey   = "log-requests"
	snapshotDirKey   = "snapshot-dir"
	uncompressedKey  = "snapshot-uncompressed"
	dashboardKey     = "dashboard"
	dashboardBindKey = "dashboard-bind"
	dashboardPortKey = "dashboard-port"
	envPrefix        = "SPIN"
)

func buildFlagSet() *pflag.FlagSet {
	nodeDefaults := node.DefaultConfig()
	rpcDefaults := rpc.DefaultConfig()
	dashDefaults := dashboard.DefaultConfig()

	fs := pflag.NewFlagSet("spin-node", pflag.ContinueOnError)

	fs.String(configFileKey, "", "Optional config file (yaml, toml or json)")
	fs.Bool(versionKey, false, "Print version and exit")
	fs.String(logLevelKey, "info", "Log level: debug, info, warn, error")

	fs.String(dataDirKey, nodeDefaults.DataDir, "Data directory for chain state")
	fs.String(engineKey, string(nodeDefaults.Engine), "State backend: badger, bolt, memory")
	fs.Bool(syncWritesKey, false, "Fsync every block commit")
	fs.Int(batchSizeKey, nodeDefaults.BatchSize, "Maximum transactions per block")
	fs.Duration(blockIntervalKey, time.Second, "Block production period (0 = manual only)")
	fs.Int(maxPoolSizeKey, nodeDefaults.MaxPoolSize, "Maximum pending transactions")
	fs.Int(maxCallDepthKey, nodeDefaults.MaxCallDepth, "Maximum nested contract call depth")
	fs.Uint8(minSegmentPo2Key, nodeDefaults.MinSegmentPo2, "Smallest segment size as a power of two")
	fs.Uint8(maxSegmentPo2Key, nodeDefaults.MaxSegmentPo2, "Largest segment size as a power of two")
	fs.Int(programCacheKey, nodeDefaults.ProgramCacheSize, "Decoded program cache entries")

	fs.Bool(enableRPCKey, true, "Enable JSON-RPC server")
	fs.String(rpcAddrKey, rpcDefaults.Addr, "RPC server listen address")
	fs.Bool(manualProduceKey, rpcDefaults.ManualProduction, "Allow produceBlock over RPC")
	fs.StringSlice(corsOriginsKey, nil, "Allowed CORS origins (empty = any)")
	fs.Bool(logRequestsKey, false, "Log every RPC request")

	fs.Bool(dashboardKey, false, "Serve the web dashboard")
	fs.String(dashboardBindKey, dashDefaults.BindAddress, "Dashboard bind address")
	fs.Int(dashboardPortKey, dashDefaults.Port, "Dashboard port")

	fs.String(snapshotDirKey, "", "Snapshot directory (default <data-dir>/snapshots)")
	fs.Bool(uncompressedKey, false, "Write snapshots as plain tar")

	return fs
}

// getViper parses args and layers flags over SPIN_* environment variables
// and an optional config file.
func getViper(args []string) (*viper.Viper, []string, error) {
	v := viper.New()

	fs := buildFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(configFileKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return v, fs.Args(), nil
}

func nodeConfigFromViper(v *viper.Viper) node.Config {
	cfg := node.DefaultConfig()
	cfg.DataDir = v.GetString(dataDirKey)
	cfg.Engine = storage.Engine(v.GetString(engineKey))
	cfg.SyncWrites = v.GetBool(syncWritesKey)
	cfg.BatchSize = v.GetInt(batchSizeKey)
	cfg.BlockInterval = v.GetDuration(blockIntervalKey)
	cfg.MaxPoolSize = v.GetInt(maxPoolSizeKey)
	cfg.MaxCallDepth = v.GetInt(maxCallDepthKey)
	cfg.MinSegmentPo2 = uint8(v.GetUint(minSegmentPo2Key))
	cfg.MaxSegmentPo2 = uint8(v.GetUint(maxSegmentPo2Key))
	cfg.ProgramCacheSize = v.GetInt(programCacheKey)
	return cfg
}

func rpcConfigFromViper(v *viper.Viper) rpc.Config {
	cfg := rpc.DefaultConfig()
	cfg.Addr = v.GetString(rpcAddrKey)
	cfg.ManualProduction = v.GetBool(manualProduceKey)
	cfg.AllowedOrigins = v.GetStringSlice(corsOriginsKey)
	cfg.LogRequests = v.GetBool(logRequestsKey)
	return cfg
}

func dashboardConfigFromViper(v *viper.Viper) dashboard.Config {
	cfg := dashboard.DefaultConfig()
	cfg.BindAddress = v.GetString(dashboardBindKey)
	cfg.Port = v.GetInt(dashboardPortKey)
	return cfg
}
