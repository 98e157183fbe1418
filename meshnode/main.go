// Command meshnode runs one mesh node over Redis pub/sub, standing in for a
// radio board: every node of an experiment runs its own process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/config"
	"github.com/nel-eleven11/lora_mesh_lab/identity"
	"github.com/nel-eleven11/lora_mesh_lab/lib"
	"github.com/nel-eleven11/lora_mesh_lab/node"
	"github.com/nel-eleven11/lora_mesh_lab/observability"
	"github.com/nel-eleven11/lora_mesh_lab/topology"
	"github.com/nel-eleven11/lora_mesh_lab/transport"
	redistransport "github.com/nel-eleven11/lora_mesh_lab/transport/redis"
)

func main() {
	var cfgPath, experiment string
	var nodeID uint
	flag.StringVar(&cfgPath, "c", "", "config file")
	flag.StringVar(&experiment, "e", "", "experiment preset or topology file (overrides config)")
	flag.UintVar(&nodeID, "id", 0, "fallback node id (overrides config)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal("Error loading config: ", err)
	}
	if experiment != "" {
		cfg.Experiment, cfg.TopologyFile = experiment, ""
	}
	if nodeID != 0 {
		if int(nodeID) > cfg.MaxNodes {
			log.Fatalf("Error: -id %d outside [1,%d]", nodeID, cfg.MaxNodes)
		}
		cfg.NodeID = uint8(nodeID)
	}

	logger, closeLog, err := observability.Setup(cfg.Log, observability.Fields{
		Process:    "meshnode",
		Experiment: cfg.Topology(),
	})
	if err != nil {
		log.Fatal("Error setting up logger: ", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("node exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	topo, err := topology.Load(cfg.Topology())
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	store, err := identityStore(cfg, rdb)
	if err != nil {
		return err
	}
	id := identity.Resolve(ctx, store, lib.NodeID(cfg.NodeID), cfg.MaxNodes, logger)
	logger.Info("initializing node", zap.Stringer("id", id), zap.String("experiment", topo.Name))

	codec, err := transport.CodecByName(cfg.Redis.Codec)
	if err != nil {
		return err
	}
	tr, err := redistransport.New(rdb, id, redistransport.Options{
		Prefix: cfg.Redis.Prefix,
		Codec:  codec,
		Log:    observability.NodeLogger(logger, id),
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	ncfg := node.FromConfig(cfg)
	ncfg.Log = logger
	n, err := node.Build(topo, id, node.Deps{Transport: tr}, ncfg)
	if err != nil {
		return err
	}
	return n.Run(ctx)
}

func identityStore(cfg *config.Config, rdb *redis.Client) (lib.IdentityStore, error) {
	switch cfg.Identity.Backend {
	case "file":
		return identity.FileStore{Path: cfg.Identity.Path}, nil
	case "redis":
		host, _ := os.Hostname()
		return identity.RedisStore{Client: rdb, Key: cfg.Identity.Key + ":" + host}, nil
	case "memory":
		return identity.NewMemStore(identity.Unset), nil
	}
	return nil, fmt.Errorf("unknown identity backend %q", cfg.Identity.Backend)
}
