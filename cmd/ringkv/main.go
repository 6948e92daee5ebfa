// Command ringkv runs one node of a ringkv cluster.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"ringkv/internal/config"
	"ringkv/internal/logging"
	"ringkv/internal/node"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ringkv:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	d := config.Default()
	return &cli.App{
		Name:  "ringkv",
		Usage: "run a sharded, replicated in-memory key-value node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: d.ListenAddr, Usage: "text protocol `ADDR`", EnvVars: []string{"RINGKV_LISTEN"}},
			&cli.StringFlag{Name: "advertise", Usage: "`ADDR` peers know this node by (default: bound listen address)", EnvVars: []string{"RINGKV_ADVERTISE"}},
			&cli.StringFlag{Name: "admin", Value: d.AdminAddr, Usage: "gRPC admin `ADDR`, empty to disable", EnvVars: []string{"RINGKV_ADMIN"}},
			&cli.StringFlag{Name: "peers", Usage: "comma-separated peer `host:port` list", EnvVars: []string{"RINGKV_PEERS"}},
			&cli.StringFlag{Name: "cluster", Usage: "YAML cluster `FILE` (replication_factor, hash, nodes)", EnvVars: []string{"RINGKV_CLUSTER"}},
			&cli.IntFlag{Name: "rf", Usage: "replication factor (default 2)", EnvVars: []string{"RINGKV_RF"}},
			&cli.StringFlag{Name: "hash", Usage: "ring hash: sha1 or xxhash (default sha1)", EnvVars: []string{"RINGKV_HASH"}},
			&cli.IntFlag{Name: "workers", Value: d.Workers, Usage: "max concurrently served connections", EnvVars: []string{"RINGKV_WORKERS"}},
			&cli.DurationFlag{Name: "forward-timeout", Value: d.ForwardTimeout, Usage: "bound on one forwarded round trip", EnvVars: []string{"RINGKV_FORWARD_TIMEOUT"}},
			&cli.DurationFlag{Name: "idle-timeout", Value: d.IdleTimeout, Usage: "close connections idle for this long", EnvVars: []string{"RINGKV_IDLE_TIMEOUT"}},
			&cli.StringFlag{Name: "replication", Value: d.ReplicationMode, Usage: "replica writes: async or sync", EnvVars: []string{"RINGKV_REPLICATION"}},
			&cli.BoolFlag{Name: "failover", Usage: "try replicas when the primary is unreachable", EnvVars: []string{"RINGKV_FAILOVER"}},
			&cli.StringFlag{Name: "log-level", Value: d.LogLevel, Usage: "debug, info, warn or error", EnvVars: []string{"RINGKV_LOG_LEVEL"}},
		},
		Action: run,
	}
}

func configFromFlags(c *cli.Context) (config.Config, error) {
	peers, err := config.ParsePeers(c.String("peers"))
	if err != nil {
		return config.Config{}, err
	}

	cfg := config.Config{
		ListenAddr:        c.String("listen"),
		AdvertiseAddr:     c.String("advertise"),
		AdminAddr:         c.String("admin"),
		Peers:             peers,
		ClusterFile:       c.String("cluster"),
		ReplicationFactor: c.Int("rf"),
		Hash:              c.String("hash"),
		Workers:           c.Int("workers"),
		ForwardTimeout:    c.Duration("forward-timeout"),
		IdleTimeout:       c.Duration("idle-timeout"),
		ReplicationMode:   c.String("replication"),
		ForwardFailover:   c.Bool("failover"),
		LogLevel:          c.String("log-level"),
	}

	if cfg.ClusterFile != "" {
		f, err := config.LoadClusterFile(cfg.ClusterFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Merge(f)
	}
	return cfg.WithDefaults(), nil
}

func run(c *cli.Context) error {
	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	n, err := node.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", n.Addr()).Str("admin", n.AdminAddr()).Int("peers", n.Ring().Len()-1).Msg("ringkv started")
	return n.Run(ctx)
}

