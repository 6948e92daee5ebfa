// Command ringctl talks to a ringkv cluster: key operations over the text
// protocol and ring administration over the gRPC admin service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"ringkv/internal/admin"
	"ringkv/internal/client"
	"ringkv/internal/config"
	"ringkv/internal/logging"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ringctl:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "ringctl",
		Usage:     "client and admin tool for ringkv",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Aliases: []string{"a"}, Value: "127.0.0.1:8080", Usage: "node to send key operations to", EnvVars: []string{"RINGKV_ADDR"}},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "per request timeout"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log connection activity to stderr"},
		},
		Commands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "store VALUE under KEY",
				ArgsUsage: "KEY VALUE",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return cli.Exit("usage: ringctl put KEY VALUE", 2)
					}
					return withClient(c, func(ctx context.Context, kv *client.Client) error {
						if err := kv.Put(ctx, c.Args().Get(0), c.Args().Get(1)); err != nil {
							return err
						}
						fmt.Fprintln(c.App.Writer, "OK")
						return nil
					})
				},
			},
			{
				Name:      "get",
				Usage:     "print the value stored under KEY",
				ArgsUsage: "KEY",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: ringctl get KEY", 2)
					}
					return withClient(c, func(ctx context.Context, kv *client.Client) error {
						v, err := kv.Get(ctx, c.Args().First())
						if errors.Is(err, client.ErrKeyNotFound) {
							fmt.Fprintln(c.App.Writer, "NOT_FOUND")
							return cli.Exit("", 1)
						}
						if err != nil {
							return err
						}
						fmt.Fprintln(c.App.Writer, v)
						return nil
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "remove KEY",
				ArgsUsage: "KEY",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: ringctl delete KEY", 2)
					}
					return withClient(c, func(ctx context.Context, kv *client.Client) error {
						if err := kv.Delete(ctx, c.Args().First()); err != nil {
							return err
						}
						fmt.Fprintln(c.App.Writer, "DELETED")
						return nil
					})
				},
			},
			{
				Name:  "demo",
				Usage: "put, get, delete and get one key",
				Action: func(c *cli.Context) error {
					return withClient(c, func(ctx context.Context, kv *client.Client) error {
						return demo(ctx, kv, c.App.Writer)
					})
				},
			},
			adminCommand(),
		},
	}
}

func adminCommand() *cli.Command {
	nodesFlag := &cli.StringFlag{
		Name:    "nodes",
		Value:   "127.0.0.1:9080",
		Usage:   "comma-separated admin endpoints; changes are applied to each",
		EnvVars: []string{"RINGKV_ADMIN_NODES"},
	}

	return &cli.Command{
		Name:  "admin",
		Usage: "inspect and change ring membership",
		Flags: []cli.Flag{nodesFlag},
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "add NODE (host:port of its text listener) to every ring",
				ArgsUsage: "NODE",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: ringctl admin add NODE", 2)
					}
					return eachAdmin(c, func(ctx context.Context, endpoint string, ac *admin.Client) error {
						info, err := ac.AddNode(ctx, c.Args().First())
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "%s: added %s:%d at %d\n", endpoint, info.Address, info.Port, info.Position)
						return nil
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "remove NODE from every ring",
				ArgsUsage: "NODE",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: ringctl admin remove NODE", 2)
					}
					return eachAdmin(c, func(ctx context.Context, endpoint string, ac *admin.Client) error {
						if err := ac.RemoveNode(ctx, c.Args().First()); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "%s: removed %s\n", endpoint, c.Args().First())
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "print each node's ring",
				Action: func(c *cli.Context) error {
					return eachAdmin(c, func(ctx context.Context, endpoint string, ac *admin.Client) error {
						info, err := ac.ListNodes(ctx)
						if err != nil {
							return err
						}
						printCluster(c.App.Writer, endpoint, info)
						return nil
					})
				},
			},
			{
				Name:      "locate",
				Usage:     "print the position, primary and replicas of KEY",
				ArgsUsage: "KEY",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: ringctl admin locate KEY", 2)
					}
					return eachAdmin(c, func(ctx context.Context, endpoint string, ac *admin.Client) error {
						loc, err := ac.Locate(ctx, c.Args().First())
						if err != nil {
							return err
						}
						printLocation(c.App.Writer, endpoint, loc)
						return nil
					})
				},
			},
		},
	}
}

func logger(c *cli.Context) zerolog.Logger {
	if !c.Bool("verbose") {
		return logging.Nop()
	}
	log, err := logging.New("debug", os.Stderr)
	if err != nil {
		return logging.Nop()
	}
	return log
}

func withClient(c *cli.Context, fn func(context.Context, *client.Client) error) error {
	timeout := c.Duration("timeout")
	kv := client.New(c.String("addr"), timeout, logger(c))

	ctx, cancel := context.WithTimeout(c.Context, timeout)
	defer cancel()
	return fn(ctx, kv)
}

func eachAdmin(c *cli.Context, fn func(context.Context, string, *admin.Client) error) error {
	endpoints, err := config.ParsePeers(c.String("nodes"))
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		return cli.Exit("no admin endpoints given", 2)
	}

	var failed []string
	for _, endpoint := range endpoints {
		if err := callAdmin(c, endpoint, fn); err != nil {
			fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", endpoint, err)
			failed = append(failed, endpoint)
		}
	}
	if len(failed) > 0 {
		return xerrors.Errorf("admin call failed on %s", strings.Join(failed, ", "))
	}
	return nil
}

func callAdmin(c *cli.Context, endpoint string, fn func(context.Context, string, *admin.Client) error) error {
	ac, err := admin.Dial(endpoint)
	if err != nil {
		return err
	}
	defer ac.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	return fn(ctx, endpoint, ac)
}

func demo(ctx context.Context, kv *client.Client, out io.Writer) error {
	const key, value = "name", "Alice"

	if err := kv.Put(ctx, key, value); err != nil {
		return xerrors.Errorf("put: %w", err)
	}
	fmt.Fprintf(out, "PUT %s %s -> OK\n", key, value)

	v, err := kv.Get(ctx, key)
	if err != nil {
		return xerrors.Errorf("get: %w", err)
	}
	fmt.Fprintf(out, "GET %s -> %s\n", key, v)

	if err := kv.Delete(ctx, key); err != nil {
		return xerrors.Errorf("delete: %w", err)
	}
	fmt.Fprintf(out, "DELETE %s -> DELETED\n", key)

	_, err = kv.Get(ctx, key)
	switch {
	case errors.Is(err, client.ErrKeyNotFound):
		fmt.Fprintf(out, "GET %s -> NOT_FOUND\n", key)
		return nil
	case err != nil:
		return xerrors.Errorf("get after delete: %w", err)
	default:
		return xerrors.Errorf("get after delete: %s still present", key)
	}
}

func printCluster(w io.Writer, endpoint string, info admin.ClusterInfo) {
	fmt.Fprintf(w, "%s (self %s:%d, rf %d)\n", endpoint, info.Self.Address, info.Self.Port, info.ReplicationFactor)
	for _, n := range info.Nodes {
		fmt.Fprintf(w, "  %10d  %s:%d  %s\n", n.Position, n.Address, n.Port, short(n.ID))
	}
}

func printLocation(w io.Writer, endpoint string, loc admin.LocationInfo) {
	fmt.Fprintf(w, "%s: key %q at %d\n", endpoint, loc.Key, loc.Position)
	for i, r := range loc.Replicas {
		role := "replica"
		if i == 0 {
			role = "primary"
		}
		fmt.Fprintf(w, "  %-8s %s:%d\n", role, r.Address, r.Port)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
