// Command runqueue-cli is a thin command-line client over the façade
// protocol: every subcommand connects, issues one call, prints the result,
// and disconnects. It exists to exercise rqclient.Client from outside a
// test binary and to give operators a way to poke a running server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/backend/internal/queueitem"
	"github.com/ocx/backend/internal/rqclient"
	"github.com/ocx/backend/internal/rqconfig"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := rqconfig.Get()
	client := rqclient.New(rqclient.Config{
		Host:            cfg.Client.Host,
		Port:            cfg.Client.Port,
		Password:        cfg.Security.SharedPassword,
		CallTimeout:     time.Duration(cfg.Client.CallTimeoutMs) * time.Millisecond,
		LogFetchTimeout: time.Duration(cfg.Client.LogFetchTimeoutMs) * time.Millisecond,
		Logger:          slog.Default(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "runqueue-cli: connect: %v\n", err)
		os.Exit(1)
	}
	defer client.Disconnect()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "add":
		err = cmdAdd(ctx, client, args)
	case "list":
		err = cmdList(ctx, client)
	case "cancel":
		err = cmdDoAction(ctx, client, args, queueitem.ActionCancel)
	case "stop":
		err = cmdDoAction(ctx, client, args, queueitem.ActionStop)
	case "delete":
		err = cmdDoAction(ctx, client, args, queueitem.ActionDelete)
	case "start-auto":
		err = client.StartAutoprocessing(ctx)
	case "stop-auto":
		err = client.StopAutoprocessing(ctx)
	case "log":
		err = cmdLog(ctx, client, args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "runqueue-cli: %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: runqueue-cli <command> [args]

commands:
  add <name> <command line>    queue a new item running the given shell command
  list                         print the queue order and every item's status
  cancel <id>                  cancel a queued item
  stop <id>                    stop a running item
  delete <id>                  delete a terminal item
  start-auto                   enable autoprocessing
  stop-auto                    disable autoprocessing
  log <id>                     print an item's captured log tail`)
}

func cmdAdd(ctx context.Context, c *rqclient.Client, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: add <name> <command line>")
	}
	name := rest[0]
	config := strings.Join(rest[1:], " ")
	id, err := c.Add(ctx, name, []byte(config))
	if err != nil {
		return err
	}
	fmt.Printf("queued item %d\n", id)
	return nil
}

func cmdList(ctx context.Context, c *rqclient.Client) error {
	queue, err := c.QueueSnapshot(ctx)
	if err != nil {
		return err
	}
	items, err := c.ItemsSnapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Println("queue order:", queue)
	for id, it := range items {
		fmt.Printf("  [%d] %-20s %s\n", id, it.Name, it.Status)
	}
	return nil
}

func cmdDoAction(ctx context.Context, c *rqclient.Client, args []string, action queueitem.Action) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <id>", strings.ToLower(string(action)))
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	return c.DoAction(ctx, id, action)
}

func cmdLog(ctx context.Context, c *rqclient.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: log <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	out, ts, err := c.CommandLineOutput(ctx, id, 64*1024, -1)
	if err != nil {
		return err
	}
	fmt.Printf("--- log for item %d (as of %s) ---\n%s\n", id, ts.Format(time.RFC3339), out)
	return nil
}
