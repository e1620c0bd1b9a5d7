// Command only1mcp runs the MCP reverse-proxy/aggregator server. Flag
// parsing is deliberately minimal (cobra's command-tree machinery has no
// second command to justify it here): a config path and a listen-address
// override, grounded on the standard flag package's own idiomatic
// single-command usage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/doublegate/Only1MCP-sub003/cmd/only1mcp/app"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("only1mcp", flag.ContinueOnError)
	configPath := fs.String("config", "only1mcp.yaml", "path to the config file (.yaml, .toml, or .json)")
	listen := fs.String("listen", "", "override the config file's listen_addr")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	err := app.Run(ctx, app.Options{
		ConfigPath:     *configPath,
		ListenOverride: *listen,
	})
	if err == nil {
		return 0
	}

	fmt.Fprintln(os.Stderr, "only1mcp:", err)

	var runErr *app.RunError
	if errors.As(err, &runErr) {
		switch runErr.Kind {
		case app.ErrKindConfig:
			return 2
		case app.ErrKindBind:
			return 3
		}
	}
	return 1
}
