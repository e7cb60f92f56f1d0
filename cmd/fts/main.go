package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/danmuck/fts/internal/logging"
	"github.com/rs/zerolog"
)

// version is set by `go build -ldflags`.
var version = "dev"

// Globals apply to every command.
type Globals struct {
	Quiet   bool   `short:"q" help:"Only log errors."`
	Verbose int    `short:"v" type:"counter" help:"Log more (-v debug, -vv trace)."`
	LogFile string `name:"logfile" type:"path" placeholder:"FILE" help:"Also append JSON logs to FILE."`
	Home    string `env:"FTS_HOME" type:"path" help:"fts home directory (default ~/.fts)."`
}

type CLI struct {
	Globals

	Open    OpenCmd    `cmd:"" help:"Listen for incoming transfers."`
	Send    SendCmd    `cmd:"" help:"Send files to a peer."`
	Close   CloseCmd   `cmd:"" help:"Stop the running server."`
	Trust   TrustCmd   `cmd:"" help:"Manage pinned peer certificates."`
	Alias   AliasCmd   `cmd:"" help:"Manage named peers."`
	Cache   CacheCmd   `cmd:"" help:"Inspect and trim the resume cache."`
	ID      IDCmd      `cmd:"" name:"id" help:"Print this node's name and certificate fingerprint."`
	Version VersionCmd `cmd:"" help:"Print the fts version."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("fts"),
		kong.Description("Peer-to-peer file transfer with certificate pinning and resumable sessions."),
		kong.UsageOnError(),
	)
	if err := run(ctx, &cli, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fts: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *kong.Context, cli *CLI, out io.Writer) error {
	a, err := newApp(&cli.Globals, out)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.configureLogging(); err != nil {
		return err
	}
	return ctx.Run(a)
}

// logLevel lets -q and -v override the configured level.
func logLevel(g *Globals, configured string) zerolog.Level {
	switch {
	case g.Quiet:
		return zerolog.ErrorLevel
	case g.Verbose >= 2:
		return zerolog.TraceLevel
	case g.Verbose == 1:
		return zerolog.DebugLevel
	}
	if lvl, ok := logging.ParseLevel(configured); ok {
		return lvl
	}
	return zerolog.InfoLevel
}

type VersionCmd struct{}

func (c *VersionCmd) Run(a *app) error {
	_, err := fmt.Fprintf(a.out, "fts %s\n", version)
	return err
}
