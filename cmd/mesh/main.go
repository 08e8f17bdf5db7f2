package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xProject/mesh-go/node"
)

// Version is set at build time.
var Version = "0.1.0-dev"

func main() {
	startFlags := flag.NewFlagSet("mesh start", flag.ExitOnError)
	var (
		repo      = startFlags.String("repo", "", "file system path to persist synced orders (empty keeps them in memory)")
		bootstrap = startFlags.String("bootstrap", "", "comma separated bootstrap addresses with /p2p/ peer ids, overriding the built-in list")
		logLevel  = startFlags.String("log-level", "info", "log level: trace, debug, info, warn or error")
	)

	startCmd := &ffcli.Command{
		Name:       "start",
		ShortUsage: "mesh start [flags]",
		ShortHelp:  "Join the order distribution network and sync the order set",
		LongHelp: strings.TrimSpace(`

The 'mesh start' command runs a passive network node: it discovers peers over
mDNS and the Kademlia DHT, subscribes to the order gossip topic, and catches
up on the existing order set from the first peer advertising the order sync
protocol. The node keeps running until interrupted.

`),
		FlagSet: startFlags,
		Exec: func(ctx context.Context, args []string) error {
			return runStart(ctx, *repo, *bootstrap, *logLevel)
		},
	}

	versionCmd := &ffcli.Command{
		Name:       "version",
		ShortUsage: "mesh version",
		ShortHelp:  "Show version information",
		Exec: func(ctx context.Context, args []string) error {
			fmt.Println("mesh", Version)
			return nil
		},
	}

	root := &ffcli.Command{
		ShortUsage:  "mesh <subcommand> [flags]",
		Subcommands: []*ffcli.Command{startCmd, versionCmd},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil && err != flag.ErrHelp {
		log.Error().Err(err).Msg("mesh exited with an error")
		os.Exit(1)
	}
}

func runStart(ctx context.Context, repo, bootstrap, logLevel string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Str("version", Version).Msg("mesh starting")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := node.Options{RepoPath: repo}
	if bootstrap != "" {
		opts.Bootstrap = strings.Split(bootstrap, ",")
	}

	nd, err := node.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	if err := nd.Start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	// Blocks until SIGINT or SIGTERM, then logs final statistics.
	if err := nd.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("mesh stopping normally")
	return nil
}
