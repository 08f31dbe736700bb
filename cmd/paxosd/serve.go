package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kvquorum/paxosd"
	"github.com/kvquorum/paxosd/internal/config"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start one node of the cluster and read newline-delimited ops from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(v)
		},
	}

	flags := cmd.Flags()
	flags.Int("self", 0, "this node's index into --peers")
	flags.StringSlice("peers", nil, "host:port for every node, in index order")
	flags.Bool("debug", false, "enable debug-level logging")
	flags.Bool("metrics", false, "register Prometheus metrics with the default registry (no HTTP endpoint is served)")

	v.BindPFlag("self", flags.Lookup("self"))
	v.BindPFlag("peers", flags.Lookup("peers"))
	v.BindPFlag("debug", flags.Lookup("debug"))
	v.BindPFlag("metrics", flags.Lookup("metrics"))
	v.SetEnvPrefix("paxosd")
	v.AutomaticEnv()

	return cmd
}

func runServe(v *viper.Viper) error {
	level := zerolog.InfoLevel
	if v.GetBool("debug") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	peerAddrs := v.GetStringSlice("peers")
	if len(peerAddrs) == 0 {
		return fmt.Errorf("paxosd: --peers must list at least one host:port")
	}
	self := v.GetInt("self")

	cfg := config.Default()
	cfg.Self = self
	for _, addr := range peerAddrs {
		cfg.Peers = append(cfg.Peers, config.Peer{Addr: strings.TrimSpace(addr)})
	}

	var opts []paxosd.Option
	opts = append(opts, paxosd.WithLogger(log))
	if v.GetBool("metrics") {
		opts = append(opts, paxosd.WithMetricsRegistry(prometheus.DefaultRegisterer, "paxosd"))
	}

	machine := newIntsetMachine()
	node, err := paxosd.New(self, cfg, intsetCodec{}, machine.Apply, opts...)
	if err != nil {
		return fmt.Errorf("paxosd: construct node: %w", err)
	}
	node.Start()
	defer func() {
		if err := node.Teardown(); err != nil {
			log.Error().Err(err).Msg("teardown reported errors")
		}
	}()

	log.Info().Int("self", self).Strs("peers", peerAddrs).Msg("node started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go readCommands(ctx, log, node)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// readCommands parses "set N", "add N", "get" lines from stdin and submits
// each as a replicated operation, logging the result.
func readCommands(ctx context.Context, log zerolog.Logger, node *paxosd.Consensus) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		op, err := parseCommand(line)
		if err != nil {
			log.Warn().Err(err).Str("line", line).Msg("ignoring malformed command")
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		result, err := node.Request(reqCtx, encodeOp(op))
		cancel()
		if err != nil {
			log.Error().Err(err).Str("line", line).Msg("request failed")
			continue
		}
		log.Info().Str("result", string(result)).Msg("applied")
	}
}

func parseCommand(line string) (intsetOp, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return intsetOp{}, fmt.Errorf("empty command")
	}
	switch fields[0] {
	case "get":
		return intsetOp{Kind: "get"}, nil
	case "set", "add":
		if len(fields) != 2 {
			return intsetOp{}, fmt.Errorf("%s requires exactly one integer argument", fields[0])
		}
		var n int
		if _, err := fmt.Sscanf(fields[1], "%d", &n); err != nil {
			return intsetOp{}, fmt.Errorf("%s: %w", fields[0], err)
		}
		return intsetOp{Kind: fields[0], Value: n}, nil
	default:
		return intsetOp{}, fmt.Errorf("unknown command %q", fields[0])
	}
}
