// Command raftd runs a single replicated-state-machine node: it loads
// config, opens durable storage, brings up the raft core, and serves the
// cluster control surface over HTTP.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raftwire/raftd/internal/config"
	"github.com/raftwire/raftd/internal/httpapi"
	"github.com/raftwire/raftd/internal/mailbox"
	"github.com/raftwire/raftd/internal/metrics"
	"github.com/raftwire/raftd/internal/node"
	"github.com/raftwire/raftd/internal/statemachine"
	"github.com/raftwire/raftd/internal/storage"
	"github.com/raftwire/raftd/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "raftd",
		Short: "raftd runs a single node of a replicated state machine cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

func run(configPath string) error {
	opts, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.ID == 0 {
		return fmt.Errorf("config: id must be set and non-zero")
	}
	if opts.DataDir == "" {
		opts.DataDir = "."
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	st, err := storage.Open(filepath.Join(opts.DataDir, "raft.db"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	inboundPreview := make(chan interface{}, 256)
	sender := transport.New(inboundPreview, logger, opts.MessageTimeout, opts.MessageMaxRetries)

	sm := statemachine.NewMemKV()

	cfg := node.Config{
		ID:               opts.ID,
		ElectionTick:     opts.ElectionTick,
		HeartbeatTick:    opts.HeartbeatTick,
		Heartbeat:        opts.LoopHeartbeat,
		SnapshotInterval: opts.SnapshotInterval,
		Storage:          st,
		SM:               sm,
		Sender:           sender,
		Metrics:          m,
		Logger:           logger,
	}

	var n *node.Node
	if opts.JoinAddr == "" {
		n, err = node.NewLeader(cfg)
	} else {
		n, err = node.NewFollower(cfg)
	}
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	forwardUnreachable(inboundPreview, n)

	mb := mailbox.New(n.ID(), n.Inbound(), opts.ProposalTimeout)
	api := httpapi.New(n, mb, logger)

	mux := api.Router()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	done := make(chan struct{})
	go n.Run(done)

	if opts.JoinAddr != "" {
		go joinCluster(opts, logger)
	}

	srv := &http.Server{Addr: opts.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	logger.Info("raftd started", zap.Uint64("id", opts.ID), zap.String("listen_addr", opts.ListenAddr))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	close(done)
	return srv.Close()
}

// forwardUnreachable relays the transport's unreachable reports onto the
// node's own inbound channel, since the Sender and the Node are built
// independently during bootstrap but need to be wired together.
func forwardUnreachable(preview <-chan interface{}, n *node.Node) {
	go func() {
		for ev := range preview {
			n.Inbound() <- ev
		}
	}()
}

// joinCluster admits this node, under its own pre-assigned id, into the
// cluster reachable at opts.JoinAddr. It targets /raft/add-node directly
// (rather than /join, which dynamically reserves an id) because this
// node's id is already fixed by its own config and must match what the
// cluster's committed AddNode entry carries.
func joinCluster(opts config.Options, logger *zap.Logger) {
	payload, _ := json.Marshal(map[string]interface{}{"id": opts.ID, "addr": opts.ListenAddr})

	resp, err := http.Post(
		fmt.Sprintf("http://%s/raft/add-node", opts.JoinAddr),
		"application/json",
		bytes.NewReader(payload),
	)
	if err != nil {
		logger.Error("join request failed", zap.Error(err), zap.String("join_addr", opts.JoinAddr))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("join request rejected", zap.Int("status", resp.StatusCode))
		return
	}
	logger.Info("joined existing cluster", zap.Uint64("id", opts.ID), zap.String("join_addr", opts.JoinAddr))
}
