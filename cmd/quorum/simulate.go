package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/witnz/quorum/internal/config"
	"github.com/witnz/quorum/internal/node"
	"github.com/witnz/quorum/internal/operation"
	"github.com/witnz/quorum/internal/orchestrator"
	"github.com/witnz/quorum/internal/transport"
	"github.com/witnz/quorum/internal/types"
)

const (
	sloMeanLatency = 50 * time.Millisecond
	sloP99Latency  = 100 * time.Millisecond
)

var (
	simNodes       int
	simOps         int
	simConcurrency int
	simFaulty      int
	simDelay       time.Duration
)

func init() {
	simulateCmd.Flags().IntVar(&simNodes, "nodes", 4, "cluster size")
	simulateCmd.Flags().IntVar(&simOps, "ops", 200, "container operations to submit")
	simulateCmd.Flags().IntVar(&simConcurrency, "concurrency", 8, "operations in flight at once")
	simulateCmd.Flags().IntVar(&simFaulty, "faulty", 0, "members to silence, at most f")
	simulateCmd.Flags().DurationVar(&simDelay, "delay", 0, "delivery delay between members")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-process cluster and measure consensus latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simNodes < 1 || simOps < 1 || simConcurrency < 1 {
			return fmt.Errorf("nodes, ops and concurrency must be positive")
		}
		f := types.MaxFaulty(simNodes)
		if simFaulty < 0 || simFaulty > f {
			return fmt.Errorf("a cluster of %d tolerates at most %d faulty members", simNodes, f)
		}

		dir, err := os.MkdirTemp("", "quorum-sim-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		logger := newLogger()
		network := transport.NewMemNetwork(logger)
		network.SetDelay(simDelay)

		nodes, err := startSimCluster(dir, network, logger)
		defer func() {
			for _, n := range nodes {
				if err := n.Stop(); err != nil {
					logger.Warn("Failed to stop node", "node", n.Name(), "error", err)
				}
			}
		}()
		if err != nil {
			return err
		}

		// The highest members go silent so submissions come from live ones.
		live := nodes[:len(nodes)-simFaulty]
		for _, n := range nodes[len(live):] {
			network.Isolate(n.ID())
		}

		pterm.Info.Printfln("Cluster of %d members (f=%d), %d silenced, %d ops at concurrency %d",
			simNodes, f, simFaulty, simOps, simConcurrency)

		var (
			mu        sync.Mutex
			latencies []time.Duration
			failures  int
		)
		ctx := cmd.Context()
		started := time.Now()
		p := pool.New().WithContext(ctx).WithMaxGoroutines(simConcurrency)
		for i := 0; i < simOps; i++ {
			i := i
			p.Go(func(ctx context.Context) error {
				orch := live[i%len(live)].Orchestrator()
				opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				begin := time.Now()
				_, err := orch.CreateContainer(opCtx, operation.ContainerSpec{
					Name:  fmt.Sprintf("sim-%d", i),
					Image: "nginx",
				})
				elapsed := time.Since(begin)

				mu.Lock()
				defer mu.Unlock()
				if err != nil && !orchestrator.IsApplicationError(err) {
					failures++
					logger.Warn("Operation failed", "op", i, "error", err)
					return nil
				}
				latencies = append(latencies, elapsed)
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return err
		}
		total := time.Since(started)

		return report(live, latencies, failures, total)
	},
}

func startSimCluster(dir string, network *transport.MemNetwork, logger *slog.Logger) ([]*node.Node, error) {
	var nodes []*node.Node
	for i := 0; i < simNodes; i++ {
		cfg := config.Default()
		cfg.Node.ID = fmt.Sprintf("node%d", i)
		cfg.Node.DataDir = filepath.Join(dir, cfg.Node.ID)
		cfg.Cluster.Name = "simulation"
		cfg.Cluster.DevKeys = true
		for j := 0; j < simNodes; j++ {
			cfg.Cluster.Members = append(cfg.Cluster.Members, config.MemberConfig{Name: fmt.Sprintf("node%d", j)})
		}
		cfg.Log.Backend = "memory"
		if err := cfg.Validate(); err != nil {
			return nodes, err
		}

		n, err := node.New(&cfg, node.Options{
			Transport: network.Join(cfg.NodeID(), 4096),
			Logger:    logger.With("node", cfg.Node.ID),
		})
		if err != nil {
			return nodes, fmt.Errorf("failed to create %s: %w", cfg.Node.ID, err)
		}
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		if err := n.Start(context.Background()); err != nil {
			return nodes, fmt.Errorf("failed to start %s: %w", n.Name(), err)
		}
	}
	return nodes, nil
}

func report(live []*node.Node, latencies []time.Duration, failures int, total time.Duration) error {
	if len(latencies) == 0 {
		return fmt.Errorf("no operation reached agreement (%d failed)", failures)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	mean := sum / time.Duration(len(latencies))
	p99 := latencies[(len(latencies)*99+99)/100-1]
	throughput := float64(len(latencies)) / total.Seconds()

	summary := pterm.TableData{
		{"Metric", "Value"},
		{"Agreed", strconv.Itoa(len(latencies))},
		{"Failed", strconv.Itoa(failures)},
		{"Mean latency", mean.String()},
		{"p99 latency", p99.String()},
		{"Throughput", fmt.Sprintf("%.1f ops/s", throughput)},
		{"Health", string(live[0].Orchestrator().ClusterStatus().Health)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(summary).Render(); err != nil {
		return err
	}

	perNode := pterm.TableData{{"Node", "Applied", "Failed", "View Changes", "Rounds", "Rejected", "Overhead"}}
	for _, n := range live {
		m := n.Orchestrator().Metrics()
		perNode = append(perNode, []string{
			n.Name(),
			strconv.FormatUint(m.OperationsApplied, 10),
			strconv.FormatUint(m.OperationsFailed, 10),
			strconv.FormatUint(m.Consensus.ViewChanges, 10),
			strconv.FormatUint(m.Consensus.RoundsCommitted, 10),
			strconv.FormatUint(m.Consensus.MessagesRejected, 10),
			fmt.Sprintf("%d bytes", m.Consensus.NetworkOverheadBytes),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(perNode).Render(); err != nil {
		return err
	}

	if im := live[0].Metrics(); im != nil {
		im.RLock()
		names := make([]string, 0, len(im.Counters))
		for name := range im.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		counters := pterm.TableData{{"Counter", "Count"}}
		for _, name := range names {
			counters = append(counters, []string{name, strconv.Itoa(im.Counters[name].Count)})
		}
		im.RUnlock()
		if len(names) > 0 {
			if err := pterm.DefaultTable.WithHasHeader().WithData(counters).Render(); err != nil {
				return err
			}
		}
	}

	if mean > sloMeanLatency || p99 > sloP99Latency {
		pterm.Warning.Printfln("Latency above target (mean %v, p99 %v)", sloMeanLatency, sloP99Latency)
		return nil
	}
	pterm.Success.Println("Latency within target")
	return nil
}
