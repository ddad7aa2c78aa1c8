package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/witnz/quorum/internal/config"
	"github.com/witnz/quorum/internal/orchestrator"
	"github.com/witnz/quorum/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, l, err := openState(cfg, newLogger())
		if err != nil {
			return err
		}
		defer store.Close()
		defer l.Close()

		fmt.Printf("Node ID: %s (%s)\n", cfg.Node.ID, cfg.NodeID().Short())
		fmt.Printf("Data Directory: %s\n", cfg.Node.DataDir)

		snapshot := l.SnapshotIndex()
		lastIndex, lastTerm := l.LastEntryInfo()
		fmt.Printf("\nReplicated Log:\n")
		fmt.Printf("  Last index: %d (view %d)\n", lastIndex, lastTerm)
		fmt.Printf("  Committed: %d, applied: %d\n", l.CommitIndex(), l.LastApplied())
		fmt.Printf("  Snapshot through: %d\n", snapshot)
		fmt.Printf("  Stored entries: %d (%d bytes)\n", l.Len(), l.SizeBytes())
		if from := l.ResyncFrom(); from != 0 {
			pterm.Warning.Printfln("Log truncated at corrupted entry %d, resync pending", from)
		}

		names := make(map[types.NodeID]string, len(cfg.Cluster.Members))
		for _, m := range cfg.Cluster.Members {
			names[types.NodeIDFromName(m.Name)] = m.Name
		}

		reps, err := store.LoadReputations()
		if err != nil {
			return fmt.Errorf("failed to load reputations: %w", err)
		}
		quarantined := 0
		repData := pterm.TableData{{"Member", "Score", "Successful", "Failed", "Quarantined"}}
		for _, r := range reps {
			name := names[r.Node]
			if name == "" {
				name = r.Node.Short()
			}
			q := "no"
			if r.Quarantined {
				quarantined++
				q = pterm.LightRed("until " + r.QuarantinedUntil.Format("15:04:05"))
			}
			repData = append(repData, []string{
				name,
				strconv.FormatFloat(r.Score, 'f', 1, 64),
				strconv.FormatUint(r.Successful, 10),
				strconv.FormatUint(r.Failed, 10),
				q,
			})
		}
		health := orchestrator.GradeHealth(quarantined, types.MaxFaulty(len(cfg.Cluster.Members)))
		fmt.Printf("\nCluster Health: %s\n", health)
		if len(reps) > 0 {
			if err := pterm.DefaultTable.WithHasHeader().WithData(repData).Render(); err != nil {
				return err
			}
		}

		containers, err := store.ListContainers()
		if err != nil {
			return fmt.Errorf("failed to list containers: %w", err)
		}
		sort.Slice(containers, func(i, j int) bool { return containers[i].ID < containers[j].ID })

		fmt.Printf("\nContainers:\n")
		if len(containers) == 0 {
			fmt.Printf("  No containers yet\n")
			return nil
		}
		data := pterm.TableData{{"ID", "Name", "Image", "State", "Replicas", "Node", "Endpoints"}}
		for _, c := range containers {
			node := names[c.Node]
			if node == "" {
				node = c.Node.Short()
			}
			data = append(data, []string{
				c.ID,
				c.Spec.Name,
				c.Spec.Image,
				string(c.State),
				strconv.FormatUint(uint64(c.Replicas), 10),
				node,
				strings.Join(c.Endpoints, ","),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}
