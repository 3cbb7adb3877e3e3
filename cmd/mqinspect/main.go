// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command mqinspect opens a Global Registry segment and prints its
// process, block, and pool tables. The registry is mapped read-write
// through registry.OpenOrCreate, the same way a worker process would map
// it, so an empty segment is created if none exists under that name;
// after that only the snapshot methods (ListProcesses, ListBlocks,
// ListPools) are called.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"code.hybscloud.com/mqcore/pkg/registry"
)

func main() {
	var (
		segment string
		watch   time.Duration
	)

	root := &cobra.Command{
		Use:   "mqinspect",
		Short: "Inspect a mqcore Global Registry shared-memory segment",
		Long: `mqinspect opens a Global Registry segment (creating an empty one if
none exists under that name) and prints its process, block, and pool tables.

It does not allocate buffers, schedule blocks, or heartbeat — it only
reads the snapshot accessors the registry exposes for tooling.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.OutOrStdout(), segment, watch)
		},
	}

	root.Flags().StringVarP(&segment, "segment", "s", "mqcore-registry", "registry shm segment name to open")
	root.Flags().DurationVarP(&watch, "watch", "w", 0, "re-print the tables every interval (0 = print once)")

	if err := root.Execute(); err != nil {
		slog.Error("mqinspect failed", "err", err)
		os.Exit(1)
	}
}

func run(w io.Writer, segment string, watch time.Duration) error {
	reg, err := registry.OpenOrCreate(segment)
	if err != nil {
		return fmt.Errorf("open registry %q: %w", segment, err)
	}
	defer reg.Close()

	if watch <= 0 {
		printAll(w, segment, reg)
		return nil
	}

	ticker := time.NewTicker(watch)
	defer ticker.Stop()
	for {
		printAll(w, segment, reg)
		<-ticker.C
	}
}

func printAll(w io.Writer, segment string, reg *registry.Registry) {
	fmt.Fprintf(w, "registry segment: %s   as of %s\n\n", segment, time.Now().Format(time.RFC3339))
	printProcesses(w, reg.ListProcesses())
	fmt.Fprintln(w)
	printBlocks(w, reg.ListBlocks())
	fmt.Fprintln(w)
	printPools(w, reg.ListPools())
	fmt.Fprintln(w)
}

func printProcesses(w io.Writer, procs []registry.ProcessInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROCESSES")
	fmt.Fprintln(tw, "SLOT\tPID\tROLE\tNAME\tALIVE\tLAST HEARTBEAT\tOWNED BLOCKS")
	for _, p := range procs {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%t\t%s\t%d\n",
			p.Slot, p.Pid, p.Role, p.Name, p.Liveness,
			time.Unix(0, p.LastHeartbeatNs).Format("15:04:05.000"),
			len(p.OwnedBlocks))
	}
	tw.Flush()
}

func printBlocks(w io.Writer, blocks []registry.BlockInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCKS")
	fmt.Fprintln(tw, "SLOT\tBLOCK ID\tOWNER SLOT\tKIND\tNAME\tACTIVE\tLAST WORK")
	for _, b := range blocks {
		lastWork := "-"
		if b.LastWorkNs != 0 {
			lastWork = time.Unix(0, b.LastWorkNs).Format("15:04:05.000")
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%t\t%s\n",
			b.Slot, b.BlockID, b.OwnerSlot, b.Kind, b.Name, b.Active, lastWork)
	}
	tw.Flush()
}

func printPools(w io.Writer, pools []registry.PoolInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POOLS")
	fmt.Fprintln(tw, "SLOT\tPOOL ID\tNAME\tSEGMENT\tBLOCK SIZE\tBLOCK COUNT")
	for _, p := range pools {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%d\n",
			p.Slot, p.PoolID, p.Name, p.SegmentName, p.BlockSize, p.BlockCount)
	}
	tw.Flush()
}
