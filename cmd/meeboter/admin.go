package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meeboter/meeboter/internal/monitor"
	"github.com/meeboter/meeboter/internal/platform"
	"github.com/meeboter/meeboter/internal/pool"
	"github.com/meeboter/meeboter/internal/store"
)

var adminClient = &http.Client{Timeout: 30 * time.Second}

func apiCall(method, path string, out any) error {
	req, err := http.NewRequest(method, serverURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := adminClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact control plane at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(body))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show platform and pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var platforms struct {
				TotalActive int            `json:"total_active"`
				Platforms   map[string]int `json:"platforms"`
			}
			if err := apiCall("GET", "/infra/platforms", &platforms); err != nil {
				return err
			}

			fmt.Printf("Active bots: %d\n", platforms.TotalActive)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLATFORM\tACTIVE")
			for name, n := range platforms.Platforms {
				fmt.Fprintf(w, "%s\t%d\n", name, n)
			}
			w.Flush()

			var stats pool.Stats
			err := apiCall("GET", "/infra/pool/stats", &stats)
			if err != nil {
				// Not every deployment runs the pool platform.
				return nil
			}
			fmt.Printf("\nPool: %d/%d slots", stats.Slots.Total, stats.Slots.MaxSize)
			fmt.Printf(" (idle %d, deploying %d, healthy %d, error %d)\n",
				stats.Slots.Idle, stats.Slots.Deploying, stats.Slots.Healthy, stats.Slots.Error)
			if stats.Queue != nil {
				fmt.Printf("Pool queue: %d waiting", stats.Queue.Length)
				if stats.Queue.MeanWaitMS > 0 {
					fmt.Printf(", mean wait %s", time.Duration(stats.Queue.MeanWaitMS)*time.Millisecond)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List bots waiting in the global queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Entries []*store.GlobalQueueEntry `json:"entries"`
			}
			if err := apiCall("GET", "/infra/queue", &resp); err != nil {
				return err
			}

			if len(resp.Entries) == 0 {
				fmt.Println("Queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BOT\tPRIORITY\tSTATUS\tQUEUED\tTIMEOUT")
			for _, e := range resp.Entries {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
					e.BotID,
					e.Priority,
					e.Status,
					e.QueuedAt.Format("2006-01-02 15:04:05"),
					e.TimeoutAt.Format("15:04:05"),
				)
			}
			w.Flush()
			return nil
		},
	}
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List pool slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Slots []*store.PoolSlot `json:"slots"`
			}
			if err := apiCall("GET", "/infra/pool/slots", &resp); err != nil {
				return err
			}

			if len(resp.Slots) == 0 {
				fmt.Println("No pool slots")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tBOT\tAPP UUID\tRETRIES\tERROR")
			for _, s := range resp.Slots {
				bot := "-"
				if s.AssignedBotID != nil {
					bot = strconv.FormatInt(*s.AssignedBotID, 10)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.SlotName, s.Status, bot, s.ApplicationUUID,
					s.RecoveryAttempts, s.ErrorMessage)
			}
			w.Flush()
			return nil
		},
	}

	cmd.AddCommand(slotsDeleteCmd())
	return cmd
}

func slotsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a pool slot and its backend application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid slot id %q", args[0])
			}
			if err := apiCall("DELETE", "/infra/pool/slots/"+strconv.FormatInt(id, 10), nil); err != nil {
				return err
			}
			fmt.Printf("Slot %d deleted\n", id)
			return nil
		},
	}
}

func deploymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments <platform>",
		Short: "List live deployments on a batch platform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Deployments []platform.Deployment `json:"deployments"`
			}
			if err := apiCall("GET", "/infra/deployments/"+args[0], &resp); err != nil {
				return err
			}

			if len(resp.Deployments) == 0 {
				fmt.Println("No deployments")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTIFIER\tBOT\tSTATE")
			for _, d := range resp.Deployments {
				bot := "-"
				if d.BotID != 0 {
					bot = strconv.FormatInt(d.BotID, 10)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Identifier, bot, d.State)
			}
			w.Flush()
			return nil
		},
	}

	cmd.AddCommand(deploymentsStopCmd())
	return cmd
}

func deploymentsStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <platform> <identifier>",
		Short: "Stop a deployment on a batch platform",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiCall("DELETE", "/infra/deployments/"+args[0]+"/"+args[1], nil); err != nil {
				return err
			}
			fmt.Printf("Deployment %s stopped\n", args[1])
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile pool slots against the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report monitor.ReconcileReport
			if err := apiCall("POST", "/infra/reconcile", &report); err != nil {
				return err
			}
			fmt.Printf("Reconcile complete: %d orphaned applications removed, %d vanished slots cleaned\n",
				report.OrphanedApps, report.OrphanedSlots)
			return nil
		},
	}
}
