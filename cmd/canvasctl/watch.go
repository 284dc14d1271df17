package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"canvas/api/internal/docstore"
	"canvas/api/internal/session"

	"github.com/spf13/cobra"
)

var watchJSON bool

var getCmd = &cobra.Command{
	Use:   "get <canvas-id>",
	Short: "Print the stored snapshot of a canvas",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("an access token is required (use --token or CANVAS_TOKEN)")
		}
		snapshot, err := docstore.New(apiURL, token).Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <canvas-id>",
	Short: "Follow remote changes, presence and cursors on a canvas",
	Long:  "Opens the canvas like an editor would and prints every merged remote change. The channel is resubscribed with backoff when it times out or fails.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opened, err := openCanvas(ctx, args[0], printMerge)
		if err != nil {
			return err
		}
		defer opened.Close()

		fmt.Printf("[watch] %s at version %d with %d nodes\n", args[0], opened.controller.LastAppliedVersion(), len(opened.controller.Nodes()))

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		backoff := time.Second
		lastStatus := ""
		lastMembers := ""
		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-opened.done:
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "[watch] channel stopped: %v\n", err)
				}
				fmt.Printf("[watch] %s, resubscribing in %s\n", strings.ToLower(string(opened.controller.Status())), backoff)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				if err := opened.controller.Resubscribe(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "[watch] %v\n", err)
				}
				go func() { opened.done <- opened.controller.Run(ctx) }()
			case <-ticker.C:
				status := string(opened.controller.Status())
				if status != lastStatus {
					fmt.Printf("[watch] channel %s\n", strings.ToLower(status))
					lastStatus = status
					if status == "SUBSCRIBED" {
						backoff = time.Second
					}
				}
				members := describeMembers(opened.controller)
				if members != lastMembers {
					fmt.Printf("[watch] online: %s\n", members)
					lastMembers = members
				}
			}
		}
	},
}

func printMerge(c *session.Controller) {
	if watchJSON {
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(map[string]any{
			"documentId": c.DocumentID(),
			"version":    c.LastAppliedVersion(),
			"nodes":      c.Nodes(),
			"edges":      c.Edges(),
		})
		return
	}
	fmt.Printf("[watch] merged version %d: %d nodes, %d edges\n", c.LastAppliedVersion(), len(c.Nodes()), len(c.Edges()))
}

func describeMembers(c *session.Controller) string {
	members := c.Members()
	if len(members) == 0 {
		return "nobody"
	}
	names := make([]string, 0, len(members))
	for _, member := range members {
		label := member.DisplayName
		if len(member.SelectedNodeIDs) > 0 {
			label += fmt.Sprintf(" (%d selected)", len(member.SelectedNodeIDs))
		}
		names = append(names, label)
	}
	return strings.Join(names, ", ")
}

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print each merged state as JSON")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(watchCmd)
}

// shutdownContext bounds the final save of a one-shot command.
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
