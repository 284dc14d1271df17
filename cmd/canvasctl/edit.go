package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"canvas/api/internal/canvas"
	"canvas/api/internal/session"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	nodeType   string
	nodeText   string
	nodeData   string
	nodeX      float64
	nodeY      float64
	cursorX    float64
	cursorY    float64
	edgeHandle string
)

// editAndSave opens the canvas, applies edit to the local copy and saves it.
func editAndSave(ctx context.Context, documentID string, edit func(*session.Controller) error) error {
	opened, err := openCanvas(ctx, documentID, nil)
	if err != nil {
		return err
	}
	defer opened.Close()

	if err := edit(opened.controller); err != nil {
		return err
	}
	saveCtx, cancel := shutdownContext()
	defer cancel()
	ack, err := opened.controller.Save(saveCtx)
	if err != nil {
		return err
	}
	fmt.Printf("saved %s at version %d\n", documentID, ack.Version)
	return nil
}

var addNodeCmd = &cobra.Command{
	Use:   "add-node <canvas-id>",
	Short: "Add a node to a canvas and save it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := map[string]any{}
		if strings.TrimSpace(nodeData) != "" {
			if err := json.Unmarshal([]byte(nodeData), &data); err != nil {
				return fmt.Errorf("parse --data: %w", err)
			}
		}
		if nodeText != "" {
			data["text"] = nodeText
		}
		node := canvas.Node{
			ID:       uuid.NewString(),
			Type:     nodeType,
			Position: canvas.Position{X: nodeX, Y: nodeY},
			Data:     data,
		}
		return editAndSave(cmd.Context(), args[0], func(c *session.Controller) error {
			if err := c.AddNode(node); err != nil {
				return err
			}
			fmt.Printf("added node %s\n", node.ID)
			return nil
		})
	},
}

var moveNodeCmd = &cobra.Command{
	Use:   "move-node <canvas-id> <node-id>",
	Short: "Move a node and save the canvas",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editAndSave(cmd.Context(), args[0], func(c *session.Controller) error {
			return c.MoveNode(args[1], canvas.Position{X: nodeX, Y: nodeY})
		})
	},
}

var removeNodeCmd = &cobra.Command{
	Use:   "remove-node <canvas-id> <node-id>...",
	Short: "Delete nodes and their edges, then save the canvas",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editAndSave(cmd.Context(), args[0], func(c *session.Controller) error {
			c.RemoveNodes(args[1:]...)
			nodeIDs, edgeIDs := c.PendingTombstones()
			fmt.Printf("deleting %d nodes and %d edges\n", len(nodeIDs), len(edgeIDs))
			return nil
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <canvas-id> <source-node> <target-node>",
	Short: "Add an edge between two nodes and save the canvas",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		edge := canvas.Edge{
			ID:           uuid.NewString(),
			Source:       args[1],
			Target:       args[2],
			SourceHandle: edgeHandle,
		}
		return editAndSave(cmd.Context(), args[0], func(c *session.Controller) error {
			return c.AddEdge(edge)
		})
	},
}

var cursorCmd = &cobra.Command{
	Use:   "cursor <canvas-id>",
	Short: "Show a cursor at a position for other collaborators",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opened, err := openCanvas(cmd.Context(), args[0], nil)
		if err != nil {
			return err
		}
		defer opened.Close()
		if err := opened.waitSubscribed(cmd.Context()); err != nil {
			return err
		}
		if !opened.controller.UpdateCursor(cursorX, cursorY) {
			return fmt.Errorf("cursor was not sent")
		}
		return nil
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <canvas-id> [node-id]...",
	Short: "Announce a node selection in presence",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opened, err := openCanvas(cmd.Context(), args[0], nil)
		if err != nil {
			return err
		}
		defer opened.Close()

		opened.controller.SelectNodes(args[1:]...)
		if err := opened.waitSubscribed(cmd.Context()); err != nil {
			return err
		}
		if _, err := opened.controller.UpdatePresence(cmd.Context(), args[1:]); err != nil {
			return err
		}
		for _, member := range opened.controller.Members() {
			fmt.Printf("%s\t%s\t%s\n", member.UserID, member.DisplayName, strings.Join(member.SelectedNodeIDs, ","))
		}
		return nil
	},
}

func init() {
	addNodeCmd.Flags().StringVar(&nodeType, "type", canvas.TypeText, "Node type")
	addNodeCmd.Flags().StringVar(&nodeText, "text", "", "Text content of the node")
	addNodeCmd.Flags().StringVar(&nodeData, "data", "", "Node data as a JSON object")
	addNodeCmd.Flags().Float64Var(&nodeX, "x", 0, "X position")
	addNodeCmd.Flags().Float64Var(&nodeY, "y", 0, "Y position")
	moveNodeCmd.Flags().Float64Var(&nodeX, "x", 0, "X position")
	moveNodeCmd.Flags().Float64Var(&nodeY, "y", 0, "Y position")
	connectCmd.Flags().StringVar(&edgeHandle, "source-handle", "", "Output handle on the source node")
	cursorCmd.Flags().Float64Var(&cursorX, "x", 0, "X position")
	cursorCmd.Flags().Float64Var(&cursorY, "y", 0, "Y position")

	rootCmd.AddCommand(addNodeCmd, moveNodeCmd, removeNodeCmd, connectCmd, cursorCmd, selectCmd)
}
