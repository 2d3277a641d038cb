package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/graphsync"
)

func init() {
	sendCmd.Flags().String("id", "", "entity id (required)")
	sendCmd.Flags().String("type", "", "entity type label")
	sendCmd.Flags().String("props", "", "properties as a JSON object")
	sendCmd.Flags().String("source", "", "source node id (edges only)")
	sendCmd.Flags().String("target", "", "target node id (edges only)")
	_ = sendCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <event-type>",
	Short: "Broadcast a node or edge change",
	Long:  "Broadcast a node.* or edge.* event to other clients.\nExample: graphsync send node.updated --id n1 --type Person --props '{\"name\":\"Ada\"}'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := buildEvent(cmd, graphsync.EventType(args[0]))
		if err != nil {
			return err
		}

		sess, _, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sess.client.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer sess.client.Disconnect()

		if err := sess.client.Send(ctx, ev); err != nil {
			return err
		}
		fmt.Printf("Sent %s %s\n", ev.Type, ev.PrimaryEntityID())
		return nil
	},
}

func buildEvent(cmd *cobra.Command, typ graphsync.EventType) (graphsync.GraphEvent, error) {
	id, _ := cmd.Flags().GetString("id")
	label, _ := cmd.Flags().GetString("type")
	rawProps, _ := cmd.Flags().GetString("props")

	var props map[string]any
	if rawProps != "" {
		if err := json.Unmarshal([]byte(rawProps), &props); err != nil {
			return graphsync.GraphEvent{}, fmt.Errorf("invalid --props: %w", err)
		}
	}

	ev := graphsync.GraphEvent{Type: typ}
	switch typ {
	case graphsync.EventNodeCreated, graphsync.EventNodeUpdated, graphsync.EventNodeDeleted:
		ev.Node = &graphsync.NodePayload{ID: id, Type: label, Properties: props}
	case graphsync.EventEdgeCreated, graphsync.EventEdgeUpdated, graphsync.EventEdgeDeleted:
		source, _ := cmd.Flags().GetString("source")
		target, _ := cmd.Flags().GetString("target")
		ev.Edge = &graphsync.EdgePayload{ID: id, Type: label, Source: source, Target: target, Properties: props}
	default:
		return graphsync.GraphEvent{}, fmt.Errorf("only node.* and edge.* events can be sent, got %q", typ)
	}
	return ev, nil
}
