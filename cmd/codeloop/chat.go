package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"codeloop/internal/orchestrator"
	"codeloop/internal/stream"
	"codeloop/internal/transport"

	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var project, conversationID string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run one conversation turn and print its events as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			out, err := a.orch.Run(ctx, orchestrator.Request{
				ConversationID: conversationID,
				Project:        project,
				Content:        strings.Join(args, " "),
			}, transport.NewJSONLines(os.Stdout))
			if errors.Is(err, stream.ErrCancelled) {
				fmt.Fprintf(os.Stderr, "cancelled (conversation %s)\n", out.ConversationID)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "conversation %s finished after %d round(s)\n", out.ConversationID, out.Rounds)
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "default", "project workspace to work in")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	return cmd
}
