package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"seqthink/stream"
)

var (
	streamWordCount int           // word_count sent to /generate_stream
	streamTimeout   time.Duration // Session timeout, 0 for the client default
	toolArguments   string        // JSON object of tool arguments
)

var streamCmd = &cobra.Command{
	Use:   "stream [prompt]",
	Short: "Stream a completion from the upstream and print its tokens",
	Long: `Opens a stream session against the upstream /generate_stream endpoint
and prints tokens as they arrive, followed by how the stream ended.

Examples:
  seqthink stream "Summarize the release notes"
  seqthink stream --word-count 50 --upstream http://localhost:8000 "Hello"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		req := stream.GenerateStreamRequest(config.UpstreamURL, strings.Join(args, " "), streamWordCount)
		req.Timeout = streamTimeout
		return printStream(cmd.Context(), cmd.OutOrStdout(), req)
	},
}

var toolCmd = &cobra.Command{
	Use:   "tool [name]",
	Short: "Invoke an upstream tool and print its streamed reply",
	Long: `Opens a stream session against the upstream /call-tool endpoint.

Examples:
  seqthink tool sequentialthinking --args '{"thoughtNumber":1,"totalThoughts":3,"prompt":"Plan a migration"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		var arguments map[string]any
		if toolArguments != "" {
			if err := json.Unmarshal([]byte(toolArguments), &arguments); err != nil {
				return fmt.Errorf("invalid --args: %w", err)
			}
		}
		req := stream.ToolCallRequest(config.UpstreamURL, args[0], arguments)
		req.Timeout = streamTimeout
		return printStream(cmd.Context(), cmd.OutOrStdout(), req)
	},
}

func init() {
	streamCmd.Flags().IntVarP(&streamWordCount, "word-count", "w", 200, "Requested length of the completion in words")
	for _, cmd := range []*cobra.Command{streamCmd, toolCmd} {
		cmd.Flags().DurationVar(&streamTimeout, "timeout", 0, "Stream timeout (e.g. 30s), 0 for the default")
	}
	toolCmd.Flags().StringVar(&toolArguments, "args", "", "Tool arguments as a JSON object")
}

// printStream writes every token of a session to out. Ctrl-C cancels the
// session.
func printStream(parent context.Context, out io.Writer, req stream.Request) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	var streamErr error
	err := stream.NewClient().Run(ctx, req, func(ev stream.StreamEvent) {
		if !ev.IsDone {
			fmt.Fprint(out, ev.Token)
			return
		}
		streamErr = ev.Err
		fmt.Fprintf(out, "\n[%s]\n", ev.Signal)
	})
	if err != nil {
		return err
	}
	return streamErr
}
