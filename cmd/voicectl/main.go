// Command voicectl inspects and drives voice sessions through the MCP
// endpoint of a running bot.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/interview-voice-lab/internal/mcp"
)

var version = "dev"

const defaultURL = "ws://localhost:8080/mcp/ws"

type options struct {
	url     string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "voicectl",
		Short:         "Inspect and drive live voice sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	url := os.Getenv("VOICECTL_URL")
	if url == "" {
		url = defaultURL
	}
	root.PersistentFlags().StringVar(&opts.url, "url", url, "MCP websocket endpoint of the bot")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-command timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "tools",
			Short: "List the tools the server offers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.with(cmd, func(ctx context.Context, c *mcp.ClientWrapper) error {
					names, err := c.ToolNames(ctx)
					if err != nil {
						return err
					}
					for _, n := range names {
						fmt.Fprintln(cmd.OutOrStdout(), n)
					}
					return nil
				})
			},
		},
		opts.toolCmd("sessions", "List live sessions", mcp.ToolListSessions, 0, false),
		opts.toolCmd("create [session-id]", "Start a session without audio output", mcp.ToolCreateSession, -1, false),
		opts.toolCmd("close <session-id>", "Close a session", mcp.ToolCloseSession, 1, false),
		opts.toolCmd("history <session-id>", "Print the conversation history", mcp.ToolSessionHistory, 1, false),
		opts.toolCmd("say <session-id> <text...>", "Submit typed user input", mcp.ToolSubmitText, 1, true),
		opts.toolCmd("utterance <session-id> <text...>", "Buffer a speech-to-text utterance", mcp.ToolSubmitUtterance, 1, true),
		opts.toolCmd("speak <session-id> <text...>", "Synthesize text into the session", mcp.ToolSpeak, 1, true),
	)
	return root
}

// toolCmd builds a command calling tool. idArgs is the number of leading
// session-id arguments (-1 for an optional one); withText joins the rest
// into the text argument.
func (o *options) toolCmd(use, short, tool string, idArgs int, withText bool) *cobra.Command {
	var args cobra.PositionalArgs
	switch {
	case withText:
		args = cobra.MinimumNArgs(idArgs + 1)
	case idArgs < 0:
		args = cobra.MaximumNArgs(1)
	default:
		args = cobra.ExactArgs(idArgs)
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, pos []string) error {
			params := map[string]any{}
			if len(pos) > 0 {
				params["session_id"] = pos[0]
			}
			if withText {
				params["text"] = strings.Join(pos[1:], " ")
			}
			return o.with(cmd, func(ctx context.Context, c *mcp.ClientWrapper) error {
				text, err := c.CallTool(ctx, tool, params)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), text)
			})
		},
	}
}

func (o *options) with(cmd *cobra.Command, fn func(context.Context, *mcp.ClientWrapper) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	c := mcp.NewClientWrapper("voicectl", version)
	if err := c.ConnectWebSocket(ctx, o.url); err != nil {
		return fmt.Errorf("connect %s: %w", o.url, err)
	}
	defer c.Close()
	return fn(ctx, c)
}

// printJSON indents JSON results and prints anything else verbatim.
func printJSON(w io.Writer, text string) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(text), "", "  "); err != nil {
		_, err = fmt.Fprintln(w, text)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
