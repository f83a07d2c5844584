package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/ragent/internal/daemon"
	"github.com/harun/ragent/pkg/agent"
)

var (
	chatSession string
	chatNoRAG   bool
	chatNoTools bool
	chatNoEval  bool
	chatJSON    bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the agent from the terminal",
	Long: `Send one message and print the answer, or start an interactive session
when no message is given. Type /exit or send EOF to leave the interactive
session.`,
	Args: cobra.ArbitraryArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session id to continue (default: new session)")
	chatCmd.Flags().BoolVar(&chatNoRAG, "no-rag", false, "skip document retrieval")
	chatCmd.Flags().BoolVar(&chatNoTools, "no-tools", false, "disable tool calls")
	chatCmd.Flags().BoolVar(&chatNoEval, "no-eval", false, "skip answer evaluation")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "print the full response as JSON")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	return withDaemon(nil, func(d *daemon.Daemon) error {
		if index := d.GetIndex(); index != nil && d.GetConfig().Retrieval.CorpusDir != "" {
			if err := index.SyncDir(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: corpus sync failed: %v\n", err)
			}
		}

		opts := agent.RequestOptions{
			SkipRetrieval:  chatNoRAG,
			DisableTools:   chatNoTools,
			SkipEvaluation: chatNoEval,
		}

		if len(args) > 0 {
			_, err := sendTurn(cmd, d.GetAgent(), chatSession, strings.Join(args, " "), opts)
			return err
		}
		return chatLoop(cmd, d.GetAgent(), opts)
	})
}

func chatLoop(cmd *cobra.Command, orch *agent.Orchestrator, opts agent.RequestOptions) error {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())
	sessionID := chatSession

	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		message := strings.TrimSpace(line)

		if message == "/exit" || message == "/quit" {
			return nil
		}
		if message != "" {
			id, turnErr := sendTurn(cmd, orch, sessionID, message, opts)
			if id != "" {
				sessionID = id
			}
			if turnErr != nil {
				fmt.Fprintf(out, "Error: %s\n", agent.PublicMessage(turnErr))
			}
		}

		if err == io.EOF {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// sendTurn runs one turn and prints the answer. It returns the session id so
// the REPL keeps the conversation going.
func sendTurn(cmd *cobra.Command, orch *agent.Orchestrator, sessionID, message string, opts agent.RequestOptions) (string, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := orch.ProcessTurn(ctx, agent.Request{
		SessionID: sessionID,
		Message:   message,
		Options:   opts,
	})
	if resp == nil {
		return "", err
	}

	out := cmd.OutOrStdout()
	if chatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(resp); encErr != nil {
			return resp.SessionID, encErr
		}
		return resp.SessionID, err
	}

	fmt.Fprintln(out, resp.AssistantMessage)
	if len(resp.Citations) > 0 {
		fmt.Fprintf(out, "\nSources: %s\n", strings.Join(resp.Citations, ", "))
	}
	if len(resp.ToolCalls) > 0 {
		names := make([]string, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			names = append(names, call.Name)
		}
		fmt.Fprintf(out, "Tools: %s\n", strings.Join(names, ", "))
	}
	if chatSession == "" && sessionID == "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", resp.SessionID)
	}
	return resp.SessionID, err
}
