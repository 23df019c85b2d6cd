package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"github.com/smallnest/clawmem/gateway"
	"github.com/smallnest/clawmem/internal/logger"
	"github.com/smallnest/clawmem/session"
	"github.com/spf13/cobra"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with automatic context management",
	Long: `Start an interactive REPL. Conversation history is persisted per session
and compacted automatically when the token budget fills up.

Slash commands map to the control plane, e.g.:
  /compact stats
  /compact prune all
  /compact force 2`,
	Run: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", session.DefaultKey, "Session key")
}

func runChat(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	defer logger.Sync()

	mgr, _, err := buildManager(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	if err := mgr.AttachSession(chatSession); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load session: %v\n", err)
		os.Exit(1)
	}
	enableHotReload(mgr)

	rl, err := readline.New("clawmem> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	st := mgr.Stats()
	fmt.Printf("Session %q loaded: %d messages, ~%d tokens (%.1f%% of budget)\n",
		mgr.SessionKey(), st.MessageCount, st.EstimatedTokens, st.Percent)
	fmt.Println("Type /compact stats for budget info, /quit to exit.")

	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		if strings.HasPrefix(line, "/") {
			// 斜杠命令直通控制面分发器
			fmt.Println(gateway.Dispatch(ctx, mgr, strings.TrimPrefix(line, "/")))
			continue
		}

		resp, err := mgr.RunTurn(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if resp.Content != "" {
			fmt.Println(resp.Content)
		}
		for _, tc := range resp.ToolCalls {
			fmt.Printf("[tool call] %s(%s)\n", tc.Name, tc.Arguments)
		}
	}

	fmt.Println("bye")
}
