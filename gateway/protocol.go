package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandKind 控制面命令类型
type CommandKind string

const (
	CmdAutoCompact          CommandKind = "compact"
	CmdForceCompactRounds   CommandKind = "force"
	CmdForceCompactMessages CommandKind = "force-messages"
	CmdPruneAll             CommandKind = "prune-all"
	CmdPruneN               CommandKind = "prune-n"
	CmdPruneStats           CommandKind = "prune-stats"
	CmdHighlander           CommandKind = "highlander"
	CmdStats                CommandKind = "stats"
)

// Command 解析后的控制面命令
type Command struct {
	Kind CommandKind
	N    int // force/force-messages/prune-n 的参数，可为负
}

// ParseCommand 解析一行控制面命令。
// 语法：compact [force <N> | force-messages <N> | prune all|<N>|stats | highlander | stats]
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	if fields[0] != "compact" {
		return Command{}, fmt.Errorf("unknown command %q", fields[0])
	}
	args := fields[1:]

	if len(args) == 0 {
		return Command{Kind: CmdAutoCompact}, nil
	}

	switch args[0] {
	case "force":
		if len(args) != 2 {
			return Command{}, fmt.Errorf("usage: compact force <N>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return Command{}, fmt.Errorf("invalid round count %q", args[1])
		}
		return Command{Kind: CmdForceCompactRounds, N: n}, nil

	case "force-messages":
		if len(args) != 2 {
			return Command{}, fmt.Errorf("usage: compact force-messages <N>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return Command{}, fmt.Errorf("invalid message count %q", args[1])
		}
		return Command{Kind: CmdForceCompactMessages, N: n}, nil

	case "prune":
		if len(args) != 2 {
			return Command{}, fmt.Errorf("usage: compact prune all|<N>|stats")
		}
		switch args[1] {
		case "all":
			return Command{Kind: CmdPruneAll}, nil
		case "stats":
			return Command{Kind: CmdPruneStats}, nil
		default:
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return Command{}, fmt.Errorf("invalid prune count %q", args[1])
			}
			return Command{Kind: CmdPruneN, N: n}, nil
		}

	case "highlander":
		if len(args) != 1 {
			return Command{}, fmt.Errorf("compact highlander takes no arguments")
		}
		return Command{Kind: CmdHighlander}, nil

	case "stats":
		if len(args) != 1 {
			return Command{}, fmt.Errorf("compact stats takes no arguments")
		}
		return Command{Kind: CmdStats}, nil

	default:
		return Command{}, fmt.Errorf("unknown compact subcommand %q", args[0])
	}
}
