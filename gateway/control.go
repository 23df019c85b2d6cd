package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/smallnest/clawmem/compact"
	"github.com/smallnest/clawmem/conversation"
	"github.com/smallnest/clawmem/internal/logger"
	"go.uber.org/zap"
)

// Stats 控制面统计快照
type Stats struct {
	RoundCount      int     `json:"round_count"`
	MessageCount    int     `json:"message_count"`
	EstimatedTokens int     `json:"estimated_tokens"`
	ThresholdTokens int     `json:"threshold_tokens"`
	Percent         float64 `json:"percentage"`
	Compactions     int64   `json:"compactions"`
}

// Core 控制面背后的上下文管理核心。
// 具体实现由应用装配时注入，网关不关心轮询循环的存在。
type Core interface {
	NeedsCompaction() bool
	Compact(ctx context.Context) compact.Outcome
	ForceCompactRounds(ctx context.Context, n int) compact.Outcome
	ForceCompactMessages(ctx context.Context, n int) compact.Outcome
	PruneAll() int
	PruneOldest(n int) int
	ToolStats() conversation.ToolStats
	PruneOldSummaries() int
	Stats() Stats
}

// Dispatch 执行一条控制面命令并返回单行回复。
// 所有失败路径都产出一行回复，控制面永远有响应。
func Dispatch(ctx context.Context, core Core, line string) string {
	cmd, err := ParseCommand(line)
	if err != nil {
		return "error: " + err.Error()
	}

	switch cmd.Kind {
	case CmdAutoCompact:
		if !core.NeedsCompaction() {
			return "not needed"
		}
		return compactionReply(core.Compact(ctx))

	case CmdForceCompactRounds:
		return compactionReply(core.ForceCompactRounds(ctx, cmd.N))

	case CmdForceCompactMessages:
		return compactionReply(core.ForceCompactMessages(ctx, cmd.N))

	case CmdPruneAll:
		return fmt.Sprintf("pruned: %d", core.PruneAll())

	case CmdPruneN:
		return fmt.Sprintf("pruned: %d", core.PruneOldest(cmd.N))

	case CmdPruneStats:
		st := core.ToolStats()
		return fmt.Sprintf("tool results: %d, bytes: %d, estimated tokens: %d",
			st.Count, st.TotalBytes, st.EstimatedTokens)

	case CmdHighlander:
		return fmt.Sprintf("removed: %d", core.PruneOldSummaries())

	case CmdStats:
		st := core.Stats()
		return fmt.Sprintf("rounds: %d, messages: %d, tokens: %d/%d (%.1f%%), compactions: %d",
			st.RoundCount, st.MessageCount,
			st.EstimatedTokens, st.ThresholdTokens, st.Percent, st.Compactions)

	default:
		return "error: unknown command"
	}
}

// compactionReply 把压缩结果翻译成单行回复
func compactionReply(outcome compact.Outcome) string {
	switch outcome {
	case compact.OutcomeCompacted:
		return "ok: compacted"
	case compact.OutcomeNoCandidates:
		return "ok: nothing to compact"
	default:
		return "error: " + outcome.String()
	}
}

// ControlServer 控制面 TCP 监听器：一行一条命令，同步单行回复。
// 与轮询循环并发运行，只通过 Core 接口触碰消息状态。
type ControlServer struct {
	addr string
	core Core

	mu       sync.Mutex
	running  bool
	listener net.Listener
	wg       sync.WaitGroup
}

// NewControlServer 创建控制面监听器
func NewControlServer(host string, port int, core Core) *ControlServer {
	return &ControlServer{
		addr: fmt.Sprintf("%s:%d", host, port),
		core: core,
	}
}

// Start 启动监听
func (s *ControlServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("control server already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	logger.Info("Control server listening", zap.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr 返回实际监听地址（端口为 0 时由系统分配）
func (s *ControlServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop 停止监听
func (s *ControlServer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	logger.Info("Control server stopped")
	return nil
}

func (s *ControlServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			logger.Warn("Control server accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		reply := Dispatch(ctx, s.core, line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			logger.Warn("Control server write failed", zap.Error(err))
			return
		}
	}
}
