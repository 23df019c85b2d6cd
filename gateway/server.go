package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/smallnest/clawmem/bus"
	"github.com/smallnest/clawmem/internal/logger"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 只监听回环地址，放开 Origin 检查
		return true
	},
}

// Server HTTP 网关：/health、/api/stats 和 /ws 事件广播
type Server struct {
	addr   string
	core   Core
	events *bus.Bus

	server        *http.Server
	mu            sync.RWMutex
	running       bool
	connections   map[string]*Connection
	connectionsMu sync.RWMutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewServer 创建网关服务器
func NewServer(host string, port int, core Core, events *bus.Bus, readTimeout, writeTimeout time.Duration) *Server {
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	return &Server{
		addr:         fmt.Sprintf("%s:%d", host, port),
		core:         core,
		events:       events,
		connections:  make(map[string]*Connection),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	go func() {
		logger.Info("Gateway server listening", zap.String("addr", s.addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Gateway server failed", zap.Error(err))
		}
	}()

	if s.events != nil {
		go s.broadcastEvents(ctx)
	}

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

// Stop 停止服务器
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.closeAllConnections()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown gateway server", zap.Error(err))
		}
	}

	logger.Info("Gateway server stopped")
	return nil
}

// IsRunning 返回服务器运行状态
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UnixMilli(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"stats":        s.core.Stats(),
		"tool_results": s.core.ToolStats(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := &Connection{
		ID:           uuid.NewString(),
		ws:           ws,
		writeTimeout: s.writeTimeout,
	}
	s.addConnection(conn)
	logger.Info("WebSocket client connected", zap.String("conn_id", conn.ID))

	// 读循环只为感知断开，客户端不发送命令
	go func() {
		defer func() {
			s.removeConnection(conn.ID)
			_ = conn.Close()
			logger.Info("WebSocket client disconnected", zap.String("conn_id", conn.ID))
		}()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcastEvents 把事件总线上的事件推给所有 WebSocket 订阅者
func (s *Server) broadcastEvents(ctx context.Context) {
	ch, cancel := s.events.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.connectionsMu.RLock()
			conns := make([]*Connection, 0, len(s.connections))
			for _, c := range s.connections {
				conns = append(conns, c)
			}
			s.connectionsMu.RUnlock()

			for _, c := range conns {
				if err := c.SendJSON(ev); err != nil {
					logger.Debug("Dropping broken WebSocket connection",
						zap.String("conn_id", c.ID), zap.Error(err))
					s.removeConnection(c.ID)
					_ = c.Close()
				}
			}
		}
	}
}

func (s *Server) closeAllConnections() {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	for id, conn := range s.connections {
		_ = conn.Close()
		delete(s.connections, id)
	}
}

func (s *Server) addConnection(conn *Connection) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	s.connections[conn.ID] = conn
}

func (s *Server) removeConnection(id string) {
	s.connectionsMu.Lock()
	defer s.connectionsMu.Unlock()
	delete(s.connections, id)
}

// Connection WebSocket 连接包装，串行化写入
type Connection struct {
	ID           string
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// SendJSON 发送一条 JSON 消息
func (c *Connection) SendJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

// Close 关闭连接
func (c *Connection) Close() error {
	return c.ws.Close()
}
