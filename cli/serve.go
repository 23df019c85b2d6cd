package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smallnest/clawmem/gateway"
	"github.com/smallnest/clawmem/internal/logger"
	"github.com/smallnest/clawmem/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	servePort        int
	serveBind        string
	serveControlPort int
	serveSession     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway and control plane",
	Long: `Run the context manager as a long-lived service:

  - HTTP gateway with /health, /api/stats, and a /ws event feed
  - line-based TCP control plane for compact/prune commands

Drive the control plane with 'clawmem ctl <command>'.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Gateway port (overrides config)")
	serveCmd.Flags().StringVarP(&serveBind, "bind", "b", "", "Bind address (overrides config)")
	serveCmd.Flags().IntVar(&serveControlPort, "control-port", 0, "Control plane port (overrides config)")
	serveCmd.Flags().StringVarP(&serveSession, "session", "s", session.DefaultKey, "Session key")
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	defer logger.Sync()

	if servePort != 0 {
		cfg.Gateway.Port = servePort
	}
	if serveBind != "" {
		cfg.Gateway.Host = serveBind
	}
	if serveControlPort != 0 {
		cfg.Gateway.ControlPort = serveControlPort
	}

	mgr, events, err := buildManager(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	if err := mgr.AttachSession(serveSession); err != nil {
		logger.Error("Failed to load session", zap.Error(err))
		os.Exit(1)
	}
	enableHotReload(mgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	httpServer := gateway.NewServer(
		cfg.Gateway.Host, cfg.Gateway.Port, mgr, events,
		time.Duration(cfg.Gateway.ReadTimeout)*time.Second,
		time.Duration(cfg.Gateway.WriteTimeout)*time.Second,
	)
	if err := httpServer.Start(ctx); err != nil {
		logger.Error("Failed to start gateway", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = httpServer.Stop() }()

	control := gateway.NewControlServer(cfg.Gateway.ControlHost, cfg.Gateway.ControlPort, mgr)
	if err := control.Start(ctx); err != nil {
		logger.Error("Failed to start control server", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = control.Stop() }()

	fmt.Printf("Gateway listening on http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Events: ws://%s:%d/ws\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Control plane on %s\n", control.Addr())
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("Stopped")
}
