package cli

import (
	"fmt"
	"os"

	"github.com/smallnest/clawmem/config"
	"github.com/smallnest/clawmem/internal/logger"
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "clawmem",
	Short: "Context window manager for interactive coding assistants",
	Long: `clawmem keeps a long-running assistant conversation inside the model's
context window: it estimates token usage, evicts stale tool results, and
folds old rounds into LLM-generated summaries when the budget runs out.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file path (default ~/.clawmem/config.json)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(chatCmd, serveCmd, ctlCmd, initCmd, sessionsCmd)
}

// Execute 运行根命令
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig 加载配置并初始化日志，CLI 子命令共用
func loadConfig() *config.Config {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(flagDebug || cfg.Log.Debug); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
