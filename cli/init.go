package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
	"github.com/smallnest/clawmem/config"
	"github.com/spf13/cobra"
)

var suggestedModels = []string{
	"gpt-4o-mini",
	"gpt-4o",
	"gpt-4.1",
	"o4-mini",
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive configuration setup",
	Long:  `Create or update the config file: API key, model, and context budget.`,
	Run:   runInit,
}

func runInit(cmd *cobra.Command, args []string) {
	dataDir, err := config.GetDefaultDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	configPath := flagConfig
	if configPath == "" {
		configPath = config.GetConfigPath(dataDir)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	keyPrompt := promptui.Prompt{
		Label:   "API Key",
		Default: cfg.Provider.APIKey,
		Mask:    '*',
	}
	apiKey, err := keyPrompt.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Aborted: %v\n", err)
		os.Exit(1)
	}
	cfg.Provider.APIKey = apiKey

	urlPrompt := promptui.Prompt{
		Label:   "Base URL (empty for api.openai.com)",
		Default: cfg.Provider.BaseURL,
	}
	if baseURL, err := urlPrompt.Run(); err == nil {
		cfg.Provider.BaseURL = baseURL
	}

	modelSelect := promptui.Select{
		Label: "Model",
		Items: suggestedModels,
	}
	if _, model, err := modelSelect.Run(); err == nil {
		cfg.Provider.Model = model
	}

	thresholdPrompt := promptui.Prompt{
		Label:   "Context token budget",
		Default: strconv.Itoa(cfg.Context.ThresholdTokens),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return fmt.Errorf("must be a positive integer")
			}
			return nil
		},
	}
	if threshold, err := thresholdPrompt.Run(); err == nil {
		cfg.Context.ThresholdTokens, _ = strconv.Atoi(threshold)
	}

	if err := config.Save(cfg, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config saved to %s\n", configPath)
	fmt.Printf("  Model:        %s\n", cfg.Provider.Model)
	fmt.Printf("  Token budget: %d (compact at %d%%)\n",
		cfg.Context.ThresholdTokens, cfg.Context.TriggerPercent)
	fmt.Println("\nNext: clawmem chat")
}
