package cli

import (
	"fmt"
	"os"

	"github.com/smallnest/clawmem/config"
	"github.com/smallnest/clawmem/session"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Run:   runSessionsList,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(1),
	Run:   runSessionsDelete,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
}

func openSessionStore() *session.FileStore {
	cfg := loadConfig()
	dir := cfg.Session.Store
	if dir == "" {
		dataDir, err := config.GetDefaultDataDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		dir = config.GetSessionsDir(dataDir)
	}
	store, err := session.NewFileStore(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return store
}

func runSessionsList(cmd *cobra.Command, args []string) {
	store := openSessionStore()
	infos, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(infos) == 0 {
		fmt.Println("No sessions")
		return
	}
	for _, info := range infos {
		fmt.Printf("%-30s %4d messages  updated %s\n",
			info.Key, info.MessageCount, info.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func runSessionsDelete(cmd *cobra.Command, args []string) {
	store := openSessionStore()
	if err := store.Delete(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted session %q\n", args[0])
}
