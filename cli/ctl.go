package cli

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	ctlHost string
	ctlPort int
)

var ctlCmd = &cobra.Command{
	Use:   "ctl <command>...",
	Short: "Send a command to a running control plane",
	Long: `Send one command line to a running 'clawmem serve' instance and print
the reply. Examples:

  clawmem ctl compact stats
  clawmem ctl compact prune all
  clawmem ctl compact force 2
  clawmem ctl compact highlander`,
	Args: cobra.MinimumNArgs(1),
	Run:  runCtl,
}

func init() {
	ctlCmd.Flags().StringVar(&ctlHost, "host", "127.0.0.1", "Control plane host")
	ctlCmd.Flags().IntVar(&ctlPort, "port", 28790, "Control plane port")
}

func runCtl(cmd *cobra.Command, args []string) {
	addr := fmt.Sprintf("%s:%d", ctlHost, ctlPort)
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot reach control plane at %s: %v\n", addr, err)
		fmt.Fprintln(os.Stderr, "Is 'clawmem serve' running?")
		os.Exit(1)
	}
	defer conn.Close()

	line := strings.Join(args, " ")
	if _, err := fmt.Fprintln(conn, line); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
		os.Exit(1)
	}

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
		os.Exit(1)
	}
	reply = strings.TrimRight(reply, "\n")
	fmt.Println(reply)
	if strings.HasPrefix(reply, "error:") {
		os.Exit(1)
	}
}
