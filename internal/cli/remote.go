package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheGojiOG/LocalSM/internal/client"
	"github.com/TheGojiOG/LocalSM/internal/models"
	"github.com/TheGojiOG/LocalSM/internal/server"
	ws "github.com/TheGojiOG/LocalSM/internal/websocket"
)

var loginUser string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the manager API and save the access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		password := os.Getenv("LSM_PASSWORD")
		if password == "" {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			if password, err = readLine(cmd.InOrStdin()); err != nil {
				return err
			}
		}

		resp, err := c.Login(cmd.Context(), loginUser, password)
		if err != nil {
			return err
		}
		path, err := saveToken(resp.AccessToken)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s logged in as %s until %s (token saved to %s)\n",
			green("✓"), bold(resp.Username), resp.ExpiresAt.Local().Format(time.RFC1123), path)
		return nil
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List servers and their live state from the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		infos, err := c.ListServers(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tTUNNEL")
		for _, info := range infos {
			pid := "-"
			if info.PID != 0 {
				pid = fmt.Sprint(info.PID)
			}
			tunnel := "-"
			if info.TunnelRunning {
				tunnel = info.PublicURL
				if tunnel == "" {
					tunnel = "starting"
				}
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, colorStatus(info.Status), pid, tunnel)
		}
		return tw.Flush()
	},
}

var createURL string

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a server folder, optionally downloading its artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.CreateServer(cmd.Context(), models.CreateServerRequest{Name: args[0], URL: createURL})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s created %s at %s\n", green("✓"), bold(info.Name), info.FolderPath)
		if createURL != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "download started; follow it with '%s'\n", cyan("localsm console "+info.Name))
		}
		return nil
	},
}

type serverAction func(ctx context.Context, name string) (server.InstanceInfo, error)

func lifecycleCmd(use, short, done string, pick func(*client.Client) serverAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			info, err := pick(c)(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (%s)\n", green("✓"), done, bold(info.Name), colorStatus(info.Status))
			return nil
		},
	}
}

var sendCmd = &cobra.Command{
	Use:   "send <name> <command...>",
	Short: "Send a console command to a running server",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.SendCommand(cmd.Context(), args[0], strings.Join(args[1:], " "))
	},
}

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Start or stop a server's tunnel",
}

var tunnelCommand string

var tunnelStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start the tunnel and print its public URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.StartTunnel(cmd.Context(), args[0], tunnelCommand)
		if err != nil {
			return err
		}
		if info.PublicURL == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s tunnel running for %s, public URL not available yet\n", yellow("!"), bold(info.Name))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s is reachable at %s\n", green("✓"), bold(info.Name), cyan(info.PublicURL))
		return nil
	},
}

var tunnelStopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop the tunnel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.StopTunnel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s tunnel stopped for %s\n", green("✓"), bold(info.Name))
		return nil
	},
}

var backupDestination string

var backupCmd = &cobra.Command{
	Use:   "backup <name>",
	Short: "Back up a stopped or running server folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		record, err := c.CreateBackup(cmd.Context(), args[0], backupDestination)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d bytes) stored in %s\n", green("✓"), record.Filename, record.Size, record.DestinationName)
		return nil
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console <name>",
	Short: "Follow a server's console; lines typed on stdin are sent as commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		commands := make(chan string)
		go scanCommands(ctx, cmd.InOrStdin(), commands)

		out := cmd.OutOrStdout()
		return c.Console(ctx, args[0], commands, func(msg ws.Message) {
			printConsoleMessage(out, msg)
		})
	},
}

func scanCommands(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}

func printConsoleMessage(w io.Writer, msg ws.Message) {
	payload, _ := msg.Payload.(map[string]interface{})
	switch msg.Type {
	case ws.TypeConsoleOutput:
		line, _ := payload["line"].(string)
		fmt.Fprintln(w, colorLine(line))
	case ws.TypeLicenseAgreement:
		line, _ := payload["line"].(string)
		fmt.Fprintf(w, "%s %s\n", yellow("license agreement required:"), line)
	case ws.TypeCommandResult:
		if ok, _ := payload["success"].(bool); !ok {
			fmt.Fprintf(w, "%s %v\n", red("command failed:"), payload["error"])
		}
	case ws.TypeSessionInfo:
		fmt.Fprintf(w, "%s %v (%v)\n", cyan("attached to"), payload["name"], payload["status"])
	case ws.TypeError:
		fmt.Fprintf(w, "%s %v\n", red("error:"), payload["message"])
	}
}

// colorLine highlights the manager's own <...> markers and echoed commands
func colorLine(line string) string {
	switch {
	case strings.HasPrefix(line, "> "):
		return cyan(line)
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		if strings.Contains(line, "failed") || strings.Contains(line, "not found") {
			return red(line)
		}
		return yellow(line)
	default:
		return line
	}
}

func colorStatus(status server.Status) string {
	switch status {
	case server.StatusRunning:
		return green(string(status))
	case server.StatusStopped:
		return red(string(status))
	default:
		return yellow(string(status))
	}
}

func init() {
	loginCmd.Flags().StringVarP(&loginUser, "username", "u", "admin", "operator username")
	createCmd.Flags().StringVar(&createURL, "url", "", "artifact URL to download")
	tunnelStartCmd.Flags().StringVar(&tunnelCommand, "command", "", "override the tunnel command for this server")
	backupCmd.Flags().StringVar(&backupDestination, "destination", "", "backup destination name")

	tunnelCmd.AddCommand(tunnelStartCmd, tunnelStopCmd)

	rootCmd.AddCommand(
		loginCmd,
		serversCmd,
		createCmd,
		lifecycleCmd("start", "Start a server", "started", func(c *client.Client) serverAction { return c.Start }),
		lifecycleCmd("stop", "Stop a server", "stopped", func(c *client.Client) serverAction { return c.Stop }),
		lifecycleCmd("restart", "Restart a server", "restarted", func(c *client.Client) serverAction { return c.Restart }),
		sendCmd,
		tunnelCmd,
		backupCmd,
		consoleCmd,
	)
}
