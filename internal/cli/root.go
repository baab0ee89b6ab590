package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/TheGojiOG/LocalSM/internal/client"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

const defaultAPIURL = "http://127.0.0.1:8080"

var (
	apiURL   string
	apiToken string
)

var rootCmd = &cobra.Command{
	Use:   "localsm",
	Short: "Manage local game server instances",
	Long: fmt.Sprintf(`%s

Run game servers from folders on this machine, expose them through a tunnel,
and follow their consoles from the HTTP API or this CLI.

Run '%s' to start the manager.`, bold("LocalSM"), cyan("localsm serve")),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional
		_ = godotenv.Load()
		if apiURL == "" {
			apiURL = envOr("LSM_API_URL", defaultAPIURL)
		}
		if apiToken == "" {
			apiToken = os.Getenv("LSM_TOKEN")
		}
		if apiToken == "" {
			apiToken = readSavedToken()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "manager API URL (env LSM_API_URL)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "access token (env LSM_TOKEN)")
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func newClient() (*client.Client, error) {
	return client.New(apiURL, apiToken)
}

func tokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "localsm", "token"), nil
}

func readSavedToken() string {
	path, err := tokenPath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveToken(token string) (string, error) {
	path, err := tokenPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(token+"\n"), 0600)
}
