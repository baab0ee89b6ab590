package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/TheGojiOG/LocalSM/internal/auth"
	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/crypto"
	"github.com/TheGojiOG/LocalSM/internal/database"
	"github.com/TheGojiOG/LocalSM/internal/server"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read()
		if err != nil {
			return err
		}
		db, err := database.NewDB(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		pending, err := db.PendingMigrations()
		if err != nil {
			return err
		}
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		for _, name := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("applied"), name)
		}
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
		}
		return nil
	},
}

var hashCost int

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print a bcrypt hash for operator_password_hash",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := ""
		if len(args) == 1 {
			password = args[0]
		}
		if password == "" {
			password = os.Getenv("LSM_PASSWORD")
		}
		if password == "" {
			line, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			password = line
		}
		if password == "" {
			return fmt.Errorf("password is required (argument, LSM_PASSWORD or stdin)")
		}

		hash, err := auth.HashPassword(password, hashCost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate an ENCRYPTION_KEY for sealing config secrets",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var encryptSecretCmd = &cobra.Command{
	Use:   "encrypt-secret [value]",
	Short: "Seal a backup destination secret with ENCRYPTION_KEY",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		em, err := crypto.FromEnv()
		if err != nil {
			return err
		}
		value := ""
		if len(args) == 1 {
			value = args[0]
		} else if value, err = readLine(cmd.InOrStdin()); err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("value is required")
		}
		sealed, err := em.Seal(value)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered servers from the manifest (offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Read()
		if err != nil {
			return err
		}
		infos, err := server.ReadManifest(cfg.ManifestPath())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no servers registered in %s\n", cfg.ManifestPath())
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tID\tFOLDER\tARTIFACT URL")
		for _, info := range infos {
			artifact := "-"
			if info.ArtifactURL != nil {
				artifact = *info.ArtifactURL
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, info.ID, info.FolderPath, artifact)
		}
		return tw.Flush()
	},
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func init() {
	hashPasswordCmd.Flags().IntVar(&hashCost, "cost", 12, "bcrypt cost")
	rootCmd.AddCommand(migrateCmd, hashPasswordCmd, genKeyCmd, encryptSecretCmd, listCmd)
}
