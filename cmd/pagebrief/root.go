package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/ManuelReschke/PageBrief/internal/pkg/env"
	"github.com/ManuelReschke/PageBrief/internal/pkg/mirror"
)

// cliState is shared by all subcommands. The mirror is opened lazily so
// --help works without a writable state directory.
type cliState struct {
	serverURL string
	dbPath    string

	store  *mirror.SQLiteStore
	client *mirror.Client
	mirror *mirror.Mirror
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pagebrief.db"
	}
	return filepath.Join(dir, "pagebrief", "mirror.db")
}

func (s *cliState) open(cmd *cobra.Command) error {
	if s.mirror != nil {
		return nil
	}
	if dir := filepath.Dir(s.dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}
	store, err := mirror.OpenSQLite(cmd.Context(), s.dbPath)
	if err != nil {
		return err
	}
	s.store = store
	s.client = mirror.NewClient(s.serverURL)
	s.mirror = mirror.New(store, s.client, clock.Real(), env.Location())
	return nil
}

func (s *cliState) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func NewRootCommand(version, commit, date string) *cobra.Command {
	env.SetupEnvFile()
	state := &cliState{}

	rootCmd := &cobra.Command{
		Use:   "pagebrief",
		Short: "PageBrief client - account, quota and license management",
		Long: `pagebrief talks to a PageBrief server and keeps a local mirror of the
account state: remaining summaries for today, license and pending orders.

The server's answer always wins over the local mirror.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			state.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&state.serverURL, "server",
		env.GetEnv("PAGEBRIEF_SERVER", "http://localhost:4000"), "PageBrief server base URL")
	rootCmd.PersistentFlags().StringVar(&state.dbPath, "db",
		env.GetEnv("PAGEBRIEF_DB", defaultDBPath()), "path of the local mirror database")

	// Add subcommands
	rootCmd.AddCommand(
		newSendCodeCommand(state),
		newRegisterCommand(state),
		newLoginCommand(state),
		newLogoutCommand(state),
		newStatusCommand(state),
		newGateCommand(state),
		newActivateCommand(state),
		newPlansCommand(state),
		newBuyCommand(state),
		newCleanupCommand(state),
	)

	return rootCmd
}
