package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapscribe/tapscribe/internal/logger"
	"github.com/tapscribe/tapscribe/internal/store"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Inspect and manage recoverable sessions",
	Long: `Inspect sessions that ended abnormally.

A session whose pipeline closed without a clean exit stays recoverable for
24 hours; after that it is archived automatically. Use "list" to see what
can be recovered and "dismiss" to archive a session you don't want back.`,
}

var recoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recoverable sessions",
	RunE:  runRecoverList,
}

var recoverDismissCmd = &cobra.Command{
	Use:   "dismiss <session-id>",
	Short: "Archive a recoverable session",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecoverDismiss,
}

func init() {
	recoverCmd.AddCommand(recoverListCmd)
	recoverCmd.AddCommand(recoverDismissCmd)
	rootCmd.AddCommand(recoverCmd)
}

func openStore() (*store.SQLiteStore, error) {
	logger.InitQuiet()
	cfg := loadDaemonConfig()
	recoveryWindow := time.Duration(cfg.Store.RecoveryWindowHours) * time.Hour
	return store.NewSQLiteStore(cfg.Store.DBPath, recoveryWindow, nil)
}

func runRecoverList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	sessions, err := st.ListRecoverable()
	if err != nil {
		return fmt.Errorf("failed to list recoverable sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No recoverable sessions")
		return nil
	}

	fmt.Printf("%d recoverable session(s):\n\n", len(sessions))
	for _, s := range sessions {
		fmt.Printf("  %s\n", s.SessionID)
		fmt.Printf("    conversation: %s\n", s.ConversationID)
		fmt.Printf("    turns:        %d\n", s.TurnCount)
		fmt.Printf("    last update:  %s\n\n", s.LastUpdated.Format(time.RFC3339))
	}
	return nil
}

func runRecoverDismiss(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	sessionID := args[0]
	if err := st.Dismiss(sessionID); err != nil {
		return fmt.Errorf("failed to dismiss session: %w", err)
	}

	fmt.Printf("Session %s dismissed\n", sessionID)
	return nil
}
