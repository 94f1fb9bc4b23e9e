package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/pkg/models"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <account>",
	Short: "Fetch new mail for an account and triage it",
	Long: `Fetch searches INBOX, stores messages not seen before and runs triage on them.
The account is given by id or email address.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <account> <category>...",
	Short: "Delete mail in the given categories",
	Long: `Cleanup resolves each category to the account's folders or labels, then flags
and expunges everything it finds there. Deleted mail cannot be recovered.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCleanup,
}

func init() {
	fetchCmd.Flags().Int("limit", 0, "most recent matches to process (default FETCH_LIMIT)")
	fetchCmd.Flags().String("search", "unseen", "which messages to consider: unseen, seen or all")
	fetchCmd.Flags().Bool("no-triage", false, "store messages without running triage")

	rootCmd.AddCommand(fetchCmd, cleanupCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")
	search, _ := cmd.Flags().GetString("search")
	noTriage, _ := cmd.Flags().GetBool("no-triage")

	criteria, err := email.ParseSearch(search)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	account, err := a.lookupAccount(cmd, args[0])
	if err != nil {
		return err
	}

	msgs, fetchErr := a.service.FetchNewMail(ctx, account, email.FetchOptions{
		Criteria: criteria,
		Limit:    limit,
	})
	if len(msgs) > 0 && !noTriage {
		sum := a.processor.Process(ctx, account, msgs)
		a.logger.Info("triage finished", "replied", sum.Replied, "drafted", sum.Drafted, "deferred", sum.Deferred)
	}

	if err := printJSON(map[string]any{"messages": msgs, "count": len(msgs)}); err != nil {
		return err
	}
	return fetchErr
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	account, err := a.lookupAccount(cmd, args[0])
	if err != nil {
		return err
	}

	tally, err := a.service.CleanupByCategory(ctx, account, args[1:])
	if err != nil {
		return err
	}
	return printJSON(tally)
}

// lookupAccount accepts a numeric id or an email address
func (a *app) lookupAccount(cmd *cobra.Command, ref string) (*models.Account, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		account, err := a.db.GetAccountByID(cmd.Context(), id)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", id, err)
		}
		return account, nil
	}

	account, err := a.db.GetAccountByEmail(cmd.Context(), ref)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", ref, err)
	}
	return account, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
