package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/pkg/models"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage mail accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Add an account after checking that it can log in",
	Long: `Add stores a mail account. Servers are detected from the address unless given.
The app password is read from --password or, if omitted, from the first line of stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountAdd,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccountList,
}

var accountSetCmd = &cobra.Command{
	Use:   "set <account>",
	Short: "Change how an account answers mail",
	Long:  `Set updates the reply settings of an account given by id or email. Flags left unset keep their current value.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountSet,
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <account>",
	Short: "Remove an account and its stored messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountRemove,
}

func init() {
	f := accountAddCmd.Flags()
	f.String("password", "", "app password (read from stdin when empty)")
	f.String("imap", "", "IMAP server host:port (auto-detected when empty)")
	f.String("smtp", "", "SMTP server host:port (auto-detected when empty)")
	f.Bool("auto-reply", false, "send drafted replies without review")
	f.String("tone", "neutral", "tone for drafted replies")
	f.Bool("skip-check", false, "store without a test login")

	f = accountSetCmd.Flags()
	f.Bool("auto-reply", false, "send drafted replies without review")
	f.String("tone", "", "tone for drafted replies")

	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountSetCmd, accountRemoveCmd)
	rootCmd.AddCommand(accountCmd)
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f := cmd.Flags()

	address := strings.TrimSpace(args[0])
	if email.GetDomainFromEmail(address) == "" {
		return fmt.Errorf("invalid email address %q", address)
	}

	password, _ := f.GetString("password")
	if password == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password from stdin: %w", err)
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		return fmt.Errorf("password is required")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	imapServer, _ := f.GetString("imap")
	smtpServer, _ := f.GetString("smtp")
	endpoints := email.Endpoints{
		IMAPServer:   imapServer,
		IMAPSecurity: email.SecurityForAddr(imapServer),
		SMTPServer:   smtpServer,
		SMTPSecurity: email.SecurityForAddr(smtpServer),
	}
	if imapServer == "" || smtpServer == "" {
		detected, err := email.ResolveServers(ctx, address)
		if err != nil {
			return fmt.Errorf("failed to detect mail servers, pass --imap and --smtp: %w", err)
		}
		if imapServer == "" {
			endpoints.IMAPServer, endpoints.IMAPSecurity = detected.IMAPServer, detected.IMAPSecurity
		}
		if smtpServer == "" {
			endpoints.SMTPServer, endpoints.SMTPSecurity = detected.SMTPServer, detected.SMTPSecurity
		}
	}
	a.logger.Info("using mail servers", "imap", endpoints.IMAPServer, "smtp", endpoints.SMTPServer)

	if skip, _ := f.GetBool("skip-check"); !skip {
		err := a.service.TestConnection(ctx, email.Credentials{
			Email:    address,
			Password: password,
			Server:   endpoints.IMAPServer,
			Security: endpoints.IMAPSecurity,
		})
		if err != nil {
			return fmt.Errorf("test login failed: %w", err)
		}
	}

	sealed, err := a.box.Seal(password)
	if err != nil {
		return err
	}

	autoReply, _ := f.GetBool("auto-reply")
	tone, _ := f.GetString("tone")

	account := &models.Account{
		Email:        address,
		Password:     sealed,
		IMAPServer:   endpoints.IMAPServer,
		IMAPSecurity: endpoints.IMAPSecurity,
		SMTPServer:   endpoints.SMTPServer,
		SMTPSecurity: endpoints.SMTPSecurity,
		AutoReply:    autoReply,
		ReplyTone:    strings.ToLower(strings.TrimSpace(tone)),
	}
	if err := a.db.CreateAccount(ctx, account); err != nil {
		return err
	}

	fmt.Printf("added account %d (%s)\n", account.ID, account.Email)
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	accounts, err := a.db.ListAccounts(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tIMAP\tSMTP\tAUTO-REPLY\tTONE")
	for _, acc := range accounts {
		fmt.Fprintf(w, "%d\t%s\t%s (%s)\t%s (%s)\t%v\t%s\n",
			acc.ID, acc.Email, acc.IMAPServer, acc.IMAPSecurity, acc.SMTPServer, acc.SMTPSecurity, acc.AutoReply, acc.ReplyTone)
	}
	return w.Flush()
}

func runAccountSet(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	if !f.Changed("auto-reply") && !f.Changed("tone") {
		return fmt.Errorf("nothing to change, pass --auto-reply or --tone")
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	account, err := a.lookupAccount(cmd, args[0])
	if err != nil {
		return err
	}

	autoReply, tone := account.AutoReply, account.ReplyTone
	if f.Changed("auto-reply") {
		autoReply, _ = f.GetBool("auto-reply")
	}
	if f.Changed("tone") {
		tone, _ = f.GetString("tone")
		tone = strings.ToLower(strings.TrimSpace(tone))
	}

	if err := a.db.SetAccountAutoReply(cmd.Context(), account.ID, autoReply, tone); err != nil {
		return err
	}
	a.logger.Info("account updated", "account_id", account.ID, "auto_reply", autoReply, "tone", tone)

	fmt.Printf("account %d (%s): auto-reply=%v tone=%s\n", account.ID, account.Email, autoReply, tone)
	return nil
}

func runAccountRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	account, err := a.lookupAccount(cmd, args[0])
	if err != nil {
		return err
	}
	if err := a.db.DeleteAccount(cmd.Context(), account.ID); err != nil {
		return err
	}
	a.logger.Info("account removed", "account_id", account.ID, "email", account.Email)

	fmt.Printf("removed account %d (%s)\n", account.ID, account.Email)
	return nil
}
