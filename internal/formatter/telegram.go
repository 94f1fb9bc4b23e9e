package formatter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/pkg/models"
)

// maxListed caps how many messages a fetch summary names
const maxListed = 10

// TelegramFormatter formats operation summaries for Telegram
type TelegramFormatter struct {
	maxLength int
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter() *TelegramFormatter {
	return &TelegramFormatter{
		maxLength: 4000, // Leave room for markup
	}
}

// FormatFetched summarizes newly stored messages
func (f *TelegramFormatter) FormatFetched(account *models.Account, msgs []*models.Message) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("<b>%s</b>: %d new message(s)\n\n", f.escapeHTML(account.Email), len(msgs)))

	for i, msg := range msgs {
		if i == maxListed {
			sb.WriteString(fmt.Sprintf("<i>... and %d more</i>\n", len(msgs)-maxListed))
			break
		}

		from := f.escapeHTML(msg.FromAddr)
		if msg.FromName != "" {
			from = fmt.Sprintf("%s &lt;%s&gt;", f.escapeHTML(msg.FromName), f.escapeHTML(msg.FromAddr))
		}
		subject := msg.Subject
		if subject == "" {
			subject = "(no subject)"
		}

		sb.WriteString(fmt.Sprintf("• %s\n  %s\n", from, f.escapeHTML(f.truncate(subject, 120))))
	}

	return f.clip(sb.String())
}

// FormatCleanup summarizes a cleanup tally, categories in name order
func (f *TelegramFormatter) FormatCleanup(account *models.Account, tally *email.Tally) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("<b>%s</b>: cleanup removed %d message(s)\n\n", f.escapeHTML(account.Email), tally.Total))

	names := make([]string, 0, len(tally.PerCategory))
	for name := range tally.PerCategory {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sb.WriteString(fmt.Sprintf("<code>%s</code>: %d\n", f.escapeHTML(name), tally.PerCategory[name]))
	}

	return f.clip(sb.String())
}

// FormatError describes a failed operation with its remediation hint
func (f *TelegramFormatter) FormatError(account *models.Account, op string, err error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("<b>%s</b>: %s failed\n", f.escapeHTML(account.Email), f.escapeHTML(op)))
	sb.WriteString(fmt.Sprintf("<code>%s</code>\n", f.escapeHTML(f.truncate(err.Error(), 500))))
	if hint := email.Hint(err); hint != "" {
		sb.WriteString(fmt.Sprintf("\n<i>%s</i>", f.escapeHTML(hint)))
	}

	return f.clip(sb.String())
}

// escapeHTML escapes HTML special characters for Telegram
func (f *TelegramFormatter) escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate truncates text to maxLen characters
func (f *TelegramFormatter) truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

// clip keeps a whole message under the Telegram limit, cutting at a line break
func (f *TelegramFormatter) clip(s string) string {
	if len([]rune(s)) <= f.maxLength {
		return s
	}
	cut := string([]rune(s)[:f.maxLength])
	if i := strings.LastIndex(cut, "\n"); i > 0 {
		cut = cut[:i]
	}
	return cut + "\n<i>... (truncated)</i>"
}
