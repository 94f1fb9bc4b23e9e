package email

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
)

// Criteria selects messages within the selected folder
type Criteria struct {
	Unseen bool
	Seen   bool
	Since  time.Time
	From   string // substring of the From header
	Label  string // Gmail category, searched with X-GM-RAW
}

// ParseSearch maps the API search keyword onto Criteria. Empty means unseen.
func ParseSearch(s string) (Criteria, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unseen", "unread":
		return Criteria{Unseen: true}, nil
	case "all":
		return Criteria{}, nil
	case "seen", "read":
		return Criteria{Seen: true}, nil
	}
	return Criteria{}, fmt.Errorf("unknown search %q, want unseen, seen or all", s)
}

func (c Criteria) searchCriteria() *imap.SearchCriteria {
	sc := imap.NewSearchCriteria()
	if c.Unseen {
		sc.WithoutFlags = []string{imap.SeenFlag}
	}
	if c.Seen {
		sc.WithFlags = []string{imap.SeenFlag}
	}
	if !c.Since.IsZero() {
		sc.Since = c.Since
	}
	if c.From != "" {
		sc.Header.Add("From", c.From)
	}
	return sc
}

func (c Criteria) String() string {
	var parts []string
	if c.Label != "" {
		parts = append(parts, "label:"+c.Label)
	}
	if c.Unseen {
		parts = append(parts, "unseen")
	}
	if c.Seen {
		parts = append(parts, "seen")
	}
	if !c.Since.IsZero() {
		parts = append(parts, "since:"+c.Since.Format("2006-01-02"))
	}
	if c.From != "" {
		parts = append(parts, "from:"+c.From)
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, " ")
}
