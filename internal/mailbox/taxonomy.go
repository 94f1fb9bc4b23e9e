package mailbox

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v4"
)

// Strategy is how a category is located on the server
type Strategy int

const (
	StrategyFolder Strategy = iota // first existing candidate folder
	StrategyLabel                  // label overlay on INBOX plus first existing candidate folder
	StrategySender                 // sender substring search on INBOX
)

func (s Strategy) String() string {
	switch s {
	case StrategyLabel:
		return "label"
	case StrategySender:
		return "sender"
	default:
		return "folder"
	}
}

// Rule describes where one category lives
type Rule struct {
	Folders    []string `yaml:"folders,omitempty"`     // candidate names, probed in order
	Label      string   `yaml:"label,omitempty"`       // provider label, e.g. "promotions"
	Sender     string   `yaml:"sender,omitempty"`      // FROM substring, e.g. "noreply"
	SpecialUse string   `yaml:"special_use,omitempty"` // RFC 6154 fallback, e.g. \Junk
}

// Strategy returns the single strategy the rule selects
func (r Rule) Strategy() Strategy {
	switch {
	case r.Label != "":
		return StrategyLabel
	case r.Sender != "":
		return StrategySender
	default:
		return StrategyFolder
	}
}

func (r Rule) validate() error {
	switch {
	case r.Label != "" && r.Sender != "":
		return errors.New("label and sender are mutually exclusive")
	case r.Sender != "" && (len(r.Folders) > 0 || r.SpecialUse != ""):
		return errors.New("sender rules search INBOX only and take no folders")
	case r.Label != "" && r.SpecialUse != "":
		return errors.New("special_use applies to plain folder rules only")
	case r.Label == "" && r.Sender == "" && len(r.Folders) == 0 && r.SpecialUse == "":
		return errors.New("rule needs folders, a label or a sender")
	}
	return nil
}

// FolderRef is a resolved place to search. Label and Sender narrow the search.
type FolderRef struct {
	Path   string
	Label  string
	Sender string
}

func (r FolderRef) String() string {
	switch {
	case r.Label != "":
		return r.Path + " (label " + r.Label + ")"
	case r.Sender != "":
		return r.Path + " (from " + r.Sender + ")"
	}
	return r.Path
}

// Taxonomy maps category names to rules. It is immutable once built.
type Taxonomy struct {
	rules map[string]Rule
}

// NewTaxonomy validates and copies rules. Category names are case-insensitive.
func NewTaxonomy(rules map[string]Rule) (*Taxonomy, error) {
	if len(rules) == 0 {
		return nil, errors.New("taxonomy has no categories")
	}

	t := &Taxonomy{rules: make(map[string]Rule, len(rules))}
	for name, r := range rules {
		key := normalize(name)
		if key == "" {
			return nil, errors.New("empty category name")
		}
		if _, dup := t.rules[key]; dup {
			return nil, fmt.Errorf("category %q defined twice", key)
		}
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("category %q: %w", key, err)
		}
		r.Folders = append([]string(nil), r.Folders...)
		t.rules[key] = r
	}
	return t, nil
}

// DefaultTaxonomy covers Gmail categories and the usual folder names of
// Outlook, Yahoo, Yandex, Mail.ru, iCloud and Dovecot-style servers.
func DefaultTaxonomy() *Taxonomy {
	t, err := NewTaxonomy(map[string]Rule{
		"promotional": {
			Label:   "promotions",
			Folders: []string{"Promotions", "INBOX.Promotions", "INBOX/Promotions"},
		},
		"social": {
			Label:   "social",
			Folders: []string{"Social", "INBOX.Social", "INBOX/Social", "Social Networks"},
		},
		"updates": {
			Label:   "updates",
			Folders: []string{"Updates", "INBOX.Updates", "INBOX/Updates", "Newsletters"},
		},
		"purchases": {
			Label:   "purchases",
			Folders: []string{"Purchases", "INBOX.Purchases", "INBOX/Purchases"},
		},
		"spam": {
			Folders:    []string{"[Gmail]/Spam", "Spam", "Junk", "Junk E-mail", "Bulk Mail", "INBOX.Spam", "INBOX.Junk"},
			SpecialUse: `\Junk`,
		},
		"trash": {
			Folders:    []string{"[Gmail]/Trash", "Trash", "Deleted Items", "Deleted Messages", "INBOX.Trash"},
			SpecialUse: `\Trash`,
		},
		"noreply": {
			Sender: "noreply",
		},
	})
	if err != nil {
		panic(err)
	}
	return t
}

type taxonomyFile struct {
	Categories map[string]Rule `yaml:"categories"`
}

// LoadTaxonomy reads a YAML taxonomy that replaces the default one
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy file: %w", err)
	}

	var f taxonomyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}

	t, err := NewTaxonomy(f.Categories)
	if err != nil {
		return nil, fmt.Errorf("validate taxonomy: %w", err)
	}
	return t, nil
}

// Categories returns the known category names, sorted
func (t *Taxonomy) Categories() []string {
	names := make([]string, 0, len(t.rules))
	for name := range t.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rule returns a copy of the rule for category
func (t *Taxonomy) Rule(category string) (Rule, bool) {
	r, ok := t.rules[normalize(category)]
	if !ok {
		return Rule{}, false
	}
	r.Folders = append([]string(nil), r.Folders...)
	return r, true
}

// Resolve returns where category lives in tree. An unknown category or one
// with no matching folder resolves to nothing.
func (t *Taxonomy) Resolve(category string, tree *Tree) []FolderRef {
	r, ok := t.rules[normalize(category)]
	if !ok {
		return nil
	}

	inbox := tree.Inbox().Name
	switch r.Strategy() {
	case StrategyLabel:
		refs := []FolderRef{{Path: inbox, Label: r.Label}}
		if f, ok := firstExisting(tree, r.Folders); ok && !strings.EqualFold(f.Name, inbox) {
			refs = append(refs, FolderRef{Path: f.Name})
		}
		return refs
	case StrategySender:
		return []FolderRef{{Path: inbox, Sender: r.Sender}}
	default:
		if f, ok := firstExisting(tree, r.Folders); ok {
			return []FolderRef{{Path: f.Name}}
		}
		if f, ok := tree.FindSpecialUse(r.SpecialUse); ok {
			return []FolderRef{{Path: f.Name}}
		}
		return nil
	}
}

func firstExisting(tree *Tree, candidates []string) (Folder, bool) {
	for _, name := range candidates {
		if f, ok := tree.Find(name); ok {
			return f, true
		}
	}
	return Folder{}, false
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
