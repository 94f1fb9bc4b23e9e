// Package mailbox maps logical mail categories onto the folders a server actually has.
package mailbox

import (
	"strings"
)

const (
	inboxName    = "INBOX"
	noSelectAttr = `\Noselect`
)

// Folder is one entry of a LIST response
type Folder struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// HasAttr reports whether the folder carries attr, compared case-insensitively
func (f Folder) HasAttr(attr string) bool {
	for _, a := range f.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// Selectable reports whether the folder can be opened
func (f Folder) Selectable() bool {
	return !f.HasAttr(noSelectAttr)
}

type node struct {
	folder   *Folder // nil for parents the server never listed
	children map[string]*node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Tree is the server's folder hierarchy. Children hang off their parent in a
// map keyed by lower-cased name segment.
type Tree struct {
	root       *node
	folders    []Folder
	delimiters []string
}

// BuildTree builds the hierarchy from a flat LIST result. INBOX is always present.
func BuildTree(folders []Folder) *Tree {
	t := &Tree{root: newNode()}
	for _, f := range folders {
		t.insert(f)
	}
	if _, ok := t.Find(inboxName); !ok {
		t.insert(Folder{Name: inboxName})
	}
	return t
}

func (t *Tree) insert(f Folder) {
	if f.Delimiter != "" && !contains(t.delimiters, f.Delimiter) {
		t.delimiters = append(t.delimiters, f.Delimiter)
	}

	n := t.root
	for _, seg := range split(f.Name, f.Delimiter) {
		key := strings.ToLower(seg)
		child, ok := n.children[key]
		if !ok {
			child = newNode()
			n.children[key] = child
		}
		n = child
	}

	folder := f
	n.folder = &folder
	t.folders = append(t.folders, folder)
}

// Find walks the hierarchy for path and returns the folder under the
// server's own spelling. Paths are tried with every delimiter the server
// reported; unselectable folders never match.
func (t *Tree) Find(path string) (Folder, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Folder{}, false
	}

	delims := t.delimiters
	if len(delims) == 0 {
		delims = []string{""}
	}
	for _, d := range delims {
		if n := t.walk(split(path, d)); n != nil && n.folder != nil && n.folder.Selectable() {
			return *n.folder, true
		}
	}
	return Folder{}, false
}

func (t *Tree) walk(segments []string) *node {
	n := t.root
	for _, seg := range segments {
		child, ok := n.children[strings.ToLower(seg)]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// FindSpecialUse returns the first selectable folder carrying an RFC 6154
// attribute such as \Junk or \Trash, in listing order.
func (t *Tree) FindSpecialUse(attr string) (Folder, bool) {
	if attr == "" {
		return Folder{}, false
	}
	for _, f := range t.folders {
		if f.Selectable() && f.HasAttr(attr) {
			return f, true
		}
	}
	return Folder{}, false
}

// Inbox returns the primary inbox folder
func (t *Tree) Inbox() Folder {
	f, _ := t.Find(inboxName)
	return f
}

func split(name, delim string) []string {
	if delim == "" {
		return []string{name}
	}
	return strings.Split(name, delim)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
