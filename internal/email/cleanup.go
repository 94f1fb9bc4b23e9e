package email

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mixelka/mailtriage/internal/mailbox"
)

// Stage is a step of the per-folder deletion sequence
type Stage int

const (
	StageSelect Stage = iota
	StageSearch
	StageFlag
	StageExpunge
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageSelect:
		return "select"
	case StageSearch:
		return "search"
	case StageFlag:
		return "flag"
	case StageExpunge:
		return "expunge"
	default:
		return "done"
	}
}

// FolderResult is the outcome for one resolved folder. On failure Stage is
// the step that failed and Deleted is zero.
type FolderResult struct {
	Folder  mailbox.FolderRef
	Stage   Stage
	Matched int
	Deleted int
	Err     error
}

// CategoryResult collects the folder outcomes of one category
type CategoryResult struct {
	Category string
	Known    bool
	Folders  []FolderResult
}

// Deleted sums the successful folders
func (r CategoryResult) Deleted() int {
	var n int
	for _, f := range r.Folders {
		if f.Err == nil {
			n += f.Deleted
		}
	}
	return n
}

// Tally is the result of a cleanup run. Every requested category has an entry.
type Tally struct {
	PerCategory map[string]int `json:"per_category"`
	Total       int            `json:"total_deleted"`
}

// Reduce folds category results into a tally
func Reduce(results []CategoryResult) *Tally {
	t := &Tally{PerCategory: make(map[string]int, len(results))}
	for _, r := range results {
		n := r.Deleted()
		t.PerCategory[r.Category] += n
		t.Total += n
	}
	return t
}

// Cleaner deletes mail by category across the folders each category maps to
type Cleaner struct {
	taxonomy *mailbox.Taxonomy
	logger   *slog.Logger
}

// NewCleaner creates a new cleanup orchestrator
func NewCleaner(taxonomy *mailbox.Taxonomy, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		taxonomy: taxonomy,
		logger:   logger.With("component", "cleaner"),
	}
}

// Cleanup processes categories one after another, and within a category its
// folders in resolution order. A failing folder contributes nothing and never
// stops the run. Once ctx is done the remaining folders fail without
// commands being sent.
func (c *Cleaner) Cleanup(ctx context.Context, conn Conn, categories []string) []CategoryResult {
	categories = dedupe(categories)

	folders, err := conn.ListFolders(ctx)
	if err != nil {
		// INBOX is always there, so label and sender categories still work.
		c.logger.Error("failed to list folders", "error", err)
		folders = nil
	}
	tree := mailbox.BuildTree(folders)

	results := make([]CategoryResult, 0, len(categories))
	for _, category := range categories {
		results = append(results, c.cleanCategory(ctx, conn, tree, category))
	}
	return results
}

func (c *Cleaner) cleanCategory(ctx context.Context, conn Conn, tree *mailbox.Tree, category string) CategoryResult {
	logger := c.logger.With("category", category)
	_, known := c.taxonomy.Rule(category)
	result := CategoryResult{Category: category, Known: known}

	if !known {
		logger.Warn("unknown category")
		return result
	}

	refs := c.taxonomy.Resolve(category, tree)
	if len(refs) == 0 {
		logger.Info("no folder found for category")
		return result
	}

	for _, ref := range refs {
		res := c.cleanFolder(ctx, conn, ref)
		if res.Err != nil {
			logger.Error("folder cleanup failed", "folder", ref.String(), "stage", res.Stage, "error", res.Err)
		} else {
			logger.Info("folder cleaned", "folder", ref.String(), "deleted", res.Deleted)
		}
		result.Folders = append(result.Folders, res)
	}
	return result
}

// cleanFolder drives one folder through select, search, flag and expunge.
func (c *Cleaner) cleanFolder(ctx context.Context, conn Conn, ref mailbox.FolderRef) FolderResult {
	res := FolderResult{Folder: ref, Stage: StageSelect}
	var ids []uint32

	for res.Stage != StageDone {
		if err := ctx.Err(); err != nil {
			res.Err = newError(ErrTimeout, res.Stage.String(), err)
			return res
		}

		var err error
		switch res.Stage {
		case StageSelect:
			if _, err = conn.Select(ctx, ref.Path, false); err == nil {
				res.Stage = StageSearch
			}
		case StageSearch:
			if ids, err = conn.Search(ctx, folderCriteria(ref)); err == nil {
				res.Matched = len(ids)
				res.Stage = StageFlag
				if len(ids) == 0 {
					res.Stage = StageDone
				}
			}
		case StageFlag:
			if err = conn.MarkDeleted(ctx, ids); err == nil {
				res.Stage = StageExpunge
			}
		case StageExpunge:
			// Flags set by the previous step stay when this fails.
			if err = conn.Expunge(ctx); err == nil {
				res.Deleted = res.Matched
				res.Stage = StageDone
			}
		}
		if err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

func folderCriteria(ref mailbox.FolderRef) Criteria {
	switch {
	case ref.Label != "":
		return Criteria{Label: ref.Label}
	case ref.Sender != "":
		return Criteria{From: ref.Sender}
	}
	return Criteria{}
}

// dedupe drops blank names and case-insensitive repeats, keeping the first
// spelling of each in first-seen order.
func dedupe(categories []string) []string {
	seen := make(map[string]bool, len(categories))
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
