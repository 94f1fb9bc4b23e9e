package email

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/mixelka/mailtriage/internal/mailbox"
)

func TestCleanupScenario(t *testing.T) {
	conn := newFakeConn(map[string]*fakeBox{
		"INBOX": {
			all:     seqRange(1, 20),
			labeled: map[string][]uint32{"promotions": {4, 9, 12}},
		},
		"Promotions": {all: seqRange(1, 2)},
		"Spam":       {all: seqRange(1, 5)},
	})
	c := NewCleaner(mailbox.DefaultTaxonomy(), testLogger())

	tally := Reduce(c.Cleanup(context.Background(), conn, []string{"promotional", "spam"}))

	want := map[string]int{"promotional": 5, "spam": 5}
	if !reflect.DeepEqual(tally.PerCategory, want) {
		t.Fatalf("tally = %v, want %v", tally.PerCategory, want)
	}
	if tally.Total != 10 {
		t.Fatalf("total = %d, want 10", tally.Total)
	}
	if got := conn.flagged["INBOX"]; !reflect.DeepEqual(got, []uint32{4, 9, 12}) {
		t.Fatalf("flagged in INBOX %v, want only the labeled messages", got)
	}
}

func TestCleanupFolderFailureDoesNotStopRun(t *testing.T) {
	conn := newFakeConn(map[string]*fakeBox{
		"INBOX":  {labeled: map[string][]uint32{"social": {7}}},
		"Social": {all: seqRange(1, 2)},
		"Spam":   {all: seqRange(1, 3)},
	})
	conn.failOn["expunge:Social"] = newError(ErrProtocol, "expunge", errors.New("NO expunge failed"))
	c := NewCleaner(mailbox.DefaultTaxonomy(), testLogger())

	results := c.Cleanup(context.Background(), conn, []string{"social", "spam"})
	tally := Reduce(results)

	if want := map[string]int{"social": 1, "spam": 3}; !reflect.DeepEqual(tally.PerCategory, want) {
		t.Fatalf("tally = %v, want %v", tally.PerCategory, want)
	}

	social := results[0].Folders[1]
	if social.Folder.Path != "Social" || social.Stage != StageExpunge || social.Deleted != 0 || social.Matched != 2 {
		t.Fatalf("unexpected Social result: %+v", social)
	}
	if !errors.Is(social.Err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", social.Err)
	}
	// Flags set before the failed expunge are left alone.
	if got := conn.flagged["Social"]; len(got) != 2 {
		t.Fatalf("expected Social messages flagged, got %v", got)
	}
}

func TestCleanupEachStageFailure(t *testing.T) {
	for _, stage := range []Stage{StageSelect, StageSearch, StageFlag, StageExpunge} {
		t.Run(stage.String(), func(t *testing.T) {
			conn := newFakeConn(map[string]*fakeBox{
				"INBOX": {},
				"Spam":  {all: seqRange(1, 3)},
				"Trash": {all: seqRange(1, 4)},
			})
			conn.failOn[stage.String()+":Spam"] = newError(ErrProtocol, stage.String(), errors.New("rejected"))

			results := NewCleaner(mailbox.DefaultTaxonomy(), testLogger()).
				Cleanup(context.Background(), conn, []string{"spam", "trash"})
			tally := Reduce(results)

			if want := map[string]int{"spam": 0, "trash": 4}; !reflect.DeepEqual(tally.PerCategory, want) {
				t.Fatalf("tally = %v, want %v", tally.PerCategory, want)
			}
			if got := results[0].Folders[0].Stage; got != stage {
				t.Fatalf("failed at %s, want %s", got, stage)
			}
		})
	}
}

func TestCleanupZeroFolderCategory(t *testing.T) {
	conn := newFakeConn(map[string]*fakeBox{"INBOX": {}})

	results := NewCleaner(mailbox.DefaultTaxonomy(), testLogger()).
		Cleanup(context.Background(), conn, []string{"trash", "bogus"})
	tally := Reduce(results)

	if want := map[string]int{"trash": 0, "bogus": 0}; !reflect.DeepEqual(tally.PerCategory, want) {
		t.Fatalf("tally = %v, want %v", tally.PerCategory, want)
	}
	if results[1].Known {
		t.Fatal("expected bogus to be reported unknown")
	}
	if n := conn.countCalls("select"); n != 0 {
		t.Fatalf("expected no select, got %d", n)
	}
}

func TestCleanupSenderCategory(t *testing.T) {
	conn := newFakeConn(map[string]*fakeBox{
		"INBOX": {
			all:  seqRange(1, 10),
			from: map[string][]uint32{"noreply": {2, 5}},
		},
	})

	tally := Reduce(NewCleaner(mailbox.DefaultTaxonomy(), testLogger()).
		Cleanup(context.Background(), conn, []string{"noreply"}))

	if tally.PerCategory["noreply"] != 2 {
		t.Fatalf("expected 2 deleted, got %v", tally.PerCategory)
	}
	if got := conn.flagged["INBOX"]; !reflect.DeepEqual(got, []uint32{2, 5}) {
		t.Fatalf("flagged %v", got)
	}
}

func TestCleanupDeduplicatesCategories(t *testing.T) {
	conn := newFakeConn(map[string]*fakeBox{
		"INBOX": {},
		"Spam":  {all: seqRange(1, 3)},
	})

	results := NewCleaner(mailbox.DefaultTaxonomy(), testLogger()).
		Cleanup(context.Background(), conn, []string{"Spam", " spam ", "SPAM"})

	if len(results) != 1 {
		t.Fatalf("expected one category result, got %d", len(results))
	}
	tally := Reduce(results)
	if want := map[string]int{"Spam": 3}; !reflect.DeepEqual(tally.PerCategory, want) {
		t.Fatalf("tally = %v, want it keyed by the first requested spelling", tally.PerCategory)
	}
	if n := conn.countCalls("expunge"); n != 1 {
		t.Fatalf("expected one expunge, got %d", n)
	}
}

func TestCleanupListFailureFallsBackToInbox(t *testing.T) {
	conn := newFakeConn(map[string]*fakeBox{
		"INBOX": {from: map[string][]uint32{"noreply": {1}}},
		"Spam":  {all: seqRange(1, 3)},
	})
	conn.listErr = newError(ErrProtocol, "list", errors.New("BAD"))

	tally := Reduce(NewCleaner(mailbox.DefaultTaxonomy(), testLogger()).
		Cleanup(context.Background(), conn, []string{"spam", "noreply"}))

	if want := map[string]int{"spam": 0, "noreply": 1}; !reflect.DeepEqual(tally.PerCategory, want) {
		t.Fatalf("tally = %v, want %v", tally.PerCategory, want)
	}
}

func TestCleanupStopsIssuingCommandsAfterDeadline(t *testing.T) {
	conn := newFakeConn(map[string]*fakeBox{
		"INBOX": {},
		"Spam":  {all: seqRange(1, 3)},
		"Trash": {all: seqRange(1, 3)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewCleaner(mailbox.DefaultTaxonomy(), testLogger()).Cleanup(ctx, conn, []string{"spam", "trash"})
	tally := Reduce(results)

	if want := map[string]int{"spam": 0, "trash": 0}; !reflect.DeepEqual(tally.PerCategory, want) {
		t.Fatalf("tally = %v, want %v", tally.PerCategory, want)
	}
	for _, r := range results {
		for _, f := range r.Folders {
			if !errors.Is(f.Err, ErrTimeout) {
				t.Fatalf("expected ErrTimeout for %s, got %v", f.Folder, f.Err)
			}
		}
	}
	if n := conn.countCalls("select"); n != 0 {
		t.Fatalf("expected no select after deadline, got %d", n)
	}
}

func TestCleanupWithCustomTaxonomy(t *testing.T) {
	tax, err := mailbox.NewTaxonomy(map[string]mailbox.Rule{
		"archive": {Folders: []string{"Archive/2019"}},
	})
	if err != nil {
		t.Fatalf("NewTaxonomy: %v", err)
	}
	conn := newFakeConn(map[string]*fakeBox{
		"INBOX":        {},
		"Archive":      {},
		"Archive/2019": {all: seqRange(1, 6)},
	})

	tally := Reduce(NewCleaner(tax, testLogger()).Cleanup(context.Background(), conn, []string{"archive"}))
	if tally.PerCategory["archive"] != 6 || tally.Total != 6 {
		t.Fatalf("unexpected tally %+v", tally)
	}
}
