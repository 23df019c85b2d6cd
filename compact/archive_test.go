package compact

import (
	"path/filepath"
	"testing"
)

func TestArchiveRecordAndRecent(t *testing.T) {
	a, err := OpenArchive(filepath.Join(t.TempDir(), "compact.db"))
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer a.Close()

	for i := 0; i < 3; i++ {
		err := a.Record(Record{
			MessagesCompacted: 10 + i,
			Summary:           "a recap",
			TokensBefore:      5000,
			TokensAfter:       1200,
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := a.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	// 新的在前
	if recs[0].MessagesCompacted != 12 {
		t.Fatalf("first record messages = %d, want 12", recs[0].MessagesCompacted)
	}

	n, err := a.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}
