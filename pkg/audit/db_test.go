package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func TestAppendAndRecentByConn(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	base := time.UnixMilli(1_700_000_000_000)
	if err := db.Append(ctx, base, 7, KindConnOpened, "", "", ""); err != nil {
		t.Fatalf("Append conn_opened: %v", err)
	}
	if err := db.Append(ctx, base.Add(time.Second), 7, KindConnClassified, "", "fingerprint-abc", "client"); err != nil {
		t.Fatalf("Append conn_classified: %v", err)
	}
	if err := db.Append(ctx, base.Add(2*time.Second), 7, KindConnClosed, "", "", "normal closure"); err != nil {
		t.Fatalf("Append conn_closed: %v", err)
	}

	events, err := db.RecentByConn(ctx, 7, 10)
	if err != nil {
		t.Fatalf("RecentByConn: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].Kind != KindConnClosed {
		t.Fatalf("events[0].Kind = %q, want conn_closed (newest first)", events[0].Kind)
	}
	if events[2].Kind != KindConnOpened {
		t.Fatalf("events[2].Kind = %q, want conn_opened", events[2].Kind)
	}
}

func TestRecentByConnRespectsLimit(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		if err := db.Append(ctx, base.Add(time.Duration(i)*time.Second), 1, KindChatRouted, "neighbour.example.com:8081", "", ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := db.RecentByConn(ctx, 1, 2)
	if err != nil {
		t.Fatalf("RecentByConn: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
}

func TestRecentByConnIsolatesOtherConnections(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	now := time.UnixMilli(1_700_000_000_000)
	if err := db.Append(ctx, now, 1, KindConnOpened, "", "", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := db.Append(ctx, now, 2, KindConnOpened, "", "", ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := db.RecentByConn(ctx, 2, 10)
	if err != nil {
		t.Fatalf("RecentByConn: %v", err)
	}
	if len(events) != 1 || events[0].ConnID != 2 {
		t.Fatalf("events = %+v, want one event for conn 2", events)
	}
}
