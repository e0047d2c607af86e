package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	bolt "go.etcd.io/bbolt"
)

func newTestSessionKV(t *testing.T, now *time.Time) (*State, *SessionKV) {
	t.Helper()
	state, err := NewState(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatalf("create state: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })
	kv := state.SessionKV()
	kv.now = func() time.Time { return *now }
	return state, kv
}

func TestSessionKVGet(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	_, kv := newTestSessionKV(t, &now)

	if err := kv.Set(ctx, "sid", now.Add(time.Hour), []byte(`{"sub":"alice"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	for _, tc := range []struct {
		name      string
		key       string
		at        time.Time
		wantFound bool
	}{
		{"before expiry", "sid", now.Add(59 * time.Minute), true},
		{"at expiry", "sid", now.Add(time.Hour), true},
		{"after expiry", "sid", now.Add(time.Hour + time.Second), false},
		{"unknown key", "other", now, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			now = tc.at
			got, found, err := kv.Get(ctx, tc.key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if found != tc.wantFound {
				t.Fatalf("found = %v, want %v", found, tc.wantFound)
			}
			if !found && got != nil {
				t.Errorf("value for missing session = %q", got)
			}
			if found && string(got) != `{"sub":"alice"}` {
				t.Errorf("value = %q", got)
			}
		})
	}
}

func TestSessionKVOverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	_, kv := newTestSessionKV(t, &now)

	if err := kv.Set(ctx, "sid", now.Add(time.Minute), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	// Sliding the session forward replaces both value and expiry.
	if err := kv.Set(ctx, "sid", now.Add(time.Hour), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	now = now.Add(30 * time.Minute)
	got, found, err := kv.Get(ctx, "sid")
	if err != nil || !found || string(got) != "v2" {
		t.Fatalf("get after overwrite = %q, %v, %v", got, found, err)
	}

	if err := kv.Delete(ctx, "sid"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Delete(ctx, "sid"); err != nil {
		t.Errorf("deleting a missing session: %v", err)
	}
	if _, found, _ := kv.Get(ctx, "sid"); found {
		t.Error("session found after delete")
	}
}

func TestSessionKVGC(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	state, kv := newTestSessionKV(t, &now)

	for key, exp := range map[string]time.Time{
		"expired-1": now.Add(-time.Hour),
		"expired-2": now.Add(-time.Second),
		"live-1":    now.Add(time.Second),
		"live-2":    now.Add(24 * time.Hour),
	} {
		if err := kv.Set(ctx, key, exp, []byte(key)); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	db, release := state.dbAccessor.db()
	err := db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).Put([]byte("garbage"), []byte("not json"))
	})
	release()
	if err != nil {
		t.Fatal(err)
	}

	deleted, err := kv.GC(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}

	var remaining []string
	db, release = state.dbAccessor.db()
	defer release()
	_ = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSessions)).ForEach(func(k, _ []byte) error {
			remaining = append(remaining, string(k))
			return nil
		})
	})
	if diff := cmp.Diff([]string{"live-1", "live-2"}, remaining); diff != "" {
		t.Errorf("remaining sessions (-want +got):\n%s", diff)
	}
}
