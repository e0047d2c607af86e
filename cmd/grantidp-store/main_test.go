package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.etcd.io/bbolt"
	"lds.li/grantidp/internal/model"
)

func TestExtractExpiryFromJSON(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		name string
		in   string
		want time.Time
	}{
		{"grant", `{"key":"a","expiration":"2026-03-01T12:00:00Z"}`, exp},
		{"session", `{"data":"","expires_at":"2026-03-01T12:00:00Z"}`, exp},
		{"unix", `{"expiresAt":1772366400}`, exp},
		{"none", `{"key":"a"}`, time.Time{}},
		{"not json", `binary`, time.Time{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractExpiryFromJSON([]byte(tc.in)); !got.Equal(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSortItems(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []bucketItem{
		{key: "c"},
		{key: "b", exp: t0.Add(time.Hour)},
		{key: "a"},
		{key: "d", exp: t0},
	}
	sortItems(items)
	var got []string
	for _, it := range items {
		got = append(got, it.key)
	}
	if diff := cmp.Diff([]string{"d", "b", "a", "c"}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestListGrants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.bolt")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Hour)

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(grantsBucket))
		if err != nil {
			return err
		}
		for _, g := range []model.PersistedGrant{
			{Key: "k1", Type: model.PersistedGrantTypeRefreshToken, SubjectID: "alice", ClientID: "web", CreationTime: now, Expiration: &future},
			{Key: "k2", Type: model.PersistedGrantTypeAuthorizationCode, SubjectID: "alice", ClientID: "web", CreationTime: now, Expiration: &past},
			{Key: "k3", Type: model.PersistedGrantTypeRefreshToken, SubjectID: "bob", ClientID: "cli", CreationTime: now},
		} {
			data, err := json.Marshal(g)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(g.Key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	rootCmd.StateFile = path

	for _, tc := range []struct {
		name     string
		cmd      ListGrantsCmd
		wantRows int
	}{
		{"all", ListGrantsCmd{}, 3},
		{"subject", ListGrantsCmd{Subject: "alice"}, 2},
		{"type", ListGrantsCmd{Type: model.PersistedGrantTypeRefreshToken}, 2},
		{"expired", ListGrantsCmd{Expired: true}, 1},
		{"none", ListGrantsCmd{Subject: "carol"}, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := tc.cmd
			cmd.Output = &out
			cmd.Now = func() time.Time { return now }
			if err := cmd.Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if tc.wantRows == 0 {
				if out.String() != "No grants found.\n" {
					t.Errorf("output = %q", out.String())
				}
				return
			}
			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			if got := len(lines) - 1; got != tc.wantRows {
				t.Errorf("got %d rows, want %d:\n%s", got, tc.wantRows, out.String())
			}
		})
	}
}
