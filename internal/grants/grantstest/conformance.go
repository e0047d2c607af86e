// Package grantstest holds a conformance suite for grants.Store
// implementations.
package grantstest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/model"
)

// Fixture returns the seven grants used by the filter tests, spread over two
// subjects, four clients, four sessions and three types.
func Fixture(now time.Time) []*model.PersistedGrant {
	exp := now.Add(time.Hour)
	mk := func(key, sub, client, session, typ string) *model.PersistedGrant {
		e := exp
		return &model.PersistedGrant{
			Key:          key,
			Type:         typ,
			SubjectID:    sub,
			ClientID:     client,
			SessionID:    session,
			CreationTime: now,
			Expiration:   &e,
			Data:         "{}",
		}
	}
	return []*model.PersistedGrant{
		mk("key1", "sub1", "client1", "session1", "t1"),
		mk("key2", "sub1", "client2", "session1", "t2"),
		mk("key3", "sub1", "client1", "session2", "t3"),
		mk("key4", "sub1", "client3", "session2", "t1"),
		mk("key5", "sub1", "client4", "session3", "t2"),
		mk("key6", "sub1", "client4", "session4", "t3"),
		mk("key7", "sub2", "client4", "session4", "t3"),
	}
}

func keys(gs []*model.PersistedGrant) []string {
	var ks []string
	for _, g := range gs {
		ks = append(ks, g.Key)
	}
	slices.Sort(ks)
	return ks
}

var filterCases = []struct {
	name   string
	filter model.PersistedGrantFilter
	want   []string
}{
	{name: "empty", filter: model.PersistedGrantFilter{}, want: nil},
	{name: "client only", filter: model.PersistedGrantFilter{ClientID: "client1"}, want: nil},
	{name: "sub1", filter: model.PersistedGrantFilter{SubjectID: "sub1"}, want: []string{"key1", "key2", "key3", "key4", "key5", "key6"}},
	{name: "sub2", filter: model.PersistedGrantFilter{SubjectID: "sub2"}, want: []string{"key7"}},
	{name: "sub3", filter: model.PersistedGrantFilter{SubjectID: "sub3"}, want: nil},
	{name: "sub1 client1", filter: model.PersistedGrantFilter{SubjectID: "sub1", ClientID: "client1"}, want: []string{"key1", "key3"}},
	{name: "sub1 client4", filter: model.PersistedGrantFilter{SubjectID: "sub1", ClientID: "client4"}, want: []string{"key5", "key6"}},
	{name: "sub1 session1", filter: model.PersistedGrantFilter{SubjectID: "sub1", SessionID: "session1"}, want: []string{"key1", "key2"}},
	{name: "sub1 type t1", filter: model.PersistedGrantFilter{SubjectID: "sub1", Type: "t1"}, want: []string{"key1", "key4"}},
	{name: "sub1 client1 type t3", filter: model.PersistedGrantFilter{SubjectID: "sub1", ClientID: "client1", Type: "t3"}, want: []string{"key3"}},
	{name: "sub1 client4 session4", filter: model.PersistedGrantFilter{SubjectID: "sub1", ClientID: "client4", SessionID: "session4"}, want: []string{"key6"}},
	{name: "all fields", filter: model.PersistedGrantFilter{SubjectID: "sub1", ClientID: "client2", SessionID: "session1", Type: "t2"}, want: []string{"key2"}},
	{name: "no match", filter: model.PersistedGrantFilter{SubjectID: "sub1", ClientID: "client2", Type: "t1"}, want: nil},
}

// RunStoreTests exercises store semantics against fresh stores returned by
// newStore.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) grants.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seed := func(t *testing.T) grants.Store {
		s := newStore(t)
		for _, g := range Fixture(now) {
			if err := s.Store(ctx, g); err != nil {
				t.Fatalf("store %s: %v", g.Key, err)
			}
		}
		return s
	}

	t.Run("StoreGet", func(t *testing.T) {
		s := newStore(t)
		consumed := now.Add(time.Minute)
		g := Fixture(now)[0]
		g.ConsumedTime = &consumed
		g.Description = "desc"
		if err := s.Store(ctx, g); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, g.Key)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(g, got); diff != "" {
			t.Errorf("Get() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("StoreOverwrites", func(t *testing.T) {
		s := newStore(t)
		g := Fixture(now)[0]
		if err := s.Store(ctx, g); err != nil {
			t.Fatal(err)
		}
		g2 := g.Clone()
		g2.Data = `{"v":2}`
		g2.Description = ""
		if err := s.Store(ctx, g2); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, g.Key)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(g2, got); diff != "" {
			t.Errorf("Get() after overwrite mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Get(ctx, "missing")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("expected nil grant, got %#v", got)
		}
	})

	t.Run("StoreNil", func(t *testing.T) {
		s := newStore(t)
		if err := s.Store(ctx, nil); !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("Store(nil) = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("GetAll", func(t *testing.T) {
		s := seed(t)
		for _, tc := range filterCases {
			t.Run(tc.name, func(t *testing.T) {
				got, err := s.GetAll(ctx, &tc.filter)
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(tc.want, keys(got)); diff != "" {
					t.Errorf("GetAll() keys mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})

	t.Run("GetAllNil", func(t *testing.T) {
		s := seed(t)
		if _, err := s.GetAll(ctx, nil); !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("GetAll(nil) = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("RemoveAll", func(t *testing.T) {
		all := keys(Fixture(now))
		for _, tc := range filterCases {
			t.Run(tc.name, func(t *testing.T) {
				s := seed(t)
				if err := s.RemoveAll(ctx, &tc.filter); err != nil {
					t.Fatal(err)
				}
				var remaining []string
				for _, k := range all {
					g, err := s.Get(ctx, k)
					if err != nil {
						t.Fatal(err)
					}
					if g != nil {
						remaining = append(remaining, k)
					}
				}
				want := slices.DeleteFunc(slices.Clone(all), func(k string) bool {
					return slices.Contains(tc.want, k)
				})
				if diff := cmp.Diff(want, remaining); diff != "" {
					t.Errorf("remaining keys mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})

	t.Run("RemoveAllNil", func(t *testing.T) {
		s := seed(t)
		if err := s.RemoveAll(ctx, nil); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetAll(ctx, &model.PersistedGrantFilter{SubjectID: "sub1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 6 {
			t.Errorf("expected 6 grants after RemoveAll(nil), got %d", len(got))
		}
	})

	t.Run("RemoveIdempotent", func(t *testing.T) {
		s := seed(t)
		for range 2 {
			if err := s.Remove(ctx, "key1"); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.GetAll(ctx, &model.PersistedGrantFilter{SubjectID: "sub1"})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"key2", "key3", "key4", "key5", "key6"}, keys(got)); diff != "" {
			t.Errorf("keys after remove mismatch (-want +got):\n%s", diff)
		}
		if err := s.Remove(ctx, "never-existed"); err != nil {
			t.Errorf("Remove(missing) = %v", err)
		}
	})

	t.Run("Consume", func(t *testing.T) {
		s := seed(t)
		at := now.Add(time.Minute)
		got, err := s.Consume(ctx, "key1", at)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.ConsumedTime == nil || !got.ConsumedTime.Equal(at) {
			t.Fatalf("Consume() = %#v, want grant consumed at %v", got, at)
		}
		stored, err := s.Get(ctx, "key1")
		if err != nil {
			t.Fatal(err)
		}
		if stored == nil || stored.ConsumedTime == nil || !stored.ConsumedTime.Equal(at) {
			t.Errorf("stored grant not marked consumed: %#v", stored)
		}
		if stored != nil && stored.Data != "{}" {
			t.Errorf("Consume changed data to %q", stored.Data)
		}

		again, err := s.Consume(ctx, "key1", at.Add(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if again != nil {
			t.Errorf("second Consume() = %#v, want nil", again)
		}
		missing, err := s.Consume(ctx, "missing", at)
		if err != nil {
			t.Fatal(err)
		}
		if missing != nil {
			t.Errorf("Consume(missing) = %#v, want nil", missing)
		}
	})

	t.Run("ConsumeConcurrent", func(t *testing.T) {
		s := seed(t)
		const callers = 16
		var (
			wg   sync.WaitGroup
			won  atomic.Int32
			errs = make(chan error, callers)
		)
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g, err := s.Consume(ctx, "key2", now)
				if err != nil {
					errs <- err
					return
				}
				if g != nil {
					won.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("Consume: %v", err)
		}
		if n := won.Load(); n != 1 {
			t.Errorf("%d concurrent callers consumed the grant, want exactly 1", n)
		}
	})

	t.Run("RemoveExpired", func(t *testing.T) {
		s := seed(t)
		e, ok := s.(grants.Expirer)
		if !ok {
			t.Skip("store does not sweep expired grants")
		}
		old := Fixture(now.Add(-3 * time.Hour))[6]
		old.Key = "expired"
		if err := s.Store(ctx, old); err != nil {
			t.Fatal(err)
		}
		n, err := e.RemoveExpired(ctx, now)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("RemoveExpired removed %d grants, want 1", n)
		}
		if g, _ := s.Get(ctx, "expired"); g != nil {
			t.Error("expired grant still present")
		}
	})
}
