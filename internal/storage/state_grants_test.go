package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/grants/grantstest"
	"lds.li/grantidp/internal/model"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	state, err := NewState(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func TestPersistedGrants(t *testing.T) {
	grantstest.RunStoreTests(t, func(t *testing.T) grants.Store {
		return newTestState(t).PersistedGrants()
	})
}

func TestPersistedGrantsConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	state := newTestState(t)
	df := grants.NewDeviceFlowStore(state.PersistedGrants(), nil)

	now := time.Now()
	dc := &model.DeviceCode{ClientID: "device", CreationTime: now, Lifetime: time.Minute}
	if err := df.StoreDeviceAuthorization(ctx, "DEVICE", "USER", dc); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			upd := *dc
			upd.IsAuthorized = i%2 == 0
			upd.Subject = &model.Subject{SubjectID: "alice"}
			if err := df.UpdateByUserCode(ctx, "USER", &upd); err != nil {
				t.Errorf("update %d: %v", i, err)
			}
			if _, _, err := df.FindByDeviceCode(ctx, "DEVICE"); err != nil {
				t.Errorf("find %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	got, expired, err := df.FindByDeviceCode(ctx, "DEVICE")
	if err != nil || expired || got == nil {
		t.Fatalf("record lost under concurrent updates: %v, %v, %v", got, expired, err)
	}
	if got.Subject == nil || got.Subject.SubjectID != "alice" {
		t.Errorf("unexpected subject %#v", got.Subject)
	}
}
