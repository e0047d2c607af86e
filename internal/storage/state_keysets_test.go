package storage

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"lds.li/tinkrotate"
	tinkrotatev1 "lds.li/tinkrotate/proto/tinkrotate/v1"
)

func newTestKeysetStore(t *testing.T) (*State, *KeysetStore) {
	t.Helper()
	state, err := NewState(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatalf("create state: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })
	return state, state.KeysetStore()
}

func newSigningHandle(t *testing.T) (*keyset.Handle, *tinkrotatev1.KeyRotationMetadata) {
	t.Helper()
	h, err := keyset.NewHandle(jwt.ES256Template())
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	return h, &tinkrotatev1.KeyRotationMetadata{
		RotationPolicy: &tinkrotatev1.RotationPolicy{KeyTemplate: jwt.ES256Template()},
	}
}

func TestKeysetStoreSignsAfterReload(t *testing.T) {
	ctx := context.Background()
	state, store := newTestKeysetStore(t)
	handle, md := newSigningHandle(t)

	if err := store.WriteKeysetAndMetadata(ctx, "id-token-es256", handle, md, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := state.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}

	priv, err := store.GetHandle(ctx, "id-token-es256")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}
	signer, err := jwt.NewSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	sub := "alice"
	raw, err := jwt.NewRawJWT(&jwt.RawJWTOptions{Subject: &sub, WithoutExpiration: true})
	if err != nil {
		t.Fatal(err)
	}
	token, err := signer.SignAndEncode(raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	pub, err := store.GetPublicHandle(ctx, "id-token-es256")
	if err != nil {
		t.Fatalf("get public handle: %v", err)
	}
	verifier, err := jwt.NewVerifier(pub)
	if err != nil {
		t.Fatal(err)
	}
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{AllowMissingExpiration: true})
	if err != nil {
		t.Fatal(err)
	}
	verified, err := verifier.VerifyAndDecode(token, validator)
	if err != nil {
		t.Fatalf("verify with reloaded public keyset: %v", err)
	}
	if got, _ := verified.Subject(); got != sub {
		t.Errorf("subject = %q, want %q", got, sub)
	}
}

func TestKeysetStoreOptimisticLocking(t *testing.T) {
	ctx := context.Background()
	handle, md := newSigningHandle(t)

	for _, tc := range []struct {
		name     string
		seed     int // writes before the one under test
		expected any
		wantErr  error
		wantVer  int64
	}{
		{name: "insert", seed: 0, expected: nil, wantVer: 1},
		{name: "insert over existing", seed: 1, expected: nil, wantErr: tinkrotate.ErrOptimisticLockFailed},
		{name: "update current", seed: 1, expected: int64(1), wantVer: 2},
		{name: "update stale", seed: 2, expected: int64(1), wantErr: tinkrotate.ErrOptimisticLockFailed},
		{name: "update missing", seed: 0, expected: int64(1), wantErr: tinkrotate.ErrOptimisticLockFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, store := newTestKeysetStore(t)
			for i := range tc.seed {
				var want any
				if i > 0 {
					want = int64(i)
				}
				if err := store.WriteKeysetAndMetadata(ctx, "ks", handle, md, want); err != nil {
					t.Fatalf("seed write %d: %v", i, err)
				}
			}

			err := store.WriteKeysetAndMetadata(ctx, "ks", handle, md, tc.expected)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("write: %v", err)
			}
			res, err := store.ReadKeysetAndMetadata(ctx, "ks")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if res.Context != tc.wantVer {
				t.Errorf("version = %v, want %d", res.Context, tc.wantVer)
			}
		})
	}
}

func TestKeysetStoreErrors(t *testing.T) {
	ctx := context.Background()
	_, store := newTestKeysetStore(t)

	res, err := store.ReadKeysetAndMetadata(ctx, "missing")
	if !errors.Is(err, tinkrotate.ErrKeysetNotFound) {
		t.Errorf("read missing: err = %v", err)
	}
	if res == nil || res.Context != int64(0) {
		t.Errorf("read missing should return version 0, got %+v", res)
	}
	if _, err := store.GetHandle(ctx, "missing"); err == nil {
		t.Error("get handle of missing keyset should fail")
	}

	handle, md := newSigningHandle(t)
	if err := store.WriteKeysetAndMetadata(ctx, "ks", nil, md, nil); err == nil {
		t.Error("writing a nil handle should fail")
	}
	if err := store.WriteKeysetAndMetadata(ctx, "ks", handle, md, "1"); err == nil {
		t.Error("a non int64 version should be rejected")
	}
}

func TestKeysetStoreForEach(t *testing.T) {
	ctx := context.Background()
	_, store := newTestKeysetStore(t)
	handle, md := newSigningHandle(t)

	for _, name := range []string{"rs256", "es256"} {
		if err := store.WriteKeysetAndMetadata(ctx, name, handle, md, nil); err != nil {
			t.Fatal(err)
		}
	}

	var names []string
	err := store.ForEachKeyset(ctx, func(name string) error {
		names = append(names, name)
		// Writing from the callback must not deadlock.
		res, err := store.ReadKeysetAndMetadata(ctx, name)
		if err != nil {
			return err
		}
		return store.WriteKeysetAndMetadata(ctx, name, res.Handle, res.Metadata, res.Context)
	})
	if err != nil {
		t.Fatalf("for each: %v", err)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"es256", "rs256"}) {
		t.Errorf("names = %v", names)
	}

	stop := errors.New("stop")
	var calls int
	if err := store.ForEachKeyset(ctx, func(string) error { calls++; return stop }); !errors.Is(err, stop) || calls != 1 {
		t.Errorf("callback error should stop iteration: err=%v calls=%d", err, calls)
	}
}
