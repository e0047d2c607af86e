package grants_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/grants/grantstest"
	"lds.li/grantidp/internal/model"
)

func TestMemoryStore(t *testing.T) {
	grantstest.RunStoreTests(t, func(t *testing.T) grants.Store {
		return grants.NewMemoryStore()
	})
}

type fixedHandles string

func (f fixedHandles) Generate(int) (string, error) { return string(f), nil }

func TestGrantStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := grants.NewMemoryStore()
	codes := grants.NewAuthorizationCodeStore(store, nil)
	codes.Now = func() time.Time { return now }

	code := &model.AuthorizationCode{
		CreationTime:    now,
		Lifetime:        5 * time.Minute,
		ClientID:        "client",
		Subject:         model.Subject{SubjectID: "sub", SessionID: "sid", AuthenticationMethods: []string{"pwd"}},
		SessionID:       "sid",
		IsOpenID:        true,
		RequestedScopes: []string{"openid", "profile"},
		RedirectURI:     "https://client/cb",
		Nonce:           "n",
	}
	handle, err := codes.StoreAuthorizationCode(ctx, code)
	if err != nil {
		t.Fatal(err)
	}
	if handle == "" {
		t.Fatal("expected a handle")
	}

	got, err := codes.GetAuthorizationCode(ctx, handle)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(code, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// The raw handle is never the storage key.
	if g, _ := store.Get(ctx, handle); g != nil {
		t.Error("grant stored under the raw handle")
	}
	g, err := store.Get(ctx, cryptoutil.Sha256(handle+":"+model.PersistedGrantTypeAuthorizationCode))
	if err != nil {
		t.Fatal(err)
	}
	if g == nil || g.SubjectID != "sub" || g.ClientID != "client" || g.SessionID != "sid" {
		t.Errorf("unexpected persisted grant %#v", g)
	}
	if g.Expiration == nil || !g.Expiration.Equal(now.Add(5*time.Minute)) {
		t.Errorf("unexpected expiration %v", g.Expiration)
	}

	if err := codes.RemoveAuthorizationCode(ctx, handle); err != nil {
		t.Fatal(err)
	}
	if got, _ := codes.GetAuthorizationCode(ctx, handle); got != nil {
		t.Error("code still present after remove")
	}
}

func TestGrantStoreGetItem(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := grants.NewMemoryStore()

	tokens := grants.NewReferenceTokenStore(store, nil)
	tokens.Handles = fixedHandles("HANDLE")
	tokens.Now = func() time.Time { return now }

	tok := &model.Token{
		Type:         model.TokenTypeAccessToken,
		ClientID:     "client",
		CreationTime: now,
		Lifetime:     time.Minute,
		Claims:       []model.Claim{model.NewClaim(model.ClaimSubject, "sub")},
	}
	if _, err := tokens.StoreReferenceToken(ctx, tok); err != nil {
		t.Fatal(err)
	}

	t.Run("found", func(t *testing.T) {
		got, err := tokens.GetReferenceToken(ctx, "HANDLE")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.SubjectID() != "sub" {
			t.Errorf("unexpected token %#v", got)
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		// A refresh token store hashes the same handle to another key, so
		// force a type mismatch by writing under the reference token key.
		g, _ := store.Get(ctx, tokens.HashKey("HANDLE"))
		g.Type = model.PersistedGrantTypeRefreshToken
		other := grants.NewMemoryStore()
		if err := other.Store(ctx, g); err != nil {
			t.Fatal(err)
		}
		s := grants.NewReferenceTokenStore(other, nil)
		s.Now = tokens.Now
		got, err := s.GetReferenceToken(ctx, "HANDLE")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Error("expected nil for mismatched grant type")
		}
	})

	t.Run("expired", func(t *testing.T) {
		s := grants.NewReferenceTokenStore(store, nil)
		s.Now = func() time.Time { return now.Add(2 * time.Minute) }
		got, err := s.GetReferenceToken(ctx, "HANDLE")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Error("expected nil for expired grant")
		}
	})

	t.Run("missing", func(t *testing.T) {
		got, err := tokens.GetReferenceToken(ctx, "NOPE")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Error("expected nil for missing grant")
		}
	})
}

func TestRefreshTokenUpdate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := grants.NewMemoryStore()
	rts := grants.NewRefreshTokenStore(store, nil)
	rts.Now = func() time.Time { return now }

	rt := &model.RefreshToken{
		CreationTime: now,
		Lifetime:     time.Hour,
		AccessToken: model.Token{
			ClientID: "client",
			Claims:   []model.Claim{model.NewClaim(model.ClaimSubject, "sub"), model.NewClaim(model.ClaimSessionID, "sid")},
		},
		Subject: model.Subject{SubjectID: "sub"},
		Version: 4,
	}
	handle, err := rts.StoreRefreshToken(ctx, rt)
	if err != nil {
		t.Fatal(err)
	}

	consumed := now.Add(time.Minute)
	rt.ConsumedTime = &consumed
	if err := rts.UpdateRefreshToken(ctx, handle, rt); err != nil {
		t.Fatal(err)
	}
	g, err := store.Get(ctx, rts.HashKey(handle))
	if err != nil {
		t.Fatal(err)
	}
	if g.ConsumedTime == nil || !g.ConsumedTime.Equal(consumed) {
		t.Errorf("consumed time not recorded on grant: %v", g.ConsumedTime)
	}
	if g.SessionID != "sid" {
		t.Errorf("session id = %q, want sid", g.SessionID)
	}

	if err := rts.RemoveRefreshTokens(ctx, "sub", "client"); err != nil {
		t.Fatal(err)
	}
	if got, _ := rts.GetRefreshToken(ctx, handle); got != nil {
		t.Error("refresh token still present after RemoveRefreshTokens")
	}
}

func TestUserConsentStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cs := grants.NewUserConsentStore(grants.NewMemoryStore(), nil)
	cs.Now = func() time.Time { return now }

	if err := cs.StoreUserConsent(ctx, &model.Consent{SubjectID: "sub", ClientID: "client", Scopes: []string{"openid"}, CreationTime: now}); err != nil {
		t.Fatal(err)
	}
	got, err := cs.GetUserConsent(ctx, "sub", "client")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got.Scopes) != 1 {
		t.Fatalf("unexpected consent %#v", got)
	}
	if other, _ := cs.GetUserConsent(ctx, "sub", "other"); other != nil {
		t.Error("consent leaked across clients")
	}
	if err := cs.RemoveUserConsent(ctx, "sub", "client"); err != nil {
		t.Fatal(err)
	}
	if got, _ := cs.GetUserConsent(ctx, "sub", "client"); got != nil {
		t.Error("consent still present after remove")
	}
}

func TestHandleLength(t *testing.T) {
	s := grants.NewAuthorizationCodeStore(grants.NewMemoryStore(), nil)
	s.Handles = errHandles{}
	_, err := s.StoreAuthorizationCode(context.Background(), &model.AuthorizationCode{})
	if !errors.Is(err, cryptoutil.ErrInvalidHandleLength) {
		t.Errorf("expected handle error, got %v", err)
	}
}

type errHandles struct{}

func (errHandles) Generate(int) (string, error) { return "", cryptoutil.ErrInvalidHandleLength }

func TestDeviceFlowStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := grants.NewMemoryStore()
	df := grants.NewDeviceFlowStore(store, nil)
	df.Now = func() time.Time { return now }

	dc := &model.DeviceCode{
		ClientID:        "device",
		CreationTime:    now,
		Lifetime:        300 * time.Second,
		IsOpenID:        true,
		RequestedScopes: []string{"openid"},
	}
	if err := df.StoreDeviceAuthorization(ctx, "DEVICE", "USER", dc); err != nil {
		t.Fatal(err)
	}

	got, expired, err := df.FindByDeviceCode(ctx, "DEVICE")
	if err != nil || expired || got == nil {
		t.Fatalf("FindByDeviceCode() = %v, %v, %v", got, expired, err)
	}
	byUser, err := df.FindByUserCode(ctx, "USER")
	if err != nil || byUser == nil {
		t.Fatalf("FindByUserCode() = %v, %v", byUser, err)
	}

	byUser.IsAuthorized = true
	byUser.Subject = &model.Subject{SubjectID: "alice"}
	byUser.AuthorizedScopes = []string{"openid"}
	if err := df.UpdateByUserCode(ctx, "USER", byUser); err != nil {
		t.Fatal(err)
	}
	got, _, err = df.FindByDeviceCode(ctx, "DEVICE")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsAuthorized || got.Subject == nil || got.Subject.SubjectID != "alice" {
		t.Errorf("device code not updated: %#v", got)
	}
	subGrants, err := store.GetAll(ctx, &model.PersistedGrantFilter{SubjectID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(subGrants) != 2 {
		t.Errorf("expected device and user code grants for subject, got %d", len(subGrants))
	}

	if err := df.UpdateByUserCode(ctx, "NOPE", byUser); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("UpdateByUserCode(unknown) = %v, want ErrInvalidArgument", err)
	}

	if err := df.RemoveByDeviceCode(ctx, "DEVICE"); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := df.FindByDeviceCode(ctx, "DEVICE"); got != nil {
		t.Error("device code present after remove")
	}
	if got, _ := df.FindByUserCode(ctx, "USER"); got != nil {
		t.Error("user code present after remove")
	}
}

func TestDeviceFlowStoreExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	df := grants.NewDeviceFlowStore(grants.NewMemoryStore(), nil)
	df.Now = func() time.Time { return now }

	dc := &model.DeviceCode{
		ClientID:     "device",
		CreationTime: now.Add(-time.Hour),
		Lifetime:     300 * time.Second,
	}
	if err := df.StoreDeviceAuthorization(ctx, "DEVICE", "USER", dc); err != nil {
		t.Fatal(err)
	}
	got, expired, err := df.FindByDeviceCode(ctx, "DEVICE")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expired device code returned: %#v", got)
	}
	if !expired {
		t.Error("expected expired flag")
	}
	if got, _ := df.FindByUserCode(ctx, "USER"); got != nil {
		t.Error("expired device code returned by user code")
	}
}

func TestConsumeOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := grants.NewMemoryStore()

	t.Run("authorization code", func(t *testing.T) {
		codes := grants.NewAuthorizationCodeStore(store, nil)
		codes.Now = clock
		handle, err := codes.StoreAuthorizationCode(ctx, &model.AuthorizationCode{
			CreationTime: now,
			Lifetime:     time.Minute,
			ClientID:     "client",
			Subject:      model.Subject{SubjectID: "sub"},
		})
		if err != nil {
			t.Fatal(err)
		}
		first, err := codes.ConsumeAuthorizationCode(ctx, handle)
		if err != nil || first == nil || first.ClientID != "client" {
			t.Fatalf("first consume = %#v, %v", first, err)
		}
		second, err := codes.ConsumeAuthorizationCode(ctx, handle)
		if err != nil || second != nil {
			t.Errorf("second consume = %#v, %v", second, err)
		}
		if g, _ := store.Get(ctx, codes.HashKey(handle)); g != nil {
			t.Error("consumed code left in the store")
		}
	})

	t.Run("refresh token", func(t *testing.T) {
		rts := grants.NewRefreshTokenStore(store, nil)
		rts.Now = clock
		handle, err := rts.StoreRefreshToken(ctx, &model.RefreshToken{
			CreationTime: now,
			Lifetime:     time.Hour,
			AccessToken:  model.Token{ClientID: "client"},
			Subject:      model.Subject{SubjectID: "sub"},
		})
		if err != nil {
			t.Fatal(err)
		}
		for i, want := range []bool{true, false} {
			ok, err := rts.ConsumeRefreshToken(ctx, handle)
			if err != nil {
				t.Fatal(err)
			}
			if ok != want {
				t.Errorf("consume %d = %v, want %v", i, ok, want)
			}
		}
		rt, err := rts.GetRefreshToken(ctx, handle)
		if err != nil {
			t.Fatal(err)
		}
		if rt == nil || rt.ConsumedTime == nil || !rt.ConsumedTime.Equal(now) {
			t.Errorf("consumed refresh token read back as %#v", rt)
		}
		if ok, err := rts.ConsumeRefreshToken(ctx, "unknown"); err != nil || ok {
			t.Errorf("consume unknown = %v, %v", ok, err)
		}
	})

	t.Run("device code", func(t *testing.T) {
		df := grants.NewDeviceFlowStore(store, nil)
		df.Now = clock
		err := df.StoreDeviceAuthorization(ctx, "DEVICE", "USER", &model.DeviceCode{
			ClientID:     "device",
			CreationTime: now,
			Lifetime:     time.Minute,
		})
		if err != nil {
			t.Fatal(err)
		}
		for i, want := range []bool{true, false} {
			ok, err := df.ConsumeByDeviceCode(ctx, "DEVICE")
			if err != nil {
				t.Fatal(err)
			}
			if ok != want {
				t.Errorf("consume %d = %v, want %v", i, ok, want)
			}
		}
		if got, _ := df.FindByUserCode(ctx, "USER"); got != nil {
			t.Error("user code left behind after the device code was redeemed")
		}
	})
}
