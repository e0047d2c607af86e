package clients

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/storage"
)

func webClient(id string) *model.Client {
	c := model.NewClient(id)
	c.Enabled = true
	c.AllowedGrantTypes = []string{model.GrantTypeAuthorizationCode}
	c.RedirectURIs = []string{"https://" + id + ".example.com/callback"}
	return c
}

func newTestFileClients(t *testing.T) *FileClients {
	t.Helper()
	reg, err := storage.NewClientRegistry(filepath.Join(t.TempDir(), "clients.json"))
	if err != nil {
		t.Fatal(err)
	}
	return NewFileClients(reg)
}

func TestMultiClients(t *testing.T) {
	ctx := context.Background()

	disabled := webClient("disabled")
	disabled.Enabled = false
	invalid := webClient("invalid")
	invalid.RedirectURIs = nil
	static, err := NewStaticClients([]*model.Client{webClient("shared"), disabled, invalid})
	if err != nil {
		t.Fatal(err)
	}

	file := newTestFileClients(t)
	fromFile := webClient("shared")
	fromFile.RedirectURIs = []string{"https://file.example.com/callback"}
	for _, c := range []*model.Client{fromFile, webClient("dynamic")} {
		if err := file.Add(ctx, c); err != nil {
			t.Fatalf("add %s: %v", c.ClientID, err)
		}
	}

	m := NewMultiClients(static, file, nil)

	for _, tc := range []struct {
		id          string
		wantFound   bool
		wantEnabled bool
		wantRedir   string
	}{
		{id: "shared", wantFound: true, wantEnabled: true, wantRedir: "https://shared.example.com/callback"},
		{id: "dynamic", wantFound: true, wantEnabled: true, wantRedir: "https://dynamic.example.com/callback"},
		{id: "disabled", wantFound: true},
		{id: "invalid", wantFound: true},
		{id: "missing"},
	} {
		t.Run(tc.id, func(t *testing.T) {
			c, err := m.FindClientByID(ctx, tc.id)
			if err != nil {
				t.Fatal(err)
			}
			if (c != nil) != tc.wantFound {
				t.Fatalf("found = %v, want %v", c != nil, tc.wantFound)
			}
			if c != nil && tc.wantRedir != "" && c.RedirectURIs[0] != tc.wantRedir {
				t.Errorf("redirect = %s, want %s", c.RedirectURIs[0], tc.wantRedir)
			}
			ec, err := m.FindEnabledClientByID(ctx, tc.id)
			if err != nil {
				t.Fatal(err)
			}
			if (ec != nil) != tc.wantEnabled {
				t.Errorf("enabled found = %v, want %v", ec != nil, tc.wantEnabled)
			}
		})
	}
}

func TestStaticClientsDuplicate(t *testing.T) {
	_, err := NewStaticClients([]*model.Client{webClient("a"), webClient("a")})
	if !errors.Is(err, model.ErrInvalidOperation) {
		t.Errorf("err = %v, want ErrInvalidOperation", err)
	}
}

func TestFileClients(t *testing.T) {
	ctx := context.Background()
	f := newTestFileClients(t)

	if err := f.Add(ctx, webClient("a")); err != nil {
		t.Fatal(err)
	}
	if err := f.Add(ctx, webClient("a")); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("duplicate add: err = %v, want ErrInvalidArgument", err)
	}
	bad := webClient("b")
	bad.AllowedGrantTypes = []string{model.GrantTypeImplicit, model.GrantTypeAuthorizationCode}
	if err := f.Add(ctx, bad); !errors.Is(err, model.ErrInvalidOperation) {
		t.Errorf("invalid add: err = %v, want ErrInvalidOperation", err)
	}

	got, err := f.FindClientByID(ctx, "a")
	if err != nil || got == nil {
		t.Fatalf("find a = %v, %v", got, err)
	}
	got.ClientName = "mutated"
	again, _ := f.FindClientByID(ctx, "a")
	if again.ClientName == "mutated" {
		t.Error("FindClientByID returned shared state")
	}

	list, err := f.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].CreatedAt.IsZero() {
		t.Errorf("list = %+v", list)
	}

	if ok, err := f.Delete(ctx, "a"); err != nil || !ok {
		t.Errorf("delete a = %v, %v", ok, err)
	}
	if ok, err := f.Delete(ctx, "a"); err != nil || ok {
		t.Errorf("second delete a = %v, %v", ok, err)
	}
	if c, _ := f.FindClientByID(ctx, "a"); c != nil {
		t.Error("client still present after delete")
	}
}
