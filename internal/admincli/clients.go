package admincli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"lds.li/grantidp/internal/adminapi"
	"lds.li/grantidp/internal/config"
)

// ClientsCmd manages clients registered at runtime. Clients in the config
// file are not affected.
type ClientsCmd struct {
	List   ListClientsCmd  `cmd:"" help:"List registered clients."`
	Add    AddClientCmd    `cmd:"" help:"Register a client."`
	Delete DeleteClientCmd `cmd:"" help:"Delete a registered client."`
}

type ListClientsCmd struct {
	Output io.Writer `kong:"-"`
}

func (c *ListClientsCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	var listResp adminapi.ListClientsResponse
	if err := adminapi.NewClient(adminSocket).DoJSON(ctx, http.MethodGet, "/admin/clients", nil, http.StatusOK, &listResp); err != nil {
		return err
	}

	if len(listResp.Clients) == 0 {
		fmt.Fprintf(c.Output, "No clients found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.Output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tName\tEnabled\tPublic\tGrant Types\tCreated At\n")
	for _, cl := range listResp.Clients {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\n",
			cl.ID,
			cl.Name,
			cl.Enabled,
			cl.Public,
			strings.Join(cl.GrantTypes, ","),
			cl.CreatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

// AddClientCmd registers a client. Confidential clients added without a
// secret get a generated one, printed once.
type AddClientCmd struct {
	ID           string   `arg:"" help:"Client ID."`
	Name         string   `help:"Display name shown on the consent page."`
	RedirectURLs []string `name:"redirect-url" help:"Allowed redirect URL. Repeatable."`
	GrantTypes   []string `name:"grant-type" help:"Allowed grant type. Repeatable, defaults to authorization_code."`
	Scopes       []string `name:"scope" help:"Allowed scope. Repeatable, defaults to openid, profile and email."`
	Public       bool     `help:"Client can not keep a secret."`
	Consent      bool     `help:"Require the user's consent."`
	Offline      bool     `help:"Allow the offline_access scope."`

	Output io.Writer `kong:"-"`
}

func (c *AddClientCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	req := config.Client{
		ID:                   c.ID,
		Name:                 c.Name,
		RedirectURLs:         c.RedirectURLs,
		GrantTypes:           c.GrantTypes,
		Scopes:               c.Scopes,
		Public:               c.Public,
		RequireConsent:       c.Consent,
		AllowRememberConsent: c.Consent,
		AllowOfflineAccess:   c.Offline,
	}
	var addResp adminapi.AddClientResponse
	if err := adminapi.NewClient(adminSocket).DoJSON(ctx, http.MethodPost, "/admin/clients", req, http.StatusCreated, &addResp); err != nil {
		return err
	}

	fmt.Fprintf(c.Output, "Client %s registered.\n", addResp.ClientID)
	if addResp.ClientSecret != "" {
		fmt.Fprintf(c.Output, "Client secret: %s\n", addResp.ClientSecret)
		fmt.Fprintf(c.Output, "The secret is not stored in plain text and can not be shown again.\n")
	}
	return nil
}

type DeleteClientCmd struct {
	ID string `arg:"" help:"ID of the client to delete."`

	Output io.Writer `kong:"-"`
}

func (c *DeleteClientCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	err := adminapi.NewClient(adminSocket).DoJSON(ctx, http.MethodDelete, "/admin/clients/"+url.PathEscape(c.ID), nil, http.StatusNoContent, nil)
	if errors.Is(err, adminapi.ErrNotFound) {
		return fmt.Errorf("client %s not found", c.ID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.Output, "Client deleted successfully.\n")
	return nil
}
