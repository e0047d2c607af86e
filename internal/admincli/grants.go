package admincli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"lds.li/grantidp/internal/adminapi"
)

// GrantsCmd is the parent command for persisted grant operations.
type GrantsCmd struct {
	List   ListGrantsCmd   `cmd:"" help:"List persisted grants."`
	Revoke RevokeGrantsCmd `cmd:"" help:"Revoke a user's grants."`
}

// GrantFilter selects grants. It is shared by the grant commands.
type GrantFilter struct {
	Subject string `help:"User ID or username the grants belong to."`
	Client  string `help:"Only grants for this client ID."`
	Type    string `help:"Only grants of this type, e.g. refresh_token or user_consent."`
	Session string `help:"Only grants from this session ID."`
}

func (f GrantFilter) query() string {
	q := url.Values{}
	for k, v := range map[string]string{"subject": f.Subject, "client": f.Client, "type": f.Type, "session": f.Session} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q.Encode()
}

// ListGrantsCmd lists persisted grants, optionally filtered.
type ListGrantsCmd struct {
	GrantFilter `embed:""`

	Output io.Writer `kong:"-"`
}

func (c *ListGrantsCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}

	body, err := adminapi.NewClient(adminSocket).Do(ctx, http.MethodGet, "/admin/grants?"+c.query(), nil, http.StatusOK)
	if err != nil {
		return err
	}
	defer body.Close()

	w := tabwriter.NewWriter(c.Output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Type\tSubject\tClient\tCreated\tExpires\tConsumed\n")

	// Stream NDJSON response
	scanner := bufio.NewScanner(body)
	var n int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var g adminapi.GrantInfo
		if err := json.Unmarshal(line, &g); err != nil {
			return fmt.Errorf("decode grant: %w", err)
		}
		n++
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			g.Type,
			g.SubjectID,
			g.ClientID,
			g.CreationTime.Format(time.RFC3339),
			formatTime(g.Expiration),
			formatTime(g.ConsumedTime),
		)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if n == 0 {
		fmt.Fprintf(c.Output, "No grants found.\n")
		return nil
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// RevokeGrantsCmd removes a user's grants. Tokens already issued from them
// stop refreshing, and reference tokens stop validating.
type RevokeGrantsCmd struct {
	GrantFilter `embed:""`

	Output io.Writer `kong:"-"`
}

func (c *RevokeGrantsCmd) Run(ctx context.Context, adminSocket adminapi.SocketPath) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if c.Subject == "" {
		return fmt.Errorf("--subject is required")
	}

	var rr adminapi.RevokeGrantsResponse
	if err := adminapi.NewClient(adminSocket).DoJSON(ctx, http.MethodDelete, "/admin/grants?"+c.query(), nil, http.StatusOK, &rr); err != nil {
		return err
	}
	fmt.Fprintf(c.Output, "Revoked %d grants.\n", rr.Removed)
	return nil
}
