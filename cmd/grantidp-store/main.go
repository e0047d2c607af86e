package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"go.etcd.io/bbolt"
	"lds.li/grantidp/internal/model"
)

// grantsBucket matches the bucket the server keeps persisted grants in.
const grantsBucket = "persisted_grants"

var rootCmd = struct {
	StateFile string `name:"state-file" required:"" env:"IDP_STATE_PATH" help:"Path to the state file."`

	ListBuckets        ListBucketsCmd        `cmd:"" help:"List all buckets."`
	ListBucketContents ListBucketContentsCmd `cmd:"" help:"List all items in a bucket."`
	ListGrants         ListGrantsCmd         `cmd:"" help:"List persisted grants as a table."`
}{}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
		// Exit immediately on second signal
		<-sigCh
		os.Exit(1)
	}()

	clictx := kong.Parse(
		&rootCmd,
		kong.Description("grantidp-store inspects the grantidp state database. Stop the server first, it holds a lock on the file."),
	)

	clictx.BindTo(ctx, (*context.Context)(nil))

	clictx.FatalIfErrorf(clictx.Run())
}

func openState(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	return db, nil
}

type ListBucketsCmd struct {
	Output io.Writer `kong:"-"`
}

func (c *ListBucketsCmd) Run(ctx context.Context) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	db, err := openState(rootCmd.StateFile)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			fmt.Fprintf(c.Output, "%s\t%d\n", name, b.Stats().KeyN)
			return nil
		})
	})
}

type ListBucketContentsCmd struct {
	Bucket string `arg:"" required:"" help:"Bucket name to list contents of."`

	Output io.Writer `kong:"-"`
}

type bucketItem struct {
	key   string
	value []byte
	exp   time.Time
}

func (c *ListBucketContentsCmd) Run(ctx context.Context) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	db, err := openState(rootCmd.StateFile)
	if err != nil {
		return err
	}
	defer db.Close()

	var items []bucketItem
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.Bucket))
		if b == nil {
			return fmt.Errorf("bucket %q does not exist", c.Bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			items = append(items, bucketItem{
				key:   string(k),
				value: append([]byte(nil), v...),
				exp:   extractExpiryFromJSON(v),
			})
			return nil
		})
	})
	if err != nil {
		return err
	}

	sortItems(items)
	for _, item := range items {
		fmt.Fprintf(c.Output, "--- %s ---\n", item.key)
		if !item.exp.IsZero() {
			fmt.Fprintf(c.Output, "expires: %s\n", item.exp.Format(time.RFC3339))
		}
		fmt.Fprintf(c.Output, "%s\n\n", string(item.value))
	}
	return nil
}

// sortItems orders items oldest expiry first, items without one last, and
// falls back to the key.
func sortItems(items []bucketItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ei, ej := items[i].exp, items[j].exp
		switch {
		case ei.IsZero() && ej.IsZero():
			return items[i].key < items[j].key
		case ei.IsZero():
			return false
		case ej.IsZero():
			return true
		case ei.Equal(ej):
			return items[i].key < items[j].key
		}
		return ei.Before(ej)
	})
}

// extractExpiryFromJSON parses v as JSON and returns the first expiry field
// found.
func extractExpiryFromJSON(v []byte) time.Time {
	var m map[string]any
	if err := json.Unmarshal(v, &m); err != nil {
		return time.Time{}
	}
	for _, key := range []string{"expiration", "expiresAt", "expires_at"} {
		val, ok := m[key]
		if !ok || val == nil {
			continue
		}
		switch t := val.(type) {
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err == nil {
				return parsed
			}
		case float64:
			// Unix timestamp in seconds
			return time.Unix(int64(t), 0)
		}
	}
	return time.Time{}
}

type ListGrantsCmd struct {
	Subject string `help:"Only grants for this subject ID."`
	Type    string `help:"Only grants of this type."`
	Expired bool   `help:"Only grants that have expired but not been collected yet."`

	Output io.Writer         `kong:"-"`
	Now    func() time.Time `kong:"-"`
}

func (c *ListGrantsCmd) Run(ctx context.Context) error {
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	db, err := openState(rootCmd.StateFile)
	if err != nil {
		return err
	}
	defer db.Close()

	var grants []*model.PersistedGrant
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(grantsBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var g model.PersistedGrant
			if err := json.Unmarshal(v, &g); err != nil {
				return fmt.Errorf("decode grant %s: %w", k, err)
			}
			if c.matches(&g) {
				grants = append(grants, &g)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	if len(grants) == 0 {
		fmt.Fprintf(c.Output, "No grants found.\n")
		return nil
	}
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].CreationTime.Before(grants[j].CreationTime)
	})

	w := tabwriter.NewWriter(c.Output, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Type\tSubject\tClient\tSession\tCreated\tExpires\n")
	for _, g := range grants {
		exp := "-"
		if g.Expiration != nil {
			exp = g.Expiration.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", g.Type, g.SubjectID, g.ClientID, g.SessionID, g.CreationTime.Format(time.RFC3339), exp)
	}
	return w.Flush()
}

func (c *ListGrantsCmd) matches(g *model.PersistedGrant) bool {
	if c.Subject != "" && g.SubjectID != c.Subject {
		return false
	}
	if c.Type != "" && g.Type != c.Type {
		return false
	}
	if c.Expired && (g.Expiration == nil || g.Expiration.After(c.Now())) {
		return false
	}
	return true
}
