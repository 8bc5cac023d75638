package couchdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
)

// ErrNotFound is returned by Get when the document does not exist
var ErrNotFound = errors.New("document not found")

// Client wraps a Kivik client bound to one database
type Client struct {
	client *kivik.Client
	db     *kivik.DB
	dbName string
}

// Config holds configuration for connecting to CouchDB
type Config struct {
	URL      string // CouchDB server URL (e.g., "http://localhost:5984")
	Username string // Username for authentication
	Password string // Password for authentication
	Database string // Database name
	Create   bool   // Create the database when it does not exist
	Timeout  time.Duration
}

// Change represents a change notification from CouchDB changes feed
type Change struct {
	Seq     string          `json:"seq"`
	ID      string          `json:"id"`
	Changes []string        `json:"changes"` // Revision strings
	Deleted bool            `json:"deleted,omitempty"`
	Doc     json.RawMessage `json:"doc,omitempty"` // Raw document data
}

// ChangesOptions configures the changes feed
type ChangesOptions struct {
	Since       string        // Start sequence
	IncludeDocs bool          // Include full documents
	Continuous  bool          // Continuous feed
	Heartbeat   time.Duration // Heartbeat interval
	Timeout     time.Duration // Timeout for feed
	Filter      string        // Filter function
	Limit       int           // Max number of changes
}

// NewClient creates a new CouchDB client
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("CouchDB URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client, err := newKivikClient(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	exists, err := client.DBExists(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if !cfg.Create {
			return nil, fmt.Errorf("database %s does not exist", cfg.Database)
		}
		if err := client.CreateDB(ctx, cfg.Database); err != nil {
			return nil, fmt.Errorf("failed to create database %s: %w", cfg.Database, err)
		}
	}

	db := client.DB(cfg.Database)
	if db.Err() != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database, db.Err())
	}

	return &Client{
		client: client,
		db:     db,
		dbName: cfg.Database,
	}, nil
}

// newKivikClient builds the DSN with credentials and creates the driver client
func newKivikClient(cfg Config) (*kivik.Client, error) {
	dsn := cfg.URL
	if cfg.Username != "" && cfg.Password != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %w", err)
		}
		u.User = url.UserPassword(cfg.Username, cfg.Password)
		dsn = u.String()
	}

	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}
	return client, nil
}

// Close closes the CouchDB client connection
func (c *Client) Close() error {
	return c.client.Close()
}

// DBName returns the database name
func (c *Client) DBName() string {
	return c.dbName
}

// Put creates or updates a document. Updates must carry the current _rev.
func (c *Client) Put(ctx context.Context, id string, doc interface{}) (rev string, err error) {
	rev, err = c.db.Put(ctx, id, doc)
	if err != nil {
		return "", fmt.Errorf("failed to put document %s: %w", id, err)
	}
	return rev, nil
}

// Get retrieves a document by ID and decodes it into dest
func (c *Client) Get(ctx context.Context, id string, dest interface{}) error {
	row := c.db.Get(ctx, id)
	if err := row.Err(); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get document %s: %w", id, err)
	}

	if err := row.ScanDoc(dest); err != nil {
		return fmt.Errorf("failed to scan document %s: %w", id, err)
	}
	return nil
}

// Changes monitors the changes feed
func (c *Client) Changes(ctx context.Context, opts ChangesOptions) (<-chan Change, <-chan error) {
	changeChan := make(chan Change, 100)
	errChan := make(chan error, 1)

	go func() {
		defer close(changeChan)
		defer close(errChan)

		optsMap := map[string]interface{}{}
		if opts.Since != "" {
			optsMap["since"] = opts.Since
		}
		if opts.IncludeDocs {
			optsMap["include_docs"] = true
		}
		if opts.Continuous {
			optsMap["feed"] = "continuous"
		}
		if opts.Heartbeat > 0 {
			optsMap["heartbeat"] = int(opts.Heartbeat.Milliseconds())
		}
		if opts.Timeout > 0 {
			optsMap["timeout"] = int(opts.Timeout.Milliseconds())
		}
		if opts.Filter != "" {
			optsMap["filter"] = opts.Filter
		}
		if opts.Limit > 0 {
			optsMap["limit"] = opts.Limit
		}

		changes := c.db.Changes(ctx, kivik.Params(optsMap))
		if changes.Err() != nil {
			errChan <- fmt.Errorf("failed to start changes feed: %w", changes.Err())
			return
		}
		defer changes.Close()

		for changes.Next() {
			change := Change{
				ID:      changes.ID(),
				Seq:     changes.Seq(),
				Deleted: changes.Deleted(),
				Changes: changes.Changes(),
			}

			if opts.IncludeDocs {
				var doc json.RawMessage
				if err := changes.ScanDoc(&doc); err == nil {
					change.Doc = doc
				}
			}

			select {
			case changeChan <- change:
			case <-ctx.Done():
				return
			}
		}

		if changes.Err() != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("changes feed error: %w", changes.Err())
		}
	}()

	return changeChan, errChan
}
