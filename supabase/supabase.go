// Package supabase provides an interface onto the Supabase platform. It hides
// the underlying open source supabase library and adds reconnection and
// timeout logic.
package supabase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	supa "github.com/nedpals/supabase-go"
)

const uploadTimeout = time.Second * 10

type Client struct {
	url     string
	anonKey string
	schema  string

	subClient       *supa.Client // the raw client of the underlying supabase library we are using
	shouldReconnect bool         // when true, the subClient is 'dirty' and will be re-created next time a write call is made
	logger          *slog.Logger
}

func New(url, anonKey, schema string) *Client {
	return &Client{
		url:     url,
		anonKey: anonKey,
		schema:  schema,
		// shouldReconnect is marked as true from instantiation so the
		// connection will be made lazily on the first request
		shouldReconnect: true,
		logger:          slog.Default().With("host", url),
	}
}

// Insert uploads the given records to the named table.
func (c *Client) Insert(table string, records any) error {

	if err := c.reconnectIfNecessary(); err != nil {
		return err
	}

	// The supabase client library doesn't have good timeout support, so here
	// we wrap the call in a timeout
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.subClient.DB.From(table).Insert(records).Execute(nil)
	}()

	select {
	case <-time.After(uploadTimeout):
		c.shouldReconnect = true
		return errors.New("timed out")
	case err := <-errCh:
		if err != nil {
			c.shouldReconnect = true
		}
		return err
	}
}

// createSubClient creates the open-source supabase library client with sensible defaults.
func (c *Client) createSubClient() {

	subClient := supa.CreateClient(c.url, c.anonKey)

	// The supabase client library doesn't have a fully featured interface,
	// here we specify options directly by adding headers to the postgrest
	// requests. Use the appropriate schema:
	subClient.DB.AddHeader("Accept-Profile", c.schema)
	subClient.DB.AddHeader("Content-Profile", c.schema)
	subClient.DB.AddHeader("Authorization", fmt.Sprintf("Bearer %s", c.anonKey))

	c.subClient = subClient
}

// reconnectIfNecessary will recreate the client if there have been problems
// with the connection.
func (c *Client) reconnectIfNecessary() error {
	if !c.shouldReconnect {
		return nil
	}
	c.createSubClient()
	c.shouldReconnect = false
	c.logger.Info("Created supabase client")
	return nil
}
