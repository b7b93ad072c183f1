package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/executor"
	"github.com/vk/gridforge/internal/protocol"
	"github.com/vk/gridforge/internal/store"
)

// Client is a connection to a server's /client endpoint. One DAG can be
// submitted per Client.
type Client struct {
	conn      *protocol.Conn
	store     *store.Store
	downloads *protocol.Downloads
	logger    *slog.Logger

	events   chan executor.Event
	statuses chan executor.Snapshot
	done     chan struct{}

	mu        sync.Mutex
	submitted bool
	summary   executor.Summary
	err       error
	provided  *store.Leases
}

// Dial connects to url, the server's /client endpoint. st holds the
// provided files of submitted DAGs and receives fetched outputs.
func Dial(ctx context.Context, url, name string, st *store.Store, logger *slog.Logger) (*Client, error) {
	conn, _, err := protocol.Dial(ctx, url, protocol.Hello{Role: protocol.RoleClient, Name: name})
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:     conn,
		store:    st,
		logger:   logger,
		events:   make(chan executor.Event, 256),
		statuses: make(chan executor.Snapshot, 1),
		done:     make(chan struct{}),
	}
	c.downloads = protocol.NewDownloads(st, conn)
	go c.read(context.Background())
	return c, nil
}

// Submit sends d to the server. Its provided files are stored locally and
// served when the server asks for them.
func (c *Client) Submit(ctx context.Context, d *dag.DAG) error {
	c.mu.Lock()
	if c.submitted {
		c.mu.Unlock()
		return errors.New("a DAG was already submitted on this connection")
	}
	c.submitted = true
	c.mu.Unlock()

	w, leases, err := protocol.EncodeDAG(ctx, d, c.store)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.provided = leases
	c.mu.Unlock()
	return c.conn.Send(protocol.Submit{DAG: w})
}

// Events streams the run's events and is closed when the run is over or the
// connection is lost. Consumers must drain it.
func (c *Client) Events() <-chan executor.Event { return c.events }

// Wait blocks until the run is over.
func (c *Client) Wait() (executor.Summary, error) {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary, c.err
}

// Cancel asks the server to abort the run.
func (c *Client) Cancel() error {
	return c.conn.Send(protocol.Stop{})
}

// Status asks the server for a snapshot of the run.
func (c *Client) Status(ctx context.Context) (executor.Snapshot, error) {
	if err := c.conn.Send(protocol.StatusQuery{}); err != nil {
		return executor.Snapshot{}, err
	}
	select {
	case s := <-c.statuses:
		return s, nil
	case <-c.done:
		_, err := c.Wait()
		if err == nil {
			err = errors.New("run is over")
		}
		return executor.Snapshot{}, err
	case <-ctx.Done():
		return executor.Snapshot{}, ctx.Err()
	}
}

// Fetch copies a blob from the server's store into the local store, e.g.
// an output listed in Summary.Files.
func (c *Client) Fetch(ctx context.Context, key store.Key) (*store.Handle, error) {
	return c.downloads.Fetch(ctx, key)
}

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) read(ctx context.Context) {
	var finished bool
	finish := func(s executor.Summary, err error) {
		if finished {
			return
		}
		finished = true
		c.mu.Lock()
		c.summary, c.err = s, err
		if c.provided != nil {
			c.provided.ReleaseAll()
			c.provided = nil
		}
		c.mu.Unlock()
		close(c.events)
		close(c.done)
	}
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			c.downloads.Close(err)
			finish(executor.Summary{}, err)
			return
		}
		switch msg := msg.(type) {
		case *protocol.Event:
			if !finished {
				c.events <- msg.Event
			}
		case *protocol.Done:
			finish(msg.Summary, nil)
		case *protocol.Status:
			select {
			case c.statuses <- msg.Snapshot:
			default:
			}
		case *protocol.Error:
			finish(executor.Summary{}, fmt.Errorf("server: %s", msg.Message))
		case *protocol.AskFile:
			ask := *msg
			go func() {
				if err := protocol.ServeFile(ctx, c.store, ask, c.conn); err != nil {
					c.logger.Debug("Serving file to server failed.", "key", ask.Key.Short(), "error", err)
				}
			}()
		case *protocol.FileChunk:
			c.downloads.Deliver(ctx, msg)
		case *protocol.FileMissing:
			c.downloads.Missing(msg)
		default:
			c.logger.Warn("Unexpected message from server.", "type", fmt.Sprintf("%T", msg))
		}
	}
}
