package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// enumerateChunk is the number of uids fetched per FETCH command while
// listing a folder.
const enumerateChunk = 500

// IMAPMailbox implements source.Mailbox over go-imap v2. It keeps one
// authenticated connection and reconnects after a failed or timed-out
// command.
type IMAPMailbox struct {
	cfg      Config
	password string

	mu     sync.Mutex
	client *imapclient.Client
}

var _ source.Mailbox = (*IMAPMailbox)(nil)

// NewIMAPMailbox creates a mailbox for cfg. No connection is made until
// the first call.
func NewIMAPMailbox(cfg Config, password string) *IMAPMailbox {
	return &IMAPMailbox{cfg: cfg.withDefaults(), password: password}
}

// connect establishes and authenticates a connection.
func (m *IMAPMailbox) connect() (*imapclient.Client, error) {
	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)
	opts := &imapclient.Options{
		Dialer: &net.Dialer{Timeout: m.cfg.Timeout},
	}

	var client *imapclient.Client
	var err error

	if m.cfg.TLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(m.cfg.Username, m.password).Wait(); err != nil {
		_ = client.Close()
		return nil, &source.AuthError{
			Account: m.cfg.Account,
			Message: fmt.Sprintf("authentication failed for %s: %v", m.cfg.Username, err),
		}
	}

	return client, nil
}

// do runs fn on the shared connection with the configured timeout. The
// connection is closed when ctx ends first, which unblocks any pending
// command, and is re-established on the next call.
func (m *IMAPMailbox) do(ctx context.Context, fn func(c *imapclient.Client) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if m.client == nil {
		c, err := m.connect()
		if err != nil {
			return err
		}
		m.client = c
	}
	client := m.client

	done := make(chan error, 1)
	go func() { done <- fn(client) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, source.ErrStaleGeneration) {
			m.dropLocked()
		}
		return err
	case <-ctx.Done():
		m.dropLocked()
		<-done
		return ctx.Err()
	}
}

func (m *IMAPMailbox) dropLocked() {
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
}

// Enumerate lists uid, flags and envelope of every item in folder, or of
// the newest Window items when a window is configured.
func (m *IMAPMailbox) Enumerate(ctx context.Context, folder string) (*model.Listing, error) {
	var listing *model.Listing
	err := m.do(ctx, func(c *imapclient.Client) error {
		sel, err := c.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return fmt.Errorf("selecting %s: %w", folder, err)
		}

		search, err := c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s: %w", folder, err)
		}

		uids, complete := windowUIDs(search.AllUIDs(), m.cfg.Window)
		out := &model.Listing{
			Folder:      folder,
			UIDValidity: sel.UIDValidity,
			Complete:    complete,
			Items:       make([]model.RemoteItem, 0, len(uids)),
		}

		for _, chunk := range chunkUIDs(uids, enumerateChunk) {
			if err := ctx.Err(); err != nil {
				return err
			}
			fetchCmd := c.Fetch(imap.UIDSetNum(chunk...), &imap.FetchOptions{
				UID:      true,
				Flags:    true,
				Envelope: true,
			})
			for {
				msg := fetchCmd.Next()
				if msg == nil {
					break
				}
				buf, err := msg.Collect()
				if err != nil {
					_ = fetchCmd.Close()
					return fmt.Errorf("reading %s listing: %w", folder, err)
				}
				out.Items = append(out.Items, remoteFromBuffer(buf))
			}
			if err := fetchCmd.Close(); err != nil {
				return fmt.Errorf("listing %s: %w", folder, err)
			}
		}

		listing = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Fetch downloads the raw body of uid without setting \Seen. It fails
// with source.ErrStaleGeneration when the folder generation changed.
func (m *IMAPMailbox) Fetch(ctx context.Context, folder string, uidvalidity, uid uint32) ([]byte, error) {
	var body []byte
	err := m.do(ctx, func(c *imapclient.Client) error {
		sel, err := c.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return fmt.Errorf("selecting %s: %w", folder, err)
		}
		if sel.UIDValidity != uidvalidity {
			return fmt.Errorf("%s: want %d, have %d: %w", folder, uidvalidity, sel.UIDValidity, source.ErrStaleGeneration)
		}

		bodySection := &imap.FetchItemBodySection{Peek: true}
		fetchCmd := c.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{bodySection},
		})
		msg := fetchCmd.Next()
		if msg == nil {
			_ = fetchCmd.Close()
			return fmt.Errorf("message %s/%d: %w", folder, uid, model.ErrNotFound)
		}
		buf, err := msg.Collect()
		if err != nil {
			_ = fetchCmd.Close()
			return fmt.Errorf("collecting message %s/%d: %w", folder, uid, err)
		}
		if err := fetchCmd.Close(); err != nil {
			return fmt.Errorf("fetching %s/%d: %w", folder, uid, err)
		}
		body = buf.FindBodySection(bodySection)
		if body == nil {
			return fmt.Errorf("message %s/%d has no body", folder, uid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Append uploads a raw message to folder.
func (m *IMAPMailbox) Append(ctx context.Context, folder string, raw []byte) error {
	return m.do(ctx, func(c *imapclient.Client) error {
		cmd := c.Append(folder, int64(len(raw)), nil)
		if _, err := cmd.Write(raw); err != nil {
			_ = cmd.Close()
			return fmt.Errorf("writing message to %s: %w", folder, err)
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("closing append to %s: %w", folder, err)
		}
		if _, err := cmd.Wait(); err != nil {
			return fmt.Errorf("appending to %s: %w", folder, err)
		}
		return nil
	})
}

// Ping verifies credentials by connecting and selecting INBOX.
func (m *IMAPMailbox) Ping(ctx context.Context) error {
	return m.do(ctx, func(c *imapclient.Client) error {
		_, err := c.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait()
		return err
	})
}

// Close logs out and closes the connection.
func (m *IMAPMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	client := m.client
	m.client = nil

	done := make(chan struct{})
	go func() {
		_ = client.Logout().Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.Timeout):
	}
	return client.Close()
}

// windowUIDs keeps the newest window uids. The result is complete only
// when nothing was cut.
func windowUIDs(uids []imap.UID, window int) ([]imap.UID, bool) {
	if window <= 0 || len(uids) <= window {
		return uids, true
	}
	return uids[len(uids)-window:], false
}

// chunkUIDs splits uids into slices of at most size entries.
func chunkUIDs(uids []imap.UID, size int) [][]imap.UID {
	var chunks [][]imap.UID
	for len(uids) > 0 {
		n := min(size, len(uids))
		chunks = append(chunks, uids[:n])
		uids = uids[n:]
	}
	return chunks
}

// remoteFromBuffer extracts a RemoteItem from a FetchMessageBuffer.
func remoteFromBuffer(buf *imapclient.FetchMessageBuffer) model.RemoteItem {
	item := model.RemoteItem{UID: uint32(buf.UID)}

	if buf.Envelope != nil {
		item.Envelope.MessageID = buf.Envelope.MessageID
		item.Envelope.Subject = buf.Envelope.Subject
		item.Envelope.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			item.Envelope.From = buf.Envelope.From[0].Addr()
		}
	}

	for _, flag := range buf.Flags {
		item.Flags = append(item.Flags, string(flag))
	}
	item.Flags = model.NormalizeFlags(item.Flags)

	return item
}
