package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// memMailbox is a single-generation in-memory mailbox.
type memMailbox struct {
	mu      sync.Mutex
	folders map[string][][]byte
}

func (m *memMailbox) Enumerate(_ context.Context, folder string) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &model.Listing{Folder: folder, UIDValidity: 1, Complete: true}
	for i := range m.folders[folder] {
		l.Items = append(l.Items, model.RemoteItem{UID: uint32(i + 1)})
	}
	return l, nil
}

func (m *memMailbox) Fetch(_ context.Context, folder string, _, uid uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.folders[folder]
	if int(uid) > len(msgs) {
		return nil, model.ErrNotFound
	}
	return msgs[uid-1], nil
}

func (m *memMailbox) Append(_ context.Context, folder string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[folder] = append(m.folders[folder], raw)
	return nil
}

func (m *memMailbox) Close() error { return nil }

func message(n int) string {
	return fmt.Sprintf("Message-ID: <m%d@example.com>\r\nFrom: a@example.com\r\nSubject: hello %d\r\n"+
		"Date: Fri, 01 Mar 2024 12:00:00 +0000\r\n\r\nbody %d\r\n", n, n, n)
}

type harness struct {
	opts *RootOptions
	mb   *memMailbox
	ring keyring.Keyring
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`database: %s
accounts:
  - id: work
    host: imap.example.com
    username: me
    folders: [INBOX]
log:
  level: error
`, filepath.Join(dir, "mailsync.db"))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	h := &harness{
		mb:   &memMailbox{folders: map[string][][]byte{}},
		ring: keyring.NewArrayKeyring(nil),
	}
	h.opts = &RootOptions{
		ConfigPath:  cfgPath,
		Credentials: credential.New(h.ring, nil),
		NewMailbox: func(model.AccountConfig, string) source.Mailbox {
			return h.mb
		},
	}
	return h
}

func (h *harness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(h.opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", h.opts.ConfigPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "mailsync", cmd.Use)
	for _, name := range []string{"run", "reconcile", "status", "reset", "resolve", "append", "keygen", "login"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, "c", config.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "", "status", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestKeygen(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "", "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "field key stored")
	first, err := h.opts.Credentials.FieldKey()
	require.NoError(t, err)

	_, err = h.run(t, "", "keygen")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.run(t, "", "keygen", "--force")
	require.NoError(t, err)
	second, err := h.opts.Credentials.FieldKey()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestReconcile_RequiresCredentials(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "", "reconcile", "work")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "field key")

	_, err = h.run(t, "", "keygen")
	require.NoError(t, err)
	_, err = h.run(t, "", "reconcile", "work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailsync login work")

	_, err = h.run(t, "", "reconcile", "nobody")
	assert.ErrorContains(t, err, "unknown account")
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "", "keygen")
	require.NoError(t, err)
	out, err := h.run(t, "s3cret\n", "login", "work")
	require.NoError(t, err)
	assert.Contains(t, out, "password stored for work")
	pw, err := h.opts.Credentials.Password("work")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	// append through the CLI, then reconcile it back
	_, err = h.run(t, message(1), "append", "work", "INBOX", "-")
	require.NoError(t, err)
	msgPath := filepath.Join(t.TempDir(), "m2.eml")
	require.NoError(t, os.WriteFile(msgPath, []byte(message(2)), 0o600))
	_, err = h.run(t, "", "append", "work", "INBOX", msgPath)
	require.NoError(t, err)

	out, err = h.run(t, "", "reconcile", "work", "--format", "json")
	require.NoError(t, err)
	var res reconcileResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Actions["FETCH"])
	assert.Equal(t, 2, res.Fetched)

	out, err = h.run(t, "", "reconcile", "work")
	require.NoError(t, err)
	assert.Contains(t, out, "fetch=0")

	out, err = h.run(t, "", "status", "--format", "json")
	require.NoError(t, err)
	var o model.Overview
	require.NoError(t, json.Unmarshal([]byte(out), &o))
	require.Len(t, o.Steps, 4)
	assert.Equal(t, 2, o.Statuses[model.StatusNew])
	assert.Len(t, o.LastPasses, 2)

	out, err = h.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "mailsync status")

	out, err = h.run(t, "", "reset", "--step", "translation", "--format", "json")
	require.NoError(t, err)
	var reset map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &reset))
	assert.EqualValues(t, 2, reset["reset"])
}

func TestReset_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "", "reset")
	assert.ErrorContains(t, err, "required flag")

	_, err = h.run(t, "", "reset", "--step", "summarize")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.run(t, "", "reset", "--step", "rules", "--item", "3", "--failed-only")
	assert.ErrorContains(t, err, "bulk resets only")

	_, err = h.run(t, "", "reset", "--step", "rules", "--item", "999")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolve(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "", "resolve", "abc")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.run(t, "", "resolve", "42")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l, err := newLogger(buf, "warn", "json")
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown", "account", "work")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"account":"work"`)

	_, err = newLogger(buf, "loud", "text")
	assert.Error(t, err)
	_, err = newLogger(buf, "info", "xml")
	assert.Error(t, err)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitCommandError, "bad", nil))))
}

type pingMailbox struct {
	*memMailbox
	password string
}

func (p *pingMailbox) Ping(context.Context) error {
	if p.password != "right" {
		return errors.New("authentication failed")
	}
	return nil
}

func TestLogin_Verify(t *testing.T) {
	h := newHarness(t)
	h.opts.NewMailbox = func(_ model.AccountConfig, password string) source.Mailbox {
		return &pingMailbox{memMailbox: h.mb, password: password}
	}

	_, err := h.run(t, "wrong\n", "login", "work", "--verify")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	_, err = h.opts.Credentials.Password("work")
	assert.ErrorIs(t, err, model.ErrNotFound, "a rejected password is not stored")

	_, err = h.run(t, "right\n", "login", "work", "--verify")
	require.NoError(t, err)
	pw, err := h.opts.Credentials.Password("work")
	require.NoError(t, err)
	assert.Equal(t, "right", pw)

	_, err = h.run(t, "\n", "login", "work")
	assert.ErrorContains(t, err, "password is empty")
}
