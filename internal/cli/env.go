package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/executor/ollama"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pipeline"
	"github.com/nhle/mailsync/internal/reconcile"
	"github.com/nhle/mailsync/internal/rules"
	"github.com/nhle/mailsync/internal/secret"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/email"
	"github.com/nhle/mailsync/internal/store"
)

// environment is what every command needs after flags are parsed.
type environment struct {
	opts   *RootOptions
	cfg    *model.AppConfig
	logger *slog.Logger
	creds  *credential.Store
}

func loadEnvironment(cmd *cobra.Command, opts *RootOptions) (*environment, error) {
	cfg, err := model.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	level, format := cfg.Log.Level, cfg.Log.Format
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logger, err := newLogger(cmd.ErrOrStderr(), level, format)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid logging options", err)
	}
	slog.SetDefault(logger)

	return &environment{opts: opts, cfg: cfg, logger: logger}, nil
}

// newLogger builds the process logger. Logs go to w, never to stdout.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("log format %q: must be text or json", format)
	}
}

func (e *environment) credentials() (*credential.Store, error) {
	if e.creds != nil {
		return e.creds, nil
	}
	if e.opts.Credentials != nil {
		e.creds = e.opts.Credentials
		return e.creds, nil
	}
	creds, err := credential.Open()
	if err != nil {
		return nil, err
	}
	e.creds = creds
	return creds, nil
}

// openStore opens the database. Commands that read or write message
// content pass requireKey; monitoring and reset commands never decrypt
// and can run without the field key.
func (e *environment) openStore(requireKey bool) (*store.SQLiteStore, error) {
	var opts []store.Option

	cipher, err := e.cipher()
	switch {
	case err == nil:
		opts = append(opts, store.WithCipher(cipher))
	case requireKey:
		return nil, WrapExitError(ExitCommandError, "field key unavailable (run `mailsync keygen`)", err)
	default:
		e.logger.Debug("opening store without field key", "error", err)
	}

	st, err := store.NewSQLiteStore(e.cfg.Database, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func (e *environment) cipher() (*secret.Cipher, error) {
	creds, err := e.credentials()
	if err != nil {
		return nil, err
	}
	encoded, err := creds.FieldKey()
	if err != nil {
		return nil, err
	}
	key, err := secret.DecodeKey(encoded)
	if err != nil {
		return nil, err
	}
	return secret.New(key)
}

// mailbox connects the configured account.
func (e *environment) mailbox(acct model.AccountConfig) (source.Mailbox, error) {
	creds, err := e.credentials()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "keyring unavailable", err)
	}
	password, err := creds.Password(acct.ID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, WrapExitError(ExitCommandError,
				fmt.Sprintf("no password for %s (run `mailsync login %s` or set %s)",
					acct.ID, acct.ID, credential.PasswordEnv(acct.ID)), err)
		}
		return nil, WrapExitError(ExitCommandError, "reading password", err)
	}
	if e.opts.NewMailbox != nil {
		return e.opts.NewMailbox(acct, password), nil
	}
	return email.NewIMAPMailbox(email.ConfigFromAccount(acct), password), nil
}

func (e *environment) reconciler(st store.ServerStateStore) *reconcile.Reconciler {
	opts := []reconcile.Option{reconcile.WithLogger(e.logger)}
	for _, a := range e.cfg.Accounts {
		opts = append(opts, reconcile.WithAccountFetchBatch(a.ID, a.FetchBatch))
	}
	return reconcile.New(st, opts...)
}

// executors wires the model server and the rule engine into the pipeline.
func (e *environment) executors() (pipeline.Executors, error) {
	engine, err := rules.Compile(e.cfg.Rules)
	if err != nil {
		return pipeline.Executors{}, WrapExitError(ExitCommandError, "invalid rules", err)
	}
	svc := ollama.NewService(e.cfg.Ollama)
	return pipeline.Executors{
		Embedder:    svc,
		Translator:  svc,
		Classifier:  svc,
		RuleApplier: engine,
		TargetLang:  e.cfg.Pipeline.TargetLang,
	}, nil
}

func (e *environment) pool(st store.PipelineStore, exec pipeline.Executors) *pipeline.Pool {
	p := e.cfg.Pipeline
	return pipeline.NewPool(st, pipeline.PolicyFromConfig(p), exec, pipeline.PoolConfig{
		Workers:      p.Workers,
		PollInterval: p.PollInterval,
		StepTimeout:  p.StepTimeout,
	}, pipeline.WithLogger(e.logger))
}

func (e *environment) close(st *store.SQLiteStore) {
	if err := st.Close(); err != nil {
		e.logger.Error("error closing database", "error", err)
	}
}
