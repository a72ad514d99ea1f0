package email

import (
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Config holds the connection settings of one IMAP mailbox.
type Config struct {
	Account  string
	Host     string
	Port     string
	Username string
	TLS      bool

	// Window limits enumeration to the newest N uids; zero lists all.
	Window int

	// Timeout bounds every command, including dialing.
	Timeout time.Duration
}

// ConfigFromAccount maps an account entry to mailbox settings.
func ConfigFromAccount(a model.AccountConfig) Config {
	return Config{
		Account:  a.ID,
		Host:     a.Host,
		Port:     a.Port,
		Username: a.Username,
		TLS:      a.TLS,
		Window:   a.EnumerateWindow,
		Timeout:  a.FetchTimeout(),
	}
}

func (c Config) withDefaults() Config {
	if c.Port == "" {
		if c.TLS {
			c.Port = "993"
		} else {
			c.Port = "143"
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}
