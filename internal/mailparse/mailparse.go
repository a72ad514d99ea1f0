// Package mailparse extracts identity headers and readable text from raw
// RFC 5322 messages.
package mailparse

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/identity"
)

// Message is the parsed content of a fetched body.
type Message struct {
	MessageID string
	From      string
	Subject   string
	Date      time.Time

	TextBody    string
	HTMLBody    string
	Attachments []Attachment

	// Unparsed is set when the body is not a MIME message; TextBody then
	// holds the raw bytes.
	Unparsed bool
}

// Attachment holds metadata about a message attachment.
type Attachment struct {
	Filename string
	Size     int64
	MIMEType string
}

// Parse reads headers and body parts of raw. It never fails: bodies
// that cannot be read as MIME are returned as plain text.
func Parse(raw []byte) *Message {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return &Message{TextBody: string(raw), Unparsed: true}
	}
	defer mr.Close()

	msg := &Message{}
	readHeader(msg, mr.Header)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && msg.TextBody == "":
				msg.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			n, readErr := io.Copy(io.Discard, part.Body)
			if readErr != nil {
				continue
			}

			msg.Attachments = append(msg.Attachments, Attachment{
				Filename: filename,
				Size:     n,
				MIMEType: contentType,
			})
		}
	}

	return msg
}

func readHeader(msg *Message, h mail.Header) {
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = identity.NormalizeMessageID(id)
	}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
}

// Identity resolves the stable identity of the parsed message.
func (m *Message) Identity() identity.Resolved {
	return identity.Resolve(m.MessageID, m.Date, m.From, m.Subject)
}

// Text returns the best plain-text rendering of the body.
func (m *Message) Text() string {
	if strings.TrimSpace(m.TextBody) != "" {
		return strings.TrimSpace(m.TextBody)
	}
	return StripHTML(m.HTMLBody)
}

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// StripHTML removes HTML tags from a string and decodes common
// entities, providing a basic plain-text rendering.
func StripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")

	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	result = replacer.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}
