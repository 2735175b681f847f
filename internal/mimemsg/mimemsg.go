// Package mimemsg parses a raw RFC 5322 message read off an inbound SMTP
// session into its structured parts: promoted headers, text/HTML bodies,
// and fully-buffered attachments. It never writes to disk — messages pass
// through the relay in memory only.
package mimemsg

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/relaymx/relaymx/internal/relayerr"
)

// Attachment is a single MIME part whose Content-Disposition is
// "attachment", or which has a filename and any Content-Disposition
// (including "inline").
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is a parsed email, with the handful of headers the relay cares
// about promoted to fields. Headers keeps every header, promoted or not.
type Message struct {
	Headers mail.Header

	Subject    string
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	MessageID  string
	InReplyTo  string
	ReplyTo    string
	References []string

	TextBody string
	HTMLBody string

	Attachments []Attachment

	// Raw is the complete message as received, unmodified.
	Raw []byte
}

// Parse reads a full RFC 5322 message from r, enforcing maxBytes. Reading
// past the limit surfaces relayerr.ErrMessageTooLarge(450) rather than a
// silently truncated message.
func Parse(r io.Reader, maxBytes int64) (*Message, error) {
	limited := io.LimitReader(r, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, relayerr.ErrMessageTooLarge(maxBytes)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Headers: parsed.Header,
		Raw:     raw,
	}

	msg.Subject = parsed.Header.Get("Subject")
	msg.From = parsed.Header.Get("From")
	msg.MessageID = parsed.Header.Get("Message-Id")
	msg.InReplyTo = parsed.Header.Get("In-Reply-To")
	msg.ReplyTo = parsed.Header.Get("Reply-To")

	if refs := parsed.Header.Get("References"); refs != "" {
		msg.References = strings.Fields(refs)
	}

	msg.To = parseAddressList(parsed.Header.Get("To"))
	msg.Cc = parseAddressList(parsed.Header.Get("Cc"))
	msg.Bcc = parseAddressList(parsed.Header.Get("Bcc"))

	contentType := parsed.Header.Get("Content-Type")
	mediaType, params, mtErr := mime.ParseMediaType(contentType)
	switch {
	case mtErr == nil && strings.HasPrefix(mediaType, "multipart/"):
		html, text, atts := parseMultipart(parsed.Body, params["boundary"])
		msg.HTMLBody, msg.TextBody, msg.Attachments = html, text, atts
	default:
		body, readErr := io.ReadAll(parsed.Body)
		if readErr == nil {
			if strings.HasPrefix(mediaType, "text/html") {
				msg.HTMLBody = string(body)
			} else {
				msg.TextBody = string(body)
			}
		}
	}

	return msg, nil
}

// parseAddressList parses an address-list header, tolerating malformed
// input by falling back to an empty list rather than failing the message.
func parseAddressList(header string) []string {
	if header == "" {
		return nil
	}
	list, err := mail.ParseAddressList(header)
	if err != nil {
		return nil
	}
	addrs := make([]string, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, a.Address)
	}
	return addrs
}

// parseMultipart recursively walks a multipart body, collecting the first
// text and HTML part found and every attachment, including those nested in
// multipart/alternative inside multipart/mixed.
func parseMultipart(body io.Reader, boundary string) (htmlBody, textBody string, attachments []Attachment) {
	if boundary == "" {
		return "", "", nil
	}

	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		contentType := part.Header.Get("Content-Type")
		mediaType, params, _ := mime.ParseMediaType(contentType)
		disposition, dparams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))

		if strings.HasPrefix(mediaType, "multipart/") {
			if nested := params["boundary"]; nested != "" {
				h, t, a := parseMultipart(part, nested)
				if htmlBody == "" {
					htmlBody = h
				}
				if textBody == "" {
					textBody = t
				}
				attachments = append(attachments, a...)
			}
			continue
		}

		filename := dparams["filename"]
		if filename == "" {
			filename = params["name"]
		}

		if disposition == "attachment" || (filename != "" && disposition != "") {
			content, readErr := io.ReadAll(part)
			if readErr != nil {
				continue
			}
			attachments = append(attachments, Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
			})
			continue
		}

		content, readErr := io.ReadAll(part)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if htmlBody == "" {
				htmlBody = string(content)
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if textBody == "" {
				textBody = string(content)
			}
		}
	}

	return htmlBody, textBody, attachments
}
