package mimemsg

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymx/relaymx/internal/relayerr"
)

func TestParse_SinglePartText(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: Hello\r\n" +
		"Message-Id: <abc@example.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Plain text body.\r\n"

	msg, err := Parse(strings.NewReader(raw), 1<<20)
	require.NoError(t, err)

	assert.Equal(t, "Hello", msg.Subject)
	assert.Equal(t, "sender@example.com", msg.From)
	assert.Equal(t, []string{"recipient@example.com"}, msg.To)
	assert.Equal(t, "<abc@example.com>", msg.MessageID)
	assert.Contains(t, msg.TextBody, "Plain text body.")
	assert.Empty(t, msg.HTMLBody)
	assert.Empty(t, msg.Attachments)
}

func TestParse_SinglePartHTML(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: Hello HTML\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<h1>Hi</h1>\r\n"

	msg, err := Parse(strings.NewReader(raw), 1<<20)
	require.NoError(t, err)
	assert.Contains(t, msg.HTMLBody, "<h1>Hi</h1>")
	assert.Empty(t, msg.TextBody)
}

func TestParse_MultipartAlternative(t *testing.T) {
	boundary := "b1"
	raw := fmt.Sprintf(
		"From: sender@example.com\r\n"+
			"To: recipient@example.com\r\n"+
			"Subject: Dual\r\n"+
			"Content-Type: multipart/alternative; boundary=%s\r\n"+
			"\r\n"+
			"--%s\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"text version\r\n"+
			"--%s\r\n"+
			"Content-Type: text/html\r\n"+
			"\r\n"+
			"<p>html version</p>\r\n"+
			"--%s--\r\n",
		boundary, boundary, boundary, boundary,
	)

	msg, err := Parse(strings.NewReader(raw), 1<<20)
	require.NoError(t, err)
	assert.Contains(t, msg.TextBody, "text version")
	assert.Contains(t, msg.HTMLBody, "<p>html version</p>")
}

func TestParse_MultipartMixedWithAttachment(t *testing.T) {
	boundary := "mixedb"
	raw := fmt.Sprintf(
		"From: sender@example.com\r\n"+
			"To: recipient@example.com\r\n"+
			"Subject: With attachment\r\n"+
			"Content-Type: multipart/mixed; boundary=%s\r\n"+
			"\r\n"+
			"--%s\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"see attached\r\n"+
			"--%s\r\n"+
			"Content-Type: text/plain; name=\"note.txt\"\r\n"+
			"Content-Disposition: attachment; filename=\"note.txt\"\r\n"+
			"\r\n"+
			"file contents\r\n"+
			"--%s--\r\n",
		boundary, boundary, boundary, boundary,
	)

	msg, err := Parse(strings.NewReader(raw), 1<<20)
	require.NoError(t, err)
	assert.Contains(t, msg.TextBody, "see attached")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "note.txt", msg.Attachments[0].Filename)
	assert.Contains(t, string(msg.Attachments[0].Content), "file contents")
}

func TestParse_MessageTooLarge(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: Big\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		strings.Repeat("a", 1000) + "\r\n"

	_, err := Parse(strings.NewReader(raw), 100)
	require.Error(t, err)
	e, ok := err.(*relayerr.Error)
	require.True(t, ok)
	assert.Equal(t, relayerr.MessageTooLarge, e.Kind)
}

func TestParse_CcBccParsed(t *testing.T) {
	raw := "From: sender@example.com\r\n" +
		"To: a@example.com, b@example.com\r\n" +
		"Cc: c@example.com\r\n" +
		"Subject: Recipients\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body\r\n"

	msg, err := Parse(strings.NewReader(raw), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, msg.To)
	assert.Equal(t, []string{"c@example.com"}, msg.Cc)
	assert.Nil(t, msg.Bcc)
}
