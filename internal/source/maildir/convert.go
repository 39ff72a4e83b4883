package maildir

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/pimmirror/pimmirror/internal/model"
)

// maxBodyBytes caps how much text body is mirrored per message. The mirror is
// for search and export, not an archival copy of every megabyte upstream.
const maxBodyBytes = 256 << 10

// readMessage parses one mail file into a raw source record. The file path
// relative to the partition directory is the transient internal ID; the
// Message-ID header, when present, is the durable ID.
func (a *Adapter) readMessage(path, relPath string, modTime time.Time) (model.RawSourceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.RawSourceRecord{}, err
	}
	defer f.Close()

	var body io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(strings.ToLower(path), ".emlx") {
		body, err = unwrapEmlx(body)
		if err != nil {
			return model.RawSourceRecord{}, fmt.Errorf("unwrapping emlx: %w", err)
		}
	}

	mr, err := mail.CreateReader(body)
	if err != nil {
		return model.RawSourceRecord{}, fmt.Errorf("reading message: %w", err)
	}

	rec := model.RawSourceRecord{
		InternalID: relPath,
		Kind:       model.KindMessage,
		UpdatedAt:  modTime.UTC(),
	}

	h := mr.Header
	rec.Title, _ = h.Subject()
	if id, err := h.MessageID(); err == nil {
		rec.DurableID = id
	}
	rec.From = addressLine(h, "From")
	rec.To = addressLine(h, "To")

	date, err := h.Date()
	if err != nil {
		date = modTime
	}
	rec.IdentitySeed = identitySeed(rec.From, rec.To, rec.Title, date)

	rec.Body, rec.Attachments = readParts(mr)
	return rec, nil
}

// addressLine renders a header address list as a comma-joined string; a
// malformed list falls back to the raw header text so the seed stays stable.
func addressLine(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return h.Get(key)
	}
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = addr.Address
	}
	return strings.Join(parts, ", ")
}

// identitySeed composes the fingerprint input for messages lacking a
// Message-ID. Normalized so cosmetic header rewrites do not fork identity.
func identitySeed(from, to, subject string, date time.Time) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return fmt.Sprintf("%s|%s|%s|%d", norm(from), norm(to), norm(subject), date.UTC().Unix())
}

// readParts walks the MIME tree, capturing the first text body and the
// attachment metadata. Any error ends the walk, keeping what was captured
// so far: a truncated multipart message (no closing boundary) reports the
// same error from NextPart forever, so skipping past it would never
// terminate.
func readParts(mr *mail.Reader) (string, []model.Attachment) {
	var body string
	var attachments []model.Attachment
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			if body != "" {
				continue
			}
			ct, _, err := h.ContentType()
			if err != nil || !strings.HasPrefix(ct, "text/") {
				continue
			}
			buf, err := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
			if err == nil {
				body = string(buf)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, p.Body)
			attachments = append(attachments, model.Attachment{
				Filename: filename,
				MIMEType: ct,
				Size:     size,
			})
		}
	}
	return body, attachments
}

// unwrapEmlx strips Apple Mail's .emlx framing: a decimal byte-count line,
// the RFC 5322 message of exactly that many bytes, then a property-list
// blob the mirror does not consume.
func unwrapEmlx(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("bad length prefix %q", strings.TrimSpace(line))
	}
	return io.LimitReader(br, n), nil
}
