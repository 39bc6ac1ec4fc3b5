package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/composer"
	"chatsync/pkg/models"
)

// UploadField is the multipart field carrying the file.
const UploadField = "file"

// progressReader counts bytes read from the file part only.
type progressReader struct {
	r        io.Reader
	sent     int64
	total    int64
	progress func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		sent := atomic.AddInt64(&p.sent, int64(n))
		if p.progress != nil {
			p.progress(sent, p.total)
		}
	}
	return n, err
}

// multipartFrame renders the multipart envelope around a file part: the
// bytes before the content, the bytes after it and the content type.
func multipartFrame(u composer.Upload) (head, tail []byte, contentType string, err error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	w := multipart.NewWriter(buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+UploadField+`"; filename="`+escapeQuotes(u.Name)+`"`)
	mime := u.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	h.Set("Content-Type", mime)
	if _, err := w.CreatePart(h); err != nil {
		return nil, nil, "", err
	}
	split := buf.Len()
	if err := w.Close(); err != nil {
		return nil, nil, "", err
	}
	all := buf.Bytes()
	head = append([]byte(nil), all[:split]...)
	tail = append([]byte(nil), all[split:]...)
	return head, tail, w.FormDataContentType(), nil
}

var errMissingURL = errors.New("upload response has no url")

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

type uploadResponse struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	MIME string `json:"mime"`
}

// Upload streams u as multipart/form-data to /v1/uploads. progress sees
// the file bytes handed to the connection.
func (c *Client) Upload(ctx context.Context, u composer.Upload, progress func(sent, total int64)) (models.Attachment, error) {
	const op chaterr.Op = "api.Upload"
	if err := ctx.Err(); err != nil {
		return models.Attachment{}, chaterr.E(op, chaterr.KindCanceled, u.Name, err)
	}
	if u.Size <= 0 {
		return models.Attachment{}, chaterr.Invalid(op, "upload size unknown")
	}
	head, tail, contentType, err := multipartFrame(u)
	if err != nil {
		return models.Attachment{}, chaterr.E(op, chaterr.KindValidation, u.Name, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	c.prepare(req, fasthttp.MethodPost, "/v1/uploads")
	req.Header.SetContentType(contentType)
	body := io.MultiReader(
		bytes.NewReader(head),
		&progressReader{r: io.LimitReader(u.Body, u.Size), total: u.Size, progress: progress},
		bytes.NewReader(tail),
	)
	req.SetBodyStream(body, len(head)+int(u.Size)+len(tail))

	start := time.Now()
	doErr := c.hc.DoDeadline(req, resp, c.deadline(ctx, c.uploadTimeout))
	var out uploadResponse
	if err := c.finish(ctx, op, fasthttp.MethodPost, "/v1/uploads", start, resp, doErr, &out); err != nil {
		return models.Attachment{}, err
	}
	if out.URL == "" {
		return models.Attachment{}, chaterr.Network(op, u.Name, errMissingURL)
	}
	return models.Attachment{URL: out.URL, Name: out.Name, Size: out.Size, MIME: out.MIME}, nil
}
