package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"report-scheduler/internal/errs"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Webhook posts the artifact to a Mattermost-style incoming webhook as a
// multipart form with text, channel and files fields.
type Webhook struct {
	client  *http.Client
	url     string
	channel string
}

func NewWebhook(client *http.Client, url, channel string) *Webhook {
	return &Webhook{client: client, url: url, channel: channel}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, a Artifact) error {
	fields := map[string]string{
		"text": fmt.Sprintf("[%d] %s finished: %s", a.JobID, a.JobName, filepath.Base(a.Path)),
	}
	if w.channel != "" {
		fields["channel"] = w.channel
	}
	return postFile(ctx, w.client, w.url, "files", a.Path, fields)
}

// FileServer uploads the artifact as a multipart "file" field.
type FileServer struct {
	client *http.Client
	url    string
}

func NewFileServer(client *http.Client, url string) *FileServer {
	return &FileServer{client: client, url: url}
}

func (f *FileServer) Name() string { return "fileserver" }

func (f *FileServer) Deliver(ctx context.Context, a Artifact) error {
	return postFile(ctx, f.client, f.url, "file", a.Path, nil)
}

func postFile(ctx context.Context, client *http.Client, url, field, path string, fields map[string]string) error {
	fh, err := os.Open(path)
	if err != nil {
		return errs.Wrap(err, "open artifact")
	}
	defer fh.Close()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return errs.Wrapf(err, "write field %s", k)
		}
	}
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return errs.Wrap(err, "create form file")
	}
	if _, err := io.Copy(part, fh); err != nil {
		return errs.Wrap(err, "copy artifact")
	}
	if err := mw.Close(); err != nil {
		return errs.Wrap(err, "close multipart")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return errs.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := client.Do(req)
	if err != nil {
		return errs.Wrap(err, "post artifact")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusBadRequest {
		return errs.Newf("post artifact: status %d", resp.StatusCode)
	}
	return nil
}
