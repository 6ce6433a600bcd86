package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/internal/errs"
)

func writeArtifact(t *testing.T) Artifact {
	t.Helper()
	p := filepath.Join(t.TempDir(), "daily_7.xlsx")
	require.NoError(t, os.WriteFile(p, []byte("xlsx-bytes"), 0o644))
	return Artifact{JobID: 7, JobName: "daily", Owner: "alice", RunID: "r-1", Path: p}
}

type received struct {
	mu     sync.Mutex
	fields map[string]string
	files  map[string]string
}

func capture(t *testing.T, status int) (*httptest.Server, *received) {
	t.Helper()
	got := &received{fields: map[string]string{}, files: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got.mu.Lock()
		for k, v := range r.MultipartForm.Value {
			got.fields[k] = v[0]
		}
		for k, fhs := range r.MultipartForm.File {
			f, err := fhs[0].Open()
			require.NoError(t, err)
			b, _ := io.ReadAll(f)
			_ = f.Close()
			got.files[k] = fhs[0].Filename + ":" + string(b)
		}
		got.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestWebhookMultipart(t *testing.T) {
	srv, got := capture(t, http.StatusOK)
	a := writeArtifact(t)

	err := NewWebhook(srv.Client(), srv.URL, "reports").Deliver(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "reports", got.fields["channel"])
	assert.Contains(t, got.fields["text"], "daily")
	assert.Equal(t, "daily_7.xlsx:xlsx-bytes", got.files["files"])
}

func TestFileServerMultipart(t *testing.T) {
	srv, got := capture(t, http.StatusCreated)
	a := writeArtifact(t)

	require.NoError(t, NewFileServer(srv.Client(), srv.URL).Deliver(context.Background(), a))
	assert.Equal(t, "daily_7.xlsx:xlsx-bytes", got.files["file"])
}

func TestPostFileRejectsErrorStatus(t *testing.T) {
	srv, _ := capture(t, http.StatusBadGateway)
	err := NewFileServer(srv.Client(), srv.URL).Deliver(context.Background(), writeArtifact(t))
	assert.ErrorContains(t, err, "status 502")
}

type fakePutter struct {
	in   *s3.PutObjectInput
	body string
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Deliver(t *testing.T) {
	fp := &fakePutter{}
	s := newS3WithClient(fp, "bucket")
	s.now = func() time.Time { return time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC) }

	require.NoError(t, s.Deliver(context.Background(), writeArtifact(t)))
	assert.Equal(t, "bucket", aws.ToString(fp.in.Bucket))
	assert.Equal(t, "reports/2024-03-09/daily_7.xlsx", aws.ToString(fp.in.Key))
	assert.Equal(t, "7", fp.in.Metadata["job-id"])
	assert.Equal(t, "xlsx-bytes", fp.body)
}

type stubSink struct {
	name  string
	err   error
	calls int
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Deliver(context.Context, Artifact) error {
	s.calls++
	return s.err
}

func TestMultiJoinsErrorsAndContinues(t *testing.T) {
	bad := &stubSink{name: "webhook", err: errs.New("connection refused")}
	good := &stubSink{name: "fileserver"}
	m := NewMulti([]Sink{bad, good}, 0, time.Second, zerolog.Nop())

	err := m.Deliver(context.Background(), writeArtifact(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, good.calls)
}

func TestMultiDisabled(t *testing.T) {
	var m *Multi
	assert.False(t, m.Enabled())
	assert.NoError(t, m.Deliver(context.Background(), Artifact{}))
	assert.False(t, NewMulti(nil, 1, 0, zerolog.Nop()).Enabled())
}
