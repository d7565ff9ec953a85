package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 records uploads and serves fixed objects over the S3 path-style API
type fakeS3 struct {
	mu      sync.Mutex
	puts    map[string]http.Header
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		io.Copy(io.Discard, r.Body)
		f.puts[r.URL.Path] = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`<Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`))
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Write(data)
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Store(t *testing.T, fake *fakeS3, publicURL string) *S3Store {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.S3Endpoint = srv.URL
	cfg.S3Bucket = "plugins"
	cfg.S3AccessKey = "test"
	cfg.S3SecretKey = "secret"
	cfg.S3UsePathStyle = true
	cfg.S3PublicURL = publicURL

	store, err := NewS3Store(context.Background(), cfg)
	require.NoError(t, err)
	return store
}

func TestS3Store_Put(t *testing.T) {
	fake := &fakeS3{puts: map[string]http.Header{}, objects: map[string][]byte{}}
	store := newTestS3Store(t, fake, "")

	key := store.Key("dev-1", "notes", "1.0.0", "notes-1.0.0.tar.gz")
	assert.Equal(t, "plugins/dev-1/notes/1.0.0/notes-1.0.0.tar.gz", key)

	body := []byte("archive")
	url, err := store.Put(context.Background(), key, bytes.NewReader(body), int64(len(body)),
		"application/gzip", map[string]string{"checksum-sha256": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "s3://plugins/"+key, url)

	hdr, ok := fake.puts["/plugins/"+key]
	require.True(t, ok, "expected PUT on path-style key")
	assert.Equal(t, "abc", hdr.Get("X-Amz-Meta-Checksum-Sha256"))
}

func TestS3Store_Open(t *testing.T) {
	fake := &fakeS3{
		puts:    map[string]http.Header{},
		objects: map[string][]byte{"/other-bucket/a/b.tar.gz": []byte("payload")},
	}
	store := newTestS3Store(t, fake, "https://cdn.example.com/")

	rc, err := store.Open(context.Background(), "s3://other-bucket/a/b.tar.gz")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = store.Open(context.Background(), "s3://other-bucket/missing")
	assert.Error(t, err)

	assert.Equal(t, "https://cdn.example.com/x/y", store.URL("x/y"))
}

func TestS3Store_PresignGet(t *testing.T) {
	fake := &fakeS3{puts: map[string]http.Header{}, objects: map[string][]byte{}}
	store := newTestS3Store(t, fake, "")

	u, err := store.PresignGet(context.Background(), "plugins/a.tar.gz", 0)
	require.NoError(t, err)
	assert.True(t, strings.Contains(u, "X-Amz-Signature"))
}

func TestParseObjectURL(t *testing.T) {
	tests := []struct {
		in      string
		bucket  string
		key     string
		wantErr bool
	}{
		{in: "s3://bucket/path/to/pkg.tar.gz", bucket: "bucket", key: "path/to/pkg.tar.gz"},
		{in: "https://bucket/key", wantErr: true},
		{in: "s3://bucket", wantErr: true},
		{in: "s3:///key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			bucket, key, err := ParseObjectURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidObjectURL))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), DefaultConfig())
	assert.Error(t, err)
}
