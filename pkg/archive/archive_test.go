package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePutter struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (c *capturePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.inputs = append(c.inputs, in)
	if c.err != nil {
		return nil, c.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveUploadsFetchedMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		io.WriteString(w, "mp4-bytes")
	}))
	defer srv.Close()

	putter := &capturePutter{}
	a := newWithClient(putter, srv.Client(), "results", "runs")

	key, err := a.Archive(context.Background(), 7, srv.URL+"/renders/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, "runs/task-7/a.mp4", key)

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "results", *in.Bucket)
	assert.Equal(t, "runs/task-7/a.mp4", *in.Key)
	require.NotNil(t, in.ContentType)
	assert.Equal(t, "video/mp4", *in.ContentType)

	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", string(body))
}

func TestArchiveFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	a := newWithClient(&capturePutter{}, srv.Client(), "results", "")

	_, err := a.Archive(context.Background(), 1, srv.URL+"/gone.mp4")
	assert.ErrorContains(t, err, "404")
}

func TestObjectKeyFallback(t *testing.T) {
	a := newWithClient(&capturePutter{}, nil, "results", "")
	assert.Equal(t, "task-3/media", a.objectKey(3, "https://videos.openai.com/"))
	assert.Equal(t, "task-3/render", a.objectKey(3, "https://videos.openai.com/generations/render"))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Bucket: "b", AccessKeyID: "only-one"}).Validate())
	assert.NoError(t, (&Config{Bucket: "b"}).Validate())
	assert.NoError(t, (&Config{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"}).Validate())
}
