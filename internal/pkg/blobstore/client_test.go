package blobstore

import (
	"context"
	"errors"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFakeS3(t *testing.T) *Client {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)

	bucket := "bookingrelay-test"
	require.NoError(t, backend.CreateBucket(bucket))

	client, err := NewClient(context.Background(), &Config{
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Region:          "us-east-1",
		BucketName:      bucket,
		EndpointURL:     server.URL,
	})
	require.NoError(t, err)
	return client
}

func TestClientPutGet(t *testing.T) {
	client := setupFakeS3(t)
	ctx := context.Background()

	body := []byte(`{"bookingId":"42"}`)
	require.NoError(t, client.Put(ctx, "dev/2026/03/42:ABC-1.json", body, map[string]string{"source-type": "BOOKING"}))

	got, err := client.Get(ctx, "dev/2026/03/42:ABC-1.json")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestClientPutNeverOverwrites(t *testing.T) {
	client := setupFakeS3(t)
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, "dev/k.json", []byte(`{"v":1}`), nil))
	err := client.Put(ctx, "dev/k.json", []byte(`{"v":2}`), nil)
	assert.True(t, errors.Is(err, ErrObjectExists))

	got, err := client.Get(ctx, "dev/k.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got))
}

func TestClientGetMissing(t *testing.T) {
	client := setupFakeS3(t)

	_, err := client.Get(context.Background(), "dev/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientListByPrefix(t *testing.T) {
	client := setupFakeS3(t)
	ctx := context.Background()

	for _, key := range []string{"dev/2026/01/a.json", "dev/2026/02/b.json", "prod/2026/01/c.json"} {
		require.NoError(t, client.Put(ctx, key, []byte(`{}`), nil))
	}

	objects, err := client.List(ctx, "dev/")
	require.NoError(t, err)
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
		assert.Equal(t, int64(2), obj.Size)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"dev/2026/01/a.json", "dev/2026/02/b.json"}, keys)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "complete", cfg: Config{AccessKeyID: "a", SecretAccessKey: "s", BucketName: "b"}, ok: true},
		{name: "missing key", cfg: Config{SecretAccessKey: "s", BucketName: "b"}},
		{name: "missing secret", cfg: Config{AccessKeyID: "a", BucketName: "b"}},
		{name: "missing bucket", cfg: Config{AccessKeyID: "a", SecretAccessKey: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
