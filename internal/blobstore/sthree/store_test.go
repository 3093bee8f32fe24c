package sthree

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/internal/common"
	"github.com/filevault/filevault/internal/hashx"
)

// fakeClient keeps objects in memory behind the Client interface.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: map[string][]byte{}}
}

func (f *fakeClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = b
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeClient) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeClient) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func digestOf(t *testing.T, data string) hashx.Digest {
	t.Helper()
	h := hashx.NewHasher()
	_, err := io.Copy(h, strings.NewReader(data))
	require.NoError(t, err)
	return h.Sum()
}

func TestStageCommitRead(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := NewWithClient(client, "vault", t.TempDir())

	staged, err := s.Stage(ctx, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), staged.Size)

	loc, err := s.Commit(ctx, staged, digestOf(t, "hello"))
	require.NoError(t, err)

	rc, err := s.Read(ctx, loc)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestCommit_DistinctLocationsPerCommit(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := NewWithClient(client, "vault", t.TempDir())
	d := digestOf(t, "hello")

	s1, err := s.Stage(ctx, strings.NewReader("hello"))
	require.NoError(t, err)
	s2, err := s.Stage(ctx, strings.NewReader("hello"))
	require.NoError(t, err)

	loc1, err := s.Commit(ctx, s1, d)
	require.NoError(t, err)
	loc2, err := s.Commit(ctx, s2, d)
	require.NoError(t, err)

	assert.NotEqual(t, loc1, loc2)
	assert.Equal(t, 2, client.puts)

	// deleting one commit's object leaves the other readable
	require.NoError(t, s.Delete(ctx, loc1))
	rc, err := s.Read(ctx, loc2)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestDelete_Idempotent(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := NewWithClient(client, "vault", t.TempDir())

	staged, err := s.Stage(ctx, strings.NewReader("hello"))
	require.NoError(t, err)
	loc, err := s.Commit(ctx, staged, digestOf(t, "hello"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, loc))
	require.NoError(t, s.Delete(ctx, loc))

	_, err = s.Read(ctx, loc)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	has, err := s.Has(ctx, loc)
	require.NoError(t, err)
	assert.False(t, has)
}
