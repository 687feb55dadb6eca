package biometrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObjects struct {
	objects map[string][]byte
	getErr  error
}

func (m *memObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	body, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (m *memObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Engine_EnrollLookupUpdate(t *testing.T) {
	store := &memObjects{objects: map[string][]byte{}}
	e := NewS3EngineWithClient(store, "vault", "/subjects/")
	ctx := context.Background()

	enrolled, err := e.Enroll(ctx, &Subject{Fingerprints: []Fingerprint{{Finger: "RIGHT_THUMB", Template: []byte("t1")}}})
	require.NoError(t, err)
	require.NotEmpty(t, enrolled.SubjectID)
	assert.Contains(t, store.objects, "vault/subjects/"+enrolled.SubjectID+".json")

	got, err := e.Lookup(ctx, enrolled.SubjectID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("t1"), got.Fingerprints[0].Template)

	enrolled.Fingerprints[0].Template = []byte("t2")
	_, err = e.Update(ctx, enrolled)
	require.NoError(t, err)

	var stored Subject
	require.NoError(t, json.Unmarshal(store.objects["vault/subjects/"+enrolled.SubjectID+".json"], &stored))
	assert.Equal(t, []byte("t2"), stored.Fingerprints[0].Template)
}

func TestS3Engine_EnrollKeepsCallerID(t *testing.T) {
	e := NewS3EngineWithClient(&memObjects{objects: map[string][]byte{}}, "vault", "")
	got, err := e.Enroll(context.Background(), &Subject{SubjectID: "given-id"})
	require.NoError(t, err)
	assert.Equal(t, "given-id", got.SubjectID)
	assert.Equal(t, "given-id.json", e.key("given-id"))
}

func TestS3Engine_LookupMissing(t *testing.T) {
	e := NewS3EngineWithClient(&memObjects{objects: map[string][]byte{}}, "vault", "")

	got, err := e.Lookup(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = e.Lookup(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestS3Engine_LookupFailure(t *testing.T) {
	e := NewS3EngineWithClient(&memObjects{getErr: errors.New("access denied")}, "vault", "")
	_, err := e.Lookup(context.Background(), "x")
	assert.Error(t, err)
}

func TestS3Engine_UpdateRequiresID(t *testing.T) {
	e := NewS3EngineWithClient(&memObjects{objects: map[string][]byte{}}, "vault", "")
	_, err := e.Update(context.Background(), &Subject{})
	assert.Error(t, err)
}

func TestNewS3Engine_RequiresBucket(t *testing.T) {
	_, err := NewS3Engine(context.Background(), S3Config{})
	assert.Error(t, err)
}
