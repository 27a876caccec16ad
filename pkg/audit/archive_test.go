package audit

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.in = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3.PutObjectOutput{}, nil
}

func TestObjectKey(t *testing.T) {
	v := verdict("trace-9", contracts.DecisionAllow, 1)
	assert.Equal(t, "verdicts/2026-03-14/trace-9.json", ObjectKey("", v))
	assert.Equal(t, "gate/verdicts/2026-03-14/trace-9.json", ObjectKey("gate/", v))
}

func TestS3Archive_Write(t *testing.T) {
	put := &fakePutter{}
	a := newS3Archive(put, "audit-verdicts", "")
	require.NoError(t, a.Write(context.Background(), verdict("s3-1", contracts.DecisionDeny, 3)))

	assert.Equal(t, "audit-verdicts", aws.ToString(put.in.Bucket))
	assert.Equal(t, "verdicts/2026-03-14/s3-1.json", aws.ToString(put.in.Key))
	assert.Equal(t, "DENY", put.in.Metadata["decision"])
	assert.Contains(t, string(put.body), `"trace_id":"s3-1"`)
}

func TestS3Archive_WriteFailure(t *testing.T) {
	a := newS3Archive(&fakePutter{err: errors.New("access denied")}, "b", "")
	err := a.Write(context.Background(), verdict("s3-2", contracts.DecisionAllow, 3))
	var we *contracts.AuditWriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "s3-2", we.TraceID)
}

func TestNewArchive_RejectsBadBuckets(t *testing.T) {
	for _, bucket := range []string{"", "audit-verdicts", "s3://", "ftp://audit"} {
		_, err := NewArchive(context.Background(), ArchiveConfig{Bucket: bucket})
		assert.Error(t, err, bucket)
	}
}

type fakeKafka struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeKafka{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Write(context.Background(), verdict("k1", contracts.DecisionEscalate, 3)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "k1", string(w.msgs[0].Key))
	assert.Equal(t, kafka.Header{Key: "decision", Value: []byte("ESCALATE")}, w.msgs[0].Headers[0])

	w.err = errors.New("leader not available")
	err := p.Write(context.Background(), verdict("k2", contracts.DecisionAllow, 3))
	var we *contracts.AuditWriteError
	assert.ErrorAs(t, err, &we)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", ""}, Topic: "verdicts"})
	assert.ErrorContains(t, err, "brokers required")

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.ErrorContains(t, err, "topic required")

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "verdicts"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
