package sink

import (
	"bytes"
	"context"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vango-dev/wavebench/internal/errors"
	"github.com/vango-dev/wavebench/pkg/record"
)

// DefaultBucket is the bucket results are uploaded to when none is set.
const DefaultBucket = "bench-results"

// PutObjectAPI is the subset of *s3.Client used by S3Sink.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures an S3Sink.
type S3Options struct {
	// Bucket is the destination bucket. Default: DefaultBucket.
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	// Run names the uploaded object.
	Run string

	// Now returns the upload time used in the key. Default: time.Now.
	Now func() time.Time
}

// S3Sink records into a Transcript and uploads it as one object on Flush.
//
// Example usage:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	s := sink.NewS3Sink(s3.NewFromConfig(cfg), sink.NewTranscript(), sink.S3Options{Run: "read-4x2"})
type S3Sink struct {
	client     PutObjectAPI
	transcript *Transcript
	opts       S3Options

	lastKey string
}

// NewS3Sink creates an S3Sink buffering into transcript.
func NewS3Sink(client PutObjectAPI, transcript *Transcript, opts S3Options) *S3Sink {
	if opts.Bucket == "" {
		opts.Bucket = DefaultBucket
	}
	if opts.Run == "" {
		opts.Run = "wavebench"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if transcript == nil {
		transcript = NewTranscript()
	}
	return &S3Sink{client: client, transcript: transcript, opts: opts}
}

// Emit buffers r.
func (s *S3Sink) Emit(r record.Record) {
	s.transcript.Emit(r)
}

// Key returns the object key for an upload at t.
func (s *S3Sink) Key(t time.Time) string {
	name := s.opts.Run + "-" + strconv.FormatInt(t.UTC().Unix(), 10) + ".jsonl"
	return path.Join(s.opts.Prefix, name)
}

// LastKey returns the key of the last successful upload.
func (s *S3Sink) LastKey() string {
	return s.lastKey
}

// Flush uploads the transcript.
func (s *S3Sink) Flush(ctx context.Context) error {
	now := s.opts.Now()
	key := s.Key(now)
	body := s.transcript.Bytes()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"run":         s.opts.Run,
			"records":     strconv.Itoa(s.transcript.Len()),
			"upload-time": now.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return errors.New("E130").
			WithDetail("s3://" + s.opts.Bucket + "/" + key).
			WithSuggestion("Check AWS credentials and that the bucket exists").
			Wrap(err)
	}
	s.lastKey = key
	return nil
}
