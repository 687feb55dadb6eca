package biometrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// ObjectStore is the subset of the S3 client the engine uses.
type ObjectStore interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the template vault. Endpoint and PathStyle target
// S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3Engine keeps each subject as a JSON object keyed by subject id.
type S3Engine struct {
	client ObjectStore
	bucket string
	prefix string
}

// NewS3Engine loads AWS configuration from the default chain.
func NewS3Engine(ctx context.Context, cfg S3Config) (*S3Engine, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("biometric bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3EngineWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3EngineWithClient(client ObjectStore, bucket, prefix string) *S3Engine {
	return &S3Engine{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (e *S3Engine) key(subjectID string) string {
	if e.prefix == "" {
		return subjectID + ".json"
	}
	return e.prefix + "/" + subjectID + ".json"
}

// Lookup returns nil when the subject has never been stored.
func (e *S3Engine) Lookup(ctx context.Context, subjectID string) (*Subject, error) {
	if subjectID == "" {
		return nil, nil
	}
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.key(subjectID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subject %s: %w", subjectID, err)
	}
	defer out.Body.Close()

	var s Subject
	if err := json.NewDecoder(out.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode subject %s: %w", subjectID, err)
	}
	if s.SubjectID == "" {
		s.SubjectID = subjectID
	}
	return &s, nil
}

// Enroll stores a new subject, assigning an id when none is set.
func (e *S3Engine) Enroll(ctx context.Context, s *Subject) (*Subject, error) {
	enrolled := *s
	if enrolled.SubjectID == "" {
		enrolled.SubjectID = uuid.NewString()
	}
	if err := e.put(ctx, &enrolled); err != nil {
		return nil, err
	}
	return &enrolled, nil
}

// Update replaces the stored templates of an existing subject.
func (e *S3Engine) Update(ctx context.Context, s *Subject) (*Subject, error) {
	if s.SubjectID == "" {
		return nil, fmt.Errorf("update requires a subject id")
	}
	if err := e.put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *S3Engine) put(ctx context.Context, s *Subject) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode subject: %w", err)
	}
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(e.key(s.SubjectID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put subject %s: %w", s.SubjectID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
