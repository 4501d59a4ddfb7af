// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package cloud

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"indexbatcher/src/model"
)

// MaxDescribeBatch is the largest number of job ids one status query may carry.
const MaxDescribeBatch = 50

type SubmitRequest struct {
	Name       string
	Queue      string
	Definition string
	Params     map[string]string
}

type JobStatus struct {
	ID     string
	Status model.TaskStatus
	Reason string
}

// BatchClient submits and describes cloud batch jobs.
type BatchClient interface {
	SubmitJob(ctx context.Context, req SubmitRequest) (string, error)
	DescribeJobs(ctx context.Context, ids []string) ([]JobStatus, error)
}

// ObjectStore fetches finished artifacts.
type ObjectStore interface {
	GetObject(ctx context.Context, url string) (io.ReadCloser, error)
}

// LoadAWSConfig resolves credentials and region through the default chain.
func LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// AWSBatch implements BatchClient on AWS Batch.
type AWSBatch struct {
	client *batch.Client
}

func NewAWSBatch(cfg aws.Config) *AWSBatch {
	return &AWSBatch{client: batch.NewFromConfig(cfg)}
}

func (a *AWSBatch) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	out, err := a.client.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:       aws.String(req.Name),
		JobQueue:      aws.String(req.Queue),
		JobDefinition: aws.String(req.Definition),
		Parameters:    req.Params,
	})
	if err != nil {
		return "", fmt.Errorf("submit batch job %s: %w", req.Name, err)
	}
	return aws.ToString(out.JobId), nil
}

func (a *AWSBatch) DescribeJobs(ctx context.Context, ids []string) ([]JobStatus, error) {
	if len(ids) > MaxDescribeBatch {
		return nil, fmt.Errorf("describe jobs: %d ids exceeds limit of %d", len(ids), MaxDescribeBatch)
	}
	out, err := a.client.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: ids})
	if err != nil {
		return nil, fmt.Errorf("describe batch jobs: %w", err)
	}
	res := make([]JobStatus, 0, len(out.Jobs))
	for _, jd := range out.Jobs {
		res = append(res, JobStatus{
			ID:     aws.ToString(jd.JobId),
			Status: mapStatus(jd.Status),
			Reason: aws.ToString(jd.StatusReason),
		})
	}
	return res, nil
}

func mapStatus(s types.JobStatus) model.TaskStatus {
	switch s {
	case types.JobStatusSubmitted, types.JobStatusPending:
		return model.TaskSubmitted
	case types.JobStatusRunnable:
		return model.TaskRunnable
	case types.JobStatusStarting:
		return model.TaskStarting
	case types.JobStatusRunning:
		return model.TaskRunning
	case types.JobStatusSucceeded:
		return model.TaskSucceeded
	case types.JobStatusFailed:
		return model.TaskFailed
	}
	return model.TaskSubmitted
}

// S3Store implements ObjectStore on S3 for s3://bucket/key locations.
type S3Store struct {
	client *s3.Client
}

func NewS3Store(cfg aws.Config) *S3Store {
	return &S3Store{client: s3.NewFromConfig(cfg)}
}

func (s *S3Store) GetObject(ctx context.Context, url string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3URL(url)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", url, err)
	}
	return out.Body, nil
}

// ParseS3URL splits s3://bucket/key (the scheme is optional).
func ParseS3URL(url string) (string, string, error) {
	rest := strings.TrimPrefix(url, "s3://")
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("malformed object location %q", url)
	}
	return rest[:i], rest[i+1:], nil
}
