// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive tiers sealed, retention-evicted segments out to S3
// instead of unlinking them outright, and rehydrates them back to local
// disk on demand. This is additive to the engine's Non-goals: local
// retention still deletes its own bookkeeping, but when a tier is
// configured the bytes survive off-box first.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config names the bucket and credentials a Tier uploads to.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	KMSKeyARN       string
}

// ByteRange requests a partial object GET (used to rehydrate just a
// segment's sparse index without pulling the whole data file).
type ByteRange struct {
	Start int64
	End   int64
}

func (r *ByteRange) headerValue() *string {
	if r == nil {
		return nil
	}
	v := fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
	return &v
}

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("archive: object not found")

// Tier is the minimal object-store surface a cold tier needs: put whole
// objects, get them back (optionally ranged).
type Tier interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string, rng *ByteRange) ([]byte, error)
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Tier struct {
	bucket string
	api    s3API
	kmsKey string
}

// NewTier returns an AWS S3-backed Tier.
func NewTier(ctx context.Context, cfg Config) (Tier, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket required")
	}
	if cfg.Region == "" {
		return nil, errors.New("archive: region required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{URL: cfg.Endpoint, PartitionID: "aws", SigningRegion: cfg.Region}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, config.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = cfg.ForcePathStyle })
	return &s3Tier{bucket: cfg.Bucket, api: client, kmsKey: cfg.KMSKeyARN}, nil
}

func (t *s3Tier) Put(ctx context.Context, key string, body []byte) error {
	input := &s3.PutObjectInput{Bucket: aws.String(t.bucket), Key: aws.String(key), Body: bytes.NewReader(body)}
	if t.kmsKey != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(t.kmsKey)
	}
	if _, err := t.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

func (t *s3Tier) Get(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	input := &s3.GetObjectInput{Bucket: aws.String(t.bucket), Key: aws.String(key)}
	if header := rng.headerValue(); header != nil {
		input.Range = header
	}
	resp, err := t.api.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: read body %s: %w", key, err)
	}
	return data, nil
}

// SegmentKey and IndexKey give the object names a sealed segment's data and
// index files are archived under, keyed by topic/partition/baseSeq so a
// rehydrate can locate them without a side index.
func SegmentKey(namespace, topic string, partition int32, baseSeq uint64) string {
	return path.Join(namespace, topic, fmt.Sprintf("%d", partition), fmt.Sprintf("%020d.ilog", baseSeq))
}

func IndexKey(namespace, topic string, partition int32, baseSeq uint64) string {
	return path.Join(namespace, topic, fmt.Sprintf("%d", partition), fmt.Sprintf("%020d.index", baseSeq))
}

// UploadSegment archives a sealed segment's already-read data and index
// bytes. Called by retention just before it would otherwise unlink the
// files, giving them an off-box copy before the local copy is deleted.
func UploadSegment(ctx context.Context, tier Tier, namespace, topic string, partition int32, baseSeq uint64, data, index []byte) error {
	if err := tier.Put(ctx, SegmentKey(namespace, topic, partition, baseSeq), data); err != nil {
		return err
	}
	return tier.Put(ctx, IndexKey(namespace, topic, partition, baseSeq), index)
}

// Hook builds a storage.PartitionConfig.Archive-shaped function (dataPath,
// indexPath string, baseSeq uint64) error for one (namespace, topic,
// partition), reading both files off local disk and uploading them before
// retention unlinks them.
func Hook(ctx context.Context, tier Tier, namespace, topic string, partition int32) func(dataPath, indexPath string, baseSeq uint64) error {
	return func(dataPath, indexPath string, baseSeq uint64) error {
		data, err := os.ReadFile(dataPath)
		if err != nil {
			return fmt.Errorf("archive: read %s: %w", dataPath, err)
		}
		index, err := os.ReadFile(indexPath)
		if err != nil {
			return fmt.Errorf("archive: read %s: %w", indexPath, err)
		}
		return UploadSegment(ctx, tier, namespace, topic, partition, baseSeq, data, index)
	}
}

// DownloadSegment rehydrates a previously archived segment's data and index
// bytes in full.
func DownloadSegment(ctx context.Context, tier Tier, namespace, topic string, partition int32, baseSeq uint64) (data, index []byte, err error) {
	data, err = tier.Get(ctx, SegmentKey(namespace, topic, partition, baseSeq), nil)
	if err != nil {
		return nil, nil, err
	}
	index, err = tier.Get(ctx, IndexKey(namespace, topic, partition, baseSeq), nil)
	if err != nil {
		return nil, nil, err
	}
	return data, index, nil
}
