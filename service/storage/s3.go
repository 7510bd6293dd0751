package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Service struct {
	CfgSvc config.IService
	client putObjectAPI
	params config.StorageParameters
}

// NewS3 uploads snapshots to a bucket using the default AWS credential
// chain (env vars, shared config, IAM role).
func NewS3(ctx context.Context, cfgsvc config.IService) (IService, error) {
	params := cfgsvc.GetStorageParameters()

	var opts []func(*awsconfig.LoadOptions) error
	if params.Region != "" {
		opts = append(opts, awsconfig.WithRegion(params.Region))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if params.Endpoint != "" {
		endpoint := params.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if params.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	lgr.Logger.Info("s3 storage configured",
		slog.String("bucket", params.Bucket),
		slog.String("region", awsConfig.Region),
		slog.String("prefix", params.Prefix),
	)

	return newS3WithClient(cfgsvc, s3.NewFromConfig(awsConfig, s3Opts...)), nil
}

func newS3WithClient(cfgsvc config.IService, client putObjectAPI) *s3Service {
	return &s3Service{
		CfgSvc: cfgsvc,
		client: client,
		params: cfgsvc.GetStorageParameters(),
	}
}

func (svc *s3Service) StoreFile(ctx context.Context, name string, data []byte) (string, error) {
	key := path.Join(svc.params.Prefix, path.Base(name))

	_, err := svc.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(svc.params.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(name)),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s to bucket %s: %w", key, svc.params.Bucket, err)
	}

	return svc.objectURL(key), nil
}

func (svc *s3Service) objectURL(key string) string {
	if svc.params.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(svc.params.Endpoint, "/"), svc.params.Bucket, key)
	}
	if svc.params.Region != "" {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", svc.params.Bucket, svc.params.Region, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", svc.params.Bucket, key)
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
