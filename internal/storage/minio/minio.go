package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/ssuji15/taskcompile/internal/job_tracer"
	"github.com/ssuji15/taskcompile/internal/storage"
	"github.com/ssuji15/taskcompile/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type MinioClient struct {
	client    *minio.Client
	bucket    string
	transport *http.Transport
}

var (
	m         *MinioClient
	once      sync.Once
	initError error
)

func NewMinioClient(ctx context.Context) (storage.Storage, error) {
	once.Do(func() {
		cfg, err := config.GetMinioConfig()
		if err != nil {
			initError = err
			return
		}

		transport := &http.Transport{
			MaxIdleConns:          50,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			// PDFs are already compressed
			DisableCompression: true,
		}

		cli, err := minio.New(cfg.URL, &minio.Options{
			Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
			Secure:    cfg.USE_SSL,
			Transport: transport,
		})
		if err != nil {
			initError = err
			return
		}

		if err := ensureBucket(ctx, cli, cfg.ARTIFACTS_BUCKET); err != nil {
			initError = err
			return
		}

		m = &MinioClient{client: cli, bucket: cfg.ARTIFACTS_BUCKET, transport: transport}
	})
	if initError != nil {
		return nil, initError
	}
	return m, nil
}

func ensureBucket(ctx context.Context, cli *minio.Client, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("unable to reach minio: %w", err)
	}
	if exists {
		return nil
	}
	if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("unable to create bucket %s: %w", bucket, err)
	}
	return nil
}

func (c *MinioClient) Upload(ctx context.Context, objectPath string, contentType string, data []byte) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Upload")
	defer span.End()

	span.AddEvent("minio.context",
		trace.WithAttributes(attribute.String("path", objectPath), attribute.Int("size", len(data))),
	)

	_, err := c.client.PutObject(ctx, c.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (c *MinioClient) Download(ctx context.Context, objectPath string) ([]byte, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Download")
	defer span.End()

	object, err := c.client.GetObject(ctx, c.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	if _, err := object.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, storage.ErrObjectNotFound
		}
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (c *MinioClient) ShutDown(ctx context.Context) {
	c.transport.CloseIdleConnections()
}
