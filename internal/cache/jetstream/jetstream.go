package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/taskcompile/internal/cache"
	"github.com/ssuji15/taskcompile/internal/component/jetstream"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/ssuji15/taskcompile/internal/job_tracer"
	"github.com/ssuji15/taskcompile/internal/service/logger"
	"github.com/ssuji15/taskcompile/internal/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JetStreamCacheClient keeps values in a NATS object store bucket. The bucket
// TTL applies to every object, so the per call ttl is not honoured.
type JetStreamCacheClient struct {
	connection *nats.Conn
	bucket     nats.ObjectStore
	ttl        int
}

var (
	jcc       *JetStreamCacheClient
	once      sync.Once
	initError error
)

func NewJetStreamCacheClient() (cache.Cache, error) {
	once.Do(func() {
		nc, err := jetstream.NewJetStreamClient()
		if err != nil {
			initError = err
			return
		}
		cfg, err := config.GetNatsCacheConfig()
		if err != nil {
			initError = err
			return
		}
		js, err := nc.JetStream()
		if err != nil {
			initError = err
			return
		}
		os, err := createOrGetObjectStore(js, cfg.BUCKET_NAME, cfg.TTL, cfg.BUCKET_SIZE_BYTES)
		if err != nil {
			initError = err
			return
		}
		jcc = &JetStreamCacheClient{
			connection: nc,
			bucket:     os,
			ttl:        cfg.TTL,
		}
	})
	if initError != nil {
		return nil, initError
	}
	return jcc, nil
}

func (j *JetStreamCacheClient) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	tracer := job_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/Put")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		util.RecordSpanError(span, err)
		return err
	}

	b, err := msgpack.Marshal(value)
	if err != nil {
		err := fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}

	if _, err := j.bucket.PutBytes(key, b); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) Get(ctx context.Context, key string, value interface{}) error {
	tracer := job_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/Get")
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	b, err := j.bucket.GetBytes(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return cache.ErrCacheMiss
		}
		err := fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := msgpack.Unmarshal(b, value); err != nil {
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) GetDefaultTTL() int {
	return j.ttl
}

func createOrGetObjectStore(js nats.JetStreamContext, bucket string, ttlSeconds int, bucketSizeBytes int) (nats.ObjectStore, error) {
	os, err := js.ObjectStore(bucket)
	if err == nil {
		return os, nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("error retrieving nats bucket instance: %w", err)
	}
	os, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Compiled statements and build results",
		TTL:         time.Duration(ttlSeconds) * time.Second,
		MaxBytes:    int64(bucketSizeBytes),
		Storage:     nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create nats bucket: %w", err)
	}
	return os, nil
}

func (j *JetStreamCacheClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	j.connection.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := j.connection.Drain(); err != nil {
		logger.Log.Err(err).Msg("unable to drain nats connection")
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
		j.connection.Close()
	}
}
