package component

import (
	"context"
	"fmt"

	"github.com/ssuji15/taskcompile/internal/builder"
	"github.com/ssuji15/taskcompile/internal/builder/dockerbuilder"
	"github.com/ssuji15/taskcompile/internal/builder/execbuilder"
	"github.com/ssuji15/taskcompile/internal/cache"
	"github.com/ssuji15/taskcompile/internal/cache/freecache"
	"github.com/ssuji15/taskcompile/internal/cache/jetstream"
	"github.com/ssuji15/taskcompile/internal/cache/redis"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/ssuji15/taskcompile/internal/db"
	"github.com/ssuji15/taskcompile/internal/db/repository"
	"github.com/ssuji15/taskcompile/internal/queue"
	jq "github.com/ssuji15/taskcompile/internal/queue/jetstream"
	"github.com/ssuji15/taskcompile/internal/queue/kafka"
	dockerservice "github.com/ssuji15/taskcompile/internal/service/docker_service"
	"github.com/ssuji15/taskcompile/internal/storage"
	"github.com/ssuji15/taskcompile/internal/storage/minio"
	"github.com/ssuji15/taskcompile/internal/util"
)

const none = "none"

func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		return redis.NewRedisCacheClient(ctx)
	case "jetstream":
		return jetstream.NewJetStreamCacheClient()
	case "freecache":
		return freecache.NewFreeCache()
	}
	return nil, fmt.Errorf("unknown CACHE_TYPE %q", cacheType)
}

// GetQueue returns nil for "none"; compile events are then not published.
func GetQueue(qType string) (queue.Queue, error) {
	switch qType {
	case "jetstream":
		return jq.NewJetStreamQueueClient()
	case "kafka":
		return kafka.NewKafkaQueueClient()
	case none:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown QUEUE_TYPE %q", qType)
}

// GetStorage returns nil for "none"; statements then only live in memory and
// the cache.
func GetStorage(ctx context.Context, storageType string) (storage.Storage, error) {
	switch storageType {
	case "minio":
		return minio.NewMinioClient(ctx)
	case none:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown STORAGE_TYPE %q", storageType)
}

// GetHistory opens the compile history store. The returned close function is
// never nil.
func GetHistory(ctx context.Context, historyType string) (repository.RunRepository, func(), error) {
	switch historyType {
	case "postgres":
		d, err := db.New(ctx)
		if err != nil {
			return nil, func() {}, err
		}
		if err := d.ApplySchema(ctx); err != nil {
			d.Close()
			return nil, func() {}, err
		}
		return repository.NewPostgresRunRepository(d), d.Close, nil
	case "sqlite":
		d, err := db.NewSqlite(ctx)
		if err != nil {
			return nil, func() {}, err
		}
		return repository.NewSqliteRunRepository(d), func() { d.Close() }, nil
	case none:
		return nil, func() {}, nil
	}
	return nil, func() {}, fmt.Errorf("unknown HISTORY_TYPE %q", historyType)
}

// GetBuilder returns the builder selected by BUILDER_TYPE and a function
// releasing whatever it holds.
func GetBuilder(cfg *config.CompileConfig) (builder.Builder, func(), error) {
	spec := builder.Spec{Command: cfg.BUILD_COMMAND, OutputFile: cfg.BUILD_OUTPUT}

	switch cfg.BUILDER_TYPE {
	case "exec":
		return execbuilder.New(spec), func() {}, nil
	case "docker":
		dcfg, err := config.GetDockerBuilderConfig()
		if err != nil {
			return nil, func() {}, err
		}
		bcfg := dockerbuilder.Config{
			Image:       dcfg.BUILDER_IMAGE,
			CPUQuota:    int64(dcfg.CPU_QUOTA),
			MemoryLimit: int64(dcfg.MEMORY_BYTES),
		}
		if dcfg.SECCOMP_PROFILE != "" {
			opt, err := util.SeccompSecurityOpt(dcfg.SECCOMP_PROFILE)
			if err != nil {
				return nil, func() {}, err
			}
			bcfg.SecurityOpt = []string{opt}
		}
		ds, err := dockerservice.NewDockerService()
		if err != nil {
			return nil, func() {}, err
		}
		return dockerbuilder.New(spec, bcfg, ds), func() { ds.Close() }, nil
	}
	return nil, func() {}, fmt.Errorf("unknown BUILDER_TYPE %q", cfg.BUILDER_TYPE)
}
