// Package broker starts the key-value and messaging backends the compile
// service can use for its result cache and event queue.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	redisImage = "redis:7-alpine"
	natsImage  = "nats:2.10-alpine"
)

type backend struct {
	image string
	port  string
	cmd   []string
	// scheme is prepended to host:port, empty for a bare address
	scheme string
}

func start(ctx context.Context, b backend) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        b.image,
		ExposedPorts: []string{b.port + "/tcp"},
		Cmd:          b.cmd,
		Labels:       map[string]string{"taskcompile.integration": "true"},
		WaitingFor:   wait.ForListeningPort(nat.Port(b.port + "/tcp")).WithStartupTimeout(30 * time.Second),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		panic(fmt.Sprintf("start %s: %v", b.image, err))
	}

	host, err := c.Host(ctx)
	if err != nil {
		panic(err)
	}
	port, err := c.MappedPort(ctx, nat.Port(b.port))
	if err != nil {
		panic(err)
	}
	return c, fmt.Sprintf("%s%s:%s", b.scheme, host, port.Port())
}

// SetupRedis starts redis and returns its host:port.
func SetupRedis(ctx context.Context) (testcontainers.Container, string) {
	return start(ctx, backend{image: redisImage, port: "6379"})
}

// SetupJetStream starts nats with JetStream enabled and returns its URL.
func SetupJetStream(ctx context.Context) (testcontainers.Container, string) {
	return start(ctx, backend{image: natsImage, port: "4222", cmd: []string{"-js"}, scheme: "nats://"})
}
