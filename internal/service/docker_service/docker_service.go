package dockerservice

import (
	"context"
	"fmt"
	"sort"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
	"github.com/ssuji15/taskcompile/internal/service/logger"
	"github.com/ssuji15/taskcompile/model"
)

type DockerService struct {
	docker *client.Client
}

func NewDockerService() (*DockerService, error) {
	dc, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker: %w", err)
	}
	return &DockerService{
		docker: dc,
	}, nil
}

// Run creates and starts a container for opts, waits for it to exit and
// removes it. A cancelled ctx kills the container.
func (d *DockerService) Run(ctx context.Context, opts model.ContainerOptions) (int64, error) {
	id, err := d.CreateContainer(ctx, opts)
	if err != nil {
		return -1, err
	}
	defer func() {
		if _, err := d.RemoveContainer(context.WithoutCancel(ctx), id); err != nil {
			logger.Log.Warn().Err(err).Str("container", id).Msg("unable to remove build container")
		}
	}()

	res := d.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-res.Error:
		return -1, err
	case status := <-res.Result:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("container %s: %s", id, status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerService) CreateContainer(ctx context.Context, opts model.ContainerOptions) (string, error) {
	networkMode := network.NetworkDefault
	if opts.DisableNetwork {
		networkMode = network.NetworkNone
	}

	mounts := make([]mount.Mount, 0, len(opts.Binds))
	for _, b := range opts.Binds {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		})
	}

	env := make([]string, 0, len(opts.EnvVars))
	for k, v := range opts.EnvVars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	pl := int64(256)
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkMode),
		Resources: container.Resources{
			CPUPeriod: 100000,
			CPUQuota:  opts.CPUQuota,
			Memory:    opts.MemoryLimit,
			PidsLimit: &pl,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,mode=0777,size=268435456",
		},
		Mounts:      mounts,
		SecurityOpt: opts.SecurityOpt,
	}
	cfg := &container.Config{
		Image:      opts.Image,
		Labels:     opts.Labels,
		User:       opts.User,
		Cmd:        opts.Cmd,
		WorkingDir: opts.WorkingDir,
		Env:        env,
	}

	created, err := d.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
		Name:             opts.Name,
	})
	if err != nil {
		return "", err
	}

	if _, err := d.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		d.RemoveContainer(context.WithoutCancel(ctx), created.ID)
		return "", err
	}
	return created.ID, nil
}

func (d *DockerService) RemoveContainer(ctx context.Context, id string) (client.ContainerRemoveResult, error) {
	return d.docker.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force: true,
	})
}

func (d *DockerService) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) client.ContainerWaitResult {
	return d.docker.ContainerWait(ctx, id, client.ContainerWaitOptions{
		Condition: cond,
	})
}

func (d *DockerService) Close() error {
	return d.docker.Close()
}
