package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/domain"
)

// containerEngine — узкий срез Docker API, нужный бэкенду.
type containerEngine interface {
	Create(ctx context.Context, name, image string, memoryMB int64, networkName string) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (running bool, ip string, err error)
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// DockerBackend поднимает бота контейнером, размер которого задаёт шаблон.
type DockerBackend struct {
	engine       containerEngine
	image        string
	network      string
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewDockerBackend(defaultImage, networkName string, logger *zap.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerBackend(&dockerEngine{cli: cli, logger: logger}, defaultImage, networkName, logger), nil
}

func newDockerBackend(engine containerEngine, defaultImage, networkName string, logger *zap.Logger) *DockerBackend {
	return &DockerBackend{
		engine:       engine,
		image:        defaultImage,
		network:      networkName,
		pollInterval: 2 * time.Second,
		logger:       logger.Named("docker"),
	}
}

func (b *DockerBackend) Provision(ctx context.Context, botName string, tpl domain.BotTemplate) (Instance, error) {
	img := tpl.Image
	if img == "" {
		img = b.image
	}

	id, err := b.engine.Create(ctx, "bot-"+botName, img, tpl.MemoryMB, b.network)
	if err != nil {
		return Instance{}, err
	}
	if err := b.engine.Start(ctx, id); err != nil {
		_ = b.engine.Remove(context.Background(), id)
		return Instance{}, err
	}

	_, ip, err := b.engine.Inspect(ctx, id)
	if err != nil {
		_ = b.engine.Remove(context.Background(), id)
		return Instance{}, err
	}
	if ip == "" {
		_ = b.engine.Remove(context.Background(), id)
		return Instance{}, errors.New("container has no IP address")
	}

	b.logger.Info("container provisioned", zap.String("bot", botName), zap.String("id", id), zap.String("ip", ip))
	return Instance{Handle: id, Address: ip}, nil
}

func (b *DockerBackend) AwaitReady(ctx context.Context, inst Instance) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(b.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return r.Do(func() error {
		running, _, err := b.engine.Inspect(ctx, inst.Handle)
		if err != nil {
			return err
		}
		if !running {
			return fmt.Errorf("container %s is not running", shortID(inst.Handle))
		}
		return nil
	})
}

func (b *DockerBackend) Reboot(ctx context.Context, inst Instance) error {
	return b.engine.Restart(ctx, inst.Handle)
}

func (b *DockerBackend) Release(ctx context.Context, inst Instance) error {
	return b.engine.Remove(ctx, inst.Handle)
}

// dockerEngine — реализация containerEngine поверх docker client.
type dockerEngine struct {
	cli    *client.Client
	logger *zap.Logger
}

func (e *dockerEngine) Create(ctx context.Context, name, img string, memoryMB int64, networkName string) (string, error) {
	reader, err := e.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		e.logger.Warn("failed to pull image (might exist locally)", zap.String("image", img), zap.Error(err))
	} else {
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	hostCfg := &container.HostConfig{
		Resources:     container.Resources{Memory: memoryMB << 20},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	var netCfg *network.NetworkingConfig
	if networkName != "" {
		hostCfg.NetworkMode = container.NetworkMode(networkName)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{networkName: {}},
		}
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:  img,
		Labels: map[string]string{"botfleet.bot": name},
	}, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (e *dockerEngine) Inspect(ctx context.Context, id string) (bool, string, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, "", fmt.Errorf("failed to inspect container: %w", err)
	}
	running := info.State != nil && info.State.Running
	if info.NetworkSettings == nil {
		return running, "", nil
	}
	for _, ep := range info.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return running, ep.IPAddress, nil
		}
	}
	return running, info.NetworkSettings.IPAddress, nil
}

func (e *dockerEngine) Restart(ctx context.Context, id string) error {
	if err := e.cli.ContainerRestart(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to restart container: %w", err)
	}
	return nil
}

func (e *dockerEngine) Remove(ctx context.Context, id string) error {
	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return strings.TrimSpace(id)
}
