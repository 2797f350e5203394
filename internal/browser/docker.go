package browser

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/page-recorder/internal/failure"
	"github.com/shehryarbajwa/page-recorder/internal/logging"
	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "page-recorder"
	x11SocketDir   = "/tmp/.X11-unix"
)

// DockerLauncher runs Chrome in a container that draws on the host's X
// display through the mounted X11 socket. The image entrypoint is replaced
// by chrome so images that default to headless still render on the display.
type DockerLauncher struct {
	client *client.Client
	image  string
	chrome string
	opts   Options
	logger *zap.Logger

	mu sync.Mutex
}

// NewDockerLauncher connects to the Docker daemon from the environment.
// chrome is the browser binary inside image.
func NewDockerLauncher(image, chrome string, opts Options, logger *zap.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DockerLauncher{
		client: cli,
		image:  image,
		chrome: chrome,
		opts:   opts,
		logger: logger.Named("browser"),
	}, nil
}

// containerConfig builds the container and host configuration for a session
func (l *DockerLauncher) containerConfig(sessionID string, req models.CaptureRequest) (*container.Config, *container.HostConfig) {
	debugPort := nat.Port(fmt.Sprintf("%d/tcp", l.opts.DebugPort))

	args := ChromeArgs(l.opts, req.Width, req.Height, "")
	args = append([]string{"--remote-debugging-address=0.0.0.0"}, args...)

	containerConfig := &container.Config{
		Image:      l.image,
		Entrypoint: []string{l.chrome},
		Cmd:        args,
		Labels: map[string]string{
			"session-id":   sessionID,
			managedByLabel: managedByValue,
		},
		Env: []string{
			"DISPLAY=" + l.opts.Display,
		},
		ExposedPorts: nat.PortSet{
			debugPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			debugPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: strconv.Itoa(l.opts.DebugPort),
				},
			},
		},
		AutoRemove: false,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: x11SocketDir,
				Target: x11SocketDir,
			},
		},
	}

	return containerConfig, hostConfig
}

// Launch removes leftover recorder containers and starts a new one
func (l *DockerLauncher) Launch(ctx context.Context, sessionID string, req models.CaptureRequest) (Display, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopStale(ctx)

	containerConfig, hostConfig := l.containerConfig(sessionID, req)
	resp, err := l.client.ContainerCreate(
		ctx,
		containerConfig,
		hostConfig,
		nil,
		nil,
		"page-recorder-"+logging.ShortID(sessionID),
	)
	if err != nil {
		return nil, failure.New(failure.KindLaunch, "create browser container", err)
	}

	d := &dockerDisplay{
		client:      l.client,
		containerID: resp.ID,
		port:        l.opts.DebugPort,
		grace:       l.opts.grace(),
		logger:      l.logger,
		done:        make(chan struct{}),
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.remove(); rmErr != nil {
			l.logger.Warn("failed to remove unstarted container", zap.String("container", resp.ID[:12]), zap.Error(rmErr))
		}
		return nil, failure.New(failure.KindLaunch, "start browser container", err)
	}

	go d.watch()

	l.logger.Info("browser container started",
		zap.String("session", logging.ShortID(sessionID)),
		zap.String("container", resp.ID[:12]),
		zap.Int("debug_port", d.port),
	)
	return d, nil
}

// stopStale force-removes every container carrying the recorder label
func (l *DockerLauncher) stopStale(ctx context.Context) {
	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedByValue)),
	})
	if err != nil {
		l.logger.Warn("failed to list stale browser containers", zap.Error(err))
		return
	}

	for _, c := range containers {
		if err := l.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			l.logger.Warn("failed to remove stale browser container", zap.String("container", c.ID[:12]), zap.Error(err))
			continue
		}
		l.logger.Info("removed stale browser container", zap.String("container", c.ID[:12]))
	}
}

// EnsureImage pulls the browser image if it is not present locally
func (l *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.image {
				return nil
			}
		}
	}

	reader, err := l.client.ImagePull(ctx, l.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the Docker client
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

type dockerDisplay struct {
	client      *client.Client
	containerID string
	port        int
	grace       time.Duration
	logger      *zap.Logger
	done        chan struct{}

	once sync.Once
	err  error
}

func (d *dockerDisplay) Port() int {
	return d.port
}

func (d *dockerDisplay) Done() <-chan struct{} {
	return d.done
}

// watch closes done when the container stops running
func (d *dockerDisplay) watch() {
	defer close(d.done)

	statusCh, errCh := d.client.ContainerWait(context.Background(), d.containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		d.logger.Debug("browser container exited", zap.String("container", d.containerID[:12]), zap.Int64("status", status.StatusCode))
	case err := <-errCh:
		d.logger.Debug("browser container wait ended", zap.String("container", d.containerID[:12]), zap.Error(err))
	}
}

func (d *dockerDisplay) Terminate() error {
	d.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.grace+30*time.Second)
		defer cancel()

		timeout := int(d.grace.Seconds())
		if err := d.client.ContainerStop(ctx, d.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
			d.logger.Warn("failed to stop browser container", zap.String("container", d.containerID[:12]), zap.Error(err))
		}
		d.err = d.remove()
	})
	return d.err
}

func (d *dockerDisplay) remove() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.client.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}
