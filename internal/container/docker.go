package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/version"
)

// DockerOptions configures the Docker Engine API client.
type DockerOptions struct {
	// Host is the daemon address (ex: unix:///var/run/docker.sock). Empty means DOCKER_HOST / default socket.
	Host string
	// APIVersion pins the API version. Empty negotiates with the daemon.
	APIVersion string
	// Timeout bounds each HTTP call to the daemon, 0 = no client-level timeout.
	Timeout time.Duration
	// StopGrace is the SIGTERM grace period before the daemon kills the container.
	StopGrace time.Duration
}

// Docker implements Controller against the Docker Engine API.
type Docker struct {
	cli       *client.Client
	stopGrace time.Duration
}

// NewDocker builds the client. No connection is made until the first call.
func NewDocker(opts DockerOptions) (*Docker, error) {
	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithHTTPHeaders(map[string]string{"User-Agent": version.UserAgent()}),
	}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}
	if opts.Timeout > 0 {
		clientOpts = append(clientOpts, client.WithTimeout(opts.Timeout))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Docker{cli: cli, stopGrace: opts.StopGrace}, nil
}

// Close releases the underlying transport.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

func (d *Docker) Status(ctx context.Context, ref string) (Status, error) {
	info, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		return StatusUnknown, classify("inspect", ref, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return StatusUnknown, nil
	}
	if info.State.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

func (d *Docker) Start(ctx context.Context, ref string) error {
	status, err := d.Status(ctx, ref)
	if err != nil {
		return err
	}
	if status == StatusRunning {
		return fmt.Errorf("container %s: %w", ref, domain.ErrAlreadyInState)
	}

	if err := d.cli.ContainerStart(ctx, ref, dockercontainer.StartOptions{}); err != nil {
		return classify("start", ref, err)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, ref string) error {
	status, err := d.Status(ctx, ref)
	if err != nil {
		return err
	}
	if status == StatusStopped {
		return fmt.Errorf("container %s: %w", ref, domain.ErrAlreadyInState)
	}

	opts := dockercontainer.StopOptions{}
	if d.stopGrace > 0 {
		secs := int(d.stopGrace.Round(time.Second) / time.Second)
		opts.Timeout = &secs
	}
	if err := d.cli.ContainerStop(ctx, ref, opts); err != nil {
		return classify("stop", ref, err)
	}
	return nil
}

func (d *Docker) Address(ctx context.Context, ref, network string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		return "", classify("inspect", ref, err)
	}
	if info.NetworkSettings == nil || len(info.NetworkSettings.Networks) == 0 {
		return "", fmt.Errorf("container %s: %w: no network attached", ref, domain.ErrRuntimeFailure)
	}

	nets := info.NetworkSettings.Networks
	if network != "" {
		ep, ok := nets[network]
		if !ok || ep == nil || ep.IPAddress == "" {
			return "", fmt.Errorf("container %s: %w: no address on network %q", ref, domain.ErrRuntimeFailure, network)
		}
		return ep.IPAddress, nil
	}

	names := make([]string, 0, len(nets))
	for name := range nets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ep := nets[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s: %w: no address assigned", ref, domain.ErrRuntimeFailure)
}

func (d *Docker) Watch(ctx context.Context) (<-chan Event, <-chan error) {
	msgs, errs := d.cli.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("event", string(ActionStart)),
			filters.Arg("event", string(ActionStop)),
			filters.Arg("event", string(ActionDie)),
		),
	})

	out := make(chan Event)
	outErr := make(chan error, 1)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil && ctx.Err() == nil {
					outErr <- classify("events", "", err)
				}
				return
			case msg := <-msgs:
				ev := Event{
					ContainerID: msg.Actor.ID,
					Name:        strings.TrimPrefix(msg.Actor.Attributes["name"], "/"),
					Action:      Action(msg.Action),
					At:          time.Unix(0, msg.TimeNano),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, outErr
}

// classify maps a Docker client error onto the domain taxonomy.
func classify(op, ref string, err error) error {
	subject := op
	if ref != "" {
		subject = fmt.Sprintf("%s %s", op, ref)
	}

	switch {
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", subject, domain.ErrNotFound, err)
	case cerrdefs.IsNotModified(err):
		return fmt.Errorf("%s: %w", subject, domain.ErrAlreadyInState)
	case client.IsErrConnectionFailed(err), cerrdefs.IsUnavailable(err), isNetError(err),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", subject, domain.ErrUnreachable, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", subject, err)
	default:
		return fmt.Errorf("%s: %w: %v", subject, domain.ErrRuntimeFailure, err)
	}
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
