// Package observer watches containers attached to a configured Docker
// network and turns their lifecycle into registry mutations. It only
// runs on nodes configured with a network to watch: a node with none
// never originates bindings, it only relays and answers queries.
//
// Reconciliation is poll-based on a fixed interval with exponential
// backoff on runtime failure, which makes "a failed poll never mutates
// the existing snapshot" trivial to guarantee. The Docker event stream
// is still consulted, but only to trigger an out-of-cycle poll — a missed
// or duplicated event can never leave a stale registry because the next
// scheduled poll reconciles regardless.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/clusterdns/clusterd/internal/registry"
)

// PollInterval is the steady-state interval between full reconciliations.
const PollInterval = 5 * time.Second

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// containerState is this package's minimal view of a running container: its
// short name and the address it holds on the monitored network.
type containerState struct {
	name string
	addr netip.Addr
}

// RuntimeClient is the subset of the Docker API the observer needs. The
// real implementation is *DockerRuntime, which wraps *dockerclient.Client;
// tests substitute a fake so
// the observer's diffing and backoff logic can be exercised without a
// Docker daemon.
type RuntimeClient interface {
	ContainerList(ctx context.Context, network string) (map[string]containerState, error)
	Events(ctx context.Context) (<-chan struct{}, <-chan error)
	Close() error
}

// Observer polls the runtime for containers attached to Network and keeps
// the registry in sync with add/remove/change mutations tagged with its
// own origin.
type Observer struct {
	client  RuntimeClient
	reg     *registry.Registry
	origin  registry.PeerID
	network string
	log     *slog.Logger

	mu       sync.Mutex
	snapshot map[string]containerState
	lastTS   uint64
}

// New creates an Observer bound to the given runtime client and network.
func New(client RuntimeClient, reg *registry.Registry, origin registry.PeerID, network string, log *slog.Logger) *Observer {
	return &Observer{
		client:   client,
		reg:      reg,
		origin:   origin,
		network:  network,
		log:      log,
		snapshot: make(map[string]containerState),
	}
}

// Run polls until ctx is canceled, reconciling the registry every
// PollInterval. A failed poll leaves the existing snapshot — and
// therefore the bindings already published — untouched, and backs off
// exponentially before retrying.
func (o *Observer) Run(ctx context.Context) error {
	o.log.Info("container observer starting", "network", o.network)

	backoff := minBackoff
	events, errCh := o.client.Events(ctx)

	timer := time.NewTimer(0) // poll immediately on startup
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("container observer stopped")
			return nil

		case <-events:
			// An event nudges us to reconcile sooner; the scheduled
			// poll remains authoritative either way.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(0)

		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			o.log.Warn("docker event stream error", "error", err)

		case <-timer.C:
			if err := o.poll(ctx); err != nil {
				o.log.Warn("container poll failed, snapshot retained", "error", err, "backoff", backoff)
				timer.Reset(backoff)
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = minBackoff
			timer.Reset(PollInterval)
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// poll fetches the current container set, diffs it against the last
// snapshot, and applies the resulting add/remove/change mutations.
func (o *Observer) poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	current, err := o.client.ContainerList(pollCtx, o.network)
	if err != nil {
		return fmt.Errorf("listing containers on network %q: %w", o.network, err)
	}

	o.mu.Lock()
	old := o.snapshot
	o.mu.Unlock()

	for name, oldState := range old {
		newState, stillPresent := current[name]
		if !stillPresent || newState.addr != oldState.addr {
			o.apply(registry.Remove, oldState)
		}
	}
	for name, newState := range current {
		oldState, wasPresent := old[name]
		if !wasPresent || newState.addr != oldState.addr {
			o.apply(registry.Upsert, newState)
		}
	}

	o.mu.Lock()
	o.snapshot = current
	o.mu.Unlock()
	return nil
}

// apply mints a monotonic timestamp for cs and applies the mutation to
// the registry under this observer's own origin.
func (o *Observer) apply(kind registry.MutationKind, cs containerState) {
	o.mu.Lock()
	ts := nextTS(o.lastTS)
	o.lastTS = ts
	o.mu.Unlock()

	result := o.reg.Apply(registry.Mutation{
		Kind:   kind,
		Name:   cs.name,
		Addr:   cs.addr,
		Origin: o.origin,
		TS:     ts,
	})
	o.log.Info("observer mutation", "kind", kind, "name", cs.name, "addr", cs.addr, "result", result)
}

// nextTS mints ts := max(last+1, now-in-millis), guaranteeing monotonicity
// across polls even if wall-clock time runs backwards.
func nextTS(last uint64) uint64 {
	now := uint64(time.Now().UnixMilli())
	if last+1 > now {
		return last + 1
	}
	return now
}

// preferredAddr picks the IPv4 address from a container's network
// settings, falling back to IPv6. Returns false if neither is present.
func preferredAddr(ipv4, ipv6 string) (netip.Addr, bool) {
	if ipv4 != "" {
		if a, err := netip.ParseAddr(ipv4); err == nil {
			return a, true
		}
	}
	if ipv6 != "" {
		if a, err := netip.ParseAddr(ipv6); err == nil {
			return a, true
		}
	}
	return netip.Addr{}, false
}

// DockerRuntime adapts *dockerclient.Client to RuntimeClient.
type DockerRuntime struct {
	Client *dockerclient.Client
}

// NewDockerRuntime connects to the local Docker daemon, reading
// DOCKER_HOST / DOCKER_CERT_PATH / DOCKER_TLS_VERIFY from the environment,
// with automatic API version negotiation across daemon versions.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to Docker daemon: %w", err)
	}
	return &DockerRuntime{Client: cli}, nil
}

func (d *DockerRuntime) Close() error { return d.Client.Close() }

// ContainerList lists containers attached to network and extracts each
// one's short name and preferred address.
func (d *DockerRuntime) ContainerList(ctx context.Context, network string) (map[string]containerState, error) {
	containers, err := d.Client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	out := make(map[string]containerState, len(containers))
	for _, c := range containers {
		settings, attached := c.NetworkSettings.Networks[network]
		if !attached {
			continue
		}
		addr, ok := preferredAddr(settings.IPAddress, settings.GlobalIPv6Address)
		if !ok {
			continue
		}
		name := shortName(c.Names)
		if name == "" {
			continue
		}
		out[name] = containerState{name: name, addr: addr}
	}
	return out, nil
}

// Events subscribes to Docker container start/stop events, signaling on
// the returned channel (without payload — the observer treats every event
// as "something may have changed, reconcile soon").
func (d *DockerRuntime) Events(ctx context.Context) (<-chan struct{}, <-chan error) {
	sig := make(chan struct{}, 1)
	errOut := make(chan error, 1)

	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))
	msgCh, dockerErrCh := d.Client.Events(ctx, events.ListOptions{Filters: f})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-msgCh:
				select {
				case sig <- struct{}{}:
				default:
				}
			case err, ok := <-dockerErrCh:
				if !ok {
					return
				}
				select {
				case errOut <- err:
				default:
				}
			}
		}
	}()

	return sig, errOut
}

// shortName derives the container's name from the runtime's first
// advertised name, trimmed of Docker's leading "/" separator.
func shortName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
