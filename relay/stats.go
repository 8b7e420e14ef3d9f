package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/guseggert/cmdrelay/relay"

const (
	metricAccepted        = "cmdrelay.connections.accepted"
	metricHandled         = "cmdrelay.connections.handled"
	metricEmptyCommands   = "cmdrelay.connections.empty_command"
	metricPeerClosedEarly = "cmdrelay.connections.peer_closed_early"
	metricSpawned         = "cmdrelay.commands.spawned"
	metricSpawnFailures   = "cmdrelay.commands.spawn_failures"
	metricLaunchFailures  = "cmdrelay.commands.launch_failures"
	metricRelayFailures   = "cmdrelay.commands.relay_failures"
	metricKilled          = "cmdrelay.commands.killed"
	metricBytesRelayed    = "cmdrelay.relay.bytes"
)

// Stats counts what the server has done since it started. The counters are OpenTelemetry instruments
// on a private MeterProvider, read back through a ManualReader. It is safe for concurrent use.
type Stats struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider

	accepted        metric.Int64Counter
	handled         metric.Int64Counter
	emptyCommands   metric.Int64Counter
	peerClosedEarly metric.Int64Counter
	spawned         metric.Int64Counter
	spawnFailures   metric.Int64Counter
	launchFailures  metric.Int64Counter
	relayFailures   metric.Int64Counter
	killed          metric.Int64Counter
	bytesRelayed    metric.Int64Counter

	startedAt time.Time

	mut             sync.Mutex
	lastCommand     string
	lastTermination *Termination
}

type StatsSnapshot struct {
	StartedAt time.Time

	Accepted        int64
	Handled         int64
	Spawned         int64
	SpawnFailures   int64
	EmptyCommands   int64
	PeerClosedEarly int64
	LaunchFailures  int64
	RelayFailures   int64
	Killed          int64
	BytesRelayed    int64

	LastCommand     string
	LastTermination *Termination
}

// newStats registers the counters. Extra readers, such as an exporter's periodic reader, see the same instruments.
func newStats(readers ...sdkmetric.Reader) (*Stats, error) {
	s := &Stats{
		reader:    sdkmetric.NewManualReader(),
		startedAt: time.Now(),
	}
	providerOpts := []sdkmetric.Option{sdkmetric.WithReader(s.reader)}
	for _, r := range readers {
		providerOpts = append(providerOpts, sdkmetric.WithReader(r))
	}
	s.provider = sdkmetric.NewMeterProvider(providerOpts...)
	meter := s.provider.Meter(meterName)

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&s.accepted, metricAccepted, "Connections accepted", "{connection}"},
		{&s.handled, metricHandled, "Connections fully handled and closed", "{connection}"},
		{&s.emptyCommands, metricEmptyCommands, "Connections whose command line had no tokens", "{connection}"},
		{&s.peerClosedEarly, metricPeerClosedEarly, "Connections closed by the peer before sending a command", "{connection}"},
		{&s.spawned, metricSpawned, "Commands started as child processes", "{command}"},
		{&s.spawnFailures, metricSpawnFailures, "Commands whose program could not be started", "{command}"},
		{&s.launchFailures, metricLaunchFailures, "Commands that failed before a program could be tried, such as pipe creation failures", "{command}"},
		{&s.relayFailures, metricRelayFailures, "Relays that stopped because the peer or the pipe failed", "{command}"},
		{&s.killed, metricKilled, "Children killed because their client went away", "{command}"},
		{&s.bytesRelayed, metricBytesRelayed, "Bytes of command output written to clients", "By"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("creating counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return s, nil
}

func (s *Stats) StartedAt() time.Time {
	return s.startedAt
}

func (s *Stats) recordAccepted(ctx context.Context) {
	s.accepted.Add(ctx, 1)
}

// record counts a finished connection. Handled is incremented last, so a reader that sees it
// also sees everything else the connection did.
func (s *Stats) record(ctx context.Context, o outcome) {
	s.bytesRelayed.Add(ctx, o.relayed)
	switch o.final {
	case StateEmptyCommand:
		s.emptyCommands.Add(ctx, 1)
	case StatePeerClosedEarly:
		s.peerClosedEarly.Add(ctx, 1)
	}
	if o.launchFailed {
		s.launchFailures.Add(ctx, 1)
	}
	if o.spawned {
		s.spawned.Add(ctx, 1)
	}
	if o.spawnFailed {
		s.spawnFailures.Add(ctx, 1)
	}
	if o.relayFailed {
		s.relayFailures.Add(ctx, 1)
	}
	if o.killed {
		s.killed.Add(ctx, 1)
	}

	s.mut.Lock()
	if o.command != "" {
		s.lastCommand = o.command
	}
	if o.term != nil {
		term := *o.term
		s.lastTermination = &term
	}
	s.mut.Unlock()

	s.handled.Add(ctx, 1)
}

// Collect reads the counters from the manual reader and combines them with the last command and termination.
func (s *Stats) Collect(ctx context.Context) (StatsSnapshot, error) {
	snap := StatsSnapshot{StartedAt: s.startedAt}

	var rm metricdata.ResourceMetrics
	if err := s.reader.Collect(ctx, &rm); err != nil {
		return snap, fmt.Errorf("collecting metrics: %w", err)
	}
	fields := map[string]*int64{
		metricAccepted:        &snap.Accepted,
		metricHandled:         &snap.Handled,
		metricEmptyCommands:   &snap.EmptyCommands,
		metricPeerClosedEarly: &snap.PeerClosedEarly,
		metricSpawned:         &snap.Spawned,
		metricSpawnFailures:   &snap.SpawnFailures,
		metricLaunchFailures:  &snap.LaunchFailures,
		metricRelayFailures:   &snap.RelayFailures,
		metricKilled:          &snap.Killed,
		metricBytesRelayed:    &snap.BytesRelayed,
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			dst, ok := fields[m.Name]
			if !ok {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				*dst += dp.Value
			}
		}
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	snap.LastCommand = s.lastCommand
	if s.lastTermination != nil {
		term := *s.lastTermination
		snap.LastTermination = &term
	}
	return snap, nil
}

// Snapshot is Collect without a deadline. A collection failure leaves the counters at zero.
func (s *Stats) Snapshot() StatsSnapshot {
	snap, _ := s.Collect(context.Background())
	return snap
}
