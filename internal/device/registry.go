package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-memo/internal/bus"
	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/protocol"
)

// Entry is a known input and its liveness.
type Entry struct {
	Info
	Static   bool      `json:"static"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Registry tracks inputs announced on the bus plus statically configured
// ones. Static inputs never expire; announced inputs drop out of selection
// once their heartbeat is older than the configured timeout.
type Registry struct {
	cfg     config.DevicesConfig
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	devices map[string]*Entry
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	meter   metric.Meter
	clock   func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.DevicesConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "device-registry")),
		bus:     busClient,
		devices: make(map[string]*Entry),
		meter:   otel.Meter("github.com/loqalabs/loqa-memo/device"),
		cancel:  cancel,
		clock:   time.Now,
	}
	for _, d := range cfg.Static {
		r.devices[d.ID] = &Entry{
			Info:    Info{ID: d.ID, Type: ParseType(d.Type), Name: d.Name, Channels: d.Channels},
			Static:  true,
			Healthy: true,
		}
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if busClient != nil {
		if err := r.subscribe(); err != nil {
			r.cancel()
			return nil, err
		}
		go r.monitorHealth(ctx)
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectDeviceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectDeviceHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

// Announce publishes info as a device announcement.
func Announce(client *bus.Client, info Info) error {
	return client.PublishJSON(protocol.SubjectDeviceAnnounce, protocol.DeviceAnnounce{
		DeviceID:  info.ID,
		Type:      string(info.Type),
		Name:      info.Name,
		Channels:  info.Channels,
		Timestamp: time.Now().UTC(),
	})
}

// Heartbeat publishes a liveness ping for deviceID.
func Heartbeat(client *bus.Client, deviceID string) error {
	return client.PublishJSON(protocol.HeartbeatSubject(deviceID), protocol.DeviceHeartbeat{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
	})
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.DeviceAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	if strings.TrimSpace(announcement.DeviceID) == "" {
		r.log.Warn("announce without device id")
		return
	}
	info := Info{
		ID:       announcement.DeviceID,
		Type:     ParseType(announcement.Type),
		Name:     announcement.Name,
		Channels: announcement.Channels,
	}
	r.update(info, true)
	r.log.Info("device announced", slog.String("device", info.ID), slog.String("type", string(info.Type)))
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.DeviceHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	r.update(Info{ID: hb.DeviceID}, false)
}

// update records liveness using the local clock; device timestamps are not
// trusted to be in sync.
func (r *Registry) update(info Info, announce bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.devices[info.ID]
	if !ok {
		if !announce {
			return
		}
		entry = &Entry{}
		r.devices[info.ID] = entry
	}
	if announce && !entry.Static {
		entry.Info = info
	}
	entry.LastSeen = r.clock()
	entry.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, entry := range r.devices {
		if entry.Static {
			continue
		}
		healthy := now.Sub(entry.LastSeen) <= timeout
		if entry.Healthy && !healthy {
			r.log.Warn("device heartbeat timed out", slog.String("device", entry.ID))
		}
		entry.Healthy = healthy
	}
}

// Entries lists every known input, healthy or not, ordered by id.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available lists healthy inputs in a stable order suitable for Select.
func (r *Registry) Available() []Info {
	var out []Info
	for _, e := range r.Entries() {
		if e.Healthy {
			out = append(out, e.Info)
		}
	}
	return out
}

// Select applies Select to the currently available inputs.
func (r *Registry) Select() Selection {
	return Select(r.Available())
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	known, err := r.meter.Int64ObservableGauge("memo.devices.known", metric.WithDescription("Number of known input devices"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("memo.devices.healthy", metric.WithDescription("Number of input devices eligible for capture"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		k, h := r.snapshotCounts()
		obs.ObserveInt64(known, k)
		obs.ObserveInt64(healthy, h)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, healthy int64
	for _, e := range r.devices {
		known++
		if e.Healthy {
			healthy++
		}
	}
	return known, healthy
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
