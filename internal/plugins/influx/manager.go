// Package influx writes status changes, alarms and poll results to
// InfluxDB v2.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"divera/internal/clock"
	"divera/internal/config"
	"divera/internal/coordinator"
	"divera/internal/divera"
)

const (
	connectTimeout  = 10 * time.Second
	batchSize       = 100
	flushIntervalMs = 10_000
)

// Measurements written.
const (
	MeasurementPoll    = "divera_poll"
	MeasurementStatus  = "divera_status"
	MeasurementAlarm   = "divera_alarm"
	MeasurementVehicle = "divera_vehicle"
)

// ErrConnectionFailed is returned by Dial when the server is unreachable.
var ErrConnectionFailed = errors.New("influx: connection failed")

// Writer is the part of the non-blocking write API the recorder uses.
type Writer interface {
	WritePoint(point *write.Point)
	Flush()
}

// Connection is an open InfluxDB connection.
type Connection struct {
	Writer Writer
	Close  func()
}

// DialFunc opens the connection.
type DialFunc func() (*Connection, error)

// Dial connects to the server in cfg and verifies it is healthy. Write
// errors are logged.
func Dial(cfg config.InfluxDBConfig, logger *zap.Logger) (*Connection, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushIntervalMs))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("InfluxDB write failed", zap.Error(err))
		}
	}()

	return &Connection{
		Writer: writeAPI,
		Close: func() {
			writeAPI.Flush()
			client.Close()
		},
	}, nil
}

// membershipState remembers what was last written per membership so that
// status, alarm and vehicle points are only written on change.
type membershipState struct {
	statusID   int
	statusSet  time.Time
	alarmID    int
	alarmState string
	vehicles   map[int]int
}

// Manager turns coordinator updates into points.
type Manager struct {
	dial         DialFunc
	coordinators []*coordinator.Coordinator
	clock        clock.Clock
	logger       *zap.Logger

	mu   sync.Mutex
	conn *Connection
	last map[int]*membershipState
	subs []coordinator.Subscription
}

// NewManager creates a new InfluxDB recorder.
func NewManager(dial DialFunc, coordinators []*coordinator.Coordinator, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		dial:         dial,
		coordinators: coordinators,
		clock:        clk,
		logger:       logger.Named("influx"),
		last:         make(map[int]*membershipState),
	}
}

// Start connects and subscribes to every coordinator.
func (m *Manager) Start() error {
	m.logger.Info("Starting InfluxDB recorder")

	conn, err := m.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	for _, c := range m.coordinators {
		c := c
		if c.Available() {
			m.record(c, coordinator.Update{UCRID: c.UCRID(), Snapshot: c.Snapshot(), Available: true})
		}
		sub := c.Subscribe(func(u coordinator.Update) {
			m.record(c, u)
		})
		m.mu.Lock()
		m.subs = append(m.subs, sub)
		m.mu.Unlock()
	}
	return nil
}

// Stop unsubscribes, flushes pending points and closes the connection.
func (m *Manager) Stop() {
	m.logger.Info("Stopping InfluxDB recorder")

	m.mu.Lock()
	subs, conn := m.subs, m.conn
	m.subs, m.conn = nil, nil
	m.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) record(c *coordinator.Coordinator, u coordinator.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}

	now := m.clock.Now()
	ucr := u.UCRID
	if u.Snapshot != nil {
		if id, err := u.Snapshot.ActiveUCR(); err == nil {
			ucr = id
		}
	}
	tags := map[string]string{"ucr_id": strconv.Itoa(ucr)}
	if u.Snapshot != nil {
		if name, err := u.Snapshot.ClusterNameFromUCR(ucr); err == nil {
			tags["cluster"] = name
		}
	}

	stats := c.Stats()
	m.conn.Writer.WritePoint(write.NewPoint(MeasurementPoll, tags, map[string]interface{}{
		"available":   u.Available,
		"duration_ms": stats.LastDuration.Milliseconds(),
		"polls":       int64(stats.Polls),
		"failures":    int64(stats.Failures),
	}, now))

	if !u.Available || u.Snapshot == nil {
		return
	}

	state, ok := m.last[ucr]
	if !ok {
		state = &membershipState{vehicles: make(map[int]int)}
		m.last[ucr] = state
	}

	m.recordStatus(u.Snapshot, tags, state, now)
	m.recordAlarm(u.Snapshot, tags, state, now)
	m.recordVehicles(u.Snapshot, tags, state, now)
}

func (m *Manager) recordStatus(s *divera.Snapshot, tags map[string]string, state *membershipState, now time.Time) {
	attrs, err := s.UserStateAttributes()
	if err != nil || (attrs.ID == state.statusID && attrs.Timestamp.Equal(state.statusSet)) {
		return
	}
	name, err := s.StatusNameByID(attrs.ID)
	if err != nil {
		name = divera.StateUnknown
	}
	state.statusID, state.statusSet = attrs.ID, attrs.Timestamp

	m.conn.Writer.WritePoint(write.NewPoint(MeasurementStatus, withTag(tags, "status", name), map[string]interface{}{
		"status_id": attrs.ID,
	}, now))
}

func (m *Manager) recordAlarm(s *divera.Snapshot, tags map[string]string, state *membershipState, now time.Time) {
	alarm, err := s.LastAlarmInfo()
	if err != nil || alarm == nil {
		return
	}
	key := fmt.Sprintf("%s|%t", alarm.Answered, alarm.Closed)
	if alarm.ID == state.alarmID && key == state.alarmState {
		return
	}
	state.alarmID, state.alarmState = alarm.ID, key

	m.conn.Writer.WritePoint(write.NewPoint(MeasurementAlarm, tags, map[string]interface{}{
		"id":       alarm.ID,
		"title":    alarm.Title,
		"priority": alarm.Priority,
		"closed":   alarm.Closed,
		"answered": alarm.Answered,
	}, now))
}

func (m *Manager) recordVehicles(s *divera.Snapshot, tags map[string]string, state *membershipState, now time.Time) {
	vehicles, err := s.Vehicles()
	if err != nil {
		return
	}
	for _, v := range vehicles {
		if last, ok := state.vehicles[v.ID]; ok && last == v.FMSStatusID {
			continue
		}
		state.vehicles[v.ID] = v.FMSStatusID

		m.conn.Writer.WritePoint(write.NewPoint(MeasurementVehicle, withTag(tags, "vehicle", v.Name), map[string]interface{}{
			"fms_status": v.FMSStatusID,
		}, now))
	}
}

func withTag(tags map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out[key] = value
	return out
}
