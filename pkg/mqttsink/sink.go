// Package mqttsink publishes inspection outcomes to an MQTT broker so plant
// systems can follow the line without polling the dashboard.
//
// Topics, for prefix "linecheck" and station "line-1":
//
//	linecheck/line-1/outcomes   one JSON message per cycle
//	linecheck/line-1/status     retained: online, stopped or offline (last will)
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/linecheck/linecheck/pkg/inspection"
	"github.com/linecheck/linecheck/pkg/parts"
)

// Config holds broker settings.
type Config struct {
	Broker      string // e.g. tcp://broker:1883
	ClientID    string // empty generates one
	Username    string
	Password    string
	TopicPrefix string
	Station     string
	QoS         byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	Logger *slog.Logger
}

// Station states published on the status topic.
const (
	StateOnline  = "online"
	StateStopped = "stopped"
	StateOffline = "offline"
)

// OutcomeMessage is the JSON published per cycle. It carries no image.
type OutcomeMessage struct {
	Station   string             `json:"station"`
	ID        string             `json:"id"`
	CycleID   uint64             `json:"cycle_id"`
	Verdict   parts.Verdict      `json:"verdict"`
	Counts    map[parts.Part]int `json:"counts,omitempty"`
	Missing   []parts.Deficit    `json:"missing"`
	Reason    string             `json:"reason,omitempty"`
	Resumed   bool               `json:"resumed"`
	HaltedAt  time.Time          `json:"halted_at"`
	DecidedAt time.Time          `json:"decided_at"`
	LatencyMS int64              `json:"latency_ms"`
}

// StatusMessage is the retained station state.
type StatusMessage struct {
	Station string    `json:"station"`
	State   string    `json:"state"`
	Time    time.Time `json:"time"`
}

// Stats counts publishes.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

type publishFunc func(topic string, qos byte, retained bool, payload []byte) error

// Sink publishes outcomes. It implements inspection.Sink.
type Sink struct {
	cfg     Config
	client  mqtt.Client
	publish publishFunc
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

var _ inspection.Sink = (*Sink)(nil)

// New creates a sink with a paho client. Call Connect before use.
func New(cfg Config) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttsink: broker required")
	}
	cfg = withDefaults(cfg)

	s := newSink(cfg, nil)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	will, _ := json.Marshal(StatusMessage{Station: cfg.Station, State: StateOffline})
	opts.SetWill(s.StatusTopic(), string(will), cfg.QoS, true)

	opts.OnConnect = func(mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
		// Runs on paho's goroutine; publishing from here must not wait.
		go s.publishStatus(StateOnline)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", cfg.Broker)
	}

	s.client = mqtt.NewClient(opts)
	s.publish = s.pahoPublish
	return s, nil
}

func withDefaults(cfg Config) Config {
	if cfg.ClientID == "" {
		cfg.ClientID = "linecheck-" + uuid.NewString()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "linecheck"
	}
	if cfg.Station == "" {
		cfg.Station = "line-1"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return cfg
}

func newSink(cfg Config, pub publishFunc) *Sink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:     cfg,
		publish: pub,
		logger:  logger.With("component", "mqttsink"),
	}
}

// Connect dials the broker. With connect-retry enabled paho keeps trying in
// the background, so a timeout here is reported but not fatal to callers
// that choose to continue.
func (s *Sink) Connect(ctx context.Context) error {
	s.logger.Info("connecting to mqtt broker", "broker", s.cfg.Broker)
	token := s.client.Connect()

	timeout := s.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return errors.New("mqttsink: connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttsink: connect: %w", err)
	}
	s.setConnected(true)
	return nil
}

// OutcomeTopic is where cycle results go.
func (s *Sink) OutcomeTopic() string {
	return fmt.Sprintf("%s/%s/outcomes", s.cfg.TopicPrefix, s.cfg.Station)
}

// StatusTopic carries the retained station state.
func (s *Sink) StatusTopic() string {
	return fmt.Sprintf("%s/%s/status", s.cfg.TopicPrefix, s.cfg.Station)
}

// OnOutcome publishes the outcome.
func (s *Sink) OnOutcome(o inspection.Outcome) {
	msg := OutcomeMessage{
		Station:   s.cfg.Station,
		ID:        o.ID.String(),
		CycleID:   o.CycleID,
		Verdict:   o.Verdict,
		Counts:    o.Counts,
		Missing:   o.Missing,
		Reason:    o.Reason,
		Resumed:   o.Resumed,
		HaltedAt:  o.HaltedAt,
		DecidedAt: o.DecidedAt,
		LatencyMS: o.Duration().Milliseconds(),
	}
	if msg.Missing == nil {
		msg.Missing = []parts.Deficit{}
	}
	if err := s.send(s.OutcomeTopic(), false, msg); err != nil {
		s.logger.Warn("outcome not published", "cycle", o.CycleID, "error", err)
	}
}

// OnShutdown publishes the stopped state.
func (s *Sink) OnShutdown() {
	s.publishStatus(StateStopped)
}

func (s *Sink) publishStatus(state string) {
	msg := StatusMessage{Station: s.cfg.Station, State: state, Time: time.Now()}
	if err := s.send(s.StatusTopic(), true, msg); err != nil {
		s.logger.Warn("status not published", "state", state, "error", err)
	}
}

func (s *Sink) send(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err == nil {
		err = s.publish(topic, s.cfg.QoS, retained, payload)
	}

	s.mu.Lock()
	if err != nil {
		s.errors++
	} else {
		s.published++
	}
	s.mu.Unlock()

	if err == nil {
		s.logger.Debug("published", "topic", topic, "size", len(payload))
	}
	return err
}

func (s *Sink) pahoPublish(topic string, qos byte, retained bool, payload []byte) error {
	if !s.isConnected() {
		return errors.New("mqtt not connected")
	}
	token := s.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// Disconnect closes the connection after a short grace period.
func (s *Sink) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		s.logger.Info("mqtt disconnected")
	}
	s.setConnected(false)
}

// Stats returns publish counters.
func (s *Sink) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Connected: s.connected, Published: s.published, Errors: s.errors}
}

func (s *Sink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Sink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
