package ibkr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus"
)

// Market-data field codes for option Greeks.
const (
	fieldDelta = "7308"
	fieldGamma = "7309"
	fieldTheta = "7310"
	fieldVega  = "7311"
)

// GreeksFeed streams option Greeks from the gateway websocket. It
// implements greeks.Feed: one smd subscription per registered contract,
// Greeks updates delivered on Events as they accumulate. Identities must
// be registered with their contract ID before subscribing; the gateway
// keys everything by conid.
type GreeksFeed struct {
	url    string
	logger *logrus.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	conids     map[string]int64
	identities map[int64]models.OptionIdentity
	partials   map[int64]*models.GreeksEvent

	events chan models.GreeksEvent
}

func NewGreeksFeed(host string, port int, logger *logrus.Logger) *GreeksFeed {
	return &GreeksFeed{
		url:        fmt.Sprintf("wss://%s:%d/v1/api/ws", host, port),
		logger:     logger,
		conids:     make(map[string]int64),
		identities: make(map[int64]models.OptionIdentity),
		partials:   make(map[int64]*models.GreeksEvent),
		events:     make(chan models.GreeksEvent, 256),
	}
}

func (f *GreeksFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}

	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway websocket: %w", err)
	}

	f.conn = conn
	f.connected = true

	go f.readLoop(ctx)
	go f.keepAlive(ctx)

	return nil
}

// Register maps an option identity to its gateway contract ID. Must be
// called before Subscribe for that identity.
func (f *GreeksFeed) Register(id models.OptionIdentity, conid int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conids[id.Key()] = conid
	f.identities[conid] = id
}

func (f *GreeksFeed) Subscribe(ctx context.Context, id models.OptionIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return fmt.Errorf("greeks feed not connected")
	}
	conid, ok := f.conids[id.Key()]
	if !ok {
		return fmt.Errorf("no contract id registered for %s", id)
	}

	msg := fmt.Sprintf(`smd+%d+{"fields":["%s","%s","%s","%s"]}`,
		conid, fieldDelta, fieldGamma, fieldTheta, fieldVega)
	return f.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (f *GreeksFeed) Unsubscribe(id models.OptionIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return nil
	}
	conid, ok := f.conids[id.Key()]
	if !ok {
		return nil
	}
	delete(f.partials, conid)

	msg := fmt.Sprintf(`umd+%d+{}`, conid)
	return f.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (f *GreeksFeed) Events() <-chan models.GreeksEvent {
	return f.events
}

func (f *GreeksFeed) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := f.conn.ReadMessage()
			if err != nil {
				f.logger.WithError(err).Error("Failed to read gateway message")
				f.handleDisconnect()
				return
			}
			f.handleMessage(data)
		}
	}
}

// handleMessage folds one smd update into the per-contract accumulator.
// Greeks arrive incrementally; an event is emitted once delta is known,
// with whatever else has accumulated so far.
func (f *GreeksFeed) handleMessage(data []byte) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	topicRaw, ok := msg["topic"]
	if !ok {
		return
	}
	var topic string
	if err := json.Unmarshal(topicRaw, &topic); err != nil {
		return
	}
	if !strings.HasPrefix(topic, "smd+") {
		return
	}
	conid, err := strconv.ParseInt(strings.TrimPrefix(topic, "smd+"), 10, 64)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// A disconnect closes the events channel; a frame read before the
	// disconnect landed may still reach here afterwards and must not be
	// emitted.
	if !f.connected {
		return
	}

	id, known := f.identities[conid]
	if !known {
		return
	}

	ev, ok := f.partials[conid]
	if !ok {
		ev = &models.GreeksEvent{Identity: id}
		f.partials[conid] = ev
	}

	sawDelta := false
	if v, ok := rawFloat(msg[fieldDelta]); ok {
		ev.Delta = v
		sawDelta = true
	}
	if v, ok := rawFloat(msg[fieldGamma]); ok {
		ev.Gamma = v
	}
	if v, ok := rawFloat(msg[fieldTheta]); ok {
		ev.Theta = v
	}
	if v, ok := rawFloat(msg[fieldVega]); ok {
		ev.Vega = v
	}

	// Delta is the one Greek every downstream consumer requires; emit
	// once it arrives rather than waiting for a full set that the
	// delayed feed may never send.
	if sawDelta {
		out := *ev
		out.At = time.Now()
		select {
		case f.events <- out:
		default:
			f.logger.WithField("option", id.String()).Warn("Dropping Greeks update, event buffer full")
		}
	}
}

// rawFloat parses a gateway field value, which may arrive as a JSON
// number or a quoted string.
func rawFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (f *GreeksFeed) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(45 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			if f.connected {
				// The gateway drops sessions that stay silent; "tic" is
				// its keepalive token.
				if err := f.conn.WriteMessage(websocket.TextMessage, []byte("tic")); err != nil {
					f.logger.WithError(err).Error("Failed to send keepalive")
					f.handleDisconnectLocked()
				}
			}
			f.mu.Unlock()
		}
	}
}

func (f *GreeksFeed) handleDisconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handleDisconnectLocked()
}

func (f *GreeksFeed) handleDisconnectLocked() {
	if !f.connected {
		return
	}
	f.connected = false
	if f.conn != nil {
		f.conn.Close()
	}
	close(f.events)
}

func (f *GreeksFeed) Close() {
	f.handleDisconnect()
}
