/*
Package events publishes royalty workflow events to downstream consumers.

SUBJECTS:
  royalty.calculated   After a successful recalculation and reload
  royalty.paid         After a successful payment

Publishing is best-effort: a failure is logged and never undoes the
ledger change that caused it. Consumers that miss an event can read the
ledger or payment log over the API.

SEE ALSO:
  - api/handlers.go: Publishes after calculate / pay
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	SubjectCalculated = "royalty.calculated"
	SubjectPaid       = "royalty.paid"
)

// Calculated is published after a recalculation.
type Calculated struct {
	Records      int             `json:"records"`
	Unpaid       int             `json:"unpaid"`
	TotalUnpaid  decimal.Decimal `json:"total_unpaid"`
	Generation   uint64          `json:"generation"`
	CalculatedAt time.Time       `json:"calculated_at"`
}

// Paid is published after a payment.
type Paid struct {
	PaymentID string          `json:"payment_id"`
	RoyaltyID int64           `json:"royalty_id"`
	PayerID   string          `json:"payer_id"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    time.Time       `json:"paid_at"`
}

// Publisher sends events. Implementations must be safe for concurrent use.
type Publisher interface {
	PublishCalculated(ctx context.Context, evt Calculated) error
	PublishPaid(ctx context.Context, evt Paid) error
	Close()
}

// =============================================================================
// NATS
// =============================================================================

// NATSPublisher publishes JSON events on core NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to url. prefix, if set, is prepended to every
// subject ("prod" gives "prod.royalty.paid").
func NewNATSPublisher(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("royalty-engine"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

func (p *NATSPublisher) subject(s string) string {
	if p.prefix == "" {
		return s
	}
	return p.prefix + "." + s
}

func (p *NATSPublisher) publish(subject string, evt any) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.subject(subject), data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) PublishCalculated(_ context.Context, evt Calculated) error {
	return p.publish(SubjectCalculated, evt)
}

func (p *NATSPublisher) PublishPaid(_ context.Context, evt Paid) error {
	return p.publish(SubjectPaid, evt)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
		p.conn.Close()
	}
}

// =============================================================================
// IN-PROCESS
// =============================================================================

// Nop discards every event.
type Nop struct{}

func (Nop) PublishCalculated(context.Context, Calculated) error { return nil }
func (Nop) PublishPaid(context.Context, Paid) error             { return nil }
func (Nop) Close()                                              {}

// Recorder keeps events in memory. Used in tests and by the demo CLI.
type Recorder struct {
	mu         sync.Mutex
	calculated []Calculated
	paid       []Paid
}

func (r *Recorder) PublishCalculated(_ context.Context, evt Calculated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calculated = append(r.calculated, evt)
	return nil
}

func (r *Recorder) PublishPaid(_ context.Context, evt Paid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paid = append(r.paid, evt)
	return nil
}

func (r *Recorder) Close() {}

// Calculated returns a copy of the recorded calculation events.
func (r *Recorder) Calculated() []Calculated {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Calculated(nil), r.calculated...)
}

// Paid returns a copy of the recorded payment events.
func (r *Recorder) Paid() []Paid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Paid(nil), r.paid...)
}
