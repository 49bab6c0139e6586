package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/invisithreat/invisithreat/internal/scanner"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectScanCompleted         = "scans.completed"
	SubjectRecommendationsStored = "vulnerabilities.enriched"
)

type ScanCompletedEvent struct {
	Source    string          `json:"source"`
	Summary   scanner.Summary `json:"summary"`
	Timestamp int64           `json:"timestamp"`
}

type RecommendationsStoredEvent struct {
	IDs       []int64 `json:"ids"`
	Updated   int     `json:"updated"`
	Timestamp int64   `json:"timestamp"`
}

// Publisher announces scan and enrichment events on NATS. A nil *Publisher
// is valid and publishes nothing, so callers never branch on NATS_URL.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewPublisher(natsURL string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("invisithreat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second))

	if err != nil {
		return nil, err
	}

	logger.Info("publisher connected to NATS", zap.String("url", natsURL))

	return &Publisher{
		conn:   conn,
		logger: logger.Named("eventbus"),
	}, nil
}

func (p *Publisher) PublishScanCompleted(source string, summary scanner.Summary) error {
	if p == nil || p.conn == nil {
		return nil
	}

	event := ScanCompletedEvent{
		Source:    source,
		Summary:   summary,
		Timestamp: time.Now().Unix(),
	}

	if err := p.publish(SubjectScanCompleted, event); err != nil {
		return err
	}

	p.logger.Debug("published scan completed",
		zap.String("source", source),
		zap.Int("total", summary.Total))

	return nil
}

func (p *Publisher) PublishRecommendationsStored(ids []int64, updated int) error {
	if p == nil || p.conn == nil {
		return nil
	}

	event := RecommendationsStoredEvent{
		IDs:       ids,
		Updated:   updated,
		Timestamp: time.Now().Unix(),
	}

	if err := p.publish(SubjectRecommendationsStored, event); err != nil {
		return err
	}

	p.logger.Debug("published recommendations stored", zap.Int("updated", updated))

	return nil
}

func (p *Publisher) publish(subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	return nil
}

func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.logger.Info("publisher disconnected from NATS")
	}
}

func (p *Publisher) IsConnected() bool {
	return p != nil && p.conn != nil && p.conn.IsConnected()
}
