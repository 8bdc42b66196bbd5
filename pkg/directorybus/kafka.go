package directorybus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is a directory-change notification published by the merchant
// provisioning flow: a store was created, suspended, or changed domains.
type Event struct {
	Type     string `json:"type"`
	TenantID string `json:"tenant_id"`
}

// Directory-change event types the edge reacts to.
const (
	EventStoreCreated  = "store.created"
	EventStoreUpdated  = "store.updated"
	EventDomainChanged = "store.domain_changed"
)

type reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Listener consumes directory events and signals the cached directory to
// refresh ahead of its interval.
type Listener struct {
	reader  reader
	onEvent func(Event)
}

func NewListener(cfg Config, onEvent func(Event)) (*Listener, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	if onEvent == nil {
		return nil, fmt.Errorf("event handler required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Listener{reader: r, onEvent: onEvent}, nil
}

// Run consumes until ctx ends. Malformed messages are logged and skipped;
// a bad event must never stall directory refreshes.
func (l *Listener) Run(ctx context.Context) {
	for {
		msg, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("directory bus read failed: %v", err)
			continue
		}
		var evt Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("directory bus: skipping malformed event: %v", err)
			continue
		}
		l.onEvent(evt)
	}
}

func (l *Listener) Close() error {
	if l == nil || l.reader == nil {
		return nil
	}
	return l.reader.Close()
}
