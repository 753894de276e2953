package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// LocationWriter applies a location update to the driver store.
type LocationWriter interface {
	Get(ctx context.Context, id string) (models.DriverCandidate, error)
	Upsert(ctx context.Context, d models.DriverCandidate) error
}

type CellLocator interface {
	CellFor(lat, lng float64) (string, error)
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Stats is called once per message with its outcome.
type Stats interface {
	Consumed()
	Invalid()
	Updated()
	Failed()
}

// Consumer moves driver location updates from Kafka into the driver store.
type Consumer struct {
	Reader   MessageReader
	Writer   LocationWriter
	Cells    CellLocator
	Stats    Stats
	Logger   *zap.Logger
	Attempts int
	Delay    time.Duration
}

// Run reads until ctx is done, backing off on read errors.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		c.Handle(ctx, m.Value)
	}
}

// Handle decodes and applies one message. Bad payloads are counted and dropped.
func (c *Consumer) Handle(ctx context.Context, payload []byte) {
	c.Stats.Consumed()
	u, cell, err := c.decode(payload)
	if err != nil {
		c.Stats.Invalid()
		c.Logger.Warn("invalid location message", zap.Error(err))
		return
	}
	// name and rating survive updates that omit them
	prev, err := c.Writer.Get(ctx, u.DriverID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.Stats.Failed()
		c.Logger.Error("load driver failed", zap.String("driver_id", u.DriverID), zap.Error(err))
		return
	}
	d := u.ApplyTo(prev, cell)
	if err := UpsertWithRetry(ctx, c.Writer, d, c.Attempts, c.Delay); err != nil {
		c.Stats.Failed()
		c.Logger.Error("driver update failed", zap.String("driver_id", d.ID), zap.Error(err))
		return
	}
	c.Stats.Updated()
}

func (c *Consumer) decode(payload []byte) (models.DriverLocationUpdate, string, error) {
	var u models.DriverLocationUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return u, "", err
	}
	if u.DriverID == "" {
		return u, "", errors.New("missing driverId")
	}
	if u.Status != "" && !u.Status.Valid() {
		return u, "", fmt.Errorf("unknown status %q", u.Status)
	}
	cell, err := c.Cells.CellFor(u.Lat, u.Lng)
	if err != nil {
		return u, "", err
	}
	return u, cell, nil
}

// UpsertWithRetry retries w.Upsert with doubling delay.
func UpsertWithRetry(ctx context.Context, w LocationWriter, d models.DriverCandidate, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = w.Upsert(ctx, d); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
