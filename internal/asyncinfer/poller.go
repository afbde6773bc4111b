package asyncinfer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MeKo-Tech/tilerunner/internal/queue"
)

// DefaultPollDelay is how long after submission the first poll fires.
// Notifications normally resolve the tile well before then; the poll is the
// fallback for lost or long-delayed notifications.
const DefaultPollDelay = 2 * time.Minute

// DefaultMaxPolls bounds how often a tile is re-polled before it is declared
// timed out.
const DefaultMaxPolls = 5

// pollTick is the self-addressed message the poller schedules per submitted
// tile.
type pollTick struct {
	RegionID string `json:"region_id"`
	TileID   string `json:"tile_id"`
}

// Poller schedules delayed self-checks for submitted tiles on the result
// queue.
type Poller struct {
	queue *queue.Queue
	delay time.Duration
}

// NewPoller builds a poller sending ticks on q after delay. A zero delay
// means DefaultPollDelay.
func NewPoller(q *queue.Queue, delay time.Duration) *Poller {
	if delay <= 0 {
		delay = DefaultPollDelay
	}
	return &Poller{queue: q, delay: delay}
}

// Schedule enqueues a delayed tick for the tile.
func (p *Poller) Schedule(ctx context.Context, regionID, tileID string) error {
	body, err := json.Marshal(pollTick{RegionID: regionID, TileID: tileID})
	if err != nil {
		return fmt.Errorf("marshal poll tick: %w", err)
	}
	if err := p.queue.Send(ctx, string(body), p.delay); err != nil {
		return fmt.Errorf("schedule poll for %s/%s: %w", regionID, tileID, err)
	}
	return nil
}
