// Package monitor publishes image and region lifecycle events to the status
// topic. The last event published for an image id is terminal once
// processing concludes; consumers key their state machines off that.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/MeKo-Tech/tilerunner/internal/store"
)

// SNSAPI is the subset of the SNS client the monitor needs.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Event is one lifecycle notification.
type Event struct {
	ImageID  string       `json:"image_id"`
	JobID    string       `json:"job_id,omitempty"`
	RegionID string       `json:"region_id,omitempty"`
	Status   store.Status `json:"status"`
	// ProcessingDuration is set for terminal events only.
	ProcessingDuration time.Duration `json:"-"`
	Reason             string        `json:"reason,omitempty"`
}

// Monitor publishes events to one topic. A nil Monitor is safe and silent,
// so callers do not need to branch on whether a topic is configured.
type Monitor struct {
	client   SNSAPI
	topicARN string
	log      *slog.Logger
}

// New creates a monitor for the topic. Returns nil when topicARN is empty.
func New(client SNSAPI, topicARN string, log *slog.Logger) *Monitor {
	if topicARN == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{client: client, topicARN: topicARN, log: log}
}

// Publish sends one event. Failures are logged, never propagated: status
// publication must not fail the data path.
func (m *Monitor) Publish(ctx context.Context, ev Event) {
	if m == nil {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("marshal status event", "image_id", ev.ImageID, "error", err)
		return
	}

	attrs := map[string]types.MessageAttributeValue{
		"image_id": stringAttr(ev.ImageID),
		"status":   stringAttr(string(ev.Status)),
	}
	if ev.Status.Terminal() {
		attrs["processing_duration"] = numberAttr(int64(ev.ProcessingDuration.Seconds()))
	}

	if _, err := m.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(m.topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	}); err != nil {
		m.log.Error("publish status event",
			"image_id", ev.ImageID, "status", ev.Status, "error", err)
		return
	}
	m.log.Debug("published status event", "image_id", ev.ImageID, "status", ev.Status)
}

// ImageStatus publishes an image-level event.
func (m *Monitor) ImageStatus(ctx context.Context, imageID, jobID string, status store.Status, duration time.Duration, reason string) {
	m.Publish(ctx, Event{
		ImageID:            imageID,
		JobID:              jobID,
		Status:             status,
		ProcessingDuration: duration,
		Reason:             reason,
	})
}

// RegionStatus publishes a region-level event.
func (m *Monitor) RegionStatus(ctx context.Context, imageID, regionID string, status store.Status) {
	m.Publish(ctx, Event{ImageID: imageID, RegionID: regionID, Status: status})
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

func numberAttr(v int64) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("Number"),
		StringValue: aws.String(strconv.FormatInt(v, 10)),
	}
}
