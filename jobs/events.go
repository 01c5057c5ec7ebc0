package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/santif/jobsched/messaging"
	"github.com/santif/jobsched/observability"
)

// Topics the scheduler publishes to
const (
	TopicJobAdded             = "jobs.added"
	TopicJobUpdated           = "jobs.updated"
	TopicJobDeleted           = "jobs.deleted"
	TopicJobStateUpdated      = "jobs.state_updated"
	TopicJobStatisticsUpdated = "jobs.statistics_updated"
)

// EventType identifies the payload of a JobEvent
type EventType string

const (
	EventJobAdded             EventType = "job_added"
	EventJobUpdated           EventType = "job_updated"
	EventJobDeleted           EventType = "job_deleted"
	EventJobStateUpdated      EventType = "job_state_updated"
	EventJobStatisticsUpdated EventType = "job_statistics_updated"
)

var eventTopics = map[EventType]string{
	EventJobAdded:             TopicJobAdded,
	EventJobUpdated:           TopicJobUpdated,
	EventJobDeleted:           TopicJobDeleted,
	EventJobStateUpdated:      TopicJobStateUpdated,
	EventJobStatisticsUpdated: TopicJobStatisticsUpdated,
}

// JobEvent is the body of every message the scheduler publishes. Only the
// field matching Type is set.
type JobEvent struct {
	Type       EventType         `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Job        *JobConfiguration `json:"job,omitempty"`
	State      *JobState         `json:"state,omitempty"`
	Statistics *JobStatistics    `json:"statistics,omitempty"`
}

// Topic returns the topic the event is published to
func (e JobEvent) Topic() string {
	return eventTopics[e.Type]
}

// DecodeJobEvent decodes a message published by the scheduler
func DecodeJobEvent(msg messaging.Message) (JobEvent, error) {
	var event JobEvent
	err := messaging.Decode(messaging.JSONCodec{}, msg, &event)
	return event, err
}

type eventPublisher struct {
	publisher messaging.Publisher
	codec     messaging.Codec
	logger    observability.Logger
}

func newEventPublisher(publisher messaging.Publisher, logger observability.Logger) *eventPublisher {
	return &eventPublisher{
		publisher: publisher,
		codec:     messaging.JSONCodec{},
		logger:    logger,
	}
}

// publish delivers the event. Failures are logged; subscribers are best effort.
func (p *eventPublisher) publish(ctx context.Context, event JobEvent) {
	if p.publisher == nil {
		return
	}

	msg, err := messaging.Encode(p.codec, uuid.NewString(), string(event.Type), event)
	if err != nil {
		p.logger.Error("Failed to encode job event", err, observability.NewField("event", string(event.Type)))
		return
	}
	if err := p.publisher.Publish(ctx, event.Topic(), msg); err != nil {
		p.logger.Error("Failed to publish job event", err,
			observability.NewField("event", string(event.Type)),
			observability.NewField("topic", event.Topic()))
	}
}
