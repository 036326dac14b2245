package activitypub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deemkeen/trailpost/domain"
	"github.com/deemkeen/trailpost/queue"
	"go.uber.org/zap"
)

// Route maps an inbound activity to the job that handles it. ok is false
// for activities nothing handles.
func Route(body []byte) (job queue.Job, ok bool, err error) {
	var envelope struct {
		Activity
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return queue.Job{}, false, fmt.Errorf("failed to parse activity: %w", err)
	}

	var object Reference
	if len(envelope.Object) > 0 {
		json.Unmarshal(envelope.Object, &object)
	}
	obj := decodeEmbedded(object)

	switch envelope.Type {
	case "Create":
		if obj == nil {
			return queue.Job{}, false, nil
		}
		switch {
		case obj.IsNote():
			job, err = queue.NewJob(JobCreateNote, json.RawMessage(object.Embedded), obj.ID)
		case obj.Type == domain.StatusTypeQuestion:
			job, err = queue.NewJob(JobCreatePoll, json.RawMessage(object.Embedded), obj.ID)
		default:
			return queue.Job{}, false, nil
		}
	case "Update":
		if obj == nil {
			return queue.Job{}, false, nil
		}
		// every distinct revision is its own job
		switch {
		case obj.IsNote():
			job, err = queue.NewJob(JobUpdateNote, json.RawMessage(object.Embedded), obj.ID, string(object.Embedded))
		case obj.Type == domain.StatusTypeQuestion:
			job, err = queue.NewJob(JobUpdatePoll, json.RawMessage(object.Embedded), obj.ID, string(object.Embedded))
		default:
			return queue.Job{}, false, nil
		}
	case domain.StatusTypeAnnounce:
		if envelope.ID == "" {
			return queue.Job{}, false, nil
		}
		job, err = queue.NewJob(JobCreateAnnounce, json.RawMessage(body), envelope.ID)
	case "Delete":
		if object.ID == "" {
			return queue.Job{}, false, nil
		}
		job, err = queue.NewJob(JobDeleteStatus, json.RawMessage(body), object.ID)
	default:
		return queue.Job{}, false, nil
	}
	if err != nil {
		return queue.Job{}, false, err
	}
	return job, true, nil
}

// Dispatch routes an inbound activity and publishes its job.
func Dispatch(ctx context.Context, pub queue.Publisher, body []byte, log *zap.SugaredLogger) error {
	job, ok, err := Route(body)
	if err != nil {
		log.Warnw("Inbox: rejecting activity", "error", err)
		return err
	}
	if !ok {
		log.Infow("Inbox: unsupported activity, ignoring")
		return nil
	}
	if err := pub.Publish(ctx, job); err != nil {
		return fmt.Errorf("failed to queue %s: %w", job.Name, err)
	}
	log.Infow("Inbox: queued activity", "job", job.ID, "name", job.Name)
	return nil
}
