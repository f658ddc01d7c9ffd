package adapter

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/runtime"
	"github.com/aristath/conductor/internal/task"
)

const publishTimeout = 5 * time.Second

// Streams names the broker streams the adapter reads and writes.
type Streams struct {
	Submit  string
	Results string
}

// Receipt is one notification published to the result stream. Kind
// selects which of the three payloads is set.
type Receipt struct {
	Kind     string                `json:"kind"`
	Task     *events.TaskEvent     `json:"task,omitempty"`
	Instance *events.InstanceEvent `json:"instance,omitempty"`
	Rejected *Rejection            `json:"rejected,omitempty"`
}

const (
	ReceiptTask     = "task"
	ReceiptInstance = "instance"
	ReceiptRejected = "rejected"
)

// Rejection reports a submission the runtime refused to accept.
type Rejection struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Adapter pumps workflow submissions from a broker stream into the
// runtime and mirrors lifecycle events back out on a result stream.
type Adapter struct {
	rt      *runtime.Runtime
	broker  Broker
	streams Streams
	logger  *zap.Logger
}

func New(rt *runtime.Runtime, broker Broker, streams Streams, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if streams.Submit == "" {
		streams.Submit = "conductor:submit"
	}
	if streams.Results == "" {
		streams.Results = "conductor:results"
	}
	return &Adapter{rt: rt, broker: broker, streams: streams, logger: logger}
}

// Run consumes submissions and forwards lifecycle receipts until the
// context ends. The bus subscription is taken before consuming starts
// so no event of an accepted workflow is missed.
func (a *Adapter) Run(ctx context.Context) error {
	sub := a.rt.Bus().SubscribeAll(512)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.broker.Consume(ctx, a.streams.Submit, a.handleSubmission)
	})
	eg.Go(func() error {
		a.forwardEvents(ctx, sub)
		return nil
	})
	return eg.Wait()
}

// SubmitFromEvent maps one inbound event payload, a JSON-encoded
// WorkflowSpec, to a workflow submission. Decode and validation
// failures are returned to the caller and are never retried.
func (a *Adapter) SubmitFromEvent(ctx context.Context, payload []byte) (*runtime.InstanceView, error) {
	var spec runtime.WorkflowSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return nil, task.Validationf("malformed workflow payload: %v", err)
	}
	return a.rt.Submit(ctx, spec)
}

// handleSubmission feeds one broker message through SubmitFromEvent.
// Malformed and invalid payloads are acknowledged with a rejection
// receipt; redelivering them could never succeed.
func (a *Adapter) handleSubmission(ctx context.Context, key string, body []byte) error {
	view, err := a.SubmitFromEvent(ctx, body)
	if err != nil {
		if task.IsValidation(err) {
			a.reject(key, err)
			return nil
		}
		return err
	}
	a.logger.Info("workflow accepted from broker",
		zap.String("instance", view.ID),
		zap.String("key", key))
	return nil
}

func (a *Adapter) reject(key string, cause error) {
	a.logger.Warn("workflow submission rejected",
		zap.String("key", key),
		zap.Error(cause))
	a.publish(key, Receipt{
		Kind:     ReceiptRejected,
		Rejected: &Rejection{Key: key, Reason: cause.Error()},
	})
}

func (a *Adapter) forwardEvents(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case events.TaskEvent:
				a.publish(ev.InstanceID, Receipt{Kind: ReceiptTask, Task: &ev})
			case events.InstanceEvent:
				a.publish(ev.InstanceID, Receipt{Kind: ReceiptInstance, Instance: &ev})
			}
		}
	}
}

func (a *Adapter) publish(key string, rec Receipt) {
	body, err := json.Marshal(rec)
	if err != nil {
		a.logger.Error("failed to encode receipt", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.broker.Publish(ctx, a.streams.Results, key, body); err != nil {
		a.logger.Warn("failed to publish receipt",
			zap.String("stream", a.streams.Results),
			zap.Error(err))
	}
}
