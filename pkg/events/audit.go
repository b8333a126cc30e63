package events

import (
	"context"

	"github.com/sirupsen/logrus"
)

// RunAudit subscribes to every event on the bus and writes a structured
// audit record per state change. Blocks until ctx is done.
func RunAudit(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe(Filter{}, 256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			logrus.WithFields(logrus.Fields{
				"audit":         true,
				"correlationId": e.CorrelationID,
				"kind":          e.Kind,
				"action":        e.Action,
				"key":           e.Key,
			}).Info("state change")
		}
	}
}
