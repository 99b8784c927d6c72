package main

import (
	"context"
	"strings"
)

// Publisher is the subset of the broker used to emit state topics.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string, retain bool) error
}

// Publish sends each value to <base>/<suffix>, stopping at the first failure.
//
// Nothing is sent once ctx is done; the remaining values are abandoned and
// ctx's error is returned as is. A failure leaves the batch partially
// delivered; callers must forget their last-known snapshot so the next
// successful cycle re-asserts every topic.
func Publish(ctx context.Context, p Publisher, base string, values []TopicValue, retain bool) error {
	for _, v := range values {
		if err := ctx.Err(); err != nil {
			return err
		}
		topic := joinTopic(base, v.Suffix)
		if err := p.Publish(ctx, topic, v.Value, retain); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &PublishError{Topic: topic, Err: err}
		}
	}
	return nil
}

func joinTopic(base, suffix string) string {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		return suffix
	}
	return base + "/" + suffix
}

// relativeTopic strips the topic base from an incoming topic. ok is false if
// topic is outside the base.
func relativeTopic(base, topic string) (string, bool) {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		return topic, true
	}
	rest, found := strings.CutPrefix(topic, base+"/")
	return rest, found
}
