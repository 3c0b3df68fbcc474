package kv

import (
	"context"
	"fmt"
)

// SubscribeExpired streams the names of expired keys until ctx ends. The
// returned channel is closed when the subscription terminates.
func (s *Store) SubscribeExpired(ctx context.Context) (<-chan string, error) {
	channel := fmt.Sprintf("__keyevent@%d__:expired", s.cfg.DB)

	// Keyspace notifications are off by default on a stock server. Failure
	// here is logged only: the deployment may manage server config itself.
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		s.logger.Warn("cannot enable keyspace notifications", "err", err)
	}

	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("error subscribing to expiry events: %w", err)
	}

	out := make(chan string, 64)
	msgs := sub.Channel()

	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				s.logger.Warn("error closing expiry subscription", "err", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- msg.Payload:
				}
			}
		}
	}()

	s.logger.Debug("expiry subscription started", "channel", channel)
	return out, nil
}
