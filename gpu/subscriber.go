package gpu

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RunRelay forwards freed-channel messages into the manager's local
// broadcast so waiters in this process wake up when another proxy instance
// releases a GPU. messages is normally a redis PubSub subscription on
// FreedChannel. Returns when ctx is cancelled or messages closes.
func RunRelay(ctx context.Context, messages <-chan *redis.Message, manager *Manager, log *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			log.Debugw("gpu freed elsewhere", "payload", msg.Payload)
			manager.NotifyFreed()
		}
	}
}
