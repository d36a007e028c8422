package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const reloadChannelPrefix = "session:reload:"

// RedisNotifier implements Manager by publishing a reload notice on the
// session's Redis channel. Front-end gateways holding the live connection
// subscribe to their sessions' channels and push the refreshed authorization
// view to the client.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

var _ Manager = (*RedisNotifier)(nil)

func (n *RedisNotifier) ReloadSessionAuthorization(ctx context.Context, sessionID string) error {
	if err := n.rdb.Publish(ctx, reloadChannelPrefix+sessionID, "reload").Err(); err != nil {
		return fmt.Errorf("session: notify %s: %w", sessionID, err)
	}
	return nil
}
