package lnnode

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultInfoTTL is how long a node's GetInfo result is reused.
const DefaultInfoTTL = 60 * time.Second

// InfoCache keeps GetInfo results in redis, one key per node id.
type InfoCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewInfoCache(rdb *redis.Client, ttl time.Duration) *InfoCache {
	if ttl <= 0 {
		ttl = DefaultInfoTTL
	}
	return &InfoCache{rdb: rdb, ttl: ttl}
}

func infoKey(nodeID string) string {
	return "ip2tor:lnnode:info:" + nodeID
}

// GetInfo serves a cached result or asks the node and caches the answer.
// Redis failures fall through to the node.
func (c *InfoCache) GetInfo(ctx context.Context, nodeID string, client Client) (*Info, error) {
	raw, err := c.rdb.Get(ctx, infoKey(nodeID)).Bytes()
	if err == nil {
		var info Info
		if err := json.Unmarshal(raw, &info); err == nil {
			return &info, nil
		}
	} else if err != redis.Nil {
		log.Warn().Err(err).Str("node_id", nodeID).Msg("info cache read failed")
	}

	info, err := client.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(info); err == nil {
		if err := c.rdb.Set(ctx, infoKey(nodeID), b, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("node_id", nodeID).Msg("info cache write failed")
		}
	}
	return info, nil
}
