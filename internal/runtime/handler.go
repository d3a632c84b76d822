package runtime

import (
	"context"

	"github.com/objectfs/sessiond/internal/cache"
	"github.com/objectfs/sessiond/internal/gateway"
)

// SenderRecord is what DefaultHandler keeps per sender in the users pool.
type SenderRecord struct {
	ID       string `json:"id"`
	Events   int    `json:"events"`
	LastSeen string `json:"last_seen"`
}

// DefaultHandler caches the event in the messages pool, counts it against
// its sender in the users pool and records the last event ID per type.
func DefaultHandler(ctx context.Context, env *Env, ev *gateway.Event) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env.Cache.Set(cache.PoolMessages, ev.ID, ev)

	if ev.From != "" {
		rec, _ := cache.Lookup[SenderRecord](env.Cache, cache.PoolUsers, ev.From)
		rec.ID = ev.From
		rec.Events++
		rec.LastSeen = ev.ID
		env.Cache.Set(cache.PoolUsers, ev.From, rec)
	}

	env.SaveState("last_event/"+ev.Type, []byte(ev.ID))
	env.Logger.Debug("Event handled", map[string]interface{}{
		"id":   ev.ID,
		"type": ev.Type,
		"from": ev.From,
	})
	return ev.ID, nil
}
