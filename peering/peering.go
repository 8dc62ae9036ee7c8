// Package peering broadcasts cache invalidations between sibling
// caches over a shared redis channel. Every purge publishes a CLR
// message; every sibling applies received CLRs to its own store.
package peering

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// clearPrefix tags invalidation messages on the channel.
const clearPrefix = "CLR"

// RedisPeering connects one cache instance to the sibling channel.
type RedisPeering struct {
	client   *redis.Client
	channel  string
	identity string
	log      zerolog.Logger
}

// New connects to the redis broker. The identity names this instance
// on the channel so its own broadcasts are not re-applied.
func New(addr, channel, identity string, logger zerolog.Logger) *RedisPeering {
	return &RedisPeering{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		channel:  channel,
		identity: identity,
		log:      logger.With().Str("component", "peering").Logger(),
	}
}

// NotifyClear broadcasts an invalidation for the URL to all siblings.
func (p *RedisPeering) NotifyClear(url string) {
	msg := fmt.Sprintf("%s %s %s", clearPrefix, p.identity, url)
	if err := p.client.Publish(context.Background(), p.channel, msg).Err(); err != nil {
		p.log.Error().Err(err).Str("url", url).Msg("clear broadcast failed")
		return
	}
	p.log.Debug().Str("url", url).Msg("clear broadcast")
}

// Listen applies sibling invalidations until the context is cancelled.
// Messages published by this instance are skipped.
func (p *RedisPeering) Listen(ctx context.Context, apply func(url string)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()
	// fail fast on broker trouble instead of silently dropping purges
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			p.handle(msg.Payload, apply)
		}
	}
}

func (p *RedisPeering) handle(payload string, apply func(url string)) {
	parts := strings.SplitN(payload, " ", 3)
	if len(parts) != 3 || parts[0] != clearPrefix {
		p.log.Warn().Str("payload", payload).Msg("unrecognized peering message")
		return
	}
	if parts[1] == p.identity {
		return
	}
	p.log.Debug().Str("url", parts[2]).Str("from", parts[1]).Msg("sibling clear received")
	apply(parts[2])
}

// Close releases the broker connection.
func (p *RedisPeering) Close() error {
	return p.client.Close()
}
