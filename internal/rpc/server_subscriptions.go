package rpc

import (
	"context"
	"errors"

	"github.com/HerbCaudill/beads-ui-sub002/internal/registry"
)

func (s *Server) handleSubscribe(ctx context.Context, c *conn, req *Request) (interface{}, error) {
	var args SubscribeArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}
	spec := args.Spec()

	// Resubscribing an id refreshes it from scratch.
	c.mu.Lock()
	prevKey, had := c.subs[args.ID]
	delete(c.subs, args.ID)
	c.mu.Unlock()
	if had {
		if err := s.registry.Detach(c.subscriberID(args.ID), prevKey); err != nil {
			c.log.Debug().Err(err).Str("subscription", args.ID).Msg("detach before resubscribe")
		}
	}

	sub := &subscription{c: c, id: args.ID}
	snap, err := s.registry.Attach(ctx, c.subscriberID(args.ID), sub, spec)
	if err != nil {
		return nil, attachError(err)
	}

	c.mu.Lock()
	c.subs[args.ID] = snap.Key
	c.mu.Unlock()

	return SubscribeResponse{
		ID:       args.ID,
		Key:      snap.Key,
		Revision: snap.Revision,
		Issues:   snap.Issues,
	}, nil
}

func (s *Server) handleUnsubscribe(c *conn, req *Request) (interface{}, error) {
	var args UnsubscribeArgs
	if err := decodeArgs(req.Payload, &args); err != nil {
		return nil, err
	}

	c.mu.Lock()
	key, ok := c.subs[args.ID]
	delete(c.subs, args.ID)
	c.mu.Unlock()

	if !ok {
		c.log.Info().Str("subscription", args.ID).Msg("unsubscribe for unknown subscriber")
		return UnsubscribeResponse{ID: args.ID, Removed: false}, nil
	}
	if err := s.registry.Detach(c.subscriberID(args.ID), key); err != nil {
		if errors.Is(err, registry.ErrUnknownSubscriber) {
			c.log.Info().Str("subscription", args.ID).Msg("unsubscribe for unknown subscriber")
			return UnsubscribeResponse{ID: args.ID, Removed: false}, nil
		}
		return nil, err
	}
	return UnsubscribeResponse{ID: args.ID, Removed: true}, nil
}
