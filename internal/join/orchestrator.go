// Package join drives the optimistic per-channel join workflow: idle →
// joining → joined. The transient "joining" flag lives in a side table
// keyed by channel id, separate from the persisted list, so a failed join
// rolls back by clearing the flag rather than rewriting the list.
package join

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"teabot/api/internal/registry"
	"teabot/api/internal/session"
)

var (
	// ErrUnknownChannel means the id is not in the session's moderated list.
	ErrUnknownChannel = errors.New("channel not in moderated list")
	// ErrJoinFailed wraps a registry failure; the affected entry has been
	// rolled back to idle.
	ErrJoinFailed = errors.New("join request failed")
)

// Joiner is the slice of the registry client the orchestrator needs.
type Joiner interface {
	Join(ctx context.Context, aliasID int) (registry.Channel, error)
}

// ChannelStore is the slice of the session store the orchestrator needs.
type ChannelStore interface {
	Channels(ctx context.Context, sid string) ([]session.ModeratedChannel, bool, error)
	SaveChannels(ctx context.Context, sid string, channels []session.ModeratedChannel) error
}

type Orchestrator struct {
	registry Joiner
	store    ChannelStore

	mu       sync.Mutex
	inFlight map[string]map[string]struct{} // sid → channel ids being joined
}

func New(registry Joiner, store ChannelStore) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		store:    store,
		inFlight: make(map[string]map[string]struct{}),
	}
}

// InProcess reports whether a join for the channel is currently in flight.
func (o *Orchestrator) InProcess(sid, channelID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[sid][channelID]
	return ok
}

// Join runs one idle → joining → joined transition. Already-joined and
// in-flight channels are idempotent no-ops: no registry call, no state
// change. On start the entry is promoted to the front of the persisted
// list; on completion it is found again by id, never by position, because
// concurrent joins may have reordered the list.
func (o *Orchestrator) Join(ctx context.Context, sid, channelID string) (session.ModeratedChannel, error) {
	channels, ok, err := o.store.Channels(ctx, sid)
	if err != nil {
		return session.ModeratedChannel{}, err
	}
	if !ok {
		return session.ModeratedChannel{}, ErrUnknownChannel
	}
	entry, found := findByID(channels, channelID)
	if !found {
		return session.ModeratedChannel{}, ErrUnknownChannel
	}
	if entry.AlreadyJoined {
		return entry, nil
	}

	if !o.begin(sid, channelID) {
		return entry, nil
	}

	aliasID, err := strconv.Atoi(channelID)
	if err != nil {
		o.finish(sid, channelID)
		return session.ModeratedChannel{}, ErrUnknownChannel
	}

	// Optimistic front-of-list promotion before the call goes out.
	if err := o.store.SaveChannels(ctx, sid, promote(channels, channelID)); err != nil {
		o.finish(sid, channelID)
		return session.ModeratedChannel{}, err
	}

	record, err := o.registry.Join(ctx, aliasID)
	if err != nil {
		// Roll back to idle; the persisted list keeps only the promotion.
		o.finish(sid, channelID)
		return session.ModeratedChannel{}, fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}

	// Reload: other transitions may have rewritten the list meanwhile.
	channels, ok, err = o.store.Channels(ctx, sid)
	o.finish(sid, channelID)
	if err != nil {
		return session.ModeratedChannel{}, err
	}
	if !ok {
		return session.ModeratedChannel{}, ErrUnknownChannel
	}
	for i := range channels {
		if channels[i].ID == channelID {
			// The registry record is authoritative; a rejoin clears an
			// earlier opt-out server-side.
			channels[i].AlreadyJoined = record.Joined()
			if err := o.store.SaveChannels(ctx, sid, channels); err != nil {
				return session.ModeratedChannel{}, err
			}
			return channels[i], nil
		}
	}
	return session.ModeratedChannel{}, ErrUnknownChannel
}

// Forget drops the session's in-flight table, e.g. on logout.
func (o *Orchestrator) Forget(sid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, sid)
}

// begin marks the channel in flight; false means a join is already pending.
func (o *Orchestrator) begin(sid, channelID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	pending, ok := o.inFlight[sid]
	if !ok {
		pending = make(map[string]struct{})
		o.inFlight[sid] = pending
	}
	if _, exists := pending[channelID]; exists {
		return false
	}
	pending[channelID] = struct{}{}
	return true
}

func (o *Orchestrator) finish(sid, channelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight[sid], channelID)
	if len(o.inFlight[sid]) == 0 {
		delete(o.inFlight, sid)
	}
}

func findByID(channels []session.ModeratedChannel, id string) (session.ModeratedChannel, bool) {
	for _, channel := range channels {
		if channel.ID == id {
			return channel, true
		}
	}
	return session.ModeratedChannel{}, false
}

// promote moves the entry with the given id to the front, preserving the
// relative order of everything else.
func promote(channels []session.ModeratedChannel, id string) []session.ModeratedChannel {
	promoted := make([]session.ModeratedChannel, 0, len(channels))
	for _, channel := range channels {
		if channel.ID == id {
			promoted = append([]session.ModeratedChannel{channel}, promoted...)
			continue
		}
		promoted = append(promoted, channel)
	}
	return promoted
}
