// Package reconcile computes which channels a session's identity may
// administer by intersecting the identity provider's moderation
// relationships with the bot registry's channel list, and merges registry
// event records with provider user records.
package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"teabot/api/internal/helix"
	"teabot/api/internal/registry"
	"teabot/api/internal/session"
)

// IdentitySource is the slice of the identity provider the engine needs.
type IdentitySource interface {
	ModeratedChannels(ctx context.Context, cred helix.Credential, userID string) ([]helix.ModeratedRef, error)
	UsersByID(ctx context.Context, cred helix.Credential, ids []string) ([]helix.Identity, error)
}

// RegistrySource is the slice of the bot registry the engine needs.
type RegistrySource interface {
	Channels(ctx context.Context) ([]registry.Channel, error)
}

// Event is a registry event with its target identity resolved, when the
// event has one.
type Event struct {
	registry.Event
	ResolvedUser *helix.Identity `json:"resolved_user"`
}

type Engine struct {
	identity IdentitySource
	registry RegistrySource
}

func New(identity IdentitySource, registry RegistrySource) *Engine {
	return &Engine{identity: identity, registry: registry}
}

// BuildChannelList produces the authorized moderated-channel list for the
// caller. Any provider failure aborts the whole build; no partial list is
// ever returned.
//
// Moderating nothing is a short-circuit: the list is just the caller and no
// registry or bulk-lookup call is made.
func (e *Engine) BuildChannelList(ctx context.Context, cred helix.Credential, caller helix.Identity) ([]session.ModeratedChannel, error) {
	refs, err := e.identity.ModeratedChannels(ctx, cred, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch moderated channels: %w", err)
	}
	if len(refs) == 0 {
		return []session.ModeratedChannel{asModerated(caller, false)}, nil
	}

	registryChannels, err := e.registry.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch registry channels: %w", err)
	}
	joined := joinedByAliasID(registryChannels)

	// Intersect: keep only broadcasters the bot also serves. Provider ids
	// are strings, registry alias ids are numeric; comparison is exact and
	// numeric.
	ids := make([]string, 0, len(refs)+1)
	seen := make(map[string]struct{}, len(refs)+1)
	for _, ref := range refs {
		aliasID, err := strconv.Atoi(ref.BroadcasterID)
		if err != nil {
			continue
		}
		if _, ok := joined[aliasID]; !ok {
			continue
		}
		if _, dup := seen[ref.BroadcasterID]; dup {
			continue
		}
		seen[ref.BroadcasterID] = struct{}{}
		ids = append(ids, ref.BroadcasterID)
	}
	if _, dup := seen[caller.ID]; !dup {
		ids = append(ids, caller.ID)
	}

	profiles, err := e.identity.UsersByID(ctx, cred, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve profiles: %w", err)
	}

	channels := make([]session.ModeratedChannel, 0, len(profiles)+1)
	callerPresent := false
	for _, profile := range profiles {
		if profile.ID == caller.ID {
			callerPresent = true
		}
		channels = append(channels, asModerated(profile, isJoined(joined, profile.ID)))
	}
	if !callerPresent {
		channels = append(channels, asModerated(caller, isJoined(joined, caller.ID)))
	}
	return channels, nil
}

// ResolveEventUsers fills in events' target identities with one batched
// lookup. Events without a target are never sent to resolution; targets the
// provider does not know stay unresolved.
func (e *Engine) ResolveEventUsers(ctx context.Context, cred helix.Credential, events []registry.Event) ([]Event, error) {
	ids := make([]string, 0, len(events))
	seen := make(map[int]struct{}, len(events))
	for _, event := range events {
		if event.TargetAliasID == nil {
			continue
		}
		if _, dup := seen[*event.TargetAliasID]; dup {
			continue
		}
		seen[*event.TargetAliasID] = struct{}{}
		ids = append(ids, strconv.Itoa(*event.TargetAliasID))
	}

	users := make(map[string]helix.Identity, len(ids))
	if len(ids) > 0 {
		profiles, err := e.identity.UsersByID(ctx, cred, ids)
		if err != nil {
			return nil, fmt.Errorf("resolve event users: %w", err)
		}
		for _, profile := range profiles {
			users[profile.ID] = profile
		}
	}

	resolved := make([]Event, 0, len(events))
	for _, event := range events {
		entry := Event{Event: event}
		if event.TargetAliasID != nil {
			if user, ok := users[strconv.Itoa(*event.TargetAliasID)]; ok {
				entry.ResolvedUser = &user
			}
		}
		resolved = append(resolved, entry)
	}
	return resolved, nil
}

func asModerated(identity helix.Identity, joined bool) session.ModeratedChannel {
	return session.ModeratedChannel{
		ID:            identity.ID,
		Login:         identity.Login,
		AvatarURL:     identity.AvatarURL,
		AlreadyJoined: joined,
	}
}

// joinedByAliasID maps alias id to "currently joined" under the opt-out
// rule: present with a non-null opt-out timestamp does not count.
func joinedByAliasID(channels []registry.Channel) map[int]bool {
	joined := make(map[int]bool, len(channels))
	for _, channel := range channels {
		joined[channel.AliasID] = channel.Joined()
	}
	return joined
}

func isJoined(joined map[int]bool, id string) bool {
	aliasID, err := strconv.Atoi(id)
	if err != nil {
		return false
	}
	return joined[aliasID]
}
