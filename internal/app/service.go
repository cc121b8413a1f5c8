// Package app wires the session gate, reconciliation, selection and join
// workflows behind the HTTP surface.
package app

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"teabot/api/internal/auth"
	"teabot/api/internal/config"
	"teabot/api/internal/helix"
	"teabot/api/internal/join"
	"teabot/api/internal/reconcile"
	"teabot/api/internal/registry"
	"teabot/api/internal/session"
)

// loginScopes are requested on every authorize redirect; moderated_channels
// is what reconciliation runs on.
var loginScopes = []string{"user:read:moderated_channels"}

// IdentityProvider is the identity/OAuth collaborator as the service sees it.
type IdentityProvider interface {
	AuthorizeURL(state string, scopes []string) string
	Exchange(ctx context.Context, code string) (helix.Credential, error)
	CurrentUser(ctx context.Context, cred helix.Credential) (helix.Identity, error)
	ModeratedChannels(ctx context.Context, cred helix.Credential, userID string) ([]helix.ModeratedRef, error)
	UsersByID(ctx context.Context, cred helix.Credential, ids []string) ([]helix.Identity, error)
}

// RegistryService is the bot-registry collaborator as the service sees it.
type RegistryService interface {
	Channels(ctx context.Context) ([]registry.Channel, error)
	ChannelsByAliasID(ctx context.Context, aliasIDs []int) ([]registry.Channel, error)
	ChannelEvents(ctx context.Context, aliasID int) ([]registry.Event, error)
	Join(ctx context.Context, aliasID int) (registry.Channel, error)
}

// Session is an established session as handlers consume it.
type Session struct {
	SID        string
	Credential helix.Credential
	Identity   helix.Identity
}

// ChannelView is a moderated channel plus its transient join flag.
type ChannelView struct {
	session.ModeratedChannel
	InProcess bool `json:"is_in_process"`
}

type ChannelListView struct {
	Channels      []ChannelView `json:"channels"`
	SelectedIndex int           `json:"selected_index"`
}

type DashboardView struct {
	Channel         ChannelView       `json:"channel"`
	RegistryChannel *registry.Channel `json:"registry_channel"`
	Events          []reconcile.Event `json:"events"`
}

type CallbackResult struct {
	Ticket    string         `json:"ticket"`
	ExpiresAt time.Time      `json:"expires_at"`
	Identity  helix.Identity `json:"identity"`
}

type Service struct {
	cfg      config.Config
	store    *session.Store
	identity IdentityProvider
	registry RegistryService
	engine   *reconcile.Engine
	joins    *join.Orchestrator
	watcher  *session.Watcher
}

func New(cfg config.Config, store *session.Store, identity IdentityProvider, reg RegistryService) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		identity: identity,
		registry: reg,
		engine:   reconcile.New(identity, reg),
		joins:    join.New(reg, store),
		watcher:  session.NewWatcher(store, cfg.PollInterval),
	}
}

// LoginURL mints a single-use state nonce and returns the provider
// authorize URL for it.
func (s *Service) LoginURL(ctx context.Context) (string, error) {
	state := uuid.NewString()
	if err := s.store.SaveAuthState(ctx, state, s.cfg.StateTTL); err != nil {
		return "", err
	}
	return s.identity.AuthorizeURL(state, loginScopes), nil
}

// Callback finishes the OAuth round trip: consumes the state nonce,
// exchanges the code, establishes the session and issues its ticket.
func (s *Service) Callback(ctx context.Context, code, state string) (CallbackResult, error) {
	ok, err := s.store.ConsumeAuthState(ctx, state)
	if err != nil {
		return CallbackResult{}, err
	}
	if !ok {
		return CallbackResult{}, domainError(400, "INVALID_STATE", "Unknown or already used state", nil)
	}

	cred, err := s.identity.Exchange(ctx, code)
	if err != nil {
		return CallbackResult{}, err
	}
	me, err := s.identity.CurrentUser(ctx, cred)
	if err != nil {
		return CallbackResult{}, err
	}

	sid := uuid.NewString()
	if err := s.store.CreateSession(ctx, sid, cred); err != nil {
		return CallbackResult{}, err
	}
	if err := s.store.SaveIdentity(ctx, sid, me); err != nil {
		return CallbackResult{}, err
	}

	ticket, err := auth.IssueTicket([]byte(s.cfg.TicketSecret), auth.Ticket{
		SID: sid,
		Exp: cred.ExpiresAt.Unix(),
	})
	if err != nil {
		return CallbackResult{}, err
	}
	return CallbackResult{Ticket: ticket, ExpiresAt: cred.ExpiresAt, Identity: me}, nil
}

// SessionFromTicket is the first half of the session gate: ticket →
// credential → identity. The identity is fetched once per session and
// cached; a provider failure here is an auth failure, not retried.
func (s *Service) SessionFromTicket(ctx context.Context, ticket string) (Session, error) {
	parsed, err := auth.ParseTicket([]byte(s.cfg.TicketSecret), ticket)
	if err != nil {
		return Session{}, err
	}
	cred, err := s.store.Credential(ctx, parsed.SID)
	if err != nil {
		return Session{}, err
	}

	identity, cached, err := s.store.Identity(ctx, parsed.SID)
	if err != nil {
		return Session{}, err
	}
	if !cached {
		identity, err = s.identity.CurrentUser(ctx, cred)
		if err != nil {
			return Session{}, domainError(401, "UNAUTHORIZED", "Identity could not be established", loginDetails())
		}
		if err := s.store.SaveIdentity(ctx, parsed.SID, identity); err != nil {
			return Session{}, err
		}
	}
	return Session{SID: parsed.SID, Credential: cred, Identity: identity}, nil
}

// ChannelList is the second half of the gate plus the read: it establishes
// the moderated-channel list on first use and passes through untouched
// afterwards. The store presence check is the short-circuit that makes
// running this on every request cheap.
func (s *Service) ChannelList(ctx context.Context, sess Session) (ChannelListView, error) {
	channels, index, err := s.ensureSelection(ctx, sess)
	if err != nil {
		return ChannelListView{}, err
	}
	return ChannelListView{
		Channels:      s.withFlags(sess.SID, channels),
		SelectedIndex: index,
	}, nil
}

// SelectChannel writes the selected index. Writes are last-writer-wins;
// other surfaces observe the change on their next poll tick.
func (s *Service) SelectChannel(ctx context.Context, sess Session, index int) error {
	channels, _, err := s.ensureSelection(ctx, sess)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(channels) {
		return domainError(422, "VALIDATION_ERROR", "index out of range", map[string]any{"max": len(channels) - 1})
	}
	return s.store.SetSelectedIndex(ctx, sess.SID, index)
}

// AwaitSelection blocks until the selected index differs from current, the
// wait window closes, or ctx is done. Selection state is established first,
// so the very first wait after login answers immediately instead of idling
// the whole window.
func (s *Service) AwaitSelection(ctx context.Context, sess Session, current int) (int, bool, error) {
	_, index, err := s.ensureSelection(ctx, sess)
	if err != nil {
		return 0, false, err
	}
	if index != current {
		return index, true, nil
	}
	latest, changed := s.watcher.Await(ctx, sess.SID, current, s.cfg.WaitTimeout)
	return latest, changed, nil
}

// JoinChannel runs the join transition for one channel id.
func (s *Service) JoinChannel(ctx context.Context, sess Session, channelID string) (ChannelView, error) {
	if _, _, err := s.ensureSelection(ctx, sess); err != nil {
		return ChannelView{}, err
	}
	entry, err := s.joins.Join(ctx, sess.SID, channelID)
	if err != nil {
		return ChannelView{}, err
	}
	return ChannelView{
		ModeratedChannel: entry,
		InProcess:        s.joins.InProcess(sess.SID, channelID),
	}, nil
}

// Dashboard reads the selected channel's registry record and events, with
// event targets resolved through one batched identity lookup.
func (s *Service) Dashboard(ctx context.Context, sess Session) (DashboardView, error) {
	channels, index, err := s.ensureSelection(ctx, sess)
	if err != nil {
		return DashboardView{}, err
	}
	if len(channels) == 0 {
		return DashboardView{}, domainError(404, "NOT_FOUND", "No moderated channels", nil)
	}
	selected := channels[index]
	view := DashboardView{
		Channel: ChannelView{
			ModeratedChannel: selected,
			InProcess:        s.joins.InProcess(sess.SID, selected.ID),
		},
	}

	aliasID, err := strconv.Atoi(selected.ID)
	if err != nil {
		return view, nil
	}
	records, err := s.registry.ChannelsByAliasID(ctx, []int{aliasID})
	if err != nil {
		return DashboardView{}, err
	}
	if len(records) == 0 {
		// The bot does not serve this channel; nothing to show yet.
		return view, nil
	}
	view.RegistryChannel = &records[0]

	events, err := s.registry.ChannelEvents(ctx, aliasID)
	if err != nil {
		return DashboardView{}, err
	}
	resolved, err := s.engine.ResolveEventUsers(ctx, sess.Credential, events)
	if err != nil {
		return DashboardView{}, err
	}
	view.Events = resolved
	return view, nil
}

// Logout discards the session and its in-flight join table.
func (s *Service) Logout(ctx context.Context, sess Session) error {
	s.joins.Forget(sess.SID)
	return s.store.Delete(ctx, sess.SID)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ensureSelection loads the moderated-channel list, reconciling it first if
// this session has none yet. A stale out-of-range index clamps to 0. On
// reconciliation failure nothing is persisted.
func (s *Service) ensureSelection(ctx context.Context, sess Session) ([]session.ModeratedChannel, int, error) {
	channels, ok, err := s.store.Channels(ctx, sess.SID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		channels, err = s.engine.BuildChannelList(ctx, sess.Credential, sess.Identity)
		if err != nil {
			return nil, 0, err
		}
		if err := s.store.SaveChannels(ctx, sess.SID, channels); err != nil {
			return nil, 0, err
		}
		if err := s.store.SetSelectedIndex(ctx, sess.SID, 0); err != nil {
			return nil, 0, err
		}
		return channels, 0, nil
	}

	index, set, err := s.store.SelectedIndex(ctx, sess.SID)
	if err != nil {
		return nil, 0, err
	}
	if !set || index < 0 || index >= len(channels) {
		index = 0
	}
	return channels, index, nil
}

func (s *Service) withFlags(sid string, channels []session.ModeratedChannel) []ChannelView {
	views := make([]ChannelView, 0, len(channels))
	for _, channel := range channels {
		views = append(views, ChannelView{
			ModeratedChannel: channel,
			InProcess:        s.joins.InProcess(sid, channel.ID),
		})
	}
	return views
}

func loginDetails() map[string]any {
	return map[string]any{"login": "/api/auth/login"}
}
