// Package engine ties the feed, dedup, profile cache, and fair queue store
// together: it is the single place redemption events and admin commands are
// applied to the queue.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/pointqueue/internal/storage"
	"github.com/user/pointqueue/internal/twitch"
	"github.com/user/pointqueue/pkg/logger"
)

// TokenSource supplies a currently valid access token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// ProfileFetcher looks up a user profile on Helix.
type ProfileFetcher interface {
	GetUser(ctx context.Context, accessToken, userID string) (*twitch.User, error)
}

// Options configures the engine.
type Options struct {
	Queue   *storage.QueueStore
	Dedup   *storage.DedupStore
	Cache   *storage.ProfileCache
	Tokens  TokenSource
	Fetcher ProfileFetcher

	ParticipationWindowSecs int64
	UserCacheTTLSecs        int64
	ServeStaleOnError       bool
	TargetRewardIDs         []string
	CancelRewardID          string
}

// Engine is the queue orchestrator.
type Engine struct {
	queue   *storage.QueueStore
	dedup   *storage.DedupStore
	cache   *storage.ProfileCache
	tokens  TokenSource
	fetcher ProfileFetcher

	windowSecs   int64
	cacheTTLSecs int64
	serveStale   bool
	targets      map[string]bool
	cancelReward string

	now func() int64
}

// New creates a new engine.
func New(opts Options) *Engine {
	targets := make(map[string]bool, len(opts.TargetRewardIDs))
	for _, id := range opts.TargetRewardIDs {
		targets[id] = true
	}
	return &Engine{
		queue:        opts.Queue,
		dedup:        opts.Dedup,
		cache:        opts.Cache,
		tokens:       opts.Tokens,
		fetcher:      opts.Fetcher,
		windowSecs:   opts.ParticipationWindowSecs,
		cacheTTLSecs: opts.UserCacheTTLSecs,
		serveStale:   opts.ServeStaleOnError,
		targets:      targets,
		cancelReward: opts.CancelRewardID,
		now:          func() int64 { return time.Now().Unix() },
	}
}

// HandleMessage processes one EventSub envelope. Duplicate message ids
// short-circuit before any profile lookup or queue mutation.
func (e *Engine) HandleMessage(ctx context.Context, env *twitch.Envelope) error {
	if env.Metadata.MessageType != twitch.MessageTypeNotification {
		return nil
	}
	if env.Metadata.SubscriptionType != twitch.SubTypeRedemptionAdd {
		return nil
	}

	admitted, err := e.dedup.Admit(env.Metadata.MessageID, e.now())
	if err != nil {
		return fmt.Errorf("dedup check failed: %w", err)
	}
	if !admitted {
		logger.Debug().Str("message_id", env.Metadata.MessageID).Msg("Duplicate notification ignored")
		return nil
	}

	var payload twitch.NotificationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("failed to parse notification payload: %w", err)
	}
	event := payload.Event

	if e.cancelReward != "" && event.Reward.ID == e.cancelReward {
		removed, err := e.queue.RemoveByUser(event.UserID)
		if err != nil {
			return fmt.Errorf("failed to cancel by redemption: %w", err)
		}
		if removed {
			logger.Info().Str("user_login", event.UserLogin).Msg("Removed user via cancel reward")
		}
		return nil
	}

	if !e.targets[event.Reward.ID] {
		logger.Debug().Str("reward_id", event.Reward.ID).Str("title", event.Reward.Title).Msg("Non-target reward ignored")
		return nil
	}

	// Skip the profile lookup entirely when the user is already waiting.
	queued, err := e.queue.IsQueued(event.UserID)
	if err != nil {
		return err
	}
	if queued {
		logger.Info().Str("user_login", event.UserLogin).Msg("Already queued; redemption ignored")
		return nil
	}

	profile, err := e.ResolveProfile(ctx, event.UserID)
	if err != nil {
		return err
	}

	item, err := e.queue.Enqueue(e.windowSecs, storage.NewQueueUser{
		UserID:      profile.UserID,
		UserLogin:   profile.UserLogin,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	})
	if err == storage.ErrAlreadyQueued {
		logger.Info().Str("user_login", event.UserLogin).Msg("Already queued; redemption ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	logger.Info().
		Str("user_login", profile.UserLogin).
		Str("queue_id", item.ID).
		Int64("position", item.Position).
		Msg("Enqueued user")
	return nil
}

// ResolveProfile returns the user's profile, serving from cache while it is
// fresher than the TTL. A TTL of 0 forces a live fetch every call. When the
// live lookup fails and a cached entry exists, the stale entry is served if
// the serve-stale policy is enabled.
func (e *Engine) ResolveProfile(ctx context.Context, userID string) (*storage.CachedProfile, error) {
	now := e.now()

	cached, err := e.cache.Get(userID)
	if err != nil {
		return nil, err
	}
	if cached != nil && e.cacheTTLSecs > 0 && now-cached.UpdatedAt < e.cacheTTLSecs {
		return cached, nil
	}

	var fetchErr error
	token, err := e.tokens.AccessToken(ctx)
	if err != nil {
		fetchErr = err
	} else {
		user, err := e.fetcher.GetUser(ctx, token, userID)
		if err != nil {
			fetchErr = err
		} else {
			profile := &storage.CachedProfile{
				UserID:      user.ID,
				UserLogin:   user.Login,
				DisplayName: user.DisplayName,
				AvatarURL:   user.ProfileImageURL,
				UpdatedAt:   now,
			}
			if err := e.cache.Put(*profile); err != nil {
				// Cache write is best-effort; the enqueue must not block on it.
				logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to update profile cache")
			}
			return profile, nil
		}
	}

	if cached != nil && e.serveStale {
		logger.Warn().Err(fetchErr).Str("user_id", userID).Msg("Profile lookup failed; serving stale cache entry")
		return cached, nil
	}
	return nil, fmt.Errorf("failed to resolve profile for user %s: %w", userID, fetchErr)
}

// Snapshot returns the current queue in order with fairness counts.
func (e *Engine) Snapshot() ([]storage.QueueEntry, error) {
	return e.queue.List(e.windowSecs)
}

// Delete removes an active queue item as completed or canceled.
func (e *Engine) Delete(id string, mode storage.DeleteMode) error {
	return e.queue.Delete(id, mode)
}

// MoveUp moves an item one position toward the front.
func (e *Engine) MoveUp(id string) error {
	return e.queue.MoveUp(id)
}

// MoveDown moves an item one position toward the back.
func (e *Engine) MoveDown(id string) error {
	return e.queue.MoveDown(id)
}
