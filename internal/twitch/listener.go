package twitch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/pointqueue/pkg/logger"
)

const (
	eventsubWSURL = "wss://eventsub.wss.twitch.tv/ws"

	// Reconnect backoff ceiling. Hitting it raises an operator alert but
	// retries continue at this interval.
	maxBackoff = time.Minute
)

// State is the connection state of the EventSub listener.
type State int32

// Listener connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	default:
		return "disconnected"
	}
}

// Handler consumes decoded EventSub envelopes.
type Handler interface {
	HandleMessage(ctx context.Context, env *Envelope) error
}

// TokenSource supplies a currently valid access token.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// BroadcasterStore persists the identity of the authorized broadcaster.
type BroadcasterStore interface {
	Broadcaster() (id, login string, err error)
	SetBroadcaster(id, login string) error
}

// Alerter receives operator-visible escalations.
type Alerter interface {
	ReconnectExhausted(err error)
	SubscriptionError(err error)
}

// Listener maintains the EventSub websocket connection and the redemption
// subscriptions on it, delivering notifications to the handler.
type Listener struct {
	client       *Client
	tokens       TokenSource
	broadcasters BroadcasterStore
	handler      Handler
	alerts       Alerter

	rewardIDs      []string
	cancelRewardID string

	wsURL         string
	needSubscribe bool
	state         atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a new EventSub listener.
func NewListener(client *Client, tokens TokenSource, broadcasters BroadcasterStore, handler Handler, alerts Alerter, rewardIDs []string, cancelRewardID string) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		client:         client,
		tokens:         tokens,
		broadcasters:   broadcasters,
		handler:        handler,
		alerts:         alerts,
		rewardIDs:      rewardIDs,
		cancelRewardID: cancelRewardID,
		wsURL:          eventsubWSURL,
		needSubscribe:  true,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins the connection loop. With no target reward ids the listener
// stays disconnected and the queue serves manual admin operations only; a
// cancel reward alone cannot enqueue anyone, so it does not enable the feed.
func (l *Listener) Start() {
	if len(l.rewardIDs) == 0 {
		logger.Info().Msg("No target reward ids configured; EventSub feed disabled")
		return
	}
	l.wg.Add(1)
	go l.run()
	logger.Info().Int("rewards", len(l.rewardIDs)).Msg("EventSub listener started")
}

// Stop gracefully stops the listener.
func (l *Listener) Stop() {
	l.cancel()
	l.wg.Wait()
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Listener) run() {
	defer l.wg.Done()
	defer l.setState(StateDisconnected)

	backoff := time.Second
	alerted := false

	for l.ctx.Err() == nil {
		token, err := l.tokens.AccessToken(l.ctx)
		if err != nil {
			// No credential means no feed; admin ops keep working.
			logger.Warn().Err(err).Msg("EventSub feed waiting for authentication")
			if !l.sleep(5 * time.Second) {
				return
			}
			continue
		}

		broadcasterID, err := l.ensureBroadcaster(token)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to resolve broadcaster")
			if !l.sleep(5 * time.Second) {
				return
			}
			continue
		}

		l.setState(StateConnecting)
		logger.Info().Str("url", l.wsURL).Msg("Connecting to EventSub websocket")

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(l.ctx, l.wsURL, nil)
		if err != nil {
			l.setState(StateDisconnected)
			logger.Warn().Err(err).Msg("Failed to connect EventSub websocket")
			if backoff >= maxBackoff && !alerted {
				l.alerts.ReconnectExhausted(err)
				alerted = true
			}
			if !l.sleep(backoff) {
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		reconnectURL, wasLive := l.readLoop(conn, token, broadcasterID)
		conn.Close()
		l.setState(StateDisconnected)

		if l.ctx.Err() != nil {
			return
		}

		if reconnectURL != "" {
			// Subscriptions migrate with the session; do not recreate them.
			l.wsURL = reconnectURL
		} else {
			l.wsURL = eventsubWSURL
			l.needSubscribe = true
		}

		if wasLive {
			backoff = time.Second
			alerted = false
		}

		if !l.sleep(2 * time.Second) {
			return
		}
	}
}

// readLoop consumes one websocket session. It returns the reconnect URL if
// the session ended with a session_reconnect message, and whether the
// session ever reached the live state.
func (l *Listener) readLoop(conn *websocket.Conn, token, broadcasterID string) (reconnectURL string, wasLive bool) {
	// Unblock ReadMessage when the listener stops.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-l.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() == nil {
				logger.Warn().Err(err).Msg("EventSub websocket read error")
			}
			return "", wasLive
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug().Err(err).Msg("Failed to parse EventSub frame")
			continue
		}

		switch env.Metadata.MessageType {
		case MessageTypeWelcome:
			var payload SessionPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				logger.Warn().Err(err).Msg("Failed to parse session welcome")
				return "", wasLive
			}
			logger.Info().Str("session_id", payload.Session.ID).Msg("EventSub session established")

			if l.needSubscribe {
				l.setState(StateSubscribing)
				if err := l.subscribeAll(token, payload.Session.ID, broadcasterID); err != nil {
					logger.Warn().Err(err).Msg("Failed to create EventSub subscription")
					l.alerts.SubscriptionError(err)
				} else {
					l.needSubscribe = false
					// Reap after subscribing so the 10s subscribe window
					// is never at risk.
					l.wg.Add(1)
					go l.reapStale(token, broadcasterID)
				}
			}
			l.setState(StateLive)
			wasLive = true

		case MessageTypeKeepalive:
			// nothing

		case MessageTypeNotification:
			ctx, cancel := context.WithTimeout(l.ctx, 30*time.Second)
			if err := l.handler.HandleMessage(ctx, &env); err != nil {
				logger.Error().Err(err).Str("message_id", env.Metadata.MessageID).Msg("Failed to handle notification")
			}
			cancel()

		case MessageTypeReconnect:
			var payload SessionPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Session.ReconnectURL == "" {
				logger.Warn().Err(err).Msg("session_reconnect without usable reconnect_url")
				return "", wasLive
			}
			logger.Info().Str("url", payload.Session.ReconnectURL).Msg("EventSub session reconnect requested")
			return payload.Session.ReconnectURL, wasLive

		case MessageTypeRevocation:
			logger.Warn().Msg("EventSub subscription revoked; re-authorization may be required")
			l.needSubscribe = true

		default:
			logger.Debug().Str("message_type", env.Metadata.MessageType).Msg("Unhandled EventSub message")
		}
	}
}

// subscribeAll ensures one redemption subscription per configured reward id
// plus the cancel reward id.
func (l *Listener) subscribeAll(token, sessionID, broadcasterID string) error {
	ids := make([]string, 0, len(l.rewardIDs)+1)
	seen := make(map[string]bool)
	for _, id := range l.rewardIDs {
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	if l.cancelRewardID != "" && !seen[l.cancelRewardID] {
		ids = append(ids, l.cancelRewardID)
	}

	for _, rewardID := range ids {
		ctx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
		err := l.client.CreateRedemptionSubscription(ctx, token, sessionID, broadcasterID, rewardID)
		cancel()
		if err != nil {
			return err
		}
		logger.Info().Str("reward_id", rewardID).Msg("Created redemption subscription")
	}
	return nil
}

// reapStale best-effort deletes websocket redemption subscriptions for this
// broadcaster that are no longer enabled. Leftovers from prior runs cost
// quota; failures here are logged and swallowed.
func (l *Listener) reapStale(token, broadcasterID string) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(l.ctx, 30*time.Second)
	defer cancel()

	subs, err := l.client.ListRedemptionSubscriptions(ctx, token)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list EventSub subscriptions for cleanup")
		return
	}

	deleted := 0
	for _, sub := range subs {
		if sub.Type != SubTypeRedemptionAdd || sub.Transport.Method != "websocket" {
			continue
		}
		if bid, _ := sub.Condition["broadcaster_user_id"].(string); bid != broadcasterID {
			continue
		}
		if sub.Status == "enabled" {
			continue
		}

		if err := l.client.DeleteSubscription(ctx, token, sub.ID); err != nil {
			logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Failed to delete stale subscription")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		logger.Info().Int("deleted", deleted).Msg("Cleaned stale EventSub subscriptions")
	}
}

func (l *Listener) ensureBroadcaster(token string) (string, error) {
	id, _, err := l.broadcasters.Broadcaster()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	ctx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
	defer cancel()

	me, err := l.client.GetSelf(ctx, token)
	if err != nil {
		return "", err
	}
	if err := l.broadcasters.SetBroadcaster(me.ID, me.Login); err != nil {
		return "", err
	}
	logger.Info().Str("broadcaster_id", me.ID).Str("broadcaster_login", me.Login).Msg("Resolved broadcaster")
	return me.ID, nil
}

// sleep waits for the duration or until the listener stops. Reports false
// when stopping.
func (l *Listener) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
