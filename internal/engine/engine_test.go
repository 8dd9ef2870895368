package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pointqueue/internal/storage"
	"github.com/user/pointqueue/internal/twitch"
	"github.com/user/pointqueue/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error", "")
	os.Exit(m.Run())
}

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) AccessToken(ctx context.Context) (string, error) {
	return f.token, f.err
}

type fakeFetcher struct {
	users map[string]*twitch.User
	err   error
	calls int
}

func (f *fakeFetcher) GetUser(ctx context.Context, accessToken, userID string) (*twitch.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	user, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("unknown user %s", userID)
	}
	return user, nil
}

func helixUser(id string) *twitch.User {
	return &twitch.User{
		ID:              id,
		Login:           "login_" + id,
		DisplayName:     "User " + id,
		ProfileImageURL: "https://cdn.example/" + id + ".png",
	}
}

type testRig struct {
	engine  *Engine
	fetcher *fakeFetcher
	queue   *storage.QueueStore
	cache   *storage.ProfileCache
}

func newTestRig(t *testing.T, mutate func(*Options)) *testRig {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fetcher := &fakeFetcher{users: map[string]*twitch.User{
		"u1": helixUser("u1"),
		"u2": helixUser("u2"),
	}}
	opts := Options{
		Queue:                   storage.NewQueueStore(db),
		Dedup:                   storage.NewDedupStore(db),
		Cache:                   storage.NewProfileCache(db),
		Tokens:                  &fakeTokens{token: "tok"},
		Fetcher:                 fetcher,
		ParticipationWindowSecs: 86400,
		UserCacheTTLSecs:        3600,
		ServeStaleOnError:       true,
		TargetRewardIDs:         []string{"reward-target"},
		CancelRewardID:          "reward-cancel",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &testRig{
		engine:  New(opts),
		fetcher: fetcher,
		queue:   opts.Queue,
		cache:   opts.Cache,
	}
}

func redemption(t *testing.T, messageID, userID, rewardID string) *twitch.Envelope {
	t.Helper()
	payload, err := json.Marshal(twitch.NotificationPayload{
		Event: twitch.RedemptionEvent{
			UserID:    userID,
			UserLogin: "login_" + userID,
			UserName:  "User " + userID,
			Reward:    twitch.RewardRef{ID: rewardID, Title: "Join", Cost: 100},
		},
	})
	require.NoError(t, err)
	return &twitch.Envelope{
		Metadata: twitch.Metadata{
			MessageID:        messageID,
			MessageType:      twitch.MessageTypeNotification,
			SubscriptionType: twitch.SubTypeRedemptionAdd,
		},
		Payload: payload,
	}
}

func TestRedemptionEnqueues(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	require.NoError(t, rig.engine.HandleMessage(ctx, redemption(t, "m1", "u1", "reward-target")))

	entries, err := rig.engine.Snapshot()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "login_u1", entries[0].UserLogin)
	assert.Equal(t, "https://cdn.example/u1.png", entries[0].AvatarURL)
}

func TestDuplicateMessageShortCircuits(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, rig.engine.HandleMessage(ctx, redemption(t, "m1", "u1", "reward-target")))
	}

	entries, err := rig.engine.Snapshot()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	// The duplicate deliveries never reached Helix.
	assert.Equal(t, 1, rig.fetcher.calls)
}

func TestRepeatRedemptionDoesNotDuplicateUser(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	require.NoError(t, rig.engine.HandleMessage(ctx, redemption(t, "m1", "u1", "reward-target")))
	require.NoError(t, rig.engine.HandleMessage(ctx, redemption(t, "m2", "u1", "reward-target")))

	entries, err := rig.engine.Snapshot()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	// Second redemption is detected before the profile lookup.
	assert.Equal(t, 1, rig.fetcher.calls)
}

func TestNonTargetRewardIgnored(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	require.NoError(t, rig.engine.HandleMessage(ctx, redemption(t, "m1", "u1", "reward-other")))

	entries, err := rig.engine.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, rig.fetcher.calls)
}

func TestCancelRewardRemovesWithoutParticipation(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	require.NoError(t, rig.engine.HandleMessage(ctx, redemption(t, "m1", "u1", "reward-target")))
	require.NoError(t, rig.engine.HandleMessage(ctx, redemption(t, "m2", "u1", "reward-cancel")))

	entries, err := rig.engine.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Canceling gained no fairness credit.
	require.NoError(t, rig.engine.HandleMessage(ctx, redemption(t, "m3", "u1", "reward-target")))
	entries, err = rig.engine.Snapshot()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(0), entries[0].RecentParticipationCount)
}

func TestNonNotificationMessagesIgnored(t *testing.T) {
	rig := newTestRig(t, nil)
	env := redemption(t, "m1", "u1", "reward-target")
	env.Metadata.MessageType = twitch.MessageTypeKeepalive

	require.NoError(t, rig.engine.HandleMessage(context.Background(), env))
	entries, err := rig.engine.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolveProfileUsesFreshCache(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.engine.now = func() int64 { return 1000 }
	require.NoError(t, rig.cache.Put(storage.CachedProfile{
		UserID: "u1", UserLogin: "cached", DisplayName: "Cached", UpdatedAt: 900,
	}))

	profile, err := rig.engine.ResolveProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cached", profile.UserLogin)
	assert.Zero(t, rig.fetcher.calls)
}

func TestResolveProfileRefreshesStaleCache(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.engine.now = func() int64 { return 10000 }
	require.NoError(t, rig.cache.Put(storage.CachedProfile{
		UserID: "u1", UserLogin: "cached", DisplayName: "Cached", UpdatedAt: 100,
	}))

	profile, err := rig.engine.ResolveProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "login_u1", profile.UserLogin)
	assert.Equal(t, 1, rig.fetcher.calls)

	// The fetch refreshed the cache row.
	cached, err := rig.cache.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "login_u1", cached.UserLogin)
	assert.Equal(t, int64(10000), cached.UpdatedAt)
}

func TestResolveProfileTTLZeroAlwaysFetches(t *testing.T) {
	rig := newTestRig(t, func(o *Options) { o.UserCacheTTLSecs = 0 })
	rig.engine.now = func() int64 { return 1000 }
	require.NoError(t, rig.cache.Put(storage.CachedProfile{
		UserID: "u1", UserLogin: "cached", DisplayName: "Cached", UpdatedAt: 999,
	}))

	profile, err := rig.engine.ResolveProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "login_u1", profile.UserLogin)
	assert.Equal(t, 1, rig.fetcher.calls)
}

func TestResolveProfileServesStaleOnError(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.engine.now = func() int64 { return 10000 }
	rig.fetcher.err = fmt.Errorf("helix is down")
	require.NoError(t, rig.cache.Put(storage.CachedProfile{
		UserID: "u1", UserLogin: "stale", DisplayName: "Stale", UpdatedAt: 100,
	}))

	profile, err := rig.engine.ResolveProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "stale", profile.UserLogin)
}

func TestResolveProfileStalePolicyDisabled(t *testing.T) {
	rig := newTestRig(t, func(o *Options) { o.ServeStaleOnError = false })
	rig.engine.now = func() int64 { return 10000 }
	rig.fetcher.err = fmt.Errorf("helix is down")
	require.NoError(t, rig.cache.Put(storage.CachedProfile{
		UserID: "u1", UserLogin: "stale", DisplayName: "Stale", UpdatedAt: 100,
	}))

	_, err := rig.engine.ResolveProfile(context.Background(), "u1")
	assert.Error(t, err)
}

func TestResolveProfileFailsWithoutCacheFallback(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.fetcher.err = fmt.Errorf("helix is down")

	_, err := rig.engine.ResolveProfile(context.Background(), "u9")
	assert.Error(t, err)
}

func TestProfileFailureAbortsEnqueueOnly(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.fetcher.err = fmt.Errorf("helix is down")
	ctx := context.Background()

	assert.Error(t, rig.engine.HandleMessage(ctx, redemption(t, "m1", "u1", "reward-target")))
	entries, err := rig.engine.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// A later event for a resolvable user still goes through.
	rig.fetcher.err = nil
	require.NoError(t, rig.engine.HandleMessage(ctx, redemption(t, "m2", "u2", "reward-target")))
	entries, err = rig.engine.Snapshot()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
