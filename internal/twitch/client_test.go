package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient("client-id", "client-secret", "http://localhost/auth/callback")
	c.helixURL = srv.URL
	return c, srv
}

func TestGetUserSendsHeaders(t *testing.T) {
	var gotClientID, gotAuth, gotQuery string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClientID = r.Header.Get("Client-Id")
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []User{{ID: "42", Login: "someone", DisplayName: "Someone", ProfileImageURL: "http://img"}},
		})
	}))
	defer srv.Close()

	user, err := c.GetUser(context.Background(), "tok", "42")
	require.NoError(t, err)
	assert.Equal(t, "someone", user.Login)
	assert.Equal(t, "client-id", gotClientID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "id=42", gotQuery)
}

func TestGetUserEmptyData(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []User{}})
	}))
	defer srv.Close()

	_, err := c.GetSelf(context.Background(), "tok")
	assert.Error(t, err)
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing scope", http.StatusForbidden)
	}))
	defer srv.Close()

	err := c.CreateRedemptionSubscription(context.Background(), "tok", "sess", "123", "reward")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestCreateRedemptionSubscriptionBody(t *testing.T) {
	var body map[string]interface{}
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, c.CreateRedemptionSubscription(context.Background(), "tok", "sess-1", "123", "reward-1"))

	assert.Equal(t, SubTypeRedemptionAdd, body["type"])
	condition := body["condition"].(map[string]interface{})
	assert.Equal(t, "123", condition["broadcaster_user_id"])
	assert.Equal(t, "reward-1", condition["reward_id"])
	transport := body["transport"].(map[string]interface{})
	assert.Equal(t, "websocket", transport["method"])
	assert.Equal(t, "sess-1", transport["session_id"])
}

func TestListRedemptionSubscriptionsFollowsPagination(t *testing.T) {
	page := 0
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		resp := map[string]interface{}{
			"data": []Subscription{{ID: "sub-" + r.URL.Query().Get("after"), Type: SubTypeRedemptionAdd}},
		}
		if page == 1 {
			resp["pagination"] = map[string]string{"cursor": "next"}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	subs, err := c.ListRedemptionSubscriptions(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	assert.Equal(t, 2, page)
}

func TestDeleteSubscriptionTolerates404(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.NoError(t, c.DeleteSubscription(context.Background(), "tok", "gone"))
}

func TestAuthCodeURLContainsRegisteredRedirect(t *testing.T) {
	c := NewClient("client-id", "client-secret", "http://localhost:3000/auth/callback")
	url := c.AuthCodeURL("state-123")
	assert.Contains(t, url, "client_id=client-id")
	assert.Contains(t, url, "state=state-123")
	assert.Contains(t, url, "redirect_uri=http%3A%2F%2Flocalhost%3A3000%2Fauth%2Fcallback")
	assert.Contains(t, url, "channel%3Aread%3Aredemptions")
}
