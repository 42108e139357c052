package echoapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestServer(t *testing.T, handler http.HandlerFunc, opts ...Option) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(append([]Option{WithBaseURL(srv.URL)}, opts...)...)
	return srv, c
}

func requireKind(t *testing.T, err error, kind Kind, status int) *Error {
	t.Helper()
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, kind, apiErr.Kind)
	assert.Equal(t, status, apiErr.StatusCode)
	return apiErr
}

func TestGetUser(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantName string
		wantErr  bool
		status   int
	}{
		{
			name: "happy path",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/users/42", r.URL.Path)
				w.Write([]byte(`{"user_id":42,"display_name":"Ada","parental_income":62500}`))
			},
			wantName: "Ada",
		},
		{
			name: "missing user",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantErr: true,
			status:  404,
		},
		{
			name: "server failure still reported as not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr: true,
			status:  500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, tt.handler)
			user, err := c.GetUser(context.Background(), 42)
			if tt.wantErr {
				requireKind(t, err, KindNotFound, tt.status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, user.DisplayName)
			require.NotNil(t, user.ParentalIncome)
			assert.Equal(t, Income(62500), *user.ParentalIncome)
		})
	}
}

func TestUpsertUser_CreateNormalizesIncome(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(-1), body["parental_income"])
		assert.NotContains(t, body, "user_id")

		w.Write([]byte(`{"user_id":9,"display_name":"Ada","parental_income":-1}`))
	})

	user, err := c.UpsertUser(context.Background(), UserProfile{DisplayName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), user.UserID)
	require.NotNil(t, user.ParentalIncome)
	assert.False(t, user.ParentalIncome.Disclosed())
}

func TestUpsertUser_Update(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/users/7", r.URL.Path)
		// Backend echoes without the id.
		w.Write([]byte(`{"display_name":"Grace"}`))
	})

	income := Income(87500)
	user, err := c.UpsertUser(context.Background(), UserProfile{UserID: 7, DisplayName: "Grace", ParentalIncome: &income})
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.UserID)
}

func TestUpsertUser_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   Kind
		retry  bool
	}{
		{"validation", http.StatusUnprocessableEntity, KindValidation, false},
		{"bad request", http.StatusBadRequest, KindValidation, false},
		{"service", http.StatusServiceUnavailable, KindService, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"detail":"nope"}`))
			})
			_, err := c.UpsertUser(context.Background(), UserProfile{UserID: 1})
			apiErr := requireKind(t, err, tt.kind, tt.status)
			assert.Equal(t, tt.retry, apiErr.Retryable())
			assert.Contains(t, apiErr.Body, "nope")
		})
	}
}

// fakeUserBackend stores profiles the way the real backend does.
type fakeUserBackend struct {
	mu    sync.Mutex
	next  int64
	users map[string]json.RawMessage
}

func (b *fakeUserBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/users":
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		b.next++
		p["user_id"] = b.next
		raw, _ := json.Marshal(p)
		b.users[jsonID(b.next)] = raw
		w.Write(raw)
	case r.Method == http.MethodGet:
		raw, ok := b.users[r.URL.Path[len("/users/"):]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(raw)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func jsonID(id int64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}

func TestUpsertThenGet_RoundTrip(t *testing.T) {
	backend := &fakeUserBackend{users: map[string]json.RawMessage{}}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	c := NewClient(WithBaseURL(srv.URL))

	in := UserProfile{
		DisplayName:      "Ada Lovelace",
		BirthDate:        "1815-12-10",
		BirthLocation:    "London",
		PrimaryResidence: "London",
		CurrentLocation:  "Surrey",
		College:          "Home",
		EducationalLevel: "Other",
		Profession:       "Mathematician",
		PrimaryInterest:  "Engines",
		Religion:         "Christianity",
		Race:             "White",
	}

	created, err := c.UpsertUser(context.Background(), in)
	require.NoError(t, err)
	require.NotZero(t, created.UserID)

	got, err := c.GetUser(context.Background(), created.UserID)
	require.NoError(t, err)

	want := in
	want.UserID = created.UserID
	undisclosed := IncomeUndisclosed
	want.ParentalIncome = &undisclosed
	assert.Equal(t, want, *got)
	assert.False(t, got.ParentalIncome.Disclosed())
}

func TestCreateOrder(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/orders", r.URL.Path)
			var req orderRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, int64(42), req.UserID)
			w.Write([]byte(`{"order_id":7,"user_id":42,"amount":9.99}`))
		})
		order, err := c.CreateOrder(context.Background(), 42)
		require.NoError(t, err)
		assert.Equal(t, int64(7), order.OrderID)
		assert.InDelta(t, 9.99, order.Amount, 0.001)
	})

	t.Run("allocation failure", func(t *testing.T) {
		_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})
		_, err := c.CreateOrder(context.Background(), 42)
		requireKind(t, err, KindService, 409)
	})
}

func TestConfirmPayment(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/payments/confirm", r.URL.Path)
			var req paymentRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, paymentRequest{UserID: 42, OrderID: 7}, req)
			w.Write([]byte(`{"session_id":99,"order_id":7,"user_id":42}`))
		})
		sess, err := c.ConfirmPayment(context.Background(), 42, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(99), sess.SessionID)
	})

	t.Run("declined", func(t *testing.T) {
		_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := c.ConfirmPayment(context.Background(), 42, 7)
		apiErr := requireKind(t, err, KindPayment, 502)
		assert.False(t, apiErr.Retryable())
	})
}

func TestGenerateStories(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req StoryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, StoryRequest{UserID: 42, OrderID: 7, SessionID: 99}, req)

		switch r.URL.Path {
		case "/yunsuan":
			w.Write([]byte(`{"story_id":400,"transaction_id":"tx-1","generated_story_text":"draft"}`))
		case "/tuisuan":
			w.Write([]byte(`{"story_id":500,"transaction_id":"tx-2","generated_story_text":"final","wiki_pages":["a","b"],"status":"simulated"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	req := StoryRequest{UserID: 42, OrderID: 7, SessionID: 99}
	draft, err := c.GenerateIntermediateStory(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(400), draft.StoryID)
	assert.Equal(t, "draft", draft.Text)

	final, err := c.GenerateFinalStory(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(500), final.StoryID)
	assert.Equal(t, []string{"a", "b"}, final.WikiPages)
	assert.True(t, final.Simulated())
}

func TestGenerateFinalStory_IgnoresClientTimeout(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		w.Write([]byte(`{"story_id":1,"generated_story_text":"slow"}`))
	}, WithTimeout(10*time.Millisecond))

	story, err := c.GenerateFinalStory(context.Background(), StoryRequest{})
	require.NoError(t, err)
	assert.Equal(t, "slow", story.Text)
}

func TestGenerateFinalStory_CallerDeadline(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GenerateFinalStory(ctx, StoryRequest{})
	apiErr := requireKind(t, err, KindTimeout, 0)
	assert.True(t, apiErr.Retryable())
}

func TestBoundedOperationTimeout(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeout(20*time.Millisecond))

	_, err := c.CreateOrder(context.Background(), 1)
	requireKind(t, err, KindTimeout, 0)
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(WithBaseURL(srv.URL))

	_, err := c.GenerateFinalStory(context.Background(), StoryRequest{})
	apiErr := requireKind(t, err, KindNetwork, 0)
	assert.True(t, apiErr.Retryable())
}

func TestUndecodableBody(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"story_id": "not-json`))
	})
	_, err := c.GenerateFinalStory(context.Background(), StoryRequest{})
	apiErr := requireKind(t, err, KindService, 0)
	assert.True(t, apiErr.Retryable())
}

func TestEmptyBodyDecodesToZeroValue(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	story, err := c.GenerateFinalStory(context.Background(), StoryRequest{})
	require.NoError(t, err)
	assert.Zero(t, story.StoryID)
}

func TestEvents(t *testing.T) {
	date := "2030-01-01"
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/eventprocess":
			var req eventExtractRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, eventExtractRequest{Text: "once upon", StoryID: 500, UserID: 42}, req)
			w.Write([]byte(`[{"user_id":42,"story_id":500,"text":"born","annotated_text":"[born]","event_type":"birth","event_date":null},
				{"user_id":42,"story_id":500,"text":"moon","annotated_text":"[moon]","event_type":"travel","event_date":"2030-01-01"}]`))
		case r.URL.Path == "/event" && r.Method == http.MethodPost:
			var in []ProcessedEvent
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			require.Len(t, in, 2)
			out := make([]PersistedEvent, len(in))
			for i, ev := range in {
				out[i] = PersistedEvent{ProcessedEvent: ev, EventID: int64(i + 1), Coordinates: Coordinates{1, 2, 3}, Future: ev.EventDate != nil}
			}
			json.NewEncoder(w).Encode(out)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	events, err := c.ExtractEvents(context.Background(), "once upon", 500, 42)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].EventDate)
	require.NotNil(t, events[1].EventDate)
	assert.Equal(t, date, *events[1].EventDate)

	stored, err := c.PersistEvents(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, Coordinates{1, 2, 3}, stored[1].Coordinates)
	assert.True(t, stored[1].Future)
	assert.False(t, stored[0].Future)
	assert.Equal(t, "travel", stored[1].EventType)
}

func TestPersistEvents_NilSendsEmptyArray(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.JSONEq(t, `[]`, string(raw))
		w.Write([]byte(`[]`))
	})
	stored, err := c.PersistEvents(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, stored)
	assert.Empty(t, stored)
}

func TestReadQueries(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/history":
			assert.Equal(t, "42", r.URL.Query().Get("user_id"))
			w.Write([]byte(`[{"story_id":1,"generated_story_text":"one"},{"story_id":2,"generated_story_text":"two"}]`))
		case "/story":
			if r.URL.Query().Get("story_id") == "404" {
				w.Write([]byte(`[]`))
				return
			}
			w.Write([]byte(`[{"story_id":2,"generated_story_text":"two"},{"story_id":3}]`))
		case "/event":
			assert.Equal(t, "42", r.URL.Query().Get("user_id"))
			assert.Equal(t, "1,2", r.URL.Query().Get("story_ids"))
			w.Write([]byte(`[{"event_id":5,"coordinates":[0.5,1.5,-2],"future_ind":true}]`))
		}
	})

	ctx := context.Background()
	stories := c.ListStories(ctx, 42)
	require.Len(t, stories, 2)
	assert.Equal(t, "two", stories[1].Text)

	story := c.GetStory(ctx, 2)
	require.NotNil(t, story)
	assert.Equal(t, int64(2), story.StoryID)
	assert.Nil(t, c.GetStory(ctx, 404))

	events := c.ListEvents(ctx, 42, 1, 2)
	require.Len(t, events, 1)
	assert.Equal(t, Coordinates{0.5, 1.5, -2}, events[0].Coordinates)
}

func TestReadQueries_DegradeToEmpty(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	stories := c.ListStories(ctx, 1)
	assert.NotNil(t, stories)
	assert.Empty(t, stories)

	assert.Nil(t, c.GetStory(ctx, 1))

	events := c.ListEvents(ctx, 1, 1)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestRateLimiter(t *testing.T) {
	t.Run("unlimited passes through", func(t *testing.T) {
		_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"order_id":1}`))
		}, WithRateLimiter(rate.NewLimiter(rate.Inf, 1)))
		_, err := c.CreateOrder(context.Background(), 1)
		require.NoError(t, err)
	})

	t.Run("rejected wait surfaces as network error", func(t *testing.T) {
		var calls int
		_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
		}, WithRateLimiter(rate.NewLimiter(1, 0)))
		_, err := c.CreateOrder(context.Background(), 1)
		requireKind(t, err, KindNetwork, 0)
		assert.Zero(t, calls)
	})
}

func TestIncomeUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Income
		err  bool
	}{
		{`62500`, 62500, false},
		{`"87500"`, 87500, false},
		{`-1`, IncomeUndisclosed, false},
		{`""`, IncomeUndisclosed, false},
		{`"lots"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var i Income
			err := json.Unmarshal([]byte(tt.in), &i)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, i)
		})
	}
}

func TestIsKind(t *testing.T) {
	err := &Error{Kind: KindPayment, Op: "confirm payment", StatusCode: 402}
	assert.True(t, IsKind(err, KindPayment))
	assert.False(t, IsKind(err, KindService))
	assert.False(t, IsKind(context.Canceled, KindPayment))
	assert.Contains(t, err.Error(), "HTTP 402")
}
