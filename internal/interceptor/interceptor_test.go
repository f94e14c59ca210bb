package interceptor

import (
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const graphqlBase = "https://x.com/i/api/graphql/abc123/"

type recorder struct {
	mu      sync.Mutex
	matches []Match
}

func (r *recorder) record(m Match) {
	r.mu.Lock()
	r.matches = append(r.matches, m)
	r.mu.Unlock()
}

func (r *recorder) all() []Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Match(nil), r.matches...)
}

func exchange(tab, op, body string) Exchange {
	return Exchange{TabID: tab, URL: graphqlBase + op + "?variables=%7B%7D", Method: "GET", Status: 200, Body: body}
}

func TestInterceptor_RoutesByTab(t *testing.T) {
	ic := New(zerolog.Nop())
	var a, b recorder
	ic.StartWatching("tab-a", []string{"Likes"}, a.record)
	ic.StartWatching("tab-b", []string{"Likes"}, b.record)

	ic.Dispatch(exchange("tab-a", "Likes", `{"from":"a"}`))
	ic.Dispatch(exchange("tab-b", "Likes", `{"from":"b"}`))
	ic.Dispatch(exchange("tab-c", "Likes", `{"from":"c"}`))

	require.Len(t, a.all(), 1)
	require.Len(t, b.all(), 1)
	assert.JSONEq(t, `{"from":"a"}`, string(a.all()[0].Payload))
	assert.JSONEq(t, `{"from":"b"}`, string(b.all()[0].Payload))
	assert.Equal(t, "tab-a", a.all()[0].TabID)

	assert.Equal(t, Stats{Dispatched: 3, Matched: 2, Ignored: 1}, ic.Stats())
}

func TestInterceptor_DropsInactiveIdentifiers(t *testing.T) {
	ic := New(zerolog.Nop())
	var r recorder
	sub := ic.StartWatching("tab", []string{"UserByScreenName"}, r.record)

	ic.Dispatch(exchange("tab", "Likes", `{}`))
	assert.Empty(t, r.all())

	sub.SetIdentifiers("Likes")
	ic.Dispatch(exchange("tab", "UserByScreenName", `{}`))
	ic.Dispatch(exchange("tab", "Likes", `{"page":1}`))

	got := r.all()
	require.Len(t, got, 1)
	assert.Equal(t, "Likes", got[0].Identifier)
	assert.ElementsMatch(t, []string{"Likes"}, sub.Identifiers())
}

func TestInterceptor_MatchesOperationNameInBody(t *testing.T) {
	ic := New(zerolog.Nop())
	var r recorder
	ic.StartWatching("tab", []string{"Following"}, r.record)

	ic.Dispatch(Exchange{
		TabID:       "tab",
		URL:         "https://x.com/i/api/graphql",
		Method:      "POST",
		RequestBody: `{"operationName":"Following","variables":{}}`,
		Body:        `{"data":{}}`,
	})

	got := r.all()
	require.Len(t, got, 1)
	assert.Equal(t, "Following", got[0].Identifier)
}

func TestInterceptor_SegmentMatchIsExact(t *testing.T) {
	ic := New(zerolog.Nop())
	var r recorder
	ic.StartWatching("tab", []string{"Likes"}, r.record)

	ic.Dispatch(exchange("tab", "LikesTimeline", `{}`))
	ic.Dispatch(Exchange{TabID: "tab", URL: "https://x.com/alice/likes", Body: `{}`})

	assert.Empty(t, r.all())
}

func TestInterceptor_DecodesBase64(t *testing.T) {
	ic := New(zerolog.Nop())
	var r recorder
	ic.StartWatching("tab", []string{"Likes"}, r.record)

	ex := exchange("tab", "Likes", base64.StdEncoding.EncodeToString([]byte(`{"ok":true}`)))
	ex.Base64Encoded = true
	ic.Dispatch(ex)

	got := r.all()
	require.Len(t, got, 1)
	require.NoError(t, got[0].Err)
	assert.JSONEq(t, `{"ok":true}`, string(got[0].Payload))
}

func TestInterceptor_DecodeFailures(t *testing.T) {
	tests := []struct {
		name string
		ex   Exchange
	}{
		{"EmptyBody", exchange("tab", "Likes", "")},
		{"HTML", exchange("tab", "Likes", "<html>Something went wrong</html>")},
		{"BadBase64", func() Exchange {
			ex := exchange("tab", "Likes", "%%%not-base64")
			ex.Base64Encoded = true
			return ex
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic := New(zerolog.Nop())
			var r recorder
			ic.StartWatching("tab", []string{"Likes"}, r.record)

			ic.Dispatch(tt.ex)

			got := r.all()
			require.Len(t, got, 1)
			assert.Nil(t, got[0].Payload)

			var decodeErr *DecodeError
			require.True(t, errors.As(got[0].Err, &decodeErr))
			assert.Equal(t, "Likes", decodeErr.Identifier)
			assert.Equal(t, int64(1), ic.Stats().DecodeFailures)
		})
	}
}

func TestInterceptor_StopWatchingIsIdempotent(t *testing.T) {
	ic := New(zerolog.Nop())
	var r recorder
	sub := ic.StartWatching("tab", []string{"Likes"}, r.record)

	ic.StopWatching(sub)
	ic.StopWatching(sub)
	ic.StopWatching(nil)

	ic.Dispatch(exchange("tab", "Likes", `{}`))
	assert.Empty(t, r.all())
	assert.False(t, ic.Watching("tab"))
}

func TestInterceptor_ReplaceSubscription(t *testing.T) {
	ic := New(zerolog.Nop())
	var first, second recorder
	old := ic.StartWatching("tab", []string{"Likes"}, first.record)
	ic.StartWatching("tab", []string{"Likes"}, second.record)

	ic.Dispatch(exchange("tab", "Likes", `{}`))
	assert.Empty(t, first.all())
	assert.Len(t, second.all(), 1)

	// Stopping the replaced subscription must not remove the new one.
	ic.StopWatching(old)
	assert.True(t, ic.Watching("tab"))
}

func TestInterceptor_ConcurrentDispatch(t *testing.T) {
	ic := New(zerolog.Nop())
	recorders := make([]*recorder, 8)
	for n := range recorders {
		recorders[n] = &recorder{}
		ic.StartWatching(tabName(n), []string{"Likes"}, recorders[n].record)
	}

	var wg sync.WaitGroup
	for n := range recorders {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				ic.Dispatch(exchange(tabName(n), "Likes", `{}`))
			}
		}(n)
	}
	wg.Wait()

	for n, r := range recorders {
		got := r.all()
		assert.Len(t, got, 50)
		for _, m := range got {
			assert.Equal(t, tabName(n), m.TabID)
		}
	}
}

func tabName(n int) string {
	return string(rune('a'+n)) + "-tab"
}
