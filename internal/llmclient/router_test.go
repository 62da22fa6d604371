package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/eventbus"
	"github.com/cogloop/cogloop/internal/schemas"
)

type fakeTransport struct {
	replies []string
	errs    []error
	calls   int
}

func (f *fakeTransport) Generate(ctx context.Context, model string, req schemas.GenerationRequest) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func newTestRouter(t *testing.T, transport Transport) *Router {
	t.Helper()
	r := &Router{
		cfg: config.LLMRouterConfig{
			PlannerModel:  "default",
			SchemaRetries: 2,
		},
		logger:        zap.NewNop(),
		bus:           eventbus.New(zap.NewNop(), 8, 8),
		transports:    map[string]Transport{"default": transport},
		limiters:      map[string]*rate.Limiter{"default": rate.NewLimiter(rate.Inf, 1)},
		modelSettings: map[string]config.LLMModelConfig{"default": {Model: "test-model"}},
	}
	return r
}

func TestAskTextReturnsRawReply(t *testing.T) {
	r := newTestRouter(t, &fakeTransport{replies: []string{"hello"}})
	text, err := r.AskText(context.Background(), schemas.RolePlanner, "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestAskTextRetriesTransientTransportError(t *testing.T) {
	ft := &fakeTransport{
		errs:    []error{corerr.New(corerr.KindTransport, "503"), nil},
		replies: []string{"", "recovered"},
	}
	r := newTestRouter(t, ft)
	text, err := r.AskText(context.Background(), schemas.RolePlanner, "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, 2, ft.calls)
}

func TestAskTextDoesNotRetryPermanentError(t *testing.T) {
	ft := &fakeTransport{errs: []error{corerr.New(corerr.KindFatal, "bad api key")}}
	r := newTestRouter(t, ft)
	_, err := r.AskText(context.Background(), schemas.RolePlanner, "sys", "user")
	require.Error(t, err)
	assert.Equal(t, 1, ft.calls)
}

func TestAskJSONDecodesValidReply(t *testing.T) {
	r := newTestRouter(t, &fakeTransport{replies: []string{`{"thought":"ok","goal_achieved":true}`}})
	var reply schemas.PlannerReply
	err := r.AskJSON(context.Background(), schemas.RolePlanner, "sys", "user", &reply)
	require.NoError(t, err)
	assert.True(t, reply.GoalAchieved)
}

func TestAskJSONRetriesOnMalformedReplyThenSucceeds(t *testing.T) {
	ft := &fakeTransport{replies: []string{"not json", `{"thought":"fixed","goal_achieved":false}`}}
	r := newTestRouter(t, ft)
	var reply schemas.PlannerReply
	err := r.AskJSON(context.Background(), schemas.RolePlanner, "sys", "user", &reply)
	require.NoError(t, err)
	assert.Equal(t, "fixed", reply.Thought)
	assert.Equal(t, 2, ft.calls)
}

func TestAskJSONGivesUpAfterSchemaRetries(t *testing.T) {
	r := newTestRouter(t, &fakeTransport{replies: []string{"still not json"}})
	var reply schemas.PlannerReply
	err := r.AskJSON(context.Background(), schemas.RolePlanner, "sys", "user", &reply)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.KindValidation))
}

func TestExtractJSONStripsMarkdownFence(t *testing.T) {
	out := extractJSON("```json\n{\"a\":1}\n```")
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestAskTextWrapsUnknownRoleFallback(t *testing.T) {
	r := newTestRouter(t, &fakeTransport{replies: []string{"ok"}})
	_, err := r.AskText(context.Background(), schemas.Role("unknown"), "sys", "user")
	assert.NoError(t, err) // unknown role falls back to planner model
}
