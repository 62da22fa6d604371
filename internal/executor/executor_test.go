package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/graphstore"
	"github.com/cogloop/cogloop/internal/llmclient"
	"github.com/cogloop/cogloop/internal/schemas"
	"github.com/cogloop/cogloop/internal/toolhost"
)

type scriptedTransport struct {
	replies []string
	i       int
}

func (s *scriptedTransport) Generate(ctx context.Context, model string, req schemas.GenerationRequest) (string, error) {
	r := s.replies[s.i]
	if s.i < len(s.replies)-1 {
		s.i++
	}
	return r, nil
}

func newTestDriver(t *testing.T, transport llmclient.Transport, toolSrv *httptest.Server) (*Driver, graphstore.Store) {
	t.Helper()
	router := llmclient.NewRouterForTest(config.LLMRouterConfig{PlannerModel: "m", ExecutorModel: "m", ReflectorModel: "m", SchemaRetries: 1}, transport)
	store := graphstore.NewInMemory(zap.NewNop())
	tools := toolhost.New(toolhost.Config{Endpoint: toolSrv.URL}, zap.NewNop(), toolSrv.Client())
	return New(router, store, tools, zap.NewNop()), store
}

func registerTask(t *testing.T, store graphstore.Store, id string) {
	t.Helper()
	res, err := store.Apply(context.Background(), []schemas.GraphCommand{{
		Command:  schemas.CmdAddNode,
		NodeData: &schemas.TaskNode{ID: id, Kind: schemas.KindTask},
	}})
	require.NoError(t, err)
	require.True(t, res.OK, "%+v", res.Rejected)
}

func TestRunStepDispatchesToolCallAndRecordsAction(t *testing.T) {
	toolSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"open","observation":"port 80 open"}`))
	}))
	defer toolSrv.Close()

	reply := `{"thought":"scan it","execution_operations":[{"tool":"port_scan","params":{"host":"example.com"}}],"is_subtask_complete":false}`
	d, store := newTestDriver(t, &scriptedTransport{replies: []string{reply}}, toolSrv)

	task := schemas.TaskNode{ID: "t1", Description: "scan example.com"}
	registerTask(t, store, task.ID)
	res, err := d.RunStep(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, res.ActionIDs, 1)

	view, _, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	action := view.Actions[res.ActionIDs[0]]
	assert.Equal(t, schemas.StatusCompleted, action.Status)
	assert.Equal(t, "port 80 open", action.Observation)
}

func TestRunStepFlagsRepeatedIdenticalCall(t *testing.T) {
	toolSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"x","observation":"nothing new"}`))
	}))
	defer toolSrv.Close()

	reply := `{"thought":"try again","execution_operations":[{"tool":"whois","params":{"domain":"example.com"}}],"is_subtask_complete":false}`
	d, store := newTestDriver(t, &scriptedTransport{replies: []string{reply}}, toolSrv)

	task := schemas.TaskNode{ID: "t1", Description: "whois lookup"}
	registerTask(t, store, task.ID)
	for i := 0; i < repeatedActionLimit; i++ {
		res, err := d.RunStep(context.Background(), task)
		require.NoError(t, err)
		assert.False(t, res.Repeated)
	}

	res, err := d.RunStep(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Repeated)
}

func TestHistoryCompressesPastThreshold(t *testing.T) {
	toolSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"ok","observation":"step done"}`))
	}))
	defer toolSrv.Close()

	reply := `{"thought":"step","execution_operations":[{"tool":"noop","params":{"n":1}}],"is_subtask_complete":false}`
	d, store := newTestDriver(t, &scriptedTransport{replies: []string{reply}}, toolSrv)
	task := schemas.TaskNode{ID: "t1", Description: "long running"}
	registerTask(t, store, "t-unique")

	for i := 0; i < defaultHistoryLimit+5; i++ {
		task.ID = "t-unique" // reuse same task id across calls, vary tool args instead
		reply := `{"thought":"step","execution_operations":[{"tool":"noop","params":{"n":` + string(rune('0'+i%10)) + `}}],"is_subtask_complete":false}`
		d.router = llmclient.NewRouterForTest(config.LLMRouterConfig{PlannerModel: "m", ExecutorModel: "m", ReflectorModel: "m", SchemaRetries: 1}, &scriptedTransport{replies: []string{reply}})
		_, err := d.RunStep(context.Background(), task)
		require.NoError(t, err)
	}

	d.lock()
	length := len(d.history["t-unique"])
	d.unlock()
	assert.LessOrEqual(t, length, defaultHistoryLimit)
}
