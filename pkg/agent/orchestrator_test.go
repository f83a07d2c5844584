package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ragent/internal/backoff"
	"github.com/harun/ragent/pkg/evaluator"
	"github.com/harun/ragent/pkg/model"
	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
	"github.com/harun/ragent/pkg/tools/builtin"
)

// scriptedClient returns completions from a function of the call number.
type scriptedClient struct {
	mu    sync.Mutex
	calls int
	reqs  []model.Request
	fn    func(call int, req model.Request) (model.Completion, error)
	ping  error
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Ping(ctx context.Context) error { return c.ping }

func (c *scriptedClient) Generate(ctx context.Context, req model.Request) (model.Completion, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return c.fn(call, req)
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func textClient(content string) *scriptedClient {
	return &scriptedClient{fn: func(int, model.Request) (model.Completion, error) {
		return model.Completion{Kind: model.KindText, Content: content}, nil
	}}
}

type staticRetriever struct {
	passages []retrieval.Passage
	err      error
	calls    atomic.Int32
}

func (r *staticRetriever) Search(ctx context.Context, query string, k int, minScore float64) ([]retrieval.Passage, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return retrieval.Rank(r.passages, k, minScore), nil
}

type failingStore struct {
	*session.MemoryStore
	appendErr error
}

func (s *failingStore) Append(ctx context.Context, id string, turns ...session.Turn) error {
	return s.appendErr
}

func newTestOrchestrator(t *testing.T, mutate func(*Config)) (*Orchestrator, *session.MemoryStore) {
	t.Helper()

	store := session.NewMemoryStore()
	registry := tools.NewRegistry(tools.Config{Logger: zerolog.Nop()})
	builtin.Register(registry, builtin.Options{})

	cfg := DefaultConfig()
	cfg.Store = store
	cfg.Model = model.NewEchoClient(model.Budget{})
	cfg.Tools = registry
	cfg.Logger = zerolog.Nop()
	cfg.Backoff = backoff.Policy{}
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := New(cfg)
	require.NoError(t, err)
	return o, store
}

func assertWellFormed(t *testing.T, sess *session.Session) {
	t.Helper()

	for i := 1; i < len(sess.Turns); i++ {
		assert.True(t, sess.Turns[i].Timestamp.After(sess.Turns[i-1].Timestamp), "turn %d timestamp must increase", i)
	}

	expectUser := true
	for i, turn := range sess.Turns {
		switch {
		case expectUser:
			require.Equal(t, session.RoleUser, turn.Role, "turn %d must start a segment", i)
			expectUser = false
		case turn.Role == session.RoleTool:
		case turn.Role == session.RoleAssistant:
			expectUser = true
		default:
			t.Fatalf("turn %d: unexpected %s turn inside a segment", i, turn.Role)
		}
	}
	assert.True(t, expectUser, "last segment must end with an assistant turn")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Model: textClient("x")})
	assert.Error(t, err)

	_, err = New(Config{Store: session.NewMemoryStore()})
	assert.Error(t, err)

	_, err = New(Config{Store: session.NewMemoryStore(), Model: textClient("x"), RetrievalPolicy: "sometimes"})
	assert.Error(t, err)

	_, err = New(Config{Store: session.NewMemoryStore(), Model: textClient("x"), RetrievalPolicy: RetrievalTool})
	assert.Error(t, err, "tool retrieval needs a retriever")

	o, err := New(Config{Store: session.NewMemoryStore(), Model: textClient("x")})
	require.NoError(t, err)
	assert.Equal(t, "scripted", o.Model())
	assert.Empty(t, o.Tools())
}

func TestProcessTurn_CalculatorToolRoundTrip(t *testing.T) {
	o, store := newTestOrchestrator(t, nil)

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "Calculate 15 * 8 + 32"})
	require.NoError(t, err)

	assert.Contains(t, resp.AssistantMessage, "152")
	require.Len(t, resp.ToolCalls, 1)
	call := resp.ToolCalls[0]
	assert.Equal(t, builtin.CalculatorName, call.Name)
	assert.Equal(t, map[string]any{"expression": "15 * 8 + 32"}, call.Args)
	assert.Nil(t, call.Error)
	assert.Equal(t, 1, resp.Metadata.ToolIterations)
	assert.Equal(t, []string{"start", "retrieving", "prompting", "tool_dispatch", "prompting", "evaluating", "persisting", "done"}, resp.Metadata.States)

	require.NotNil(t, resp.Evaluation)
	assert.Equal(t, 1.0, resp.Evaluation.Scores[evaluator.MetricToolCorrectness])

	sess, err := store.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 3)
	assert.Equal(t, session.RoleUser, sess.Turns[0].Role)
	assert.Equal(t, session.RoleTool, sess.Turns[1].Role)
	require.NotNil(t, sess.Turns[1].ToolCall)
	assert.Equal(t, session.RoleAssistant, sess.Turns[2].Role)
	assert.Contains(t, sess.Turns[2].Content, "152")
	assertWellFormed(t, sess)
}

func TestProcessTurn_InvalidInputHasNoSideEffects(t *testing.T) {
	for _, msg := range []string{"", "   ", "\n\t"} {
		t.Run(fmt.Sprintf("%q", msg), func(t *testing.T) {
			client := textClient("unused")
			retriever := &staticRetriever{}
			o, store := newTestOrchestrator(t, func(c *Config) {
				c.Model = client
				c.Retriever = retriever
			})

			resp, err := o.ProcessTurn(context.Background(), Request{Message: msg})
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, "invalid_input", Code(err))

			infos, err := store.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, infos, "no session is created")
			assert.Zero(t, client.Calls())
			assert.Zero(t, retriever.calls.Load())
		})
	}
}

func TestProcessTurn_MessageTooLong(t *testing.T) {
	o, store := newTestOrchestrator(t, func(c *Config) { c.MaxMessageChars = 10 })

	_, err := o.ProcessTurn(context.Background(), Request{Message: strings.Repeat("a", 11)})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, PublicMessage(err), "exceeds 10 characters")

	infos, _ := store.List(context.Background())
	assert.Empty(t, infos)
}

func TestProcessTurn_EmptyRetrievalUsesNeutralBaseline(t *testing.T) {
	o, _ := newTestOrchestrator(t, func(c *Config) {
		c.Retriever = &staticRetriever{}
	})

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "What is the refund policy?"})
	require.NoError(t, err)

	assert.NotNil(t, resp.Citations)
	assert.Empty(t, resp.Citations)
	assert.False(t, resp.Metadata.RetrievalDegraded)
	require.NotNil(t, resp.Evaluation)
	assert.Equal(t, evaluator.NeutralRelevance, resp.Evaluation.Scores[evaluator.MetricRelevance])
}

func TestProcessTurn_ModelRecoversWithinRetryBudget(t *testing.T) {
	client := &scriptedClient{fn: func(call int, _ model.Request) (model.Completion, error) {
		if call < 3 {
			return model.Completion{}, fmt.Errorf("attempt %d: connection reset", call)
		}
		return model.Completion{Kind: model.KindText, Content: "third time lucky"}, nil
	}}
	o, store := newTestOrchestrator(t, func(c *Config) {
		c.Model = client
		c.ModelRetries = 2
	})

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", resp.AssistantMessage)
	assert.Equal(t, 3, resp.Metadata.ModelAttempts)
	assert.Equal(t, 3, client.Calls())

	sess, err := store.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, "third time lucky", sess.Turns[1].Content)
}

func TestProcessTurn_ModelUnavailableRecordsFailureReply(t *testing.T) {
	client := &scriptedClient{fn: func(int, model.Request) (model.Completion, error) {
		return model.Completion{}, errors.New("upstream 503")
	}}
	o, store := newTestOrchestrator(t, func(c *Config) {
		c.Model = client
		c.ModelRetries = 1
	})

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.ErrorIs(t, err, backoff.ErrAttemptsExhausted)
	assert.Equal(t, 2, client.Calls())
	assert.NotContains(t, PublicMessage(err), "503")

	require.NotNil(t, resp)
	assert.True(t, resp.Metadata.Failed)
	assert.Equal(t, "failed", resp.Metadata.States[len(resp.Metadata.States)-1])

	sess, err := store.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2, "user turn is never left unanswered")
	assert.Equal(t, modelFailureMessage, sess.Turns[1].Content)
	assertWellFormed(t, sess)
}

func TestProcessTurn_NonRetryableModelErrorFailsFast(t *testing.T) {
	client := &scriptedClient{fn: func(int, model.Request) (model.Completion, error) {
		return model.Completion{}, context.Canceled
	}}
	o, _ := newTestOrchestrator(t, func(c *Config) { c.Model = client })

	_, err := o.ProcessTurn(context.Background(), Request{Message: "hello"})
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, 1, client.Calls())
}

func TestProcessTurn_SameSessionIsSerialized(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	client := &scriptedClient{fn: func(call int, req model.Request) (model.Completion, error) {
		last := req.History[len(req.History)-1]
		if call == 1 {
			close(entered)
			<-proceed
		}
		return model.Completion{Kind: model.KindText, Content: "re: " + last.Content}, nil
	}}
	o, store := newTestOrchestrator(t, func(c *Config) { c.Model = client })

	sess, err := store.Create(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := o.ProcessTurn(context.Background(), Request{SessionID: sess.ID, Message: "first"})
		assert.NoError(t, err)
	}()
	<-entered

	go func() {
		defer wg.Done()
		_, err := o.ProcessTurn(context.Background(), Request{SessionID: sess.ID, Message: "second"})
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return o.cfg.Lanes.Waiting(sess.ID) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, client.Calls(), "second request waits before prompting")

	close(proceed)
	wg.Wait()

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	var contents []string
	for _, turn := range got.Turns {
		contents = append(contents, turn.Content)
	}
	assert.Equal(t, []string{"first", "re: first", "second", "re: second"}, contents)
	assertWellFormed(t, got)

	require.Len(t, client.reqs, 2)
	assert.Len(t, client.reqs[1].History, 3, "second request sees the first exchange")
}

func TestProcessTurn_SessionConflictAfterLockWait(t *testing.T) {
	proceed := make(chan struct{})
	entered := make(chan struct{})
	client := &scriptedClient{fn: func(call int, _ model.Request) (model.Completion, error) {
		if call == 1 {
			close(entered)
			<-proceed
		}
		return model.Completion{Kind: model.KindText, Content: "ok"}, nil
	}}
	o, store := newTestOrchestrator(t, func(c *Config) {
		c.Model = client
		c.LockWait = 20 * time.Millisecond
	})
	sess, err := store.Create(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.ProcessTurn(context.Background(), Request{SessionID: sess.ID, Message: "first"})
		done <- err
	}()
	<-entered

	_, err = o.ProcessTurn(context.Background(), Request{SessionID: sess.ID, Message: "second"})
	assert.ErrorIs(t, err, ErrSessionConflict)
	assert.Equal(t, "session_conflict", Code(err))

	close(proceed)
	require.NoError(t, <-done)

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Turns, 2, "rejected request leaves no turns")
}

func TestProcessTurn_ToolLoopIsBounded(t *testing.T) {
	client := &scriptedClient{fn: func(call int, req model.Request) (model.Completion, error) {
		if len(req.Tools) == 0 {
			return model.Completion{Kind: model.KindText, Content: "giving up on tools"}, nil
		}
		return model.Completion{
			Kind:     model.KindToolRequest,
			ToolName: builtin.CalculatorName,
			Args:     map[string]any{"expression": fmt.Sprintf("%d + 1", call)},
		}, nil
	}}

	for _, bound := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("max=%d", bound), func(t *testing.T) {
			client.mu.Lock()
			client.calls, client.reqs = 0, nil
			client.mu.Unlock()

			o, store := newTestOrchestrator(t, func(c *Config) {
				c.Model = client
				c.MaxToolIterations = bound
			})

			resp, err := o.ProcessTurn(context.Background(), Request{Message: "loop forever"})
			require.NoError(t, err)
			assert.Equal(t, bound, resp.Metadata.ToolIterations)
			assert.Len(t, resp.ToolCalls, bound)
			assert.Equal(t, "giving up on tools", resp.AssistantMessage)
			assert.Equal(t, bound+1, client.Calls())

			sess, err := store.Get(context.Background(), resp.SessionID)
			require.NoError(t, err)
			assert.Len(t, sess.Turns, bound+2)
			assertWellFormed(t, sess)
		})
	}
}

func TestProcessTurn_ToolRequestWithoutToolsBecomesText(t *testing.T) {
	client := &scriptedClient{fn: func(int, model.Request) (model.Completion, error) {
		return model.Completion{Kind: model.KindToolRequest, ToolName: "calculator"}, nil
	}}
	o, _ := newTestOrchestrator(t, func(c *Config) { c.Model = client })

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "hi", Options: RequestOptions{DisableTools: true}})
	require.NoError(t, err)
	assert.Equal(t, toolLoopFallback, resp.AssistantMessage)
	assert.Empty(t, resp.ToolCalls)
}

func TestProcessTurn_RetrievalFailureDegrades(t *testing.T) {
	tests := []struct {
		name      string
		retriever retrieval.Retriever
	}{
		{name: "error", retriever: &staticRetriever{err: errors.New("index unavailable")}},
		{name: "timeout", retriever: blockingRetriever{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, store := newTestOrchestrator(t, func(c *Config) {
				c.Model = textClient("context-free answer")
				c.Retriever = tt.retriever
				c.RetrievalTimeout = 20 * time.Millisecond
			})

			resp, err := o.ProcessTurn(context.Background(), Request{Message: "tell me about go"})
			require.NoError(t, err)
			assert.Equal(t, "context-free answer", resp.AssistantMessage)
			assert.True(t, resp.Metadata.RetrievalDegraded)
			assert.Empty(t, resp.Citations)

			sess, err := store.Get(context.Background(), resp.SessionID)
			require.NoError(t, err)
			assert.Len(t, sess.Turns, 2)
		})
	}
}

type blockingRetriever struct{}

func (blockingRetriever) Search(ctx context.Context, _ string, _ int, _ float64) ([]retrieval.Passage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessTurn_CitationsComeFromRetrievedPassages(t *testing.T) {
	retriever := &staticRetriever{passages: []retrieval.Passage{
		{ID: "p1", SourceID: "go.md", Text: "Go has goroutines and channels.", Score: 0.9},
		{ID: "p2", SourceID: "go.md", Text: "Channels synchronize goroutines.", Score: 0.6},
		{ID: "p3", SourceID: "misc.md", Text: "Unrelated low scoring text.", Score: 0.1},
	}}
	o, store := newTestOrchestrator(t, func(c *Config) { c.Retriever = retriever })

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "how do goroutines communicate"})
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, resp.Citations)
	assert.Equal(t, 2, resp.Metadata.PassagesRetrieved)
	retrieved := map[string]bool{}
	for _, p := range resp.Passages {
		retrieved[p.ID] = true
	}
	for _, id := range resp.Citations {
		assert.True(t, retrieved[id], "citation %s was not retrieved", id)
	}
	assert.Contains(t, resp.AssistantMessage, "[p1]")

	sess, err := store.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, resp.Citations, sess.Turns[1].Citations)
	require.NotNil(t, sess.Turns[1].Evaluation)
}

func TestProcessTurn_SkipRetrievalAndEvaluation(t *testing.T) {
	retriever := &staticRetriever{passages: []retrieval.Passage{{ID: "p1", Text: "x", Score: 1}}}
	o, _ := newTestOrchestrator(t, func(c *Config) { c.Retriever = retriever })

	resp, err := o.ProcessTurn(context.Background(), Request{
		Message: "hello",
		Options: RequestOptions{SkipRetrieval: true, SkipEvaluation: true},
	})
	require.NoError(t, err)
	assert.Zero(t, retriever.calls.Load())
	assert.Nil(t, resp.Evaluation)
	assert.NotContains(t, resp.Metadata.States, "evaluating")
}

func TestProcessTurn_RetrievalAsTool(t *testing.T) {
	retriever := &staticRetriever{passages: []retrieval.Passage{
		{ID: "p9", SourceID: "faq.md", Text: "Refunds are issued within 14 days.", Score: 0.8},
	}}
	client := &scriptedClient{fn: func(call int, req model.Request) (model.Completion, error) {
		if call == 1 {
			assert.Empty(t, req.Context, "no upfront retrieval under the tool policy")
			return model.Completion{
				Kind:     model.KindToolRequest,
				ToolName: builtin.SearchDocumentsName,
				Args:     map[string]any{"query": "refund"},
			}, nil
		}
		return model.Completion{Kind: model.KindText, Content: "Refunds take 14 days [p9]."}, nil
	}}
	o, _ := newTestOrchestrator(t, func(c *Config) {
		c.Model = client
		c.Retriever = retriever
		c.RetrievalPolicy = RetrievalTool
	})

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "How long do refunds take?"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p9"}, resp.Citations)
	assert.Equal(t, int32(1), retriever.calls.Load())
}

func TestProcessTurn_ToolTimeoutIsFedBack(t *testing.T) {
	registry := tools.NewRegistry(tools.Config{Logger: zerolog.Nop()})
	require.NoError(t, registry.Register(tools.Definition{
		Name:        "slow",
		Description: "never finishes in time",
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	client := &scriptedClient{fn: func(call int, req model.Request) (model.Completion, error) {
		if call == 1 {
			return model.Completion{Kind: model.KindToolRequest, ToolName: "slow"}, nil
		}
		last := req.History[len(req.History)-1]
		return model.Completion{Kind: model.KindText, Content: "Sorry, that timed out: " + last.Content}, nil
	}}
	o, store := newTestOrchestrator(t, func(c *Config) {
		c.Model = client
		c.Tools = registry
		c.ToolTimeout = 20 * time.Millisecond
	})

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "run slow"})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.NotNil(t, resp.ToolCalls[0].Error)
	assert.Equal(t, session.ToolErrTimeout, resp.ToolCalls[0].Error.Kind)
	assert.Contains(t, resp.AssistantMessage, "timeout")
	assert.Equal(t, 0.0, resp.Evaluation.Scores[evaluator.MetricToolCorrectness])

	sess, err := store.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 3)
	assert.Equal(t, session.RoleTool, sess.Turns[1].Role)
	assertWellFormed(t, sess)
}

func TestProcessTurn_UnknownSessionStartsNewOne(t *testing.T) {
	o, store := newTestOrchestrator(t, nil)

	resp, err := o.ProcessTurn(context.Background(), Request{SessionID: "gone", Message: "hello"})
	require.NoError(t, err)
	assert.NotEqual(t, "gone", resp.SessionID)

	_, err = store.Get(context.Background(), resp.SessionID)
	assert.NoError(t, err)
}

func TestProcessTurn_ContinuesExistingSession(t *testing.T) {
	o, store := newTestOrchestrator(t, nil)

	first, err := o.ProcessTurn(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)
	second, err := o.ProcessTurn(context.Background(), Request{SessionID: first.SessionID, Message: "Calculate 2 * 21"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Contains(t, second.AssistantMessage, "42")

	sess, err := store.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 5)
	assertWellFormed(t, sess)
}

func TestProcessTurn_PersistenceFailure(t *testing.T) {
	store := &failingStore{MemoryStore: session.NewMemoryStore(), appendErr: errors.New("disk full")}
	o, _ := newTestOrchestrator(t, func(c *Config) {
		c.Store = store
		c.Model = textClient("answer")
	})

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.Equal(t, "persistence_failure", Code(err))
	require.NotNil(t, resp, "the unsaved answer is still returned")
	assert.Equal(t, "answer", resp.AssistantMessage)
	assert.NotContains(t, PublicMessage(err), "disk full")
}

func TestProcessTurn_PersistenceFailureAfterModelFailure(t *testing.T) {
	store := &failingStore{MemoryStore: session.NewMemoryStore(), appendErr: errors.New("disk full")}
	client := &scriptedClient{fn: func(int, model.Request) (model.Completion, error) {
		return model.Completion{}, errors.New("down")
	}}
	o, _ := newTestOrchestrator(t, func(c *Config) {
		c.Store = store
		c.Model = client
		c.ModelRetries = 0
	})

	_, err := o.ProcessTurn(context.Background(), Request{Message: "hello"})
	assert.Equal(t, "persistence_failure", Code(err))
	assert.ErrorIs(t, err, ErrPersistenceFailure)
}

func TestProcessTurn_HistoryIsLimited(t *testing.T) {
	client := textClient("ok")
	o, _ := newTestOrchestrator(t, func(c *Config) {
		c.Model = client
		c.HistoryTurns = 2
	})

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "one"})
	require.NoError(t, err)
	for _, msg := range []string{"two", "three"} {
		_, err = o.ProcessTurn(context.Background(), Request{SessionID: resp.SessionID, Message: msg})
		require.NoError(t, err)
	}

	last := client.reqs[len(client.reqs)-1]
	require.Len(t, last.History, 3, "two stored turns plus the new user turn")
	assert.Equal(t, "two", last.History[0].Content)
	assert.Equal(t, "three", last.History[2].Content)
}

func TestClearSession(t *testing.T) {
	o, store := newTestOrchestrator(t, nil)

	resp, err := o.ProcessTurn(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)

	got, err := o.Session(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Len(t, got.Turns, 2)

	require.NoError(t, o.ClearSession(context.Background(), resp.SessionID))
	_, err = store.Get(context.Background(), resp.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = o.Session(context.Background(), resp.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	assert.ErrorIs(t, o.ClearSession(context.Background(), ""), ErrInvalidInput)
}

type pingRetriever struct {
	staticRetriever
	err error
}

func (r *pingRetriever) Ping(ctx context.Context) error { return r.err }

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, func(c *Config) { c.Retriever = &pingRetriever{} })
		report := o.Health(context.Background())
		assert.True(t, report.Healthy)
		assert.True(t, report.Components["model"].Required)
		assert.True(t, report.Components["session_store"].Healthy)
		assert.False(t, report.Components["retriever"].Required)
		assert.True(t, report.Components["tools"].Healthy)
	})

	t.Run("retriever down stays healthy", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, func(c *Config) {
			c.Retriever = &pingRetriever{err: errors.New("index closed")}
		})
		report := o.Health(context.Background())
		assert.True(t, report.Healthy)
		assert.False(t, report.Components["retriever"].Healthy)
		assert.Equal(t, "index closed", report.Components["retriever"].Error)
	})

	t.Run("model down is unhealthy", func(t *testing.T) {
		client := textClient("x")
		client.ping = errors.New("401 unauthorized")
		o, _ := newTestOrchestrator(t, func(c *Config) { c.Model = client })
		report := o.Health(context.Background())
		assert.False(t, report.Healthy)
		assert.False(t, report.Components["model"].Healthy)
	})
}

func TestCodeAndPublicMessage(t *testing.T) {
	tests := []struct {
		err     error
		code    string
		message string
	}{
		{nil, "", ""},
		{newError(ErrInvalidInput, "validate", errors.New("message is empty")), "invalid_input", "Invalid request: message is empty."},
		{newError(ErrInvalidInput, "validate", nil), "invalid_input", "Invalid request."},
		{newError(ErrSessionConflict, "acquire", errors.New("busy")), "session_conflict", "This session is busy with another message. Please retry shortly."},
		{newError(ErrModelUnavailable, "generate", errors.New("secret stack")), "model_unavailable", "The language model is temporarily unavailable. Please try again shortly."},
		{newError(ErrPersistenceFailure, "persist", errors.New("disk")), "persistence_failure", "The response could not be saved and may be lost. Please retry."},
		{errors.New("boom"), "internal", "An internal error occurred."},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, Code(tt.err))
		assert.Equal(t, tt.message, PublicMessage(tt.err))
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "tool_dispatch", StateToolDispatch.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePrompting.Terminal())
}
