package sse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nshkrdotcom/gemini-go/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type passthroughStrategy struct{ base string }

func (s passthroughStrategy) BaseURL(auth.Credentials) string { return s.base }
func (passthroughStrategy) Path(model, endpoint string, _ auth.Credentials) string {
	return "v1beta/models/" + model + ":" + endpoint
}
func (passthroughStrategy) Headers(context.Context, auth.Credentials) (http.Header, error) {
	return http.Header{}, nil
}

func TestRunnerEmitsEventsThenComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"n\":1}\n\n")
		fmt.Fprint(w, "data: {\"n\":2}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	runner := NewRunner(srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go runner.Run(ctx, Request{Strategy: passthroughStrategy{base: srv.URL}, Model: "m", Endpoint: "streamGenerateContent"})

	var events []Event
	for e := range runner.Out {
		events = append(events, e)
	}

	require.Len(t, events, 3)
	assert.Equal(t, EventData, events[0].Kind)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Data))
	assert.Equal(t, EventData, events[1].Kind)
	assert.JSONEq(t, `{"n":2}`, string(events[1].Data))
	assert.Equal(t, EventComplete, events[2].Kind)
}

func TestRunnerNonSuccessStatusEmitsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	runner := NewRunner(srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go runner.Run(ctx, Request{Strategy: passthroughStrategy{base: srv.URL}, Model: "m", Endpoint: "streamGenerateContent"})

	var events []Event
	for e := range runner.Out {
		events = append(events, e)
	}
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Error(t, events[0].Err)
}

func TestRunnerStopsSilentlyOnCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"n\":1}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer func() {
		close(block)
		srv.Close()
	}()

	runner := NewRunner(srv.Client())
	ctx, cancel := context.WithCancel(context.Background())

	go runner.Run(ctx, Request{Strategy: passthroughStrategy{base: srv.URL}, Model: "m", Endpoint: "streamGenerateContent"})

	first := <-runner.Out
	assert.Equal(t, EventData, first.Kind)

	cancel()

	_, more := <-runner.Out
	assert.False(t, more, "channel should close without an error event after cancellation")
}
