// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package callback

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/tracker"
)

func finalEvent() tracker.Event {
	endTime := time.Now()
	return tracker.Event{
		Type: job.EventTypeJobFinished,
		Info: job.JobInfo{
			ID:          "j1",
			ContextName: "batch",
			State:       job.StateFinished,
			StartTime:   endTime.Add(-time.Minute),
			EndTime:     &endTime,
		},
		Time: endTime,
	}
}

func TestNotifierPostsTerminalState(t *testing.T) {
	bodyCh := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodyCh <- data
	}))
	defer srv.Close()

	n := New(srv.URL, OptionRetry(1, time.Millisecond))
	n.OnJobEvent(finalEvent())

	select {
	case data := <-bodyCh:
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, "j1", got["jobId"])
		require.Equal(t, "batch", got["context"])
		require.Equal(t, "Finished", got["status"])
	case <-time.After(5 * time.Second):
		t.Fatal("callback endpoint never received the result")
	}
}

func TestNotifierRetriesOnServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	doneCh := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		doneCh <- struct{}{}
	}))
	defer srv.Close()

	n := New(srv.URL, OptionRetry(3, 10*time.Millisecond))
	n.OnJobEvent(finalEvent())

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery was not retried to success")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
}
