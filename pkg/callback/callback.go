// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package callback delivers terminal job results to user-supplied webhook
// URLs. A Notifier is subscribed to a job's final events when the job was
// submitted with a callback URL.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/JRocket1415/spark-jobserver/pkg/logging"
	"github.com/JRocket1415/spark-jobserver/pkg/tracker"
)

var log = logging.GetLogger("callback")

// payload is the JSON document POSTed to the callback URL.
type payload struct {
	JobID       string      `json:"jobId"`
	ContextName string      `json:"context"`
	Status      string      `json:"status"`
	StartTime   time.Time   `json:"startTime"`
	EndTime     *time.Time  `json:"endTime,omitempty"`
	Error       interface{} `json:"error,omitempty"`
}

// Notifier POSTs terminal job events to a fixed URL. Delivery happens on a
// goroutine of its own with bounded retries, so a slow or dead endpoint
// never backs up the tracker.
type Notifier struct {
	url         string
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
}

// Opt is a Notifier configuration option.
type Opt func(*Notifier)

// OptionHTTPClient overrides the HTTP client used for delivery.
func OptionHTTPClient(client *http.Client) Opt {
	return func(n *Notifier) { n.client = client }
}

// OptionRetry overrides the delivery retry policy.
func OptionRetry(maxAttempts int, backoff time.Duration) Opt {
	return func(n *Notifier) {
		n.maxAttempts = maxAttempts
		n.backoff = backoff
	}
}

// New creates a Notifier for one callback URL.
func New(url string, opts ...Opt) *Notifier {
	n := &Notifier{
		url:         url,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 3,
		backoff:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// OnJobEvent implements tracker.Listener. The actual delivery runs on a
// separate goroutine.
func (n *Notifier) OnJobEvent(ev tracker.Event) {
	body := payload{
		JobID:       string(ev.Info.ID),
		ContextName: ev.Info.ContextName,
		Status:      string(ev.Info.State),
		StartTime:   ev.Info.StartTime,
		EndTime:     ev.Info.EndTime,
	}
	if ev.Info.Error != nil {
		body.Error = ev.Info.Error
	}
	data, err := json.Marshal(&body)
	if err != nil {
		log.Errorf("could not serialize callback payload for job %s: %v", ev.Info.ID, err)
		return
	}
	go n.deliver(ev.Info.ID.String(), data)
}

func (n *Notifier) deliver(jobID string, data []byte) {
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(n.backoff)
		}
		if lastErr = n.post(data); lastErr == nil {
			log.Debugf("delivered result of job %s to %s", jobID, n.url)
			return
		}
		log.Warningf("callback for job %s, attempt %d/%d: %v", jobID, attempt, n.maxAttempts, lastErr)
	}
	log.Errorf("giving up on callback for job %s to %s: %v", jobID, n.url, lastErr)
}

func (n *Notifier) post(data []byte) error {
	timeout := n.client.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %s", resp.Status)
	}
	return nil
}
