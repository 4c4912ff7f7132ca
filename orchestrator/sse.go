package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/polosdev/polos-go/poloserr"
)

// StreamEvent is one decoded Event yielded by an EventIterator; a
// terminal error arrives as the iterator's second value instead.
type StreamEvent struct {
	Event Event
}

// EventIterator is a lazy, finite-ish iterator of stream events modeled
// as a Go 1.23 range-over-func per spec.md §9 "Stream consumption". The
// yield function returns false to stop iteration early (e.g. caller
// cancellation).
type EventIterator func(yield func(StreamEvent, error) bool)

// eventMetadata mirrors the data._metadata shape emitted alongside
// workflow/agent/tool finish events (spec.md §6).
type eventMetadata struct {
	ExecutionID string `json:"execution_id"`
}

// StreamEvents subscribes to target's topic as Server-Sent Events and
// returns a lazy iterator. The iterator terminates when: (a) a
// "workflow_finish"/"agent_finish"/"tool_finish" event whose
// data._metadata.execution_id equals target.ExecutionID arrives, (b) the
// peer closes the stream, or (c) the caller stops iterating (spec.md
// §4.1 "stream_events", testable property 4).
func (c *httpClient) StreamEvents(ctx context.Context, target StreamTarget, cursor StreamCursor) (EventIterator, error) {
	topic := target.Topic
	if topic == "" {
		topic = fmt.Sprintf("workflow/%s/%s", target.WorkflowID, target.WorkflowRunID)
	}

	url := c.url("/topics/%s/stream?last_sequence_id=%d", topic, cursor.LastSequenceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindPermanent, err, "orchestrator: build stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Project-ID", c.opts.ProjectID)
	if !c.opts.LocalMode && c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, poloserr.Wrap(poloserr.KindTransient, err, "orchestrator: stream %s", topic)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		kind := poloserr.KindPermanent
		if resp.StatusCode >= 500 {
			kind = poloserr.KindTransient
		}
		return nil, poloserr.New(kind, "orchestrator: stream %s: status %d", topic, resp.StatusCode)
	}

	return func(yield func(StreamEvent, error) bool) {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		var dataLines []string
		flush := func() bool {
			if len(dataLines) == 0 {
				return true
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = dataLines[:0]

			var evt Event
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				return yield(StreamEvent{}, poloserr.Wrap(poloserr.KindTransient, err, "orchestrator: decode SSE event"))
			}
			if !yield(StreamEvent{Event: evt}, nil) {
				return false
			}
			if target.ExecutionID != "" && isFinishEvent(evt.EventType) {
				var meta struct {
					Metadata eventMetadata `json:"_metadata"`
				}
				if err := json.Unmarshal(evt.Data, &meta); err == nil && meta.Metadata.ExecutionID == target.ExecutionID {
					return false
				}
			}
			return true
		}

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := scanner.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, ":"):
				// keepalive/comment, ignored.
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			default:
				// field we don't care about (event:, id:, retry:).
			}
		}
		if err := scanner.Err(); err != nil {
			yield(StreamEvent{}, poloserr.Wrap(poloserr.KindTransient, err, "orchestrator: stream read"))
			return
		}
		flush()
	}, nil
}

func isFinishEvent(eventType string) bool {
	switch eventType {
	case "workflow_finish", "agent_finish", "tool_finish":
		return true
	default:
		return false
	}
}
