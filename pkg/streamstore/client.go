package streamstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client consumes the streaming chat endpoint and feeds a Store.
type Client struct {
	baseURL string
	http    *http.Client
	store   *Store
}

// NewClient creates a streaming client against baseURL. httpClient should
// have no overall timeout set; streams stay open for the full run.
func NewClient(baseURL string, httpClient *http.Client, store *Store) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		store:   store,
	}
}

// Store returns the backing stream store.
func (c *Client) Store() *Store {
	return c.store
}

// Send starts a chat run and consumes its frames until a terminal frame
// or transport failure, updating the store as it goes. It returns once
// the stream reaches a terminal state.
//
// A key already streaming fails immediately, before any network call.
// Abandoning the context stops local consumption only; the remote run
// continues to completion.
func (c *Client) Send(ctx context.Context, key Key, text string) error {
	if err := c.store.Begin(key); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		c.store.Fail(key, err.Error())
		return err
	}

	url := fmt.Sprintf("%s/api/v1/agents/%s/conversations/%s/stream",
		c.baseURL, key.AgentID, key.ConversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.store.Fail(key, err.Error())
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.store.Fail(key, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("stream request failed with status %d", resp.StatusCode)
		if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096)); readErr == nil && len(data) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(data)))
		}
		c.store.Fail(key, msg)
		return fmt.Errorf("%s", msg)
	}

	return c.consume(key, resp.Body)
}

// consume reads frames until a terminal frame arrives. A stream that ends
// without one is a transport failure and marks the entry as error.
func (c *Client) consume(key Key, r io.Reader) error {
	parser := NewParser()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		frame, ok := parser.Feed(scanner.Text())
		if !ok {
			continue
		}

		switch frame.Type {
		case FrameMessage:
			c.store.AppendDelta(key, frame.Delta)
		case FrameDone:
			c.store.Finish(key, frame.MessageID)
			return nil
		case FrameError:
			c.store.Fail(key, frame.Err)
			return fmt.Errorf("stream failed: %s", frame.Err)
		}
	}

	errText := "stream ended before a terminal frame"
	if err := scanner.Err(); err != nil {
		errText = err.Error()
	}
	c.store.Fail(key, errText)
	return fmt.Errorf("%s", errText)
}
