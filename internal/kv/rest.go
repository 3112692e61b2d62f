package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxReplyBytes = 1 << 20

// Store executes an ordered batch of commands in one round trip and returns
// one Result per command, in order.
type Store interface {
	Pipeline(ctx context.Context, cmds []Cmd) ([]Result, error)
	Close() error
}

type RESTConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default client, e.g. in tests.
	HTTPClient *http.Client
}

// RESTStore speaks the Upstash-style HTTP pipeline protocol: a JSON array of
// command arrays POSTed to {URL}/pipeline, answered by an array of
// {"result": ...} or {"error": "..."} objects.
type RESTStore struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewREST(cfg RESTConfig) (*RESTStore, error) {
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		return nil, errors.New("kv: REST url is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("kv: REST token is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &RESTStore{endpoint: base + "/pipeline", token: cfg.Token, client: client}, nil
}

type restReply struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
}

func (s *RESTStore) Pipeline(ctx context.Context, cmds []Cmd) ([]Result, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(cmds)
	if err != nil {
		return nil, &Error{Op: "pipeline", Kind: KindDecode, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: "pipeline", Kind: KindTransport, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "pipeline", Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxReplyBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(limited, 512))
		return nil, &Error{Op: "pipeline", Kind: KindStatus, Status: resp.StatusCode, Err: fmt.Errorf("%s", bytes.TrimSpace(msg))}
	}

	dec := json.NewDecoder(limited)
	dec.UseNumber()
	var replies []restReply
	if err := dec.Decode(&replies); err != nil {
		return nil, &Error{Op: "pipeline", Kind: KindDecode, Status: resp.StatusCode, Err: err}
	}
	if len(replies) != len(cmds) {
		return nil, &Error{Op: "pipeline", Kind: KindDecode, Status: resp.StatusCode,
			Err: fmt.Errorf("got %d replies for %d commands", len(replies), len(cmds))}
	}

	out := make([]Result, len(replies))
	for i, r := range replies {
		out[i] = Result{Value: r.Result, Error: r.Error}
	}
	return out, nil
}

func (s *RESTStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
