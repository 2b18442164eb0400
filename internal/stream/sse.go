package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const maxFrameSize = 1 << 20

// SSEOpener dials text/event-stream endpoints over HTTP.
type SSEOpener struct {
	// Client must not set a Timeout; the response body stays open for the
	// lifetime of the stream.
	Client *http.Client
	Header http.Header
}

// Open issues the GET request and returns a frame reader over the body.
func (o *SSEOpener) Open(ctx context.Context, target string) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range o.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &HTTPStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return newSSEStream(resp.Body), nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	once    sync.Once
}

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &sseStream{body: body, scanner: sc}
}

// Next returns the next dispatched event. Lines that are complete JSON
// documents are treated as newline-framed payloads.
func (s *sseStream) Next() (Frame, error) {
	var (
		f    Frame
		data []string
		has  bool
	)

	for s.scanner.Scan() {
		line := strings.TrimSuffix(s.scanner.Text(), "\r")

		if line == "" {
			if has {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
			f = Frame{}
			continue
		}

		// heartbeat comment
		if strings.HasPrefix(line, ":") {
			continue
		}

		if !has && (strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[")) {
			return Frame{Event: f.Event, ID: f.ID, Data: line}, nil
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			f.Event = value
		case "id":
			f.ID = value
		case "data":
			data = append(data, value)
			has = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("read stream: %w", err)
	}
	if has {
		f.Data = strings.Join(data, "\n")
		return f, nil
	}
	return Frame{}, io.EOF
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
	})
	return err
}
