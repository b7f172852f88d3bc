package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Forwarder hands a verified transaction to the sequencing node. It returns
// the upstream status and body unchanged.
type Forwarder interface {
	Forward(ctx context.Context, body []byte) (int, []byte, error)
}

// maxForwardResponse bounds what is read back from the sequencer.
const maxForwardResponse = 1 << 20

// HTTPForwarder posts to the /tx route of another node.
type HTTPForwarder struct {
	url string
	hc  *http.Client
}

func NewHTTPForwarder(url string, timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPForwarder{
		url: strings.TrimSuffix(url, "/") + "/tx",
		hc:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPForwarder) Forward(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post to sequencer: %w", err)
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxForwardResponse))
	if err != nil {
		return 0, nil, fmt.Errorf("read sequencer response: %w", err)
	}
	return resp.StatusCode, respBytes, nil
}
