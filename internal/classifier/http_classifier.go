package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/newpr-stacker/engine/internal/stackerr"
)

// HTTPClassifier calls an external classification endpoint, posting the
// request as JSON and parsing the response through the tolerant repair
// path in repair.go — the endpoint is model-backed and its output is
// never assumed to be well-formed.
type HTTPClassifier struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
	Timeout  time.Duration
}

type httpRequestBody struct {
	Candidates     []candidatePayload `json:"candidates"`
	ChangedPaths   []string           `json:"changed_paths"`
	FileSummaries  []FileSummary      `json:"file_summaries"`
	CommitMessages []string           `json:"commit_messages"`
}

type candidatePayload struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// Classify posts req to the configured endpoint and repairs/parses the
// response body.
func (h *HTTPClassifier) Classify(ctx context.Context, req Request) (Response, error) {
	body := httpRequestBody{
		ChangedPaths:   req.ChangedPaths,
		FileSummaries:  req.FileSummaries,
		CommitMessages: req.CommitMessages,
	}
	for _, g := range req.Candidates {
		body.Candidates = append(body.Candidates, candidatePayload{ID: g.ID, Kind: string(g.Kind), Description: g.Description})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, stackerr.Wrap(err, stackerr.KindClassification, "encode classifier request")
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, h.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, stackerr.Wrap(err, stackerr.KindClassification, "build classifier request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, stackerr.Wrap(err, stackerr.KindClassification, "classifier request failed").AsRetryable()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, stackerr.Wrap(err, stackerr.KindClassification, "read classifier response")
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, stackerr.New(stackerr.KindClassification, fmt.Sprintf("classifier returned status %d", resp.StatusCode)).
			WithContext("body", string(raw))
	}

	parsed, err := ParseResponse(string(raw))
	if err != nil {
		return Response{}, stackerr.Wrap(err, stackerr.KindClassification, "unparseable classifier response even after repair").
			WithContext("body", string(raw))
	}
	return parsed, nil
}
