package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"scalellm-go/scalellm"
)

// RemoteExecutor delegates inference to an external model server over
// HTTP. Like the ONNX executor it is cacheless and ships the full token
// history each sampling step.
type RemoteExecutor struct {
	serverURL string
	client    *http.Client
	vocabSize int
	history   *historyTracker
	log       *logrus.Entry
}

type remoteSequence struct {
	SeqID       int64   `json:"seq_id"`
	TokenIDs    []int   `json:"token_ids"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
	Seed        int64   `json:"seed"`
}

type remoteRequest struct {
	Sequences []remoteSequence `json:"sequences"`
}

type remoteResult struct {
	SeqID   int64   `json:"seq_id"`
	TokenID int     `json:"token_id"`
	Logprob float32 `json:"logprob"`
	Error   string  `json:"error,omitempty"`
}

type remoteResponse struct {
	Results []remoteResult `json:"results"`
}

// NewRemoteExecutor connects to a model server and verifies it via its
// /info endpoint.
func NewRemoteExecutor(serverURL string) (*RemoteExecutor, error) {
	e := &RemoteExecutor{
		serverURL: serverURL,
		client:    &http.Client{Timeout: 120 * time.Second},
		history:   newHistoryTracker(),
		log:       logrus.WithField("component", "remote_executor"),
	}

	resp, err := e.client.Get(serverURL + "/info")
	if err != nil {
		return nil, fmt.Errorf("connect to model server: %w", err)
	}
	defer resp.Body.Close()

	var info struct {
		VocabSize  int    `json:"vocab_size"`
		EOSTokenID int    `json:"eos_token_id"`
		ModelType  string `json:"model_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode server info: %w", err)
	}
	e.vocabSize = info.VocabSize
	e.log.WithFields(logrus.Fields{
		"model_type": info.ModelType,
		"vocab_size": info.VocabSize,
	}).Info("connected to model server")
	return e, nil
}

// Execute forwards the plan's sampling entries to the server in one
// request and maps the results back by sequence id.
func (e *RemoteExecutor) Execute(plan *scalellm.BatchPlan) (*scalellm.ExecutionResult, error) {
	e.history.tick()
	res := &scalellm.ExecutionResult{Results: make(map[int64]*scalellm.SequenceResult)}

	var req remoteRequest
	for _, entry := range plan.Entries {
		tokens := e.history.apply(entry)
		if !entry.Sample {
			res.Results[entry.SeqID] = &scalellm.SequenceResult{}
			continue
		}
		rs := remoteSequence{SeqID: entry.SeqID, TokenIDs: tokens}
		if entry.Params != nil {
			rs.Temperature = entry.Params.Temperature
			rs.TopP = entry.Params.TopP
			rs.TopK = entry.Params.TopK
			rs.Seed = entry.Params.Seed
		}
		req.Sequences = append(req.Sequences, rs)
	}
	if len(req.Sequences) == 0 {
		return res, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode inference request: %w", err)
	}
	resp, err := e.client.Post(e.serverURL+"/inference", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model server returned status %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	for _, r := range out.Results {
		if r.Error != "" {
			res.Results[r.SeqID] = &scalellm.SequenceResult{
				Status: &scalellm.Status{Code: 500, Message: r.Error},
			}
			continue
		}
		res.Results[r.SeqID] = &scalellm.SequenceResult{
			TokenIDs: []int{r.TokenID},
			Logprobs: []float32{r.Logprob},
		}
	}
	return res, nil
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (e *RemoteExecutor) Close() error { return nil }
