package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Transcriber converts recorded audio into text. An empty string with a nil
// error means the audio contained no recognizable speech.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

const defaultBaseURL = "https://api.assemblyai.com/v2"

// AssemblyAI transcribes audio through the AssemblyAI REST API: upload the
// raw bytes, create a transcript job, poll until it settles.
type AssemblyAI struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

type AssemblyAIOption func(*AssemblyAI)

// WithBaseURL overrides the API endpoint, used in tests.
func WithBaseURL(u string) AssemblyAIOption {
	return func(a *AssemblyAI) {
		a.baseURL = u
	}
}

func WithHTTPClient(c *http.Client) AssemblyAIOption {
	return func(a *AssemblyAI) {
		a.client = c
	}
}

func WithPollInterval(d time.Duration) AssemblyAIOption {
	return func(a *AssemblyAI) {
		a.pollInterval = d
	}
}

func NewAssemblyAI(apiKey string, opts ...AssemblyAIOption) *AssemblyAI {
	a := &AssemblyAI{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		client:       &http.Client{Timeout: 60 * time.Second},
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type transcriptJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

func (a *AssemblyAI) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("empty audio content")
	}

	audioURL, err := a.upload(ctx, audio)
	if err != nil {
		return "", err
	}

	job, err := a.createJob(ctx, audioURL)
	if err != nil {
		return "", err
	}
	log.Debug().Str("transcript_id", job.ID).Msg("transcription job created")

	for {
		switch job.Status {
		case "completed":
			return job.Text, nil
		case "error":
			return "", errors.Errorf("transcription failed: %s", job.Error)
		}

		select {
		case <-ctx.Done():
			return "", errors.Wrap(ctx.Err(), "transcription cancelled")
		case <-time.After(a.pollInterval):
		}

		job, err = a.pollJob(ctx, job.ID)
		if err != nil {
			return "", err
		}
	}
}

func (a *AssemblyAI) upload(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/upload", bytes.NewReader(audio))
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var res struct {
		UploadURL string `json:"upload_url"`
	}
	if err := a.do(req, &res); err != nil {
		return "", errors.Wrap(err, "upload audio")
	}
	if res.UploadURL == "" {
		return "", errors.New("upload response missing upload_url")
	}
	return res.UploadURL, nil
}

func (a *AssemblyAI) createJob(ctx context.Context, audioURL string) (*transcriptJob, error) {
	body, err := json.Marshal(map[string]string{"audio_url": audioURL})
	if err != nil {
		return nil, errors.Wrap(err, "marshal transcript request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/transcript", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build transcript request")
	}
	req.Header.Set("Authorization", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var job transcriptJob
	if err := a.do(req, &job); err != nil {
		return nil, errors.Wrap(err, "create transcript job")
	}
	return &job, nil
}

func (a *AssemblyAI) pollJob(ctx context.Context, id string) (*transcriptJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/transcript/"+id, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build poll request")
	}
	req.Header.Set("Authorization", a.apiKey)

	var job transcriptJob
	if err := a.do(req, &job); err != nil {
		return nil, errors.Wrapf(err, "poll transcript %s", id)
	}
	return &job, nil
}

func (a *AssemblyAI) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
