package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"teamboard/internal/domain"
)

const defaultProviderTimeout = 3 * time.Second

// HTTPProvider fetches estimates from a remote service. Calls go through a circuit
// breaker so a dead service fails fast and the engine serves fallbacks.
type HTTPProvider struct {
	URL     string
	Client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

type HTTPProviderConfig struct {
	URL          string
	Timeout      time.Duration
	MaxRequests  uint32
	OpenTimeout  time.Duration
	FailureRatio float64
	Logger       *zerolog.Logger
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProviderTimeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	settings := gobreaker.Settings{
		Name:        "scoring-provider",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return &HTTPProvider{
		URL:     strings.TrimRight(cfg.URL, "/"),
		Client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type estimateTask struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      domain.Status `json:"status"`
	AssigneeID  *string       `json:"assignee_id,omitempty"`
	DueDate     *time.Time    `json:"due_date,omitempty"`
}

type estimateRequest struct {
	Tasks []estimateTask `json:"tasks"`
}

type estimateResponse struct {
	Estimates map[string]Estimates `json:"estimates"`
}

func (p *HTTPProvider) Estimate(ctx context.Context, t domain.Task) (Estimates, error) {
	res, err := p.EstimateMany(ctx, []domain.Task{t})
	if err != nil {
		return Estimates{}, err
	}
	est, ok := res[t.ID]
	if !ok {
		return Estimates{}, fmt.Errorf("no estimate returned for task %s", t.ID)
	}
	return est, nil
}

func (p *HTTPProvider) EstimateMany(ctx context.Context, tasks []domain.Task) (map[string]Estimates, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.post(ctx, tasks)
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]Estimates), nil
}

func (p *HTTPProvider) post(ctx context.Context, tasks []domain.Task) (map[string]Estimates, error) {
	body := estimateRequest{Tasks: make([]estimateTask, 0, len(tasks))}
	for _, t := range tasks {
		body.Tasks = append(body.Tasks, estimateTask{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Status:      t.Status,
			AssigneeID:  t.AssigneeID,
			DueDate:     t.DueDate,
		})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL+"/estimate", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("estimate status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var decoded estimateResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode estimates: %w", err)
	}
	if decoded.Estimates == nil {
		decoded.Estimates = map[string]Estimates{}
	}
	return decoded.Estimates, nil
}
