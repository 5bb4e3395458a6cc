package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/core-coin/tributum/internal/config"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// ErrNoModels is returned when routing is asked to pick from an empty ranking.
var ErrNoModels = errors.New("no models available for routing")

const (
	defaultVersion = "latest"
	defaultRefresh = time.Hour
)

// Ranked is a catalog model with its resolved pricing.
type Ranked struct {
	models.CatalogModel
	Pricing models.ModelPricing `json:"pricing"`
}

// Constraints narrow the auto-router's choice.
type Constraints struct {
	PreferredCategories []string `json:"preferredCategories,omitempty"`
}

// RouteRequest is what the auto-router needs to know about an inference call.
type RouteRequest struct {
	Model       string
	Prompt      string
	Constraints Constraints
}

// Service keeps the model catalog in memory. The catalog comes from a local
// file, which is watched for changes, or from a URL, which is polled.
type Service struct {
	logger  *logger.Logger
	pricing models.Pricing
	path    string
	url     string
	refresh time.Duration
	client  *http.Client

	// In-memory cache
	models     map[string]models.CatalogModel
	cacheMutex sync.RWMutex
	loads      singleflight.Group

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(logger *logger.Logger, cfg *config.Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	refresh := cfg.CatalogRefresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	return &Service{
		logger:  logger,
		pricing: cfg.Pricing,
		path:    cfg.CatalogPath,
		url:     cfg.CatalogURL,
		refresh: refresh,
		models:  DefaultModels(),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// DefaultModels is the catalog served when no source is configured.
func DefaultModels() map[string]models.CatalogModel {
	list := []models.CatalogModel{
		{Name: "gpt-4o", Version: "2024-08-06", Category: "chat", TotalScore: 92},
		{Name: "claude-3.5-sonnet", Version: "20241022", Category: "chat", TotalScore: 91},
		{Name: "deepseek-coder-v2", Version: "latest", Category: "code", TotalScore: 86},
		{Name: "llama-3.1-70b", Version: "instruct", Category: "chat", TotalScore: 83},
		{Name: "whisper-large-v3", Version: "latest", Category: "audio", TotalScore: 78},
		{Name: "stable-diffusion-xl", Version: "1.0", Category: "image", TotalScore: 74},
	}
	out := make(map[string]models.CatalogModel, len(list))
	for _, m := range list {
		out[m.Name] = m
	}
	return out
}

// Load reads the catalog from its configured source and swaps the cache.
// Concurrent calls share one read.
func (s *Service) Load(ctx context.Context) error {
	_, err, _ := s.loads.Do("load", func() (interface{}, error) {
		var (
			data []byte
			err  error
		)
		switch {
		case s.path != "":
			data, err = os.ReadFile(s.path)
		case s.url != "":
			data, err = s.fetch(ctx)
		default:
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		parsed, err := Parse(data)
		if err != nil {
			return nil, err
		}

		s.cacheMutex.Lock()
		s.models = parsed
		s.cacheMutex.Unlock()
		s.logger.Info("Model catalog loaded", "models", len(parsed))
		return nil, nil
	})
	return err
}

func (s *Service) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model catalog: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Parse accepts either an object keyed by model name or an array of models.
func Parse(data []byte) (map[string]models.CatalogModel, error) {
	data = bytes.TrimSpace(data)
	out := make(map[string]models.CatalogModel)

	if len(data) > 0 && data[0] == '[' {
		var list []models.CatalogModel
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to decode model catalog: %w", err)
		}
		for _, m := range list {
			if m.Name == "" {
				continue
			}
			out[m.Name] = m
		}
		return out, nil
	}

	var byName map[string]models.CatalogModel
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, fmt.Errorf("failed to decode model catalog: %w", err)
	}
	for name, m := range byName {
		m.Name = name
		out[name] = m
	}
	return out, nil
}

// Start loads the catalog and keeps it fresh until Stop is called.
func (s *Service) Start() error {
	switch {
	case s.path != "":
		if err := s.Load(s.ctx); err != nil {
			return fmt.Errorf("failed to load model catalog from %s: %w", s.path, err)
		}
		return s.watch()
	case s.url != "":
		s.poll()
	default:
		s.logger.Info("No model catalog configured, serving built-in models")
	}
	return nil
}

// watch reloads the catalog whenever its file is written or recreated. The
// directory is watched so that editors which rename over the file still
// trigger a reload.
func (s *Service) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	target := filepath.Clean(s.path)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Load(s.ctx); err != nil {
					s.logger.Error("Failed to reload model catalog, keeping previous version", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("Model catalog watcher error", "error", err)
			case <-s.ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *Service) poll() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Initial fetch with retry logic
		backoff := 5 * time.Second
		maxBackoff := 5 * time.Minute

		for {
			if err := s.Load(s.ctx); err != nil {
				s.logger.Error("Failed to fetch model catalog on startup, retrying...", "error", err, "retry_in", backoff)

				select {
				case <-time.After(backoff):
					backoff = backoff * 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
					continue
				case <-s.ctx.Done():
					return
				}
			}
			break
		}

		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Load(s.ctx); err != nil {
					s.logger.Error("Failed to refresh model catalog", "error", err)
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// Stop ends background reloading.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Model catalog service stopped")
}

// Lookup returns a model by exact name.
func (s *Service) Lookup(name string) (models.CatalogModel, bool) {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()
	m, ok := s.models[name]
	return m, ok
}

// PricingFor resolves the effective price of a model, applying configured
// defaults for anything the catalog leaves unset.
func (s *Service) PricingFor(m models.CatalogModel) models.ModelPricing {
	p := models.ModelPricing{
		Currency:     "USDC",
		PricePerCall: s.pricing.PricePerCall,
		GasPerCall:   s.pricing.GasPerCall,
		SharePrice:   decimal.NewFromInt(5),
	}
	if m.PricePerAPICallUSDC != nil {
		p.PricePerCall = decimal.NewFromFloat(*m.PricePerAPICallUSDC)
	}
	if m.GasEstimatePerCallUSDC != nil {
		p.GasPerCall = decimal.NewFromFloat(*m.GasEstimatePerCallUSDC)
	}
	if m.SharePriceUSDC != nil {
		p.SharePrice = decimal.Min(s.pricing.ShareMax, decimal.Max(s.pricing.ShareMin, decimal.NewFromFloat(*m.SharePriceUSDC)))
	}
	return p
}

// Ranked returns the catalog ordered by score, highest first. When
// categories are given only models in those categories are returned.
func (s *Service) Ranked(categories []string) []Ranked {
	wanted := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		wanted[strings.ToLower(c)] = struct{}{}
	}

	s.cacheMutex.RLock()
	out := make([]Ranked, 0, len(s.models))
	for _, m := range s.models {
		if len(wanted) > 0 {
			if _, ok := wanted[strings.ToLower(m.Category)]; !ok {
				continue
			}
		}
		out = append(out, Ranked{CatalogModel: m, Pricing: s.PricingFor(m)})
	}
	s.cacheMutex.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Route picks the model for an inference call. A known explicit model wins;
// otherwise the top-ranked model under the constraints is chosen.
func (s *Service) Route(req RouteRequest) (*models.RoutedModel, error) {
	var (
		chosen    models.CatalogModel
		reasoning string
	)
	if m, ok := s.Lookup(req.Model); ok && req.Model != "" {
		chosen = m
		reasoning = fmt.Sprintf("Using requested model %q", m.Name)
	} else {
		ranked := s.Ranked(req.Constraints.PreferredCategories)
		if len(ranked) == 0 {
			return nil, ErrNoModels
		}
		chosen = ranked[0].CatalogModel
		reasoning = fmt.Sprintf("Selected model %q with score %v", chosen.Name, chosen.TotalScore)
	}

	if req.Prompt != "" {
		reasoning += fmt.Sprintf(". Prompt length %d chars", len(req.Prompt))
	} else {
		reasoning += ". Prompt length unavailable"
	}

	version := chosen.Version
	if version == "" {
		version = defaultVersion
	}
	return &models.RoutedModel{
		RequestID: uuid.NewString(),
		ID:        chosen.Name,
		Version:   version,
		Category:  chosen.Category,
		Pricing:   s.PricingFor(chosen),
		Reasoning: reasoning,
	}, nil
}

// EstimateNodes prices every node of a workflow. Unknown node names are
// priced with the configured defaults. A node runs at least one call.
func (s *Service) EstimateNodes(req models.WorkflowRequest) []models.WorkflowNode {
	nodes := make([]models.WorkflowNode, 0, len(req.Nodes))
	for _, spec := range req.Nodes {
		m, _ := s.Lookup(spec.Name)
		calls := spec.Calls
		if calls == 0 {
			calls = spec.Tokens
		}
		if calls < 1 {
			calls = 1
		}
		compute, gas, total := s.PricingFor(m).CallCost(calls)
		nodes = append(nodes, models.WorkflowNode{
			ID:          uuid.NewString(),
			Name:        spec.Name,
			Calls:       calls,
			ComputeCost: compute,
			GasCost:     gas,
			TotalCost:   total,
		})
	}
	return nodes
}
