package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sagepilot/billing-engine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrNotFound means the workspace is unknown to the directory.
var ErrNotFound = errors.New("workspace not found")

// Directory resolves workspaces to their ledger customer. The account
// service owns this mapping; billing only reads it.
type Directory interface {
	CustomerID(ctx context.Context, workspaceID string) (string, error)
}

// HTTPDirectory resolves workspaces against the account service.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewHTTPDirectory(baseURL string, log *zap.Logger) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log.Named("workspace.directory"),
	}
}

func (d *HTTPDirectory) CustomerID(ctx context.Context, workspaceID string) (string, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return "", errors.New("workspace id is required")
	}

	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/billing", d.baseURL, url.PathEscape(workspaceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("workspace directory returned %d", resp.StatusCode)
	}

	var body struct {
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if strings.TrimSpace(body.CustomerID) == "" {
		return "", ErrNotFound
	}
	return body.CustomerID, nil
}

// Static serves a fixed mapping. Used in tests and seeded dev setups.
type Static struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewStatic(entries map[string]string) *Static {
	copied := make(map[string]string, len(entries))
	for workspaceID, customerID := range entries {
		copied[workspaceID] = customerID
	}
	return &Static{entries: copied}
}

func (s *Static) CustomerID(ctx context.Context, workspaceID string) (string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	customerID, ok := s.entries[strings.TrimSpace(workspaceID)]
	if !ok {
		return "", ErrNotFound
	}
	return customerID, nil
}

func (s *Static) Put(workspaceID, customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[workspaceID] = customerID
}

// passthrough treats the workspace id as the ledger customer id. Dev
// setups without an account service address customers directly.
type passthrough struct{}

func (passthrough) CustomerID(_ context.Context, workspaceID string) (string, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return "", errors.New("workspace id is required")
	}
	return workspaceID, nil
}

func NewDirectory(cfg config.Config, log *zap.Logger) Directory {
	if strings.TrimSpace(cfg.WorkspaceDirectoryURL) != "" {
		return NewHTTPDirectory(cfg.WorkspaceDirectoryURL, log)
	}
	log.Warn("workspace directory url not set, using passthrough resolution")
	return passthrough{}
}

var Module = fx.Module("workspace",
	fx.Provide(NewDirectory),
)
