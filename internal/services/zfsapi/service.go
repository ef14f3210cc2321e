// Package zfsapi is the JSON-RPC client for the ZFS storage API. All
// low-level snapshot, hold and replication mechanics live behind this API;
// the agent only issues calls and interprets results.
package zfsapi

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

	"github.com/rs/zerolog"
	"github.com/zfstools/autobackupd/internal/models"
)

// ErrTransient marks network-level failures talking to the API. Callers retry
// on the next tick or poll; the error is never fatal in steady state.
var ErrTransient = errors.New("zfs api unreachable")

// RPCError is an error object returned by the API itself.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("zfs api error %d: %s", e.Code, e.Message)
}

// Service defines the storage API capabilities the agent consumes.
type Service interface {
	Health(ctx context.Context) error
	CreateSnapshot(ctx context.Context, dataset, name string) error
	ListSnapshots(ctx context.Context, dataset string) ([]string, error)
	DestroySnapshot(ctx context.Context, dataset, name string) error
	ListHolds(ctx context.Context, dataset string) (map[string][]string, error)
	PlaceHold(ctx context.Context, dataset, snapshot, tag string) error
	ReleaseHold(ctx context.Context, dataset, snapshot, tag string) error
	StartMigration(ctx context.Context, dataset, snapshot, remoteHost, remoteDataset string) (string, error)
	PollMigration(ctx context.Context, taskID string) (models.Migration, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Service interface over JSON-RPC 2.0.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new ZFS API client.
func New(logger zerolog.Logger, cfg models.APIConfig) *Impl {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Impl{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
	}
}

// NewWithClient creates a new ZFS API client with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (s *Impl) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{Jsonrpc: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransient, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrTransient, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", ErrTransient, method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to parse %s result: %w", method, err)
		}
	}
	return nil
}

// Health checks the API's health endpoint.
func (s *Impl) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrTransient, resp.StatusCode)
	}
	return nil
}

// CreateSnapshot creates a named snapshot on a dataset.
func (s *Impl) CreateSnapshot(ctx context.Context, dataset, name string) error {
	s.logger.Debug().Str("dataset", dataset).Str("snapshot", name).Msg("creating snapshot")
	return s.call(ctx, "snapshot_create", map[string]any{
		"dataset":   dataset,
		"name":      name,
		"recursive": false,
	}, nil)
}

type snapshotListResult struct {
	Snapshots []string `json:"snapshots"`
}

// ListSnapshots returns the snapshot names of a dataset.
func (s *Impl) ListSnapshots(ctx context.Context, dataset string) ([]string, error) {
	var result snapshotListResult
	if err := s.call(ctx, "snapshot_list", map[string]any{"dataset": dataset}, &result); err != nil {
		return nil, err
	}
	return result.Snapshots, nil
}

// DestroySnapshot destroys a snapshot.
func (s *Impl) DestroySnapshot(ctx context.Context, dataset, name string) error {
	s.logger.Debug().Str("dataset", dataset).Str("snapshot", name).Msg("destroying snapshot")
	return s.call(ctx, "snapshot_destroy", map[string]any{
		"dataset":   dataset,
		"snapshot":  name,
		"recursive": false,
	}, nil)
}

type holdsListResult struct {
	Holds []string `json:"holds"`
}

// ListHolds returns the holds of every snapshot of a dataset. The API exposes
// holds per snapshot, so the dataset-wide view is assembled here; snapshots
// without holds are absent from the map.
func (s *Impl) ListHolds(ctx context.Context, dataset string) (map[string][]string, error) {
	snaps, err := s.ListSnapshots(ctx, dataset)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string)
	for _, snap := range snaps {
		var result holdsListResult
		err := s.call(ctx, "snapshot_holds_list", map[string]any{
			"dataset":  dataset,
			"snapshot": snap,
		}, &result)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				return nil, err
			}
			// Snapshot gone between list and holds query; skip it.
			s.logger.Debug().Err(err).Str("snapshot", snap).Msg("holds query failed")
			continue
		}
		if len(result.Holds) > 0 {
			out[snap] = result.Holds
		}
	}
	return out, nil
}

// PlaceHold places a hold on a snapshot.
func (s *Impl) PlaceHold(ctx context.Context, dataset, snapshot, tag string) error {
	s.logger.Debug().Str("dataset", dataset).Str("snapshot", snapshot).Str("tag", tag).Msg("placing hold")
	return s.call(ctx, "snapshot_hold", map[string]any{
		"dataset":   dataset,
		"snapshot":  snapshot,
		"tag":       tag,
		"recursive": false,
	}, nil)
}

// ReleaseHold releases a hold from a snapshot.
func (s *Impl) ReleaseHold(ctx context.Context, dataset, snapshot, tag string) error {
	s.logger.Debug().Str("dataset", dataset).Str("snapshot", snapshot).Str("tag", tag).Msg("releasing hold")
	return s.call(ctx, "snapshot_release", map[string]any{
		"dataset":   dataset,
		"snapshot":  snapshot,
		"tag":       tag,
		"recursive": false,
	}, nil)
}

type migrationCreateResult struct {
	TaskID string `json:"task_id"`
}

// StartMigration starts an asynchronous replication of dataset@snapshot to
// the remote host and returns the job id to poll.
func (s *Impl) StartMigration(ctx context.Context, dataset, snapshot, remoteHost, remoteDataset string) (string, error) {
	var result migrationCreateResult
	err := s.call(ctx, "migration_create", map[string]any{
		"source":      fmt.Sprintf("%s@%s", dataset, snapshot),
		"destination": remoteDataset,
		"remote":      remoteHost,
		"recursive":   true,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.TaskID == "" {
		return "", fmt.Errorf("migration_create returned no task id")
	}
	return result.TaskID, nil
}

type migrationGetResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

// PollMigration returns the current status of a replication job.
func (s *Impl) PollMigration(ctx context.Context, taskID string) (models.Migration, error) {
	var result migrationGetResult
	if err := s.call(ctx, "migration_get", map[string]any{"task_id": taskID}, &result); err != nil {
		return models.Migration{}, err
	}
	detail := result.Detail
	if result.Error != "" {
		detail = result.Error
	}
	return models.Migration{
		TaskID: taskID,
		Status: models.MigrationStatus(result.Status),
		Detail: detail,
	}, nil
}
