package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeoutSeconds is used when a caller doesn't specify one.
const DefaultRequestTimeoutSeconds = 30

// CreateRequest persists a new open TaskRequest from requestingAgent and
// broadcasts a "request" message carrying the new request's id so every
// other agent's inbox learns about it.
func (b *Bus) CreateRequest(requestingAgent, description, context string, timeoutSeconds int) (*TaskRequest, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultRequestTimeoutSeconds
	}

	req := TaskRequest{
		ID:              uuid.NewString(),
		RequestingAgent: requestingAgent,
		Description:     description,
		Context:         context,
		Status:          RequestOpen,
		CreatedAt:       time.Now().UTC(),
		TimeoutSeconds:  timeoutSeconds,
	}

	b.mu.Lock()
	if err := b.writeRequestLocked(&req); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Unlock()

	if _, err := b.WriteMessage(requestingAgent, AllRecipient, description, WriteOptions{
		Type: TypeRequest, RequestID: req.ID,
	}); err != nil && b.log != nil {
		b.log.Warn("failed to broadcast request notice", "request_id", req.ID, "error", err)
	}
	return &req, nil
}

// requestFilePath finds a request's file by scanning, since the
// caller typically only has the ID, not the original timestamp.
func (b *Bus) requestFilePath(id string) (string, *TaskRequest, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, requestsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("request %s not found", id)
		}
		return "", nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(b.root, requestsDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var req TaskRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.ID == id {
			return path, &req, nil
		}
	}
	return "", nil, fmt.Errorf("request %s not found", id)
}

func (b *Bus) writeRequestLocked(req *TaskRequest) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	return writeAtomic(filepath.Join(b.root, requestsDir), sortableFilename(req.CreatedAt, req.ID), data)
}

func (b *Bus) isExpired(req *TaskRequest) bool {
	if req.Status != RequestOpen {
		return false
	}
	return time.Since(req.CreatedAt) > time.Duration(req.TimeoutSeconds)*time.Second
}

// ListOpenRequests returns every request still open, lazily marking any
// that have timed out as expired before filtering them out.
func (b *Bus) ListOpenRequests() ([]TaskRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(b.root, requestsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var open []TaskRequest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(b.root, requestsDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var req TaskRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if b.isExpired(&req) {
			req.Status = RequestExpired
			if data, err := json.MarshalIndent(req, "", "  "); err == nil {
				_ = writeAtomic(filepath.Join(b.root, requestsDir), e.Name(), data)
			}
			continue
		}
		if req.Status == RequestOpen {
			open = append(open, req)
		}
	}
	return open, nil
}

// GetRequest fetches a single request by ID, lazily expiring it first
// if its timeout has elapsed.
func (b *Bus) GetRequest(id string) (*TaskRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, req, err := b.requestFilePath(id)
	if err != nil {
		return nil, err
	}
	if b.isExpired(req) {
		req.Status = RequestExpired
		if data, err := json.MarshalIndent(req, "", "  "); err == nil {
			dir, file := filepath.Split(path)
			_ = writeAtomic(dir, file, data)
		}
	}
	return req, nil
}

// ClaimRequest atomically transitions an open request to claimed by
// claimingAgent. Returns an error if the request is missing, already
// claimed/completed, or has expired (lazily expiring it first).
func (b *Bus) ClaimRequest(id, claimingAgent string) (*TaskRequest, error) {
	b.mu.Lock()

	path, req, err := b.requestFilePath(id)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if b.isExpired(req) {
		req.Status = RequestExpired
		dir, file := filepath.Split(path)
		if data, err := json.MarshalIndent(req, "", "  "); err == nil {
			_ = writeAtomic(dir, file, data)
		}
		b.mu.Unlock()
		return nil, fmt.Errorf("request %s has expired", id)
	}
	if req.Status != RequestOpen {
		b.mu.Unlock()
		return nil, fmt.Errorf("request %s is not open (status=%s)", id, req.Status)
	}

	now := time.Now().UTC()
	req.Status = RequestClaimed
	req.ClaimedBy = claimingAgent
	req.ClaimedAt = &now

	dir, file := filepath.Split(path)
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("marshaling claimed request: %w", err)
	}
	if err := writeAtomic(dir, file, data); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("writing claimed request: %w", err)
	}
	b.mu.Unlock()

	if _, err := b.WriteMessage(claimingAgent, req.RequestingAgent, fmt.Sprintf("Your request %q was claimed", req.Description), WriteOptions{
		Type: TypeResponse, RequestID: req.ID,
	}); err != nil && b.log != nil {
		b.log.Warn("failed to send claim response", "request_id", req.ID, "error", err)
	}
	return req, nil
}

// CompleteRequest marks a claimed request as completed, recording the
// claimant's decision (e.g. "allow"/"deny" for a permission-ask
// escalation; empty for a plain open-claim request with no decision to
// record).
func (b *Bus) CompleteRequest(id, decision string) (*TaskRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, req, err := b.requestFilePath(id)
	if err != nil {
		return nil, err
	}
	req.Status = RequestComplete
	req.Decision = decision
	dir, file := filepath.Split(path)
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling completed request: %w", err)
	}
	if err := writeAtomic(dir, file, data); err != nil {
		return nil, fmt.Errorf("writing completed request: %w", err)
	}
	return req, nil
}
