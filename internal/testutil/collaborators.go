package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// WorkResponse is the canned worker answer for one work id.
type WorkResponse struct {
	Status     int
	Body       string
	RetryAfter string
}

// Collaborators is a fake discovery source, worker and forward webhook on one
// HTTP server:
//
//	GET  /discover  lists the configured candidates
//	POST /work      answers per work id, 200 with a JSON payload by default
//	POST /forward   records forwarded payloads
type Collaborators struct {
	Server *httptest.Server

	mu         sync.Mutex
	candidates []map[string]string
	responses  map[string]WorkResponse
	executed   []string
	forwarded  []map[string]interface{}
}

// NewCollaborators starts the fake server. Close it with Server.Close.
func NewCollaborators() *Collaborators {
	c := &Collaborators{responses: make(map[string]WorkResponse)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /discover", c.handleDiscover)
	mux.HandleFunc("POST /work", c.handleWork)
	mux.HandleFunc("POST /forward", c.handleForward)
	c.Server = httptest.NewServer(mux)
	return c
}

// DiscoverURL is the discovery endpoint.
func (c *Collaborators) DiscoverURL() string { return c.Server.URL + "/discover" }

// WorkURL is the worker endpoint.
func (c *Collaborators) WorkURL() string { return c.Server.URL + "/work" }

// ForwardURL is the forward webhook endpoint.
func (c *Collaborators) ForwardURL() string { return c.Server.URL + "/forward" }

// SetCandidates replaces the discovery listing.
func (c *Collaborators) SetCandidates(workIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = make([]map[string]string, 0, len(workIDs))
	for _, id := range workIDs {
		c.candidates = append(c.candidates, map[string]string{"work_id": id, "group_id": "monitored"})
	}
}

// Respond sets the worker answer for workID.
func (c *Collaborators) Respond(workID string, resp WorkResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[workID] = resp
}

// Executed returns the work ids the worker was asked to run, in order.
func (c *Collaborators) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

// Forwarded returns the payloads received by the webhook.
func (c *Collaborators) Forwarded() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.forwarded...)
}

func (c *Collaborators) handleDiscover(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	candidates := c.candidates
	c.mu.Unlock()

	if candidates == nil {
		candidates = []map[string]string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(candidates)
}

func (c *Collaborators) handleWork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkID string `json:"work_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.executed = append(c.executed, req.WorkID)
	resp, ok := c.responses[req.WorkID]
	c.mu.Unlock()

	if !ok {
		resp = WorkResponse{Status: http.StatusOK}
	}
	if resp.RetryAfter != "" {
		w.Header().Set("Retry-After", resp.RetryAfter)
	}
	if resp.Status >= 200 && resp.Status < 300 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		if resp.Body == "" {
			_ = json.NewEncoder(w).Encode(map[string]string{"work_id": req.WorkID, "text": "transcript"})
			return
		}
		_, _ = w.Write([]byte(resp.Body))
		return
	}
	http.Error(w, resp.Body, resp.Status)
}

func (c *Collaborators) handleForward(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.forwarded = append(c.forwarded, payload)
	c.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
}
