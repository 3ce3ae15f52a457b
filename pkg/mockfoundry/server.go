// Package mockfoundry serves the dataset transaction endpoints the publisher
// uses, keeping everything in memory.
package mockfoundry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// Upload records a file staged into a transaction.
type Upload struct {
	DatasetRID     string
	TransactionRID string
	FilePath       string
	ContentType    string
	Bytes          []byte
}

type transaction struct {
	rid        string
	datasetRID string
	branch     string
	txnType    string
	status     string
	created    time.Time
	files      map[string][]byte
}

// Server implements a minimal Foundry-like dataset API.
type Server struct {
	mu      sync.Mutex
	calls   []Call
	uploads []Upload

	expectedAuthorization string

	nextTxn int
	txns    []*transaction
	// views holds the committed files per dataset RID and branch.
	views map[string]map[string][]byte

	failStatus int
	failLeft   int
}

func New() *Server {
	return &Server{
		nextTxn: 1,
		views:   make(map[string]map[string][]byte),
	}
}

// RequireBearerToken enforces an Authorization header matching token.
// An empty token disables the check.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// FailNext makes the next n requests answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLeft = n
	s.failStatus = status
}

// OpenTransaction opens a transaction as if a build were writing to the
// dataset, and returns its RID.
func (s *Server) OpenTransaction(datasetRID, branch string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(datasetRID, branch, "SNAPSHOT").rid
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/datasets/", s.handleDatasets)
	return mux
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Files returns the committed view of a dataset branch.
func (s *Server) Files(datasetRID, branch string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range s.views[viewKey(datasetRID, branch)] {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// TransactionStatus returns OPEN, COMMITTED or ABORTED, or "" when unknown.
func (s *Server) TransactionStatus(txnRID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.findLocked(txnRID); t != nil {
		return t.status
	}
	return ""
}

func viewKey(datasetRID, branch string) string {
	if branch == "" {
		branch = "master"
	}
	return datasetRID + "@" + branch
}

func (s *Server) openLocked(datasetRID, branch, txnType string) *transaction {
	if branch == "" {
		branch = "master"
	}
	t := &transaction{
		rid:        fmt.Sprintf("ri.foundry.main.transaction.%08d", s.nextTxn),
		datasetRID: datasetRID,
		branch:     branch,
		txnType:    txnType,
		status:     "OPEN",
		created:    time.Now().UTC(),
		files:      make(map[string][]byte),
	}
	s.nextTxn++
	s.txns = append(s.txns, t)
	return t
}

func (s *Server) findLocked(txnRID string) *transaction {
	for _, t := range s.txns {
		if t.rid == txnRID {
			return t
		}
	}
	return nil
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
	expected := s.expectedAuthorization
	failStatus := 0
	if s.failLeft > 0 {
		s.failLeft--
		failStatus = s.failStatus
	}
	s.mu.Unlock()

	if expected != "" && r.Header.Get("Authorization") != expected {
		writeConjureError(w, http.StatusUnauthorized, "UNAUTHORIZED", "MissingCredentials")
		return
	}
	if failStatus != 0 {
		writeConjureError(w, failStatus, "INTERNAL", "Default:Internal")
		return
	}

	// {rid}/transactions
	// {rid}/transactions/{txn}/commit|abort
	// {rid}/files/{path...}/upload
	rest := strings.TrimPrefix(r.URL.Path, "/api/v2/datasets/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || !isSafeToken(parts[0]) {
		http.NotFound(w, r)
		return
	}
	rid := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "transactions":
		switch r.Method {
		case http.MethodPost:
			s.handleCreateTransaction(w, r, rid)
		case http.MethodGet:
			s.handleListTransactions(w, rid)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 4 && parts[1] == "transactions" && (parts[3] == "commit" || parts[3] == "abort"):
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleClose(w, rid, parts[2], parts[3] == "commit")
	case len(parts) >= 4 && parts[1] == "files" && parts[len(parts)-1] == "upload":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		filePath := strings.Join(parts[2:len(parts)-1], "/")
		if !isSafeFilePath(filePath) {
			http.Error(w, "invalid file path", http.StatusBadRequest)
			return
		}
		s.handleUpload(w, r, rid, filePath)
	default:
		http.NotFound(w, r)
	}
}

type transactionJSON struct {
	RID             string  `json:"rid"`
	TransactionType string  `json:"transactionType"`
	Status          string  `json:"status"`
	CreatedTime     string  `json:"createdTime"`
	ClosedTime      *string `json:"closedTime,omitempty"`
}

func (t *transaction) json() transactionJSON {
	return transactionJSON{
		RID:             t.rid,
		TransactionType: t.txnType,
		Status:          t.status,
		CreatedTime:     t.created.Format(time.RFC3339Nano),
	}
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request, datasetRID string) {
	var req struct {
		TransactionType string `json:"transactionType"`
	}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		if err := json.Unmarshal(b, &req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	if req.TransactionType == "" {
		req.TransactionType = "APPEND"
	}
	branch := r.URL.Query().Get("branchName")

	s.mu.Lock()
	for _, t := range s.txns {
		if t.datasetRID == datasetRID && t.status == "OPEN" {
			s.mu.Unlock()
			writeConjureError(w, http.StatusConflict, "CONFLICT", "OpenTransactionAlreadyExists")
			return
		}
	}
	t := s.openLocked(datasetRID, branch, req.TransactionType)
	out := t.json()
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, datasetRID string) {
	s.mu.Lock()
	var data []transactionJSON
	for _, t := range s.txns {
		if t.datasetRID == datasetRID {
			data = append(data, t.json())
		}
	}
	s.mu.Unlock()

	// Newest first.
	sort.SliceStable(data, func(i, j int) bool { return data[i].RID > data[j].RID })
	writeJSON(w, map[string]any{"data": data})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, datasetRID, filePath string) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	txnRID := r.URL.Query().Get("transactionRid")

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findLocked(txnRID)
	if t == nil || t.datasetRID != datasetRID {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if t.status != "OPEN" {
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	t.files[filePath] = b
	s.uploads = append(s.uploads, Upload{
		DatasetRID:     datasetRID,
		TransactionRID: txnRID,
		FilePath:       filePath,
		ContentType:    r.Header.Get("Content-Type"),
		Bytes:          b,
	})
	writeJSON(w, map[string]string{"path": filePath, "transactionRid": txnRID})
}

func (s *Server) handleClose(w http.ResponseWriter, datasetRID, txnRID string, commit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findLocked(txnRID)
	if t == nil || t.datasetRID != datasetRID {
		writeConjureError(w, http.StatusNotFound, "NOT_FOUND", "TransactionNotFound")
		return
	}
	if t.status != "OPEN" {
		writeConjureError(w, http.StatusConflict, "CONFLICT", "TransactionNotOpen")
		return
	}
	if !commit {
		t.status = "ABORTED"
		writeJSON(w, t.json())
		return
	}

	key := viewKey(datasetRID, t.branch)
	view := s.views[key]
	if view == nil || t.txnType == "SNAPSHOT" {
		view = make(map[string][]byte)
	}
	for p, b := range t.files {
		view[p] = b
	}
	s.views[key] = view
	t.status = "COMMITTED"
	writeJSON(w, t.json())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeConjureError(w http.ResponseWriter, status int, code, name string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errorCode":       code,
		"errorName":       name,
		"errorInstanceId": "00000000-0000-0000-0000-000000000000",
	})
}

func isSafeToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/\\")
}

func isSafeFilePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
