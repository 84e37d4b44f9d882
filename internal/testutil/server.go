package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/protocol"
	"github.com/alx-kng/telefender/internal/store"
)

// DefaultOTP is the one-time password FakeServer accepts unless changed.
const DefaultOTP = "123456"

// DefaultPageSize is how many changes FakeServer returns per download page.
const DefaultPageSize = 100

// FakeServer is an in-memory sync server speaking the wire protocol over
// httptest. It keeps one global change log, assigns server change IDs in
// arrival order, and supports failure injection per endpoint.
//
// Thread-safety: safe for concurrent use.
type FakeServer struct {
	*httptest.Server

	mu           sync.Mutex
	otp          string
	pageSize     int
	nextServerID int64
	log          []protocol.WireChange
	seen         map[string]bool
	analyzed     []protocol.WireAnalyzed
	errorLogs    []protocol.WireError
	keys         map[string]string
	requests     map[string]int
	statusFails  map[string]int
	httpFails    map[string]int
	acceptBelow  int64
	dropServerID bool
	downloads    []*int64
}

// NewFakeServer starts a FakeServer. It is closed by t.Cleanup.
func NewFakeServer(t testing.TB) *FakeServer {
	t.Helper()
	fs := &FakeServer{
		otp:         DefaultOTP,
		pageSize:    DefaultPageSize,
		seen:        make(map[string]bool),
		keys:        make(map[string]string),
		requests:    make(map[string]int),
		statusFails: make(map[string]int),
		httpFails:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.PathRequestInstallation, fs.handle(fs.requestInstallation))
	mux.HandleFunc(protocol.PathVerifyInstallation, fs.handle(fs.verifyInstallation))
	mux.HandleFunc(protocol.PathUploadChange, fs.handle(fs.uploadChange))
	mux.HandleFunc(protocol.PathUploadAnalyzed, fs.handle(fs.uploadAnalyzed))
	mux.HandleFunc(protocol.PathUploadError, fs.handle(fs.uploadError))
	mux.HandleFunc(protocol.PathDownloadChange, fs.handle(fs.downloadChange))

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

// Client returns a protocol client pointed at the server.
func (fs *FakeServer) Client() *protocol.HTTPClient {
	return protocol.NewHTTPClient(fs.URL)
}

// SetOTP changes the accepted one-time password.
func (fs *FakeServer) SetOTP(otp string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.otp = otp
}

// SetPageSize changes the download page size.
func (fs *FakeServer) SetPageSize(n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.pageSize = n
}

// Register issues a key for instance without the handshake.
func (fs *FakeServer) Register(instance string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := "key-" + instance
	fs.keys[instance] = key
	return key
}

// RegisterStore registers instance and stores its session and key in s, as
// a completed setup would.
func (fs *FakeServer) RegisterStore(t testing.TB, s *store.Store, instance string) {
	t.Helper()
	key := fs.Register(instance)
	ctx := context.Background()
	if err := s.SetSession(ctx, instance, "session-"+instance); err != nil {
		t.Fatalf("SetSession() failed: %v", err)
	}
	if err := s.SetClientKey(ctx, key); err != nil {
		t.Fatalf("SetClientKey() failed: %v", err)
	}
}

// Push appends changes originated elsewhere, assigning server change IDs.
// Changes already known by change ID are ignored.
func (fs *FakeServer) Push(changes ...changelog.ChangeLog) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range changes {
		fs.appendLocked(protocol.FromChangeLog(c))
	}
}

// FailStatus makes the next n requests to path answer with a non-ok status.
func (fs *FakeServer) FailStatus(path string, n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.statusFails[path] = n
}

// FailHTTP makes the next n requests to path answer 503.
func (fs *FakeServer) FailHTTP(path string, n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.httpFails[path] = n
}

// AcceptBelow makes uploads accept only rows with rowID < id and report a
// partial failure at id. Zero disables it.
func (fs *FakeServer) AcceptBelow(id int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.acceptBelow = id
}

// DropServerIDOnce strips the server change ID from the first change of
// the next non-empty download page.
func (fs *FakeServer) DropServerIDOnce() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dropServerID = true
}

// Log returns the server's change log in server order.
func (fs *FakeServer) Log() []protocol.WireChange {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]protocol.WireChange{}, fs.log...)
}

// Analyzed returns every analyzed row received.
func (fs *FakeServer) Analyzed() []protocol.WireAnalyzed {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]protocol.WireAnalyzed{}, fs.analyzed...)
}

// ErrorLogs returns every error row received.
func (fs *FakeServer) ErrorLogs() []protocol.WireError {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]protocol.WireError{}, fs.errorLogs...)
}

// Requests returns how many requests path received.
func (fs *FakeServer) Requests(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[path]
}

// Downloads returns the lastChangeID of every download request, in order.
func (fs *FakeServer) Downloads() []*int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]*int64{}, fs.downloads...)
}

// handle wraps an endpoint with request counting and failure injection.
// The endpoint runs with fs.mu held.
func (fs *FakeServer) handle(fn func(r *http.Request) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		fs.mu.Lock()
		path := r.URL.Path
		fs.requests[path]++

		if fs.httpFails[path] > 0 {
			fs.httpFails[path]--
			fs.mu.Unlock()
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		var resp any
		if fs.statusFails[path] > 0 {
			fs.statusFails[path]--
			msg := "injected failure"
			resp = protocol.Result{Status: "error", Error: &msg}
		} else {
			resp = fn(r)
		}
		fs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func fail(status, msg string) protocol.Result {
	return protocol.Result{Status: status, Error: &msg}
}

func ok() protocol.Result {
	return protocol.Result{Status: protocol.StatusOK}
}

func (fs *FakeServer) requestInstallation(r *http.Request) any {
	var req protocol.DefaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return fail("bad request", err.Error())
	}
	return protocol.SessionResponse{Result: ok(), SessionID: "session-" + req.InstanceNumber}
}

func (fs *FakeServer) verifyInstallation(r *http.Request) any {
	var req protocol.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return fail("bad request", err.Error())
	}
	if req.SessionID != "session-"+req.InstanceNumber {
		return protocol.KeyResponse{Result: fail("invalid session", req.SessionID)}
	}
	if req.OTP != fs.otp {
		return protocol.KeyResponse{Result: fail("invalid otp", "one-time password rejected")}
	}
	key := "key-" + req.InstanceNumber
	fs.keys[req.InstanceNumber] = key
	return protocol.KeyResponse{Result: ok(), Key: key}
}

func (fs *FakeServer) authorized(env protocol.KeyedEnvelope) bool {
	key, found := fs.keys[env.InstanceNumber]
	return found && key == env.Key
}

func (fs *FakeServer) uploadChange(r *http.Request) any {
	var req protocol.UploadChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return protocol.UploadResponse{Result: fail("bad request", err.Error())}
	}
	if !fs.authorized(req.KeyedEnvelope) {
		return protocol.UploadResponse{Result: fail("unauthorized", "unknown key")}
	}

	var last int64
	for _, c := range req.Changes {
		if fs.acceptBelow > 0 && c.RowID >= fs.acceptBelow {
			return protocol.UploadResponse{Result: fail("partial", "row rejected"), LastUploadedRowID: fs.acceptBelow}
		}
		c.ServerChangeID = nil
		rowID := c.RowID
		c.RowID = 0
		fs.appendLocked(c)
		last = max(last, rowID)
	}
	return protocol.UploadResponse{Result: ok(), LastUploadedRowID: last}
}

func (fs *FakeServer) uploadAnalyzed(r *http.Request) any {
	var req protocol.UploadAnalyzedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return protocol.UploadResponse{Result: fail("bad request", err.Error())}
	}
	if !fs.authorized(req.KeyedEnvelope) {
		return protocol.UploadResponse{Result: fail("unauthorized", "unknown key")}
	}

	var last int64
	for _, a := range req.AnalyzedNumbers {
		if fs.acceptBelow > 0 && a.RowID >= fs.acceptBelow {
			return protocol.UploadResponse{Result: fail("partial", "row rejected"), LastUploadedRowID: fs.acceptBelow}
		}
		fs.analyzed = append(fs.analyzed, a)
		last = max(last, a.RowID)
	}
	return protocol.UploadResponse{Result: ok(), LastUploadedRowID: last}
}

func (fs *FakeServer) uploadError(r *http.Request) any {
	var req protocol.UploadErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return protocol.UploadResponse{Result: fail("bad request", err.Error())}
	}
	if !fs.authorized(req.KeyedEnvelope) {
		return protocol.UploadResponse{Result: fail("unauthorized", "unknown key")}
	}

	var last int64
	for _, e := range req.ErrorLogs {
		if fs.acceptBelow > 0 && e.RowID >= fs.acceptBelow {
			return protocol.UploadResponse{Result: fail("partial", "row rejected"), LastUploadedRowID: fs.acceptBelow}
		}
		fs.errorLogs = append(fs.errorLogs, e)
		last = max(last, e.RowID)
	}
	return protocol.UploadResponse{Result: ok(), LastUploadedRowID: last}
}

func (fs *FakeServer) downloadChange(r *http.Request) any {
	var req protocol.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return protocol.ChangeResponse{Result: fail("bad request", err.Error())}
	}
	if !fs.authorized(req.KeyedEnvelope) {
		return protocol.ChangeResponse{Result: fail("unauthorized", "unknown key")}
	}
	fs.downloads = append(fs.downloads, req.LastChangeID)

	var after int64
	if req.LastChangeID != nil {
		after = *req.LastChangeID
	}

	page := []protocol.WireChange{}
	for _, c := range fs.log {
		if *c.ServerChangeID <= after {
			continue
		}
		page = append(page, c)
		if len(page) == fs.pageSize {
			break
		}
	}
	if fs.dropServerID && len(page) > 0 {
		fs.dropServerID = false
		page[0].ServerChangeID = nil
	}
	return protocol.ChangeResponse{Result: ok(), Changes: page}
}

// appendLocked adds c to the log with the next server ID unless its change
// ID is already known. Caller holds fs.mu.
func (fs *FakeServer) appendLocked(c protocol.WireChange) {
	if fs.seen[c.ChangeID] {
		return
	}
	fs.seen[c.ChangeID] = true
	fs.nextServerID++
	id := fs.nextServerID
	c.ServerChangeID = &id
	c.RowID = 0
	fs.log = append(fs.log, c)
}
