// Package feishutest provides an in-process fake of the open platform wiki
// and docx endpoints for tests.
package feishutest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/wiki-tree-crawler/internal/crawler"
)

// CodeInvalidToken is returned when the Authorization header is missing.
const CodeInvalidToken = 99991663

// Failure is a scripted error reply.
type Failure struct {
	Status     int
	Code       int
	Msg        string
	RetryAfter string
}

// Server serves a static wiki tree. Listing pages are cut with the requested
// page_size and page_token is the offset of the next page.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	nodes    map[string]map[string][]crawler.Node
	spaces   []map[string]string
	docs     map[string]string
	failures map[string]Failure
	calls    atomic.Int64
}

// NewServer starts a fake server. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		nodes:    make(map[string]map[string][]crawler.Node),
		docs:     make(map[string]string),
		failures: make(map[string]Failure),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/wiki/v2/spaces", s.handleSpaces)
	mux.HandleFunc("/open-apis/wiki/v2/spaces/", s.handleNodes)
	mux.HandleFunc("/open-apis/docx/v1/documents/", s.handleDoc)
	s.Server = httptest.NewServer(s.authorize(mux))
	return s
}

// AddNodes appends children under parent; an empty parent is the space root.
func (s *Server) AddNodes(space, parent string, nodes ...crawler.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[space] == nil {
		s.nodes[space] = make(map[string][]crawler.Node)
	}
	s.nodes[space][parent] = append(s.nodes[space][parent], nodes...)
}

// AddSpace registers a space for the space listing.
func (s *Server) AddSpace(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spaces = append(s.spaces, map[string]string{"space_id": id, "name": name})
}

// AddDocument registers the raw content of a docx document.
func (s *Server) AddDocument(objToken, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[objToken] = content
}

// FailListing makes every listing of parent in space reply with f.
func (s *Server) FailListing(space, parent string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[space+"/"+parent] = f
}

// Calls reports how many authorized requests the server handled.
func (s *Server) Calls() int64 {
	return s.calls.Load()
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			writeFailure(w, Failure{Status: http.StatusUnauthorized, Code: CodeInvalidToken, Msg: "invalid access token"})
			return
		}
		s.calls.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSpaces(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	items := append([]map[string]string(nil), s.spaces...)
	s.mu.Unlock()
	writeData(w, map[string]any{"items": items, "has_more": false})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/open-apis/wiki/v2/spaces/")
	space, ok := strings.CutSuffix(rest, "/nodes")
	if !ok || space == "" {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	parent := q.Get("parent_node_token")

	s.mu.Lock()
	f, failing := s.failures[space+"/"+parent]
	children := append([]crawler.Node(nil), s.nodes[space][parent]...)
	s.mu.Unlock()
	if failing {
		writeFailure(w, f)
		return
	}

	size, err := strconv.Atoi(q.Get("page_size"))
	if err != nil || size <= 0 {
		size = len(children)
	}
	offset := 0
	if tok := q.Get("page_token"); tok != "" {
		offset, err = strconv.Atoi(tok)
		if err != nil || offset > len(children) {
			writeFailure(w, Failure{Status: http.StatusBadRequest, Code: 131002, Msg: "invalid page_token"})
			return
		}
	}
	end := offset + size
	if end > len(children) {
		end = len(children)
	}
	page := crawler.Page{Items: make([]*crawler.Node, 0, end-offset), HasMore: end < len(children)}
	for i := offset; i < end; i++ {
		n := children[i]
		if n.SpaceID == "" {
			n.SpaceID = space
		}
		n.ParentNodeToken = parent
		page.Items = append(page.Items, &n)
	}
	if page.HasMore {
		page.PageToken = strconv.Itoa(end)
	}
	writeData(w, page)
}

func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/open-apis/docx/v1/documents/")
	obj, ok := strings.CutSuffix(rest, "/raw_content")
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	content, found := s.docs[obj]
	s.mu.Unlock()
	if !found {
		writeFailure(w, Failure{Status: http.StatusNotFound, Code: 1770002, Msg: "document not found"})
		return
	}
	writeData(w, map[string]string{"content": content})
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "success", "data": data})
}

func writeFailure(w http.ResponseWriter, f Failure) {
	if f.Status == 0 {
		f.Status = http.StatusOK
	}
	if f.RetryAfter != "" {
		w.Header().Set("Retry-After", f.RetryAfter)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": f.Code, "msg": f.Msg})
}
