// Copyright 2017 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http serves the page store's data plane over HTTP and provides a
// client for it.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	_ "net/http/pprof" // Imported for its side-effect of registering pprof endpoints with the server.
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/kv"
	"github.com/featurebasedb/pagestore/logger"
	"github.com/featurebasedb/pagestore/stats"
	"github.com/featurebasedb/pagestore/tracing"
	"github.com/featurebasedb/pagestore/wire"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler represents an HTTP handler.
type Handler struct {
	Handler http.Handler

	logger logger.Logger
	stats  stats.StatsClient

	// Keeps the query argument validators for each handler
	validators map[string]*queryValidationSpec

	store     *pagestore.Store
	collector *pagestore.Collector

	compression wire.Compression
	started     time.Time

	ln net.Listener

	closeTimeout time.Duration

	// bodyLimits bounds request bodies per route name. Other routes are
	// bounded by defaultBodyLimit.
	bodyLimits map[string]int64

	server *http.Server
}

// defaultBodyLimit bounds request bodies without pages.
const defaultBodyLimit = 4 << 20

// maxEncodedPage is the size of the largest page in a JSON body, base64
// encoded with its page number.
const maxEncodedPage = pagestore.MaxPageSize*4/3 + 64

// handlerOption is a functional option type for Handler
type handlerOption func(s *Handler) error

func OptHandlerAllowedOrigins(origins []string) handlerOption {
	return func(h *Handler) error {
		h.Handler = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedHeaders([]string{"Content-Type", "Content-Encoding"}),
			handlers.AllowedMethods([]string{"GET", "POST", "DELETE"}),
			handlers.ExposedHeaders([]string{wire.HeaderPageVersion, wire.HeaderSnapshotVersion}),
		)(h.Handler)
		return nil
	}
}

func OptHandlerStore(s *pagestore.Store) handlerOption {
	return func(h *Handler) error {
		h.store = s
		return nil
	}
}

// OptHandlerCollector reports the last collection of c on /status.
func OptHandlerCollector(c *pagestore.Collector) handlerOption {
	return func(h *Handler) error {
		h.collector = c
		return nil
	}
}

func OptHandlerLogger(logger logger.Logger) handlerOption {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

func OptHandlerStatsClient(c stats.StatsClient) handlerOption {
	return func(h *Handler) error {
		h.stats = c
		return nil
	}
}

// OptHandlerCompression enables compressed page responses for clients
// which accept c.
func OptHandlerCompression(c wire.Compression) handlerOption {
	return func(h *Handler) error {
		h.compression = c
		return nil
	}
}

func OptHandlerListener(ln net.Listener) handlerOption {
	return func(h *Handler) error {
		h.ln = ln
		return nil
	}
}

// OptHandlerCloseTimeout controls how long to wait for the http Server to
// shutdown cleanly before forcibly destroying it. Default is 30 seconds.
func OptHandlerCloseTimeout(d time.Duration) handlerOption {
	return func(h *Handler) error {
		h.closeTimeout = d
		return nil
	}
}

// NewHandler returns a new instance of Handler with a default logger.
func NewHandler(opts ...handlerOption) (*Handler, error) {
	handler := &Handler{
		logger:       logger.NopLogger,
		stats:        stats.NopStatsClient,
		compression:  wire.CompressionNone,
		closeTimeout: time.Second * 30,
		started:      time.Now(),
	}
	handler.Handler = newRouter(handler)
	handler.populateValidators()

	for _, opt := range opts {
		err := opt(handler)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	if handler.store == nil {
		return nil, errors.New(pagestore.ErrMalformed, "must pass OptHandlerStore")
	}

	if handler.ln == nil {
		return nil, errors.New(pagestore.ErrMalformed, "must pass OptHandlerListener")
	}

	cfg := handler.store.Config()
	handler.bodyLimits = map[string]int64{
		"PostCommit":          int64(cfg.Commit.MaxWritePages)*maxEncodedPage + defaultBodyLimit,
		"PostMultiPhaseStage": int64(cfg.Commit.PhaseSize)*maxEncodedPage + defaultBodyLimit,
	}

	handler.server = &http.Server{Handler: handler}

	return handler, nil
}

func (h *Handler) Serve() error {
	err := h.server.Serve(h.ln)
	if err != nil && err != http.ErrServerClosed {
		h.logger.Errorf("HTTP handler terminated with error: %s", err)
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Close tries to cleanly shutdown the HTTP server, and failing that, after a
// timeout, calls Server.Close.
func (h *Handler) Close() error {
	deadlineCtx, cancelFunc := context.WithDeadline(context.Background(), time.Now().Add(h.closeTimeout))
	defer cancelFunc()
	err := h.server.Shutdown(deadlineCtx)
	if err != nil {
		err = h.server.Close()
	}
	return errors.Wrap(err, "shutdown/close http server")
}

func (h *Handler) populateValidators() {
	h.validators = map[string]*queryValidationSpec{}
	h.validators["GetNamespaces"] = queryValidationSpecRequired()
	h.validators["GetNamespace"] = queryValidationSpecRequired()
	h.validators["PostNamespace"] = queryValidationSpecRequired()
	h.validators["DeleteNamespace"] = queryValidationSpecRequired()
	h.validators["GetVersion"] = queryValidationSpecRequired()
	h.validators["GetPage"] = queryValidationSpecRequired().Optional("version")
	h.validators["PostCommit"] = queryValidationSpecRequired()
	h.validators["GetMultiPhase"] = queryValidationSpecRequired()
	h.validators["PostMultiPhase"] = queryValidationSpecRequired()
	h.validators["PostMultiPhaseStage"] = queryValidationSpecRequired()
	h.validators["PostMultiPhaseFinalize"] = queryValidationSpecRequired()
	h.validators["DeleteMultiPhase"] = queryValidationSpecRequired()
	h.validators["PostRecover"] = queryValidationSpecRequired()
	h.validators["PostGC"] = queryValidationSpecRequired()
	h.validators["GetStatus"] = queryValidationSpecRequired()
	h.validators["GetServerVersion"] = queryValidationSpecRequired()
}

func (h *Handler) queryArgValidator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := mux.CurrentRoute(r).GetName()

		if validator, ok := h.validators[key]; ok {
			if err := validator.validate(r.URL.Query()); err != nil {
				h.writeError(w, errors.New(pagestore.ErrMalformed, err.Error()))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) extractTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span, ctx := tracing.GlobalTracer.ExtractHTTPHeaders(r)
		defer span.Finish()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) collectStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(t)

		statsTags := make([]string, 0, 2)
		path, err := mux.CurrentRoute(r).GetPathTemplate()
		if err == nil {
			statsTags = append(statsTags, "path:"+path)
		}
		statsTags = append(statsTags, "method:"+r.Method)

		h.stats.WithTags(statsTags...).Timing(pagestore.MetricHTTPRequest, dur, 0.1)
	})
}

// newRouter creates a new mux http router.
func newRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/namespace", handler.handleGetNamespaces).Methods("GET").Name("GetNamespaces")
	router.HandleFunc("/namespace/{namespace}", handler.handleGetNamespace).Methods("GET").Name("GetNamespace")
	router.HandleFunc("/namespace/{namespace}", handler.handlePostNamespace).Methods("POST").Name("PostNamespace")
	router.HandleFunc("/namespace/{namespace}", handler.handleDeleteNamespace).Methods("DELETE").Name("DeleteNamespace")
	router.HandleFunc("/namespace/{namespace}/version", handler.handleGetVersion).Methods("GET").Name("GetVersion")
	router.HandleFunc("/namespace/{namespace}/page/{page}", handler.handleGetPage).Methods("GET").Name("GetPage")
	router.HandleFunc("/namespace/{namespace}/commit", handler.handlePostCommit).Methods("POST").Name("PostCommit")
	router.HandleFunc("/namespace/{namespace}/multiphase", handler.handleGetMultiPhase).Methods("GET").Name("GetMultiPhase")
	router.HandleFunc("/namespace/{namespace}/multiphase", handler.handlePostMultiPhase).Methods("POST").Name("PostMultiPhase")
	router.HandleFunc("/namespace/{namespace}/multiphase/{id}/phase/{phase}", handler.handlePostMultiPhaseStage).Methods("POST").Name("PostMultiPhaseStage")
	router.HandleFunc("/namespace/{namespace}/multiphase/{id}/finalize", handler.handlePostMultiPhaseFinalize).Methods("POST").Name("PostMultiPhaseFinalize")
	router.HandleFunc("/namespace/{namespace}/multiphase/{id}", handler.handleDeleteMultiPhase).Methods("DELETE").Name("DeleteMultiPhase")
	router.HandleFunc("/namespace/{namespace}/recover", handler.handlePostRecover).Methods("POST").Name("PostRecover")
	router.HandleFunc("/namespace/{namespace}/gc", handler.handlePostGC).Methods("POST").Name("PostGC")
	router.HandleFunc("/status", handler.handleGetStatus).Methods("GET").Name("GetStatus")
	router.HandleFunc("/version", handler.handleGetServerVersion).Methods("GET").Name("GetServerVersion")

	router.Use(handler.queryArgValidator)
	router.Use(handler.extractTracing)
	router.Use(handler.collectStats)
	return router
}

// ServeHTTP handles an HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			stack := debug.Stack()
			msg := "PANIC: %s\n%s"
			h.logger.Errorf(msg, err, stack)
			fmt.Fprintf(w, msg, err, stack)
		}
	}()

	h.Handler.ServeHTTP(w, r)
}

// successResponse is the body of requests which return nothing else.
type successResponse struct {
	Success bool `json:"success"`
}

// statusCode maps a coded error to an HTTP status.
func statusCode(err error) int {
	switch errors.CodeOf(err) {
	case pagestore.ErrConflict, pagestore.ErrNamespaceExists:
		return http.StatusConflict
	case pagestore.ErrRetentionExpired:
		return http.StatusGone
	case pagestore.ErrMalformed:
		return http.StatusBadRequest
	case pagestore.ErrNamespaceNotFound:
		return http.StatusNotFound
	case pagestore.ErrAborted:
		return http.StatusUnprocessableEntity
	case pagestore.ErrUnavailable, kv.ErrTxnConflict, kv.ErrClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError writes err as a JSON body carrying its code.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.Errorf("internal error: %+v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if _, werr := w.Write(errors.MarshalJSON(err)); werr != nil {
		h.logger.Printf("error writing error response: %v", werr)
	}
}

// writeJSON writes v, or err if it is not nil.
func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Printf("response encoding error: %s", err)
	}
}

// readJSON decodes the body of r into v. An empty body leaves v unchanged.
// Bodies larger than the route's limit, before or after decompression,
// are rejected as malformed.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	limit := int64(defaultBodyLimit)
	if route := mux.CurrentRoute(r); route != nil {
		if l, ok := h.bodyLimits[route.GetName()]; ok {
			limit = l
		}
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.Newf(pagestore.ErrMalformed, "request body exceeds %d bytes", limit)
		}
		return errors.Wrap(err, "reading request body")
	}
	if enc := r.Header.Get("Content-Encoding"); enc != "" {
		c, err := wire.ParseCompression(enc)
		if err != nil {
			return err
		}
		if body, err = wire.DecompressLimit(c, body, limit); err != nil {
			return err
		}
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Newf(pagestore.ErrMalformed, "decoding request body: %v", err)
	}
	return nil
}

// validHeaderAcceptJSON returns false if one or more Accept
// headers are present, but none of them are "application/json"
// (or any matching wildcard). Otherwise returns true.
func validHeaderAcceptJSON(header http.Header) bool {
	return validHeaderAcceptType(header, "application", "json")
}

func validHeaderAcceptType(header http.Header, typ, subtyp string) bool {
	v, found := header["Accept"]
	if !found {
		return true
	}
	for _, v := range v {
		for _, part := range strings.Split(v, ",") {
			t, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil && err != mime.ErrInvalidMediaParameter {
				continue
			}
			spl := strings.SplitN(t, "/", 2)
			if len(spl) < 2 {
				continue
			}
			if (spl[0] == typ || spl[0] == "*") && (spl[1] == subtyp || spl[1] == "*") {
				return true
			}
		}
	}
	return false
}

func (h *Handler) handleGetNamespaces(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	nss, err := h.store.Directory.List(r.Context())
	if nss == nil {
		nss = []*pagestore.Namespace{}
	}
	h.writeJSON(w, wire.NamespacesResponse{Namespaces: nss}, err)
}

func (h *Handler) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	info, err := h.store.Directory.Info(r.Context(), mux.Vars(r)["namespace"])
	h.writeJSON(w, info, err)
}

func (h *Handler) handlePostNamespace(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	var req wire.CreateNamespaceRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	ns, err := h.store.Create(r.Context(), mux.Vars(r)["namespace"], req.PageSize)
	h.writeJSON(w, ns, err)
}

func (h *Handler) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	err := h.store.Destroy(r.Context(), mux.Vars(r)["namespace"])
	h.writeJSON(w, successResponse{Success: true}, err)
}

func (h *Handler) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.store.Version(r.Context(), mux.Vars(r)["namespace"])
	h.writeJSON(w, wire.VersionResponse{Version: v}, err)
}

// handleGetPage returns the raw contents of a page.
func (h *Handler) handleGetPage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	page, err := strconv.ParseUint(vars["page"], 10, 32)
	if err != nil {
		h.writeError(w, errors.Newf(pagestore.ErrMalformed, "invalid page number '%s'", vars["page"]))
		return
	}
	version, err := parseVersion(r.URL.Query())
	if err != nil {
		h.writeError(w, err)
		return
	}

	pr, snapshot, err := h.store.ReadPage(r.Context(), vars["namespace"], uint32(page), version)
	if err != nil {
		h.writeError(w, err)
		return
	}

	body := pr.Data
	if h.compression != wire.CompressionNone && wire.Accepts(r.Header.Get("Accept-Encoding"), h.compression) {
		if body, err = wire.Compress(h.compression, pr.Data); err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set("Content-Encoding", string(h.compression))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set(wire.HeaderPageVersion, strconv.FormatUint(pr.Version, 10))
	w.Header().Set(wire.HeaderSnapshotVersion, strconv.FormatUint(snapshot, 10))
	if _, err := w.Write(body); err != nil {
		h.logger.Printf("writing page response: %v", err)
	}
}

// parseVersion reads the version argument. Missing or "latest" means the
// current version.
func parseVersion(q url.Values) (uint64, error) {
	s := q.Get("version")
	if s == "" || s == wire.Latest {
		return pagestore.LatestVersion, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Newf(pagestore.ErrMalformed, "invalid version '%s'", s)
	}
	return v, nil
}

func (h *Handler) handlePostCommit(w http.ResponseWriter, r *http.Request) {
	var req wire.CommitRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	v, err := h.store.Commit(r.Context(), req.ToStore(mux.Vars(r)["namespace"]))
	h.writeJSON(w, wire.CommitResponse{Version: v}, err)
}

func (h *Handler) handleGetMultiPhase(w http.ResponseWriter, r *http.Request) {
	markers, err := h.store.MultiPhaseCommits(r.Context(), mux.Vars(r)["namespace"])
	if markers == nil {
		markers = []*pagestore.MultiPhaseCommit{}
	}
	h.writeJSON(w, markers, err)
}

func (h *Handler) handlePostMultiPhase(w http.ResponseWriter, r *http.Request) {
	var req wire.MultiPhaseRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.CommitID == uuid.Nil {
		h.writeError(w, errors.New(pagestore.ErrMalformed, "commit_id is required"))
		return
	}
	m, err := h.store.BeginMultiPhase(r.Context(), req.ToStore(mux.Vars(r)["namespace"]))
	h.writeJSON(w, m, err)
}

func (h *Handler) handlePostMultiPhaseStage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := parseCommitID(vars["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	phase, err := strconv.Atoi(vars["phase"])
	if err != nil {
		h.writeError(w, errors.Newf(pagestore.ErrMalformed, "invalid phase '%s'", vars["phase"]))
		return
	}
	var req wire.StagePhaseRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	err = h.store.StagePhase(r.Context(), vars["namespace"], id, phase, req.Pages)
	h.writeJSON(w, successResponse{Success: true}, err)
}

func (h *Handler) handlePostMultiPhaseFinalize(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := parseCommitID(vars["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	v, err := h.store.FinalizeMultiPhase(r.Context(), vars["namespace"], id)
	h.writeJSON(w, wire.CommitResponse{Version: v}, err)
}

func (h *Handler) handleDeleteMultiPhase(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := parseCommitID(vars["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	err = h.store.AbortMultiPhase(r.Context(), vars["namespace"], id)
	h.writeJSON(w, successResponse{Success: true}, err)
}

func parseCommitID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.Newf(pagestore.ErrMalformed, "invalid commit id '%s'", s)
	}
	return id, nil
}

func (h *Handler) handlePostRecover(w http.ResponseWriter, r *http.Request) {
	recovered, err := h.store.Recover(r.Context(), mux.Vars(r)["namespace"])
	if recovered == nil {
		recovered = []pagestore.Recovery{}
	}
	h.writeJSON(w, wire.RecoverResponse{Recovered: recovered}, err)
}

func (h *Handler) handlePostGC(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.CollectGarbage(r.Context(), mux.Vars(r)["namespace"])
	h.writeJSON(w, st, err)
}

func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	status := wire.StatusResponse{
		State:   "NORMAL",
		Version: pagestore.VersionInfo(),
		Uptime:  time.Since(h.started),
		Cache:   h.store.Cache().Stats(),
	}
	nss, err := h.store.Directory.List(r.Context())
	if err != nil {
		status.State = "DEGRADED"
		h.logger.Warnf("listing namespaces for status: %v", err)
	}
	status.Namespaces = len(nss)
	if h.collector != nil {
		status.GC = h.collector.LastStats()
	}
	h.writeJSON(w, status, nil)
}

func (h *Handler) handleGetServerVersion(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	v := pagestore.Version
	if v == "" {
		v = "v0.x"
	}
	h.writeJSON(w, struct {
		Version string `json:"version"`
	}{Version: v}, nil)
}

type queryValidationSpec struct {
	required []string
	args     map[string]struct{}
}

func queryValidationSpecRequired(requiredArgs ...string) *queryValidationSpec {
	args := map[string]struct{}{}
	for _, arg := range requiredArgs {
		args[arg] = struct{}{}
	}

	return &queryValidationSpec{
		required: requiredArgs,
		args:     args,
	}
}

func (s *queryValidationSpec) Optional(args ...string) *queryValidationSpec {
	for _, arg := range args {
		s.args[arg] = struct{}{}
	}
	return s
}

func (s queryValidationSpec) validate(query url.Values) error {
	for _, req := range s.required {
		if query.Get(req) == "" {
			return errors.Errorf("%s is required", req)
		}
	}
	for k := range query {
		if _, ok := s.args[k]; !ok {
			return errors.Errorf("%s is not a valid argument", k)
		}
	}
	return nil
}
