package rpcfe

import (
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/nexusfabric/nexus-engine/cmn/nlog"
	"github.com/nexusfabric/nexus-engine/core/child"
	"github.com/nexusfabric/nexus-engine/core/faultinjection"
	"github.com/nexusfabric/nexus-engine/core/nexus"
	"github.com/nexusfabric/nexus-engine/core/rebuild"
	"github.com/nexusfabric/nexus-engine/nvmf"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Action is the child_operation verb.
type Action int

const (
	ActionOffline Action = iota
	ActionOnline
	ActionRetire
)

// FaultSpecStore persists registered inject:// URIs across restarts;
// *persist.Store satisfies it structurally.
type FaultSpecStore interface {
	SaveFaultSpec(uri string) error
	DeleteFaultSpec(uri string) error
}

// Server is the process's single admin front-end: every nexusd instance
// builds one Server around its Nexus registry and serves it over fasthttp.
type Server struct {
	reg          *nexus.Registry
	params       nexus.Params
	compress     bool
	auth         *authMiddleware
	metrics      nexus.MetricsSink
	checkpointer rebuild.Checkpointer
	faultStore   FaultSpecStore
	sharesMu     sync.Mutex
	shares       map[string]*nvmf.Target // nexus name -> active nvmf target
}

// Config bundles the tuning a Server applies to every create_nexus (the
// request carries no tuning fields of its own), plus the JWT secret for
// bearer auth.
type Config struct {
	DefaultParams nexus.Params
	Compress      bool
	JWTSecret     []byte
	// Metrics is attached to every Nexus this Server creates (nil disables
	// it, leaving nexus.NoopMetrics as the Nexus's own default).
	Metrics nexus.MetricsSink
	// Checkpointer is attached to every Nexus this Server creates so its
	// rebuild jobs checkpoint their progress; nil disables checkpointing.
	Checkpointer rebuild.Checkpointer
	// FaultStore persists inject:// registrations; nil keeps them
	// process-local.
	FaultStore FaultSpecStore
}

func NewServer(reg *nexus.Registry, cfg Config) *Server {
	return &Server{
		reg:          reg,
		params:       cfg.DefaultParams,
		compress:     cfg.Compress,
		auth:         newAuthMiddleware(cfg.JWTSecret),
		metrics:      cfg.Metrics,
		checkpointer: cfg.Checkpointer,
		faultStore:   cfg.FaultStore,
		shares:       make(map[string]*nvmf.Target),
	}
}

// Handler returns the fasthttp entry point, routed by method+path and
// wrapped with bearer-token auth.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.auth.wrap(s.route)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())
	switch {
	case method == "POST" && path == "/v1/nexus":
		s.handleCreate(ctx)
	case method == "GET" && path == "/v1/nexus":
		s.handleList(ctx)
	case method == "DELETE" && path == "/v1/nexus":
		s.handleDestroy(ctx)
	case method == "POST" && path == "/v1/nexus/publish":
		s.handlePublish(ctx)
	case method == "POST" && path == "/v1/nexus/unpublish":
		s.handleUnpublish(ctx)
	case method == "POST" && path == "/v1/nexus/child":
		s.handleAddChild(ctx)
	case method == "DELETE" && path == "/v1/nexus/child":
		s.handleRemoveChild(ctx)
	case method == "POST" && path == "/v1/nexus/child/op":
		s.handleChildOp(ctx)
	case method == "POST" && path == "/v1/nexus/child/fault":
		s.handleFaultChild(ctx)
	case method == "POST" && path == "/v1/inject":
		s.handleInjectAdd(ctx)
	case method == "DELETE" && path == "/v1/inject":
		s.handleInjectRemove(ctx)
	case method == "GET" && path == "/v1/inject":
		s.handleInjectList(ctx)
	default:
		writeError(ctx, CodeNotFound, fmt.Sprintf("no route for %s %s", method, path))
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	enc := json.NewEncoder(ctx)
	if err := enc.Encode(v); err != nil {
		nlog.Warnf("rpcfe: response encode failed: %v", err)
	}
}

func writeError(ctx *fasthttp.RequestCtx, code Code, msg string) {
	writeJSON(ctx, code.httpStatus(), rpcError{Code: code.String(), Message: msg})
}

func writeErr(ctx *fasthttp.RequestCtx, err error) {
	code := classify(err)
	writeJSON(ctx, code.httpStatus(), rpcError{Code: code.String(), Message: err.Error()})
}

func decodeBody(ctx *fasthttp.RequestCtx, v interface{}) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		writeError(ctx, CodeInvalidArgument, "malformed request body: "+err.Error())
		return false
	}
	return true
}

// --- create_nexus / destroy_nexus / list_nexus ---

type createReq struct {
	Name      string   `json:"name"`
	UUID      string   `json:"uuid"`
	SizeBytes uint64   `json:"size_bytes"`
	Children  []string `json:"children"`
}

type nexusInfo struct {
	Name      string      `json:"name"`
	UUID      string      `json:"uuid"`
	SizeBytes uint64      `json:"size_bytes"`
	State     string      `json:"state"`
	ShareURI  string      `json:"share_uri"`
	Children  []childInfo `json:"children"`
}

type childInfo struct {
	URI   string `json:"uri"`
	State string `json:"state"`
}

func describe(n *nexus.Nexus) nexusInfo {
	info := nexusInfo{
		Name: n.Name, UUID: n.UUID, SizeBytes: n.SizeBytes(),
		State: n.State().String(), ShareURI: n.ShareURI(),
	}
	for _, c := range n.Children() {
		info.Children = append(info.Children, childInfo{URI: c.URI(), State: c.State().String()})
	}
	return info
}

func (s *Server) handleCreate(ctx *fasthttp.RequestCtx) {
	var req createReq
	if !decodeBody(ctx, &req) {
		return
	}
	if req.Name == "" || len(req.Children) == 0 {
		writeError(ctx, CodeInvalidArgument, "name and at least one child are required")
		return
	}
	if _, ok := s.reg.Get(req.Name); ok {
		writeErr(ctx, fmt.Errorf("%w: %s", nexus.ErrAlreadyExists, req.Name))
		return
	}
	n, err := nexus.Create(ctx, req.Name, req.UUID, req.SizeBytes, req.Children, s.params)
	if err != nil {
		writeErr(ctx, wrap(err, "create_nexus"))
		return
	}
	if s.metrics != nil {
		n.SetMetrics(s.metrics)
	}
	if s.checkpointer != nil {
		n.SetCheckpointer(s.checkpointer)
	}
	s.reg.Add(n)
	writeJSON(ctx, 200, describe(n))
}

func (s *Server) handleDestroy(ctx *fasthttp.RequestCtx) {
	name := string(ctx.QueryArgs().Peek("name"))
	n, ok := s.reg.Get(name)
	if !ok {
		writeErr(ctx, fmt.Errorf("%w: %s", nexus.ErrNotFound, name))
		return
	}
	if err := n.Destroy(ctx); err != nil {
		writeErr(ctx, wrap(err, "destroy_nexus"))
		return
	}
	s.reg.Remove(name)
	ctx.SetStatusCode(200)
}

func (s *Server) handleList(ctx *fasthttp.RequestCtx) {
	list := s.reg.List()
	out := make([]nexusInfo, 0, len(list))
	for _, n := range list {
		out = append(out, describe(n))
	}
	writeJSON(ctx, 200, out)
}

// --- publish_nexus / unpublish_nexus ---

type publishReq struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

func (s *Server) handlePublish(ctx *fasthttp.RequestCtx) {
	var req publishReq
	if !decodeBody(ctx, &req) {
		return
	}
	n, ok := s.reg.Get(req.Name)
	if !ok {
		writeErr(ctx, fmt.Errorf("%w: %s", nexus.ErrNotFound, req.Name))
		return
	}
	s.sharesMu.Lock()
	defer s.sharesMu.Unlock()
	if _, already := s.shares[req.Name]; already {
		writeErr(ctx, fmt.Errorf("%w: %s is already shared", nexus.ErrPrecondition, req.Name))
		return
	}
	t, err := nvmf.Share(n, req.Addr, s.compress)
	if err != nil {
		writeErr(ctx, wrap(err, "publish_nexus"))
		return
	}
	s.shares[req.Name] = t
	writeJSON(ctx, 200, map[string]string{"share_uri": n.ShareURI()})
}

type unpublishReq struct {
	Name string `json:"name"`
}

func (s *Server) handleUnpublish(ctx *fasthttp.RequestCtx) {
	var req unpublishReq
	if !decodeBody(ctx, &req) {
		return
	}
	s.sharesMu.Lock()
	defer s.sharesMu.Unlock()
	t, ok := s.shares[req.Name]
	if !ok {
		writeErr(ctx, fmt.Errorf("%w: %s is not shared", nexus.ErrPrecondition, req.Name))
		return
	}
	if err := t.Unshare(); err != nil {
		writeErr(ctx, wrap(err, "unpublish_nexus"))
		return
	}
	delete(s.shares, req.Name)
	ctx.SetStatusCode(200)
}

// --- add_child_nexus / remove_child_nexus ---

type addChildReq struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	NoRebuild bool   `json:"no_rebuild"`
}

func (s *Server) handleAddChild(ctx *fasthttp.RequestCtx) {
	var req addChildReq
	if !decodeBody(ctx, &req) {
		return
	}
	n, ok := s.reg.Get(req.Name)
	if !ok {
		writeErr(ctx, fmt.Errorf("%w: %s", nexus.ErrNotFound, req.Name))
		return
	}
	state, err := n.AddChild(ctx, req.URI, req.NoRebuild)
	if err != nil {
		writeErr(ctx, wrap(err, "add_child_nexus"))
		return
	}
	writeJSON(ctx, 200, childInfo{URI: req.URI, State: state.String()})
}

func (s *Server) handleRemoveChild(ctx *fasthttp.RequestCtx) {
	name := string(ctx.QueryArgs().Peek("name"))
	uri := string(ctx.QueryArgs().Peek("uri"))
	n, ok := s.reg.Get(name)
	if !ok {
		writeErr(ctx, fmt.Errorf("%w: %s", nexus.ErrNotFound, name))
		return
	}
	if err := n.RemoveChild(ctx, uri); err != nil {
		writeErr(ctx, wrap(err, "remove_child_nexus"))
		return
	}
	ctx.SetStatusCode(200)
}

// --- child_operation ---

type childOpReq struct {
	Name   string `json:"name"`
	URI    string `json:"uri"`
	Action Action `json:"action"`
}

func (s *Server) handleChildOp(ctx *fasthttp.RequestCtx) {
	var req childOpReq
	if !decodeBody(ctx, &req) {
		return
	}
	n, ok := s.reg.Get(req.Name)
	if !ok {
		writeErr(ctx, fmt.Errorf("%w: %s", nexus.ErrNotFound, req.Name))
		return
	}
	var err error
	switch req.Action {
	case ActionOffline:
		err = n.OfflineChild(ctx, req.URI)
	case ActionOnline:
		err = n.OnlineChild(ctx, req.URI)
	case ActionRetire:
		err = n.RemoveChild(ctx, req.URI)
	default:
		err = fmt.Errorf("%w: %d", errInvalidAction, req.Action)
	}
	if err != nil {
		writeErr(ctx, wrap(err, "child_operation"))
		return
	}
	ctx.SetStatusCode(200)
}

// --- fault_nexus_child ---

var faultReasons = map[string]child.FaultReason{
	"io_error":    child.ReasonIoError,
	"out_of_sync": child.ReasonOutOfSync,
	"by_client":   child.ReasonByClient,
	"admin_failed": child.ReasonAdminFailed,
	"no_space":    child.ReasonNoSpace,
	"timed_out":   child.ReasonTimedOut,
	"rpc_failure": child.ReasonRpcFailure,
}

type faultChildReq struct {
	Name   string `json:"name"`
	URI    string `json:"uri"`
	Reason string `json:"reason"`
}

func (s *Server) handleFaultChild(ctx *fasthttp.RequestCtx) {
	var req faultChildReq
	if !decodeBody(ctx, &req) {
		return
	}
	n, ok := s.reg.Get(req.Name)
	if !ok {
		writeErr(ctx, fmt.Errorf("%w: %s", nexus.ErrNotFound, req.Name))
		return
	}
	reason, ok := faultReasons[req.Reason]
	if !ok {
		reason = child.ReasonUnknown
	}
	if err := n.FaultChild(ctx, req.URI, reason); err != nil {
		writeErr(ctx, wrap(err, "fault_nexus_child"))
		return
	}
	ctx.SetStatusCode(200)
}

// --- fault injection (test harness surface) ---

type injectReq struct {
	URI string `json:"uri"`
}

type injectInfo struct {
	URI  string `json:"uri"`
	Hits int64  `json:"hits"`
}

func (s *Server) handleInjectAdd(ctx *fasthttp.RequestCtx) {
	var req injectReq
	if !decodeBody(ctx, &req) {
		return
	}
	spec, err := faultinjection.Default.Add(req.URI)
	if err != nil {
		writeError(ctx, CodeInvalidArgument, err.Error())
		return
	}
	if s.faultStore != nil {
		if err := s.faultStore.SaveFaultSpec(spec.URI); err != nil {
			nlog.Warnf("rpcfe: persist fault spec %s: %v", spec.URI, err)
		}
	}
	writeJSON(ctx, 200, injectInfo{URI: spec.URI, Hits: spec.Hits()})
}

func (s *Server) handleInjectRemove(ctx *fasthttp.RequestCtx) {
	uri := string(ctx.QueryArgs().Peek("uri"))
	faultinjection.Default.Remove(uri)
	if s.faultStore != nil {
		if err := s.faultStore.DeleteFaultSpec(uri); err != nil {
			nlog.Warnf("rpcfe: delete fault spec %s: %v", uri, err)
		}
	}
	ctx.SetStatusCode(200)
}

func (s *Server) handleInjectList(ctx *fasthttp.RequestCtx) {
	specs := faultinjection.Default.List()
	out := make([]injectInfo, 0, len(specs))
	for _, sp := range specs {
		out = append(out, injectInfo{URI: sp.URI, Hits: sp.Hits()})
	}
	writeJSON(ctx, 200, out)
}
