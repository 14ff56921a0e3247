// Package rpc exposes the gateway's JSON-RPC 2.0 surface.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"bwgateway/chain"
	"bwgateway/gwerrors"
	"bwgateway/observability/metrics"
	"bwgateway/proposal"
	"bwgateway/provider"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
)

// BandwidthService is the immediate co-signing flow.
type BandwidthService interface {
	Provide(ctx context.Context, channelID, user string, input provider.TransactionInput, chainID string) (*chain.PushResult, error)
}

// ProposalService is the two-party flow.
type ProposalService interface {
	Create(ctx context.Context, channelID, user string, input provider.TransactionInput, chainID string) (uuid.UUID, error)
	List(ctx context.Context, user, contract, method string) ([]proposal.Item, error)
	SignAndExecute(ctx context.Context, user, proposalID, signature string) (*chain.PushResult, error)
}

// WhitelistAdmin covers the administrative whitelist operations.
type WhitelistAdmin interface {
	BanUser(ctx context.Context, user string) error
	HandleOffline(user, channelID string)
}

// Server dispatches the bandwidth methods.
type Server struct {
	bandwidth BandwidthService
	proposals ProposalService
	whitelist WhitelistAdmin
	authToken string
	metrics   *metrics.GatewayMetrics
	logger    *slog.Logger

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
	rateLimit    rate.Limit
	rateBurst    int
}

// Config wires a Server. A zero RateLimit disables throttling.
type Config struct {
	Bandwidth BandwidthService
	Proposals ProposalService
	Whitelist WhitelistAdmin
	AuthToken string
	RateLimit float64
	RateBurst int
	Metrics   *metrics.GatewayMetrics
	Logger    *slog.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		bandwidth:    cfg.Bandwidth,
		proposals:    cfg.Proposals,
		whitelist:    cfg.Whitelist,
		authToken:    strings.TrimSpace(cfg.AuthToken),
		metrics:      cfg.Metrics,
		logger:       logger,
		rateLimiters: make(map[string]*rate.Limiter),
		rateLimit:    rate.Limit(cfg.RateLimit),
		rateBurst:    burst,
	}
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &rpcError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	if s.authToken != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if strings.TrimSpace(token) != s.authToken {
			writeError(w, http.StatusUnauthorized, nil, codeUnauthorized, "unauthorized", nil)
			return
		}
	}
	if !s.allowSource(r) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request", nil)
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON", nil)
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, `jsonrpc must be "2.0"`, nil)
		return
	}

	started := time.Now()
	outcome := s.dispatch(w, r, &req)
	s.metrics.ObserveRequest(req.Method, outcome, time.Since(started))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *rpcRequest) string {
	switch req.Method {
	case "bandwidth_provide":
		return s.handleProvide(w, r, req)
	case "bandwidth_createProposal":
		return s.handleCreateProposal(w, r, req)
	case "bandwidth_getProposals":
		return s.handleGetProposals(w, r, req)
	case "bandwidth_signAndExecuteProposal":
		return s.handleSignAndExecute(w, r, req)
	case "bandwidth_banUser":
		return s.handleBanUser(w, r, req)
	case "bandwidth_notifyOffline":
		return s.handleNotifyOffline(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return "method_not_found"
	}
}

type provideParams struct {
	ChannelID   string                    `json:"channelId"`
	User        string                    `json:"user"`
	Transaction provider.TransactionInput `json:"transaction"`
	ChainID     string                    `json:"chainId"`
}

func (s *Server) handleProvide(w http.ResponseWriter, r *http.Request, req *rpcRequest) string {
	var params provideParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	result, err := s.bandwidth.Provide(r.Context(), params.ChannelID, params.User, params.Transaction, params.ChainID)
	if err != nil {
		s.writeDomainError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, result)
	return "ok"
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request, req *rpcRequest) string {
	var params provideParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	id, err := s.proposals.Create(r.Context(), params.ChannelID, params.User, params.Transaction, params.ChainID)
	if err != nil {
		s.writeDomainError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, map[string]string{"proposalId": id.String()})
	return "ok"
}

type getProposalsParams struct {
	User     string `json:"user"`
	Contract string `json:"contract"`
	Method   string `json:"method"`
}

func (s *Server) handleGetProposals(w http.ResponseWriter, r *http.Request, req *rpcRequest) string {
	var params getProposalsParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	items, err := s.proposals.List(r.Context(), params.User, params.Contract, params.Method)
	if err != nil {
		s.writeDomainError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, map[string]interface{}{"items": items})
	return "ok"
}

type signAndExecuteParams struct {
	User       string `json:"user"`
	ProposalID string `json:"proposalId"`
	Signature  string `json:"signature"`
}

func (s *Server) handleSignAndExecute(w http.ResponseWriter, r *http.Request, req *rpcRequest) string {
	var params signAndExecuteParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	result, err := s.proposals.SignAndExecute(r.Context(), params.User, params.ProposalID, params.Signature)
	if err != nil {
		s.writeDomainError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, result)
	return "ok"
}

type banUserParams struct {
	User string `json:"user"`
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request, req *rpcRequest) string {
	var params banUserParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	if err := s.whitelist.BanUser(r.Context(), params.User); err != nil {
		s.writeDomainError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return "ok"
}

type notifyOfflineParams struct {
	User      string `json:"user"`
	ChannelID string `json:"channelId"`
}

func (s *Server) handleNotifyOffline(w http.ResponseWriter, r *http.Request, req *rpcRequest) string {
	var params notifyOfflineParams
	if !s.decodeParams(w, req, &params) {
		return "invalid_params"
	}
	s.whitelist.HandleOffline(params.User, params.ChannelID)
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return "ok"
}

func (s *Server) decodeParams(w http.ResponseWriter, req *rpcRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected one params object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "malformed params", nil)
		return false
	}
	return true
}

// writeDomainError maps a pipeline failure to its stable wire code. Nothing
// internal leaks: unregistered errors surface the generic submission message.
func (s *Server) writeDomainError(w http.ResponseWriter, id interface{}, err error) {
	var root *gwerrors.Error
	if !errors.As(err, &root) {
		s.logger.Error("unclassified rpc failure", "err", err)
	}
	var data interface{}
	if payload := gwerrors.Data(err); len(payload) > 0 {
		data = json.RawMessage(payload)
	}
	writeError(w, http.StatusOK, id, gwerrors.Code(err), gwerrors.Message(err), data)
}

func (s *Server) allowSource(r *http.Request) bool {
	if s.rateLimit <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	s.mu.Lock()
	limiter, ok := s.rateLimiters[host]
	if !ok {
		limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
		s.rateLimiters[host] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}
