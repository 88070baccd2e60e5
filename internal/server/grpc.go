package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/boblangley/blockrecon/internal/db"
	"github.com/boblangley/blockrecon/internal/reconcile"
	"github.com/boblangley/blockrecon/internal/search"
	"github.com/boblangley/blockrecon/internal/tracker"
	"github.com/boblangley/blockrecon/internal/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "blockrecon.v1.Reconciler"

// jsonCodec carries plain Go structs over gRPC as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// Request and response messages. Failures inside a handler are reported in
// Success/Error rather than as RPC errors.

type QueryRequest struct {
	CypherQuery string `json:"cypher_query"`
}

type QueryResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Results []db.Record `json:"results,omitempty"`
}

type SearchRequest struct {
	Query      string `json:"query"`
	Limit      int    `json:"limit,omitempty"`
	Pages      []int  `json:"pages,omitempty"`
	Engine     string `json:"engine,omitempty"`
	BlocksOnly bool   `json:"blocks_only,omitempty"`
}

type SearchResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Results []search.Result `json:"results,omitempty"`
}

type HistoryRequest struct {
	BlockID string `json:"block_id"`
}

type HistoryResponse struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	History *types.ChangeHistory `json:"history,omitempty"`
}

type StatisticsRequest struct{}

type StatisticsResponse struct {
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	Statistics tracker.Statistics `json:"statistics"`
}

type RankRequest struct {
	IncludeConfig bool `json:"include_config,omitempty"`
}

type RankResponse struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	Ranking []types.RankedSource `json:"ranking,omitempty"`
}

type CompareRequest struct {
	SourceA       string `json:"source_a"`
	SourceB       string `json:"source_b"`
	IncludeConfig bool   `json:"include_config,omitempty"`
}

type CompareResponse struct {
	Success    bool                    `json:"success"`
	Error      string                  `json:"error,omitempty"`
	Comparison *types.SourceComparison `json:"comparison,omitempty"`
}

type PropagationRequest struct {
	BlockID  string `json:"block_id"`
	ChangeID string `json:"change_id,omitempty"`
}

type PropagationResponse struct {
	Success bool                    `json:"success"`
	Error   string                  `json:"error,omitempty"`
	Chain   *types.PropagationChain `json:"chain,omitempty"`
}

// ReconcilerServer is the server API of the Reconciler service.
type ReconcilerServer interface {
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	GetHistory(context.Context, *HistoryRequest) (*HistoryResponse, error)
	GetStatistics(context.Context, *StatisticsRequest) (*StatisticsResponse, error)
	RankSources(context.Context, *RankRequest) (*RankResponse, error)
	CompareSources(context.Context, *CompareRequest) (*CompareResponse, error)
	DetectPropagation(context.Context, *PropagationRequest) (*PropagationResponse, error)
}

func unaryMethod[Req, Resp any](name string, call func(ReconcilerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReconcilerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReconcilerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var reconcilerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReconcilerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Query", ReconcilerServer.Query),
		unaryMethod("Search", ReconcilerServer.Search),
		unaryMethod("GetHistory", ReconcilerServer.GetHistory),
		unaryMethod("GetStatistics", ReconcilerServer.GetStatistics),
		unaryMethod("RankSources", ReconcilerServer.RankSources),
		unaryMethod("CompareSources", ReconcilerServer.CompareSources),
		unaryMethod("DetectPropagation", ReconcilerServer.DetectPropagation),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "blockrecon/v1/reconciler",
}

// GRPCServer provides the gRPC interface to the reconcile service.
type GRPCServer struct {
	server  *grpc.Server
	service *reconcile.Service
	db      *db.GraphDB
	search  *search.Searcher
	logger  *slog.Logger
}

// GRPCConfig holds gRPC server configuration. DB and Search are optional.
type GRPCConfig struct {
	Service *reconcile.Service
	DB      *db.GraphDB
	Search  *search.Searcher
	Logger  *slog.Logger
}

// NewGRPCServer creates a new gRPC server instance.
func NewGRPCServer(cfg GRPCConfig) *GRPCServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &GRPCServer{
		server:  grpc.NewServer(grpc.ForceServerCodec(jsonCodec{})),
		service: cfg.Service,
		db:      cfg.DB,
		search:  cfg.Search,
		logger:  logger,
	}

	s.server.RegisterService(&reconcilerServiceDesc, s)
	return s
}

// Serve starts the gRPC server on the given address.
func (s *GRPCServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info("gRPC server listening", "addr", addr)
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}

// Query executes a Cypher query against the provenance graph.
func (s *GRPCServer) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if s.db == nil {
		return &QueryResponse{Error: "graph database is not configured"}, nil
	}
	results, err := s.db.Execute(ctx, req.CypherQuery, nil)
	if err != nil {
		s.logger.Error("Query error", "error", err)
		return &QueryResponse{Error: err.Error()}, nil
	}
	return &QueryResponse{Success: true, Results: results}, nil
}

// Search runs keyword search over block and candidate text.
func (s *GRPCServer) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if s.search == nil {
		return &SearchResponse{Error: "search requires the graph database"}, nil
	}

	opts := search.DefaultOptions()
	if req.Limit > 0 {
		opts.Limit = req.Limit
	}
	opts.Pages = req.Pages
	opts.Engine = req.Engine
	opts.IncludeCandidates = !req.BlocksOnly

	results, err := s.search.Search(ctx, req.Query, opts)
	if err != nil {
		s.logger.Error("Search error", "error", err)
		return &SearchResponse{Error: err.Error()}, nil
	}
	return &SearchResponse{Success: true, Results: results}, nil
}

// GetHistory returns the change history of one block.
func (s *GRPCServer) GetHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	h, ok := s.service.Tracker().History(req.BlockID)
	if !ok {
		return &HistoryResponse{Error: fmt.Sprintf("block %q: %v", req.BlockID, reconcile.ErrUnknownBlock)}, nil
	}
	return &HistoryResponse{Success: true, History: &h}, nil
}

// GetStatistics returns change counts across all blocks.
func (s *GRPCServer) GetStatistics(ctx context.Context, req *StatisticsRequest) (*StatisticsResponse, error) {
	return &StatisticsResponse{Success: true, Statistics: s.service.Tracker().Statistics()}, nil
}

// RankSources ranks sources by accuracy score.
func (s *GRPCServer) RankSources(ctx context.Context, req *RankRequest) (*RankResponse, error) {
	return &RankResponse{Success: true, Ranking: s.service.Rank(req.IncludeConfig).Sources}, nil
}

// CompareSources compares two sources head to head.
func (s *GRPCServer) CompareSources(ctx context.Context, req *CompareRequest) (*CompareResponse, error) {
	cmp, err := s.service.Compare(req.SourceA, req.SourceB, req.IncludeConfig)
	if err != nil {
		return &CompareResponse{Error: err.Error()}, nil
	}
	return &CompareResponse{Success: true, Comparison: &cmp}, nil
}

// DetectPropagation traces the recalculations caused by a block's change.
func (s *GRPCServer) DetectPropagation(ctx context.Context, req *PropagationRequest) (*PropagationResponse, error) {
	chain, err := s.service.Propagate(ctx, req.BlockID, req.ChangeID)
	if err != nil {
		return &PropagationResponse{Error: err.Error()}, nil
	}
	return &PropagationResponse{Success: true, Chain: &chain}, nil
}

// Client calls a remote Reconciler service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the server at addr. The connection is
// established lazily on the first call.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// remoteError turns a failed response into an error.
func remoteError(success bool, msg string) error {
	if success {
		return nil
	}
	if msg == "" {
		msg = "request failed"
	}
	return errors.New(msg)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// Query runs a Cypher query on the server.
func (c *Client) Query(ctx context.Context, query string) ([]db.Record, error) {
	var resp QueryResponse
	if err := c.invoke(ctx, "Query", &QueryRequest{CypherQuery: query}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, remoteError(resp.Success, resp.Error)
}

// Search runs a keyword search on the server.
func (c *Client) Search(ctx context.Context, req *SearchRequest) ([]search.Result, error) {
	var resp SearchResponse
	if err := c.invoke(ctx, "Search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, remoteError(resp.Success, resp.Error)
}

// History fetches the history of one block.
func (c *Client) History(ctx context.Context, blockID string) (types.ChangeHistory, error) {
	var resp HistoryResponse
	if err := c.invoke(ctx, "GetHistory", &HistoryRequest{BlockID: blockID}, &resp); err != nil {
		return types.ChangeHistory{}, err
	}
	if err := remoteError(resp.Success, resp.Error); err != nil {
		return types.ChangeHistory{}, err
	}
	return *resp.History, nil
}

// Statistics fetches change counts.
func (c *Client) Statistics(ctx context.Context) (tracker.Statistics, error) {
	var resp StatisticsResponse
	if err := c.invoke(ctx, "GetStatistics", &StatisticsRequest{}, &resp); err != nil {
		return tracker.Statistics{}, err
	}
	return resp.Statistics, remoteError(resp.Success, resp.Error)
}

// Rank fetches the source ranking.
func (c *Client) Rank(ctx context.Context, includeConfig bool) ([]types.RankedSource, error) {
	var resp RankResponse
	if err := c.invoke(ctx, "RankSources", &RankRequest{IncludeConfig: includeConfig}, &resp); err != nil {
		return nil, err
	}
	return resp.Ranking, remoteError(resp.Success, resp.Error)
}

// Compare compares two sources on the server.
func (c *Client) Compare(ctx context.Context, a, b string, includeConfig bool) (types.SourceComparison, error) {
	var resp CompareResponse
	req := &CompareRequest{SourceA: a, SourceB: b, IncludeConfig: includeConfig}
	if err := c.invoke(ctx, "CompareSources", req, &resp); err != nil {
		return types.SourceComparison{}, err
	}
	if err := remoteError(resp.Success, resp.Error); err != nil {
		return types.SourceComparison{}, err
	}
	return *resp.Comparison, nil
}

// Propagation traces a change's propagation on the server.
func (c *Client) Propagation(ctx context.Context, blockID, changeID string) (types.PropagationChain, error) {
	var resp PropagationResponse
	req := &PropagationRequest{BlockID: blockID, ChangeID: changeID}
	if err := c.invoke(ctx, "DetectPropagation", req, &resp); err != nil {
		return types.PropagationChain{}, err
	}
	if err := remoteError(resp.Success, resp.Error); err != nil {
		return types.PropagationChain{}, err
	}
	return *resp.Chain, nil
}
