package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

const purchaseServiceName = "stockledger.v1.PurchaseService"

type ListProductsRequest struct{}

type ListProductsResponse struct {
	Products []domain.ProductStock `json:"products"`
}

type ListPurchasesRequest struct{}

type ListPurchasesResponse struct {
	Purchases []domain.PurchaseView `json:"purchases"`
}

type CreatePurchaseRequest struct {
	// RequestKey, when set, makes the call idempotent.
	RequestKey string `json:"request_key,omitempty"`
	ProductID  int64  `json:"product_id"`
	Quantity   int    `json:"quantity"`
}

type CreatePurchaseResponse struct {
	Purchase domain.Purchase `json:"purchase"`
}

type CancelPurchaseRequest struct {
	PurchaseID int64 `json:"purchase_id"`
}

type CancelPurchaseResponse struct {
	PurchaseID int64                 `json:"purchase_id"`
	Status     domain.PurchaseStatus `json:"status"`
}

type SummaryRequest struct{}

type SummaryResponse struct {
	Summary domain.Summary `json:"summary"`
}

// PurchaseServiceServer is the server API of stockledger.v1.PurchaseService.
type PurchaseServiceServer interface {
	ListProducts(context.Context, *ListProductsRequest) (*ListProductsResponse, error)
	ListPurchases(context.Context, *ListPurchasesRequest) (*ListPurchasesResponse, error)
	CreatePurchase(context.Context, *CreatePurchaseRequest) (*CreatePurchaseResponse, error)
	CancelPurchase(context.Context, *CancelPurchaseRequest) (*CancelPurchaseResponse, error)
	Summary(context.Context, *SummaryRequest) (*SummaryResponse, error)
}

type GRPCHandler struct {
	purchaseService *service.PurchaseService
}

func NewGRPCHandler(purchaseService *service.PurchaseService) *GRPCHandler {
	return &GRPCHandler{purchaseService: purchaseService}
}

func (h *GRPCHandler) ListProducts(ctx context.Context, _ *ListProductsRequest) (*ListProductsResponse, error) {
	products, err := h.purchaseService.ListProducts(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return &ListProductsResponse{Products: products}, nil
}

func (h *GRPCHandler) ListPurchases(ctx context.Context, _ *ListPurchasesRequest) (*ListPurchasesResponse, error) {
	purchases, err := h.purchaseService.ListPurchases(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return &ListPurchasesResponse{Purchases: purchases}, nil
}

func (h *GRPCHandler) CreatePurchase(ctx context.Context, req *CreatePurchaseRequest) (*CreatePurchaseResponse, error) {
	var (
		purchase domain.Purchase
		err      error
	)
	if req.RequestKey != "" {
		purchase, err = h.purchaseService.CreatePurchaseOnce(ctx, req.RequestKey, req.ProductID, req.Quantity)
	} else {
		purchase, err = h.purchaseService.CreatePurchase(ctx, req.ProductID, req.Quantity)
	}
	if err != nil {
		return nil, grpcError(err)
	}
	return &CreatePurchaseResponse{Purchase: purchase}, nil
}

func (h *GRPCHandler) CancelPurchase(ctx context.Context, req *CancelPurchaseRequest) (*CancelPurchaseResponse, error) {
	if err := h.purchaseService.CancelPurchase(ctx, req.PurchaseID); err != nil {
		return nil, grpcError(err)
	}
	return &CancelPurchaseResponse{PurchaseID: req.PurchaseID, Status: domain.PurchaseStatusCancelled}, nil
}

func (h *GRPCHandler) Summary(ctx context.Context, _ *SummaryRequest) (*SummaryResponse, error) {
	summary, err := h.purchaseService.Summary(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return &SummaryResponse{Summary: summary}, nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrPurchaseNotFoundOrAlreadyCancelled):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrReconciliationFailure):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func unaryMethod[Req, Resp any](name string, call func(PurchaseServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + purchaseServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PurchaseServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PurchaseServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var purchaseServiceDesc = grpc.ServiceDesc{
	ServiceName: purchaseServiceName,
	HandlerType: (*PurchaseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ListProducts", PurchaseServiceServer.ListProducts),
		unaryMethod("ListPurchases", PurchaseServiceServer.ListPurchases),
		unaryMethod("CreatePurchase", PurchaseServiceServer.CreatePurchase),
		unaryMethod("CancelPurchase", PurchaseServiceServer.CancelPurchase),
		unaryMethod("Summary", PurchaseServiceServer.Summary),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stockledger/v1/purchase.proto",
}

func RegisterPurchaseServiceServer(s grpc.ServiceRegistrar, srv PurchaseServiceServer) {
	s.RegisterService(&purchaseServiceDesc, srv)
}

// NewGRPCServer builds a server with the purchase service, the standard
// health service, and logging and timeout interceptors.
func NewGRPCServer(h *GRPCHandler, logger *zap.Logger, requestTimeout time.Duration) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		unaryLogging(logger),
		unaryTimeout(requestTimeout),
	))
	RegisterPurchaseServiceServer(s, h)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(purchaseServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return s, healthServer
}

func unaryLogging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc_request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000.0),
		)
		return resp, err
	}
}

func unaryTimeout(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if d <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}

// PurchaseClient calls stockledger.v1.PurchaseService using the JSON codec.
type PurchaseClient struct {
	cc grpc.ClientConnInterface
}

func NewPurchaseClient(cc grpc.ClientConnInterface) *PurchaseClient {
	return &PurchaseClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *PurchaseClient, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+purchaseServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PurchaseClient) ListProducts(ctx context.Context, in *ListProductsRequest, opts ...grpc.CallOption) (*ListProductsResponse, error) {
	return invoke[ListProductsResponse](ctx, c, "ListProducts", in, opts)
}

func (c *PurchaseClient) ListPurchases(ctx context.Context, in *ListPurchasesRequest, opts ...grpc.CallOption) (*ListPurchasesResponse, error) {
	return invoke[ListPurchasesResponse](ctx, c, "ListPurchases", in, opts)
}

func (c *PurchaseClient) CreatePurchase(ctx context.Context, in *CreatePurchaseRequest, opts ...grpc.CallOption) (*CreatePurchaseResponse, error) {
	return invoke[CreatePurchaseResponse](ctx, c, "CreatePurchase", in, opts)
}

func (c *PurchaseClient) CancelPurchase(ctx context.Context, in *CancelPurchaseRequest, opts ...grpc.CallOption) (*CancelPurchaseResponse, error) {
	return invoke[CancelPurchaseResponse](ctx, c, "CancelPurchase", in, opts)
}

func (c *PurchaseClient) Summary(ctx context.Context, in *SummaryRequest, opts ...grpc.CallOption) (*SummaryResponse, error) {
	return invoke[SummaryResponse](ctx, c, "Summary", in, opts)
}
