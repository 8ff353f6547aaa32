package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/payflow/internal/ledger"
	perr "github.com/example/payflow/pkg/errors"
)

// LedgerServiceName is the fully qualified gRPC service name.
const LedgerServiceName = "payflow.ledger.v1.LedgerService"

// LedgerService is the read and reconciliation surface of the ledger.
// Messages are google.protobuf.Struct so that no generated code is needed.
type LedgerService interface {
	// Post records a manual balanced posting, used by operators settling
	// FAILED_NEEDS_REFUND requests.
	Post(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetTransaction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Audit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type LedgerServer struct {
	Engine *ledger.Engine
	Logger *zap.Logger
}

var _ LedgerService = (*LedgerServer)(nil)

func (s *LedgerServer) Post(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	reference := f["reference"].GetStringValue()
	amount, err := decimal.NewFromString(f["amount"].GetStringValue())
	if err != nil || reference == "" {
		return nil, status.Error(codes.InvalidArgument, "reference and a decimal amount string are required")
	}
	store := s.Engine.Store()
	debit, err := store.AccountByNumber(ctx, f["debit_account"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	credit, err := store.AccountByNumber(ctx, f["credit_account"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	txn, created, err := s.Engine.Post(ctx, ledger.PostRequest{
		Reference:   reference,
		Description: f["description"].GetStringValue(),
		Debit:       debit,
		Credit:      credit,
		Amount:      amount,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if s.Logger != nil {
		s.Logger.Info("manual posting", zap.String("reference", reference), zap.Bool("created", created))
	}
	out := transactionStruct(txn)
	out.Fields["created"] = structpb.NewBoolValue(created)
	return out, nil
}

func (s *LedgerServer) GetTransaction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref := in.GetFields()["reference"].GetStringValue()
	if ref == "" {
		return nil, status.Error(codes.InvalidArgument, "reference is required")
	}
	txn, err := s.Engine.Store().TransactionByReference(ctx, ref)
	if err != nil {
		return nil, toStatus(err)
	}
	return transactionStruct(txn), nil
}

func (s *LedgerServer) Audit(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	issues, err := s.Engine.Audit(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(issues))
	for _, i := range issues {
		list = append(list, i)
	}
	out, err := structpb.NewStruct(map[string]any{"ok": len(issues) == 0, "issues": list})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func transactionStruct(txn ledger.Transaction) *structpb.Struct {
	entries := make([]any, 0, len(txn.Entries))
	for _, e := range txn.Entries {
		entries = append(entries, map[string]any{
			"id":         e.ID.String(),
			"account_id": e.AccountID.String(),
			"type":       string(e.Type),
			"amount":     e.Amount.StringFixed(2),
			"currency":   e.Currency,
			"hash":       e.Hash,
		})
	}
	out, _ := structpb.NewStruct(map[string]any{
		"id":          txn.ID.String(),
		"reference":   txn.Reference,
		"description": txn.Description,
		"reconciled":  txn.Reconciled,
		"created_at":  txn.CreatedAt.UTC().Format(time.RFC3339Nano),
		"entries":     entries,
	})
	return out
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTransactionNotFound),
		perr.Is(err, perr.CodeNotFound):
		return status.Error(codes.NotFound, err.Error())
	case perr.Is(err, perr.CodeValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case perr.Is(err, perr.CodeConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case perr.Is(err, perr.CodeIntegrity):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func unaryHandler(method string, call func(LedgerService, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + LedgerServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerService), ctx, req.(*structpb.Struct))
		})
	}
}

// LedgerServiceDesc is hand-written in the shape protoc-gen-go-grpc emits.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Post", Handler: unaryHandler("Post", LedgerService.Post)},
		{MethodName: "GetTransaction", Handler: unaryHandler("GetTransaction", LedgerService.GetTransaction)},
		{MethodName: "Audit", Handler: unaryHandler("Audit", LedgerService.Audit)},
	},
	Metadata: "payflow/ledger/v1/ledger.proto",
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerService) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// LedgerClient calls LedgerService over an existing connection.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient { return &LedgerClient{cc: cc} }

func (c *LedgerClient) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+LedgerServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) Post(ctx context.Context, reference, debitAccount, creditAccount string, amount decimal.Decimal, description string) (map[string]any, error) {
	out, err := c.invoke(ctx, "Post", map[string]any{
		"reference":      reference,
		"debit_account":  debitAccount,
		"credit_account": creditAccount,
		"amount":         amount.String(),
		"description":    description,
	})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *LedgerClient) GetTransaction(ctx context.Context, reference string) (map[string]any, error) {
	out, err := c.invoke(ctx, "GetTransaction", map[string]any{"reference": reference})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Audit returns the integrity issues the ledger reports; empty means clean.
func (c *LedgerClient) Audit(ctx context.Context) ([]string, error) {
	out, err := c.invoke(ctx, "Audit", map[string]any{})
	if err != nil {
		return nil, err
	}
	var issues []string
	for _, v := range out.GetFields()["issues"].GetListValue().GetValues() {
		issues = append(issues, v.GetStringValue())
	}
	return issues, nil
}

// IsNotFound reports a NotFound status from the ledger.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
