// Package grpcserver exposes ledger administration over gRPC.
package grpcserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	errorInsufficientCredits     = "insufficient_credits"
	errorUserNotFound            = "user_not_found"
	errorAccountExists           = "account_exists"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidCredits          = "invalid_credits"
	errorInvalidMetadata         = "invalid_metadata_json"
	errorInvalidListLimit        = "invalid_list_limit"
	errorInvalidRequest          = "invalid_request"
	errorUnauthenticated         = "unauthenticated"
	errorInternal                = "internal"

	fieldUserID         = "userId"
	fieldCredits        = "credits"
	fieldDelta          = "delta"
	fieldIdempotencyKey = "idempotencyKey"
	fieldMetadata       = "metadata"
	fieldBeforeUnixUTC  = "beforeUnixUtc"
	fieldLimit          = "limit"
	fieldEntries        = "entries"
	fieldUpdatedUnixUTC = "updatedUnixUtc"

	authorizationHeader = "authorization"
	bearerPrefix        = "Bearer "
)

// LedgerAdmin is the ledger surface served to operators.
type LedgerAdmin interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Account, error)
	OpenAccount(ctx context.Context, userID ledger.UserID, openingCredits ledger.Credits, metadata ledger.MetadataJSON) error
	ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
	Adjust(ctx context.Context, userID ledger.UserID, delta ledger.Credits, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.Credits, error)
}

// AdminServer implements the LedgerAdmin gRPC service.
type AdminServer struct {
	ledgerService LedgerAdmin
	logger        *zap.Logger
}

// NewAdminServer constructs a gRPC server for the ledger service.
func NewAdminServer(ledgerService LedgerAdmin, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminServer{ledgerService: ledgerService, logger: logger}
}

// Register attaches the service to a gRPC registrar.
func Register(registrar grpc.ServiceRegistrar, server *AdminServer) {
	registrar.RegisterService(&serviceDesc, server)
}

// TokenInterceptor rejects calls without the bearer token. An empty token disables the check.
func TokenInterceptor(token string) grpc.UnaryServerInterceptor {
	expected := []byte(bearerPrefix + token)
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" {
			return handler(ctx, request)
		}
		incoming, _ := metadata.FromIncomingContext(ctx)
		values := incoming.Get(authorizationHeader)
		if len(values) == 0 || subtle.ConstantTimeCompare([]byte(values[0]), expected) != 1 {
			return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		return handler(ctx, request)
	}
}

func (server *AdminServer) GetBalance(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(request.GetValue())
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	account, err := server.ledgerService.Balance(ctx, userID)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		fieldUserID:         userID.String(),
		fieldCredits:        account.Credits.Int64(),
		fieldUpdatedUnixUTC: account.UpdatedUnixUTC,
	})
}

func (server *AdminServer) OpenAccount(ctx context.Context, request *structpb.Struct) (*emptypb.Empty, error) {
	fields := request.GetFields()
	userID, err := ledger.NewUserID(stringField(fields, fieldUserID))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	credits, ok := integerField(fields, fieldCredits)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, errorInvalidCredits)
	}
	metadataJSON, err := metadataField(fields)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	if err := server.ledgerService.OpenAccount(ctx, userID, ledger.Credits(credits), metadataJSON); err != nil {
		return nil, server.mapToGRPCError(err)
	}
	return &emptypb.Empty{}, nil
}

func (server *AdminServer) ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	fields := request.GetFields()
	userID, err := ledger.NewUserID(stringField(fields, fieldUserID))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	beforeUnixUTC, _ := integerField(fields, fieldBeforeUnixUTC)
	limit, _ := integerField(fields, fieldLimit)
	entries, err := server.ledgerService.ListEntries(ctx, userID, beforeUnixUTC, int(limit))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	listed := make([]any, 0, len(entries))
	for _, entry := range entries {
		listed = append(listed, map[string]any{
			"entryId":           entry.EntryID,
			"type":              entry.Type.String(),
			"amount":            entry.Amount.Int64(),
			"balanceAfter":      entry.BalanceAfter.Int64(),
			fieldIdempotencyKey: entry.IdempotencyKey.String(),
			fieldMetadata:       entry.Metadata.String(),
			"createdUnixUtc":    entry.CreatedUnixUTC,
		})
	}
	return structpb.NewStruct(map[string]any{fieldEntries: listed})
}

func (server *AdminServer) Adjust(ctx context.Context, request *structpb.Struct) (*wrapperspb.Int64Value, error) {
	fields := request.GetFields()
	userID, err := ledger.NewUserID(stringField(fields, fieldUserID))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	delta, ok := integerField(fields, fieldDelta)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, errorInvalidCredits)
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(stringField(fields, fieldIdempotencyKey))
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	metadataJSON, err := metadataField(fields)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	balance, err := server.ledgerService.Adjust(ctx, userID, ledger.Credits(delta), idempotencyKey, metadataJSON)
	if err != nil {
		return nil, server.mapToGRPCError(err)
	}
	return wrapperspb.Int64(balance.Int64()), nil
}

func stringField(fields map[string]*structpb.Value, name string) string {
	return fields[name].GetStringValue()
}

// integerField accepts whole numbers only; structpb carries every number as a double.
func integerField(fields map[string]*structpb.Value, name string) (int64, bool) {
	value, present := fields[name]
	if !present {
		return 0, false
	}
	if _, isNumber := value.GetKind().(*structpb.Value_NumberValue); !isNumber {
		return 0, false
	}
	number := value.GetNumberValue()
	if number != float64(int64(number)) {
		return 0, false
	}
	return int64(number), true
}

func metadataField(fields map[string]*structpb.Value) (ledger.MetadataJSON, error) {
	value, present := fields[fieldMetadata]
	if !present {
		return ledger.NewMetadataJSON("")
	}
	if structValue := value.GetStructValue(); structValue != nil {
		raw, err := structValue.MarshalJSON()
		if err != nil {
			return ledger.MetadataJSON{}, ledger.ErrInvalidMetadataJSON
		}
		return ledger.NewMetadataJSON(string(raw))
	}
	return ledger.NewMetadataJSON(strings.TrimSpace(value.GetStringValue()))
}

func (server *AdminServer) mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, ledger.ErrInvalidUserID):
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	case errors.Is(source, ledger.ErrInvalidIdempotencyKey):
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	case errors.Is(source, ledger.ErrInvalidCredits):
		return status.Error(codes.InvalidArgument, errorInvalidCredits)
	case errors.Is(source, ledger.ErrInvalidMetadataJSON):
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	case errors.Is(source, ledger.ErrInvalidListLimit):
		return status.Error(codes.InvalidArgument, errorInvalidListLimit)
	case errors.Is(source, ledger.ErrInsufficientCredits):
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	case errors.Is(source, ledger.ErrUserNotFound):
		return status.Error(codes.NotFound, errorUserNotFound)
	case errors.Is(source, ledger.ErrAccountExists):
		return status.Error(codes.AlreadyExists, errorAccountExists)
	case errors.Is(source, ledger.ErrDuplicateIdempotencyKey):
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	}
	server.logger.Error("ledger admin call failed", zap.Error(source))
	return status.Error(codes.Internal, errorInternal)
}
