package grpcserver

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Balance is the balance reply of the admin service.
type Balance struct {
	UserID         string
	Credits        int64
	UpdatedUnixUTC int64
}

// EntryView is one ledger entry as returned by the admin service.
type EntryView struct {
	EntryID        string `json:"entryId"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balanceAfter"`
	IdempotencyKey string `json:"idempotencyKey"`
	Metadata       string `json:"metadata"`
	CreatedUnixUTC int64  `json:"createdUnixUtc"`
}

// AdminClient calls the LedgerAdmin service.
type AdminClient struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewAdminClient wraps a client connection. token is sent as a bearer credential when set.
func NewAdminClient(conn grpc.ClientConnInterface, token string) *AdminClient {
	return &AdminClient{conn: conn, token: token}
}

func (client *AdminClient) GetBalance(ctx context.Context, userID string) (Balance, error) {
	reply := new(structpb.Struct)
	if err := client.conn.Invoke(client.outgoing(ctx), methodGetBalance, wrapperspb.String(userID), reply); err != nil {
		return Balance{}, err
	}
	fields := reply.GetFields()
	credits, _ := integerField(fields, fieldCredits)
	updated, _ := integerField(fields, fieldUpdatedUnixUTC)
	return Balance{UserID: stringField(fields, fieldUserID), Credits: credits, UpdatedUnixUTC: updated}, nil
}

func (client *AdminClient) OpenAccount(ctx context.Context, userID string, credits int64, metadataJSON string) error {
	request, err := structpb.NewStruct(map[string]any{
		fieldUserID:   userID,
		fieldCredits:  credits,
		fieldMetadata: metadataJSON,
	})
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return client.conn.Invoke(client.outgoing(ctx), methodOpenAccount, request, new(emptypb.Empty))
}

func (client *AdminClient) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]EntryView, error) {
	request, err := structpb.NewStruct(map[string]any{
		fieldUserID:        userID,
		fieldBeforeUnixUTC: beforeUnixUTC,
		fieldLimit:         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	reply := new(structpb.Struct)
	if err := client.conn.Invoke(client.outgoing(ctx), methodListEntries, request, reply); err != nil {
		return nil, err
	}
	raw, err := reply.GetFields()[fieldEntries].MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	var entries []EntryView
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	return entries, nil
}

func (client *AdminClient) Adjust(ctx context.Context, userID string, delta int64, idempotencyKey string, metadataJSON string) (int64, error) {
	request, err := structpb.NewStruct(map[string]any{
		fieldUserID:         userID,
		fieldDelta:          delta,
		fieldIdempotencyKey: idempotencyKey,
		fieldMetadata:       metadataJSON,
	})
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	reply := new(wrapperspb.Int64Value)
	if err := client.conn.Invoke(client.outgoing(ctx), methodAdjust, request, reply); err != nil {
		return 0, err
	}
	return reply.GetValue(), nil
}

func (client *AdminClient) outgoing(ctx context.Context) context.Context {
	if client.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, authorizationHeader, bearerPrefix+client.token)
}
