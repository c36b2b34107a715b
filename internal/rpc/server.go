package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"oneshot.link/internal/lifecycle"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/models"
)

const serviceName = "oneshot.v1.Secrets"

type Secrets interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (lifecycle.Created, error)
	Reveal(ctx context.Context, secretID, passphrase string) (string, error)
	Burn(ctx context.Context, receiptID string) (lifecycle.BurnOutcome, error)
	Receipt(ctx context.Context, receiptID string) (*models.Receipt, error)
}

type CreateRequest struct {
	Content    string `json:"content"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type CreateResponse struct {
	SecretID           string    `json:"secret_id"`
	ReceiptID          string    `json:"receipt_id"`
	Partition          string    `json:"partition"`
	PassphraseRequired bool      `json:"passphrase_required"`
	ExpiresAt          time.Time `json:"expires_at"`
}

type RevealRequest struct {
	SecretID   string `json:"secret_id"`
	Passphrase string `json:"passphrase,omitempty"`
}

type RevealResponse struct {
	Content string `json:"content"`
}

type BurnRequest struct {
	ReceiptID string `json:"receipt_id"`
}

type BurnResponse struct {
	State           string `json:"state"`
	AlreadyConsumed bool   `json:"already_consumed"`
}

type GetReceiptRequest struct {
	ReceiptID string `json:"receipt_id"`
}

// Server implements oneshot.v1.Secrets on top of the lifecycle.
type Server struct {
	secrets Secrets
}

func NewServer(secrets Secrets) *Server {
	return &Server{secrets: secrets}
}

// NewGRPCServer returns a grpc.Server with the logging interceptor and the
// Secrets service registered.
func NewGRPCServer(secrets Secrets, log *logger.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(log)))
	s := grpc.NewServer(opts...)
	Register(s, NewServer(secrets))
	return s
}

func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

func (s *Server) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	ttl, err := lifecycle.TTLFromSeconds(req.TTLSeconds)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	created, err := s.secrets.Create(ctx, lifecycle.CreateRequest{
		Content:    req.Content,
		TTL:        ttl,
		Passphrase: req.Passphrase,
		Host:       authority(ctx),
	})
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	return &CreateResponse{
		SecretID:           created.SecretID,
		ReceiptID:          created.ReceiptID,
		Partition:          string(created.Partition),
		PassphraseRequired: created.HasPassphrase,
		ExpiresAt:          created.ExpiresAt,
	}, nil
}

func (s *Server) Reveal(ctx context.Context, req *RevealRequest) (*RevealResponse, error) {
	content, err := s.secrets.Reveal(ctx, req.SecretID, req.Passphrase)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &RevealResponse{Content: content}, nil
}

func (s *Server) Burn(ctx context.Context, req *BurnRequest) (*BurnResponse, error) {
	outcome, err := s.secrets.Burn(ctx, req.ReceiptID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &BurnResponse{
		State:           outcome.String(),
		AlreadyConsumed: outcome == lifecycle.AlreadyConsumed,
	}, nil
}

func (s *Server) GetReceipt(ctx context.Context, req *GetReceiptRequest) (*models.Receipt, error) {
	r, err := s.secrets.Receipt(ctx, req.ReceiptID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return r, nil
}

// toStatus maps lifecycle errors onto gRPC codes with the same messages the
// HTTP API uses.
func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, lifecycle.ErrAlreadyConsumed):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, lifecycle.ErrPassphraseRequired):
		return status.Error(codes.PermissionDenied, lifecycle.ErrPassphraseRequired.Error())
	case errors.Is(err, lifecycle.ErrPassphraseInvalid):
		return status.Error(codes.PermissionDenied, lifecycle.ErrPassphraseInvalid.Error())
	case errors.Is(err, lifecycle.ErrStoreUnavailable):
		logger.FromContext(ctx).Err(err).Msg("store unavailable")
		return status.Error(codes.Unavailable, "service temporarily unavailable")
	default:
		logger.FromContext(ctx).Err(err).Msg("request failed")
		return status.Error(codes.Internal, "internal error")
	}
}

func authority(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(":authority"); len(v) > 0 {
		return v[0]
	}
	return ""
}

// loggingInterceptor puts a child logger carrying the trace ID in the
// context and logs one line per call.
func loggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		traceID := uuid.NewString()
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("x-request-id"); len(v) > 0 && v[0] != "" && len(v[0]) <= 64 {
				traceID = v[0]
			}
		}

		l := log.GetChildLogger()
		l.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("trace_id", traceID)
		})
		ctx = l.WithContext(ctx)

		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		event := l.Info()
		if code == codes.Internal || code == codes.Unavailable {
			event = l.Error()
		}
		event.
			Str("method", info.FullMethod).
			Stringer("code", code).
			Dur("duration", time.Since(start)).
			Send()
		return resp, err
	}
}
