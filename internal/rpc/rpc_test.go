package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"oneshot.link/internal/crypto"
	"oneshot.link/internal/lifecycle"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/models"
	"oneshot.link/internal/passphrase"
	"oneshot.link/internal/ratelimit"
	"oneshot.link/internal/receipt"
	"oneshot.link/internal/scope"
	"oneshot.link/internal/store"
)

func newService(t *testing.T) *lifecycle.Service {
	t.Helper()

	registry := store.NewRegistry(models.DefaultScope)
	registry.Register(models.DefaultScope, store.NewMemoryStore(0))
	registry.Register("eu", store.NewMemoryStore(0))

	tracker, err := receipt.NewTracker(registry, 30*24*time.Hour, 0, logger.Nop())
	require.NoError(t, err)

	failures := ratelimit.NewMemoryLimiter(15 * time.Minute)
	params := crypto.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}
	gate := passphrase.NewGate(failures, 5, params, logger.Nop())

	resolver, err := scope.NewResolver(map[string]string{"eu.example.com": "eu"}, models.DefaultScope)
	require.NoError(t, err)

	sealer, err := crypto.NewSealer(crypto.GenerateMasterKey())
	require.NoError(t, err)

	t.Cleanup(func() {
		tracker.Close()
		_ = failures.Close()
		_ = registry.Close()
	})

	return lifecycle.New(registry, resolver, gate, tracker, sealer, lifecycle.DefaultOptions(), logger.Nop())
}

// dial serves secrets over an in-memory listener and returns a client whose
// :authority is host.
func dial(t *testing.T, secrets Secrets, host string) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(secrets, logger.Nop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///"+host,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRevealOnce(t *testing.T) {
	c := dial(t, newService(t), "oneshot.test")
	ctx := context.Background()

	created, err := c.Create(ctx, &CreateRequest{Content: "over grpc", TTLSeconds: 300})
	require.NoError(t, err)
	assert.Equal(t, "default", created.Partition)
	assert.False(t, created.PassphraseRequired)

	revealed, err := c.Reveal(ctx, &RevealRequest{SecretID: created.SecretID})
	require.NoError(t, err)
	assert.Equal(t, "over grpc", revealed.Content)

	_, err = c.Reveal(ctx, &RevealRequest{SecretID: created.SecretID})
	assert.Equal(t, codes.NotFound, status.Code(err))

	r, err := c.GetReceipt(ctx, &GetReceiptRequest{ReceiptID: created.ReceiptID})
	require.NoError(t, err)
	assert.Equal(t, models.StateViewed, r.State)
	assert.Empty(t, r.SecretID)
}

func TestPassphraseAndBurn(t *testing.T) {
	c := dial(t, newService(t), "oneshot.test")
	ctx := context.Background()

	created, err := c.Create(ctx, &CreateRequest{Content: "guarded", Passphrase: "open sesame"})
	require.NoError(t, err)
	assert.True(t, created.PassphraseRequired)

	_, err = c.Reveal(ctx, &RevealRequest{SecretID: created.SecretID})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, "passphrase required", status.Convert(err).Message())

	_, err = c.Reveal(ctx, &RevealRequest{SecretID: created.SecretID, Passphrase: "nope"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, "incorrect passphrase", status.Convert(err).Message())

	burned, err := c.Burn(ctx, &BurnRequest{ReceiptID: created.ReceiptID})
	require.NoError(t, err)
	assert.Equal(t, &BurnResponse{State: "burned"}, burned)

	burned, err = c.Burn(ctx, &BurnRequest{ReceiptID: created.ReceiptID})
	require.NoError(t, err)
	assert.True(t, burned.AlreadyConsumed)

	_, err = c.Reveal(ctx, &RevealRequest{SecretID: created.SecretID, Passphrase: "open sesame"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestPartitionFromAuthority(t *testing.T) {
	c := dial(t, newService(t), "eu.example.com")

	created, err := c.Create(context.Background(), &CreateRequest{Content: "hallo"})
	require.NoError(t, err)
	assert.Equal(t, "eu", created.Partition)
}

func TestInvalidArgument(t *testing.T) {
	c := dial(t, newService(t), "oneshot.test")

	_, err := c.Create(context.Background(), &CreateRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	for _, ttl := range []int64{-5, 36028797018967568} {
		_, err := c.Create(context.Background(), &CreateRequest{Content: "x", TTLSeconds: ttl})
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "ttl_seconds %d", ttl)
	}
}

type stubSecrets struct {
	err error
}

func (s stubSecrets) Create(context.Context, lifecycle.CreateRequest) (lifecycle.Created, error) {
	return lifecycle.Created{}, s.err
}

func (s stubSecrets) Reveal(context.Context, string, string) (string, error) {
	return "", s.err
}

func (s stubSecrets) Burn(context.Context, string) (lifecycle.BurnOutcome, error) {
	return 0, s.err
}

func (s stubSecrets) Receipt(context.Context, string) (*models.Receipt, error) {
	return nil, s.err
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{lifecycle.ErrAlreadyConsumed, codes.NotFound},
		{lifecycle.ErrLocked, codes.PermissionDenied},
		{errors.Join(lifecycle.ErrStoreUnavailable, errors.New("dial tcp: refused")), codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			c := dial(t, stubSecrets{err: tt.err}, "oneshot.test")
			_, err := c.Reveal(context.Background(), &RevealRequest{SecretID: "default.abc"})
			assert.Equal(t, tt.code, status.Code(err))
			assert.NotContains(t, status.Convert(err).Message(), "refused")
		})
	}
}
