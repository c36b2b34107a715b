package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"oneshot.link/internal/models"
)

// Client calls oneshot.v1.Secrets with the JSON codec.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Without options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	out := new(CreateResponse)
	if err := c.invoke(ctx, "Create", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Reveal(ctx context.Context, req *RevealRequest) (*RevealResponse, error) {
	out := new(RevealResponse)
	if err := c.invoke(ctx, "Reveal", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Burn(ctx context.Context, req *BurnRequest) (*BurnResponse, error) {
	out := new(BurnResponse)
	if err := c.invoke(ctx, "Burn", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetReceipt(ctx context.Context, req *GetReceiptRequest) (*models.Receipt, error) {
	out := new(models.Receipt)
	if err := c.invoke(ctx, "GetReceipt", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out)
}
