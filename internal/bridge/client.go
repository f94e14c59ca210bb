package bridge

import (
	"context"
	"errors"
	"io"

	"proof-capture-engine/pkg/models"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a running capture daemon over the bridge.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, req any, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

// StartVerification starts a session on the daemon.
func (c *Client) StartVerification(ctx context.Context, req models.StartVerificationRequest) (models.StartVerificationResponse, error) {
	var resp models.StartVerificationResponse
	err := c.call(ctx, startVerificationMethod, req, &resp)
	return resp, err
}

// CancelVerification cancels a session.
func (c *Client) CancelVerification(ctx context.Context, sessionID string) error {
	var resp map[string]any
	return c.call(ctx, cancelVerificationMethod, map[string]string{"sessionId": sessionID}, &resp)
}

// GetSession returns the latest snapshot of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	err := c.call(ctx, getSessionMethod, map[string]string{"sessionId": sessionID}, &snap)
	return snap, err
}

// GetEvidence returns the evidence of a completed session.
func (c *Client) GetEvidence(ctx context.Context, sessionID string) (models.TaskEvidence, error) {
	var ev models.TaskEvidence
	err := c.call(ctx, getEvidenceMethod, map[string]string{"sessionId": sessionID}, &ev)
	return ev, err
}

// WatchSession calls fn for every snapshot of the session until the stream ends.
func (c *Client) WatchSession(ctx context.Context, sessionID string, fn func(models.SessionSnapshot)) error {
	in, err := toStruct(map[string]string{"sessionId": sessionID})
	if err != nil {
		return err
	}
	stream, err := c.cc.NewStream(ctx, &CaptureBridgeServiceDesc.Streams[0], watchSessionMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var snap models.SessionSnapshot
		if err := fromStruct(out, &snap); err != nil {
			return err
		}
		fn(snap)
	}
}
