package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// SessionView is the client-side decoding of a session snapshot.
type SessionView struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Version   string    `json:"version"`
	State     string    `json:"state"`
	Username  string    `json:"username"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// EventView is the client-side decoding of a streamed event.
type EventView struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client is a ControlService client that attaches the operator password to
// every call.
type Client struct {
	conn *grpc.ClientConn
	rpc  ControlServiceClient
}

// Dial connects to the ControlService at addr. password may be empty when
// the server has no operator password.
//
// Postcondition: Returns a Client the caller must Close, or a non-nil error.
func Dial(addr, password string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	if password != "" {
		opts = append(opts,
			grpc.WithChainUnaryInterceptor(func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
				return invoker(withPassword(ctx, password), method, req, reply, cc, callOpts...)
			}),
			grpc.WithChainStreamInterceptor(func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
				return streamer(withPassword(ctx, password), desc, cc, method, callOpts...)
			}),
		)
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to control service at %s: %w", addr, err)
	}
	return &Client{conn: conn, rpc: NewControlServiceClient(conn)}, nil
}

func withPassword(ctx context.Context, password string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, AuthorizationHeader, "Bearer "+password)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// StartSession asks the server to start a session. Zero-valued fields take
// the server's defaults.
func (c *Client) StartSession(ctx context.Context, identity, host string, port int, version string) (SessionView, error) {
	in, err := structpb.NewStruct(map[string]any{
		"identity": identity,
		"host":     host,
		"port":     port,
		"version":  version,
	})
	if err != nil {
		return SessionView{}, err
	}
	out, err := c.rpc.StartSession(ctx, in)
	if err != nil {
		return SessionView{}, err
	}
	var view SessionView
	if err := decodeStruct(out, &view); err != nil {
		return SessionView{}, err
	}
	return view, nil
}

// StopSession stops the named session.
func (c *Client) StopSession(ctx context.Context, identity string) error {
	in, err := structpb.NewStruct(map[string]any{"identity": identity})
	if err != nil {
		return err
	}
	_, err = c.rpc.StopSession(ctx, in)
	return err
}

// SendChat sends text as identity.
func (c *Client) SendChat(ctx context.Context, identity, text string) error {
	in, err := structpb.NewStruct(map[string]any{"identity": identity, "text": text})
	if err != nil {
		return err
	}
	_, err = c.rpc.SendChat(ctx, in)
	return err
}

// ListAccounts returns the stored account identities.
func (c *Client) ListAccounts(ctx context.Context) ([]string, error) {
	out, err := c.rpc.ListAccounts(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

// ListSessions returns every tracked session.
func (c *Client) ListSessions(ctx context.Context) ([]SessionView, error) {
	out, err := c.rpc.ListSessions(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		var view SessionView
		if err := decodeStruct(v.GetStructValue(), &view); err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Watch streams events to fn until ctx is cancelled, the server ends the
// stream, or fn returns an error.
//
// Postcondition: Returns nil when the stream ended normally or ctx was cancelled.
func (c *Client) Watch(ctx context.Context, fn func(EventView) error) error {
	stream, err := c.rpc.Subscribe(ctx, &emptypb.Empty{})
	if err != nil {
		return err
	}
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt EventView
		if err := decodeStruct(msg, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func decodeStruct(st *structpb.Struct, v any) error {
	b, err := st.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
