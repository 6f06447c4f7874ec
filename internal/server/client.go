package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/bookextract/internal/export"
	"github.com/ChuLiYu/bookextract/pkg/types"
)

// Client calls a remote ExtractionService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security. Message limits default to
// DefaultMaxMessageMB; pass ClientLimits in opts to change them.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	all := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		ClientLimits(MessageBytes(0)),
	}, opts...)
	conn, err := grpc.NewClient(addr, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection if the client opened it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Healthy reports whether the service answers SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.cc).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Upload reads local files and submits their bytes.
func (c *Client) Upload(ctx context.Context, paths []string) ([]types.Job, error) {
	files := make([]any, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		mt := mime.TypeByExtension(filepath.Ext(p))
		if mt == "" {
			mt = "application/pdf"
		}
		files = append(files, map[string]any{
			"name":     filepath.Base(p),
			"mimeType": mt,
			"data":     base64.StdEncoding.EncodeToString(data),
		})
	}
	return c.submit(ctx, map[string]any{"files": files})
}

// SubmitPaths asks the server to read files from its own filesystem.
func (c *Client) SubmitPaths(ctx context.Context, paths []string) ([]types.Job, error) {
	list := make([]any, 0, len(paths))
	for _, p := range paths {
		list = append(list, p)
	}
	return c.submit(ctx, map[string]any{"paths": list})
}

func (c *Client) submit(ctx context.Context, req map[string]any) ([]types.Job, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, MethodSubmitJobs, in)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Jobs []types.Job `json:"jobs"`
	}
	if err := decode(out, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// List returns all jobs; results come without content, see Get.
func (c *Client) List(ctx context.Context) ([]types.Job, error) {
	out, err := c.call(ctx, MethodListJobs, &structpb.Struct{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Jobs []types.Job `json:"jobs"`
	}
	if err := decode(out, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Get returns one job.
func (c *Client) Get(ctx context.Context, id types.JobID) (types.Job, error) {
	out, err := c.call(ctx, MethodGetJob, idRequest(id))
	if err != nil {
		return types.Job{}, err
	}
	var resp struct {
		Job types.Job `json:"job"`
	}
	if err := decode(out, &resp); err != nil {
		return types.Job{}, err
	}
	return resp.Job, nil
}

// Delete removes one job.
func (c *Client) Delete(ctx context.Context, id types.JobID) error {
	_, err := c.call(ctx, MethodDeleteJob, idRequest(id))
	return err
}

// Clear removes all jobs and durable history.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.call(ctx, MethodClearJobs, &structpb.Struct{})
	return err
}

// Export returns the rendered file and its row count.
func (c *Client) Export(ctx context.Context, format export.Format) ([]byte, int, error) {
	in, err := structpb.NewStruct(map[string]any{"format": string(format)})
	if err != nil {
		return nil, 0, err
	}
	out, err := c.call(ctx, MethodExportJobs, in)
	if err != nil {
		return nil, 0, err
	}
	f := out.GetFields()
	data, err := base64.StdEncoding.DecodeString(f["data"].GetStringValue())
	if err != nil {
		return nil, 0, fmt.Errorf("decode export: %w", err)
	}
	return data, int(f["rows"].GetNumberValue()), nil
}

func (c *Client) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func idRequest(id types.JobID) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id": structpb.NewStringValue(string(id)),
	}}
}
