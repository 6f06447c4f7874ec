package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/bookextract/internal/controller"
	"github.com/ChuLiYu/bookextract/internal/export"
	"github.com/ChuLiYu/bookextract/pkg/types"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bookextract.v1.ExtractionService"

// Queue is the part of the controller exposed over gRPC.
type Queue interface {
	Submit(inputs []types.NewJob) []types.Job
	Jobs() []types.Job
	Job(id types.JobID) (types.Job, error)
	Delete(id types.JobID) error
	Clear(ctx context.Context) error
	Export(w io.Writer, format export.Format) (int, error)
}

var _ Queue = (*controller.Controller)(nil)

// Server implements the ExtractionService.
//
// Messages are google.protobuf.Struct documents:
//
//	SubmitJobs  {files: [{name, mimeType, data(base64)}], paths: [string]} -> {jobs: [Job]}
//	ListJobs    {}                                                        -> {jobs: [Job without result content]}
//	GetJob      {id}                                                      -> {job: Job}
//	DeleteJob   {id}                                                      -> {}
//	ClearJobs   {}                                                        -> {}
//	ExportJobs  {format: "csv"|"xlsx"}                                    -> {format, contentType, rows, data(base64)}
type Server struct {
	queue Queue
}

// NewServer creates a new ExtractionService server.
func NewServer(q Queue) *Server {
	return &Server{queue: q}
}

// NewGRPCServer builds a grpc.Server with the extraction and health services registered.
// Message limits default to DefaultMaxMessageMB; pass ServerLimits in opts to change them.
func NewGRPCServer(q Queue, opts ...grpc.ServerOption) *grpc.Server {
	all := append(ServerLimits(MessageBytes(0)), opts...)
	gs := grpc.NewServer(all...)
	gs.RegisterService(&ServiceDesc, NewServer(q))

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

// Serve runs gs on lis until ctx is done, then stops gracefully.
func Serve(ctx context.Context, lis net.Listener, gs *grpc.Server) error {
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// SubmitJobs enqueues uploaded files and server-local paths, in that order.
func (s *Server) SubmitJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Files []struct {
			Name     string `json:"name"`
			MimeType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"files"`
		Paths []string `json:"paths"`
	}
	if err := decode(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if len(in.Files) == 0 && len(in.Paths) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no files or paths given")
	}

	uploads := make([]types.NewJob, 0, len(in.Files))
	for _, f := range in.Files {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "file %s: bad base64: %v", f.Name, err)
		}
		mime := f.MimeType
		if mime == "" {
			mime = "application/pdf"
		}
		uploads = append(uploads, types.NewJob{
			Name:  types.JobName(f.Name),
			Input: &types.BytesInput{Filename: f.Name, Mime: mime, Data: data},
		})
	}

	for _, p := range in.Paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "path %s: %v", p, err)
		}
		if st.IsDir() {
			return nil, status.Errorf(codes.InvalidArgument, "path %s: is a directory", p)
		}
		fi := types.NewFileInput(p)
		uploads = append(uploads, types.NewJob{Name: types.JobName(fi.Name()), Input: fi})
	}

	jobs := s.queue.Submit(uploads)

	log.Info("Jobs submitted over gRPC", "files", len(in.Files), "paths", len(in.Paths))
	return encode(map[string]any{"jobs": jobs})
}

// ListJobs returns every job in store order, without result content.
// GetJob and ExportJobs carry the full text.
func (s *Server) ListJobs(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encode(map[string]any{"jobs": summarize(s.queue.Jobs())})
}

// GetJob returns one job.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	job, err := s.queue.Job(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"job": job})
}

// DeleteJob removes one job.
func (s *Server) DeleteJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Delete(id); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// ClearJobs removes all jobs and durable history.
func (s *Server) ClearJobs(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.queue.Clear(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// ExportJobs renders completed results as CSV or XLSX.
func (s *Server) ExportJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := "csv"
	if v, ok := req.GetFields()["format"]; ok && v.GetStringValue() != "" {
		name = v.GetStringValue()
	}
	format, err := export.ParseFormat(name)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var buf bytes.Buffer
	rows, err := s.queue.Export(&buf, format)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"format":      string(format),
		"contentType": format.ContentType(),
		"rows":        rows,
		"data":        base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// ============================================================================
// Helpers
// ============================================================================

func jobID(req *structpb.Struct) (types.JobID, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "id is required")
	}
	return types.JobID(id), nil
}

// summarize drops BookData.Content; title, pages and chapters stay.
func summarize(jobs []types.Job) []types.Job {
	for i := range jobs {
		if jobs[i].Result == nil {
			continue
		}
		r := *jobs[i].Result
		r.Content = ""
		jobs[i].Result = &r
	}
	return jobs
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, controller.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, export.ErrNothingToExport):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// encode converts v to a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return s, nil
}

// decode converts a Struct into v through its JSON form.
func decode(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
