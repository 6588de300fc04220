// Package ingest is the gRPC publish surface for out-of-process workers:
// compute processes in other runtimes publish validated progress messages and
// mirror task state here instead of linking the reporter.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/forgecad/pulse/pkg/broker"
	"github.com/forgecad/pulse/pkg/progress"
	"github.com/forgecad/pulse/pkg/reporter"
	"github.com/forgecad/pulse/proto/progresspb"
)

// Publisher is the broker surface the ingest server publishes through.
// *broker.Broker satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg *progress.Message, force bool) (broker.Result, error)
}

// Server implements the ProgressIngest gRPC service.
type Server struct {
	progresspb.UnimplementedProgressIngestServer

	pub    Publisher
	states reporter.StateStore
}

// NewServer creates the ingest service. states may be nil (task-state
// mirroring disabled).
func NewServer(pub Publisher, states reporter.StateStore) *Server {
	return &Server{pub: pub, states: states}
}

// Register attaches the service to a gRPC server.
func (s *Server) Register(grpcServer *grpc.Server) {
	progresspb.RegisterProgressIngestServer(grpcServer, s)
}

// Publish validates and publishes one progress message. Schema violations are
// rejected with InvalidArgument and never reach the broker; a throttled drop
// is a success with published=false.
func (s *Server) Publish(ctx context.Context, req *progresspb.PublishRequest) (*progresspb.PublishResponse, error) {
	if req.GetMessage() == nil {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}

	msg := fromProto(req.GetMessage())
	result, err := s.pub.Publish(ctx, msg, req.GetForce())
	if err != nil {
		var validErr *progress.ValidationError
		if errors.As(err, &validErr) {
			return nil, status.Error(codes.InvalidArgument, validErr.Error())
		}
		slog.Error("Ingest publish failed", "job_id", msg.JobID, "error", err)
		return nil, status.Error(codes.Internal, "publish failed")
	}

	if req.GetTaskId() != "" && s.states != nil && !result.Throttled {
		meta := map[string]interface{}{
			"job_id":     msg.JobID,
			"event_id":   msg.EventID,
			"event_type": string(msg.EventType),
			"milestone":  msg.Milestone,
			"timestamp":  msg.Timestamp,
		}
		if msg.ProgressPct != nil {
			meta["progress_pct"] = *msg.ProgressPct
		}
		if err := s.states.SetState(ctx, req.GetTaskId(), "PROGRESS", meta); err != nil {
			slog.Warn("Task state mirror failed", "task_id", req.GetTaskId(), "error", err)
		}
	}

	return &progresspb.PublishResponse{
		Published: !result.Throttled,
		EventId:   result.EventID,
	}, nil
}

// SetTaskState mirrors an explicit task-runner state update.
func (s *Server) SetTaskState(ctx context.Context, req *progresspb.SetTaskStateRequest) (*progresspb.SetTaskStateResponse, error) {
	if req.GetTaskId() == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	if req.GetState() == "" {
		return nil, status.Error(codes.InvalidArgument, "state is required")
	}
	if s.states == nil {
		return nil, status.Error(codes.Unavailable, "task state store not configured")
	}

	if err := s.states.SetState(ctx, req.GetTaskId(), req.GetState(), req.GetMeta().AsMap()); err != nil {
		slog.Error("Task state update failed", "task_id", req.GetTaskId(), "error", err)
		return nil, status.Error(codes.Internal, "state update failed")
	}
	return &progresspb.SetTaskStateResponse{}, nil
}

// fromProto converts the wire message to the domain model. Zero-valued proto
// fields map to absent JSON fields, matching the producer-side encoding.
func fromProto(pb *progresspb.ProgressMessage) *progress.Message {
	msg := &progress.Message{
		JobID:          pb.GetJobId(),
		EventID:        pb.GetEventId(),
		SchemaVersion:  pb.GetSchemaVersion(),
		EventType:      progress.EventType(pb.GetEventType()),
		OperationGroup: pb.GetOperationGroup(),
		OperationID:    pb.GetOperationId(),
		Phase:          progress.Phase(pb.GetPhase()),
		StepIndex:      int(pb.GetStepIndex()),
		StepTotal:      int(pb.GetStepTotal()),
		ItemsDone:      int(pb.GetItemsDone()),
		ItemsTotal:     int(pb.GetItemsTotal()),
		ElapsedMS:      pb.GetElapsedMs(),
		EtaMS:          pb.GetEtaMs(),
		Milestone:      pb.GetMilestone(),
		Message:        pb.GetMessage(),
		Status:         pb.GetStatus(),
	}
	if pb.GetTimestamp() != nil {
		msg.Timestamp = pb.GetTimestamp().AsTime()
	} else {
		msg.Timestamp = progress.Now()
	}
	if pb.ProgressPct != nil {
		msg.ProgressPct = progress.PctOf(pb.GetProgressPct())
	}
	if pb.GetDetail() != nil {
		msg.Detail = pb.GetDetail().AsMap()
	}
	return msg
}
