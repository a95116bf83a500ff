package api

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cuemby/a653hv/internal/scheduler"
	"github.com/cuemby/a653hv/pkg/events"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// eventBacklog is the number of recent events GetHealthEvents keeps
// available, oldest dropped first.
const eventBacklog = 256

// Server implements IntrospectionServer over a scheduler.Dispatcher's
// in-memory state, read-only, and listens on a UNIX socket.
type Server struct {
	dispatcher *scheduler.Dispatcher
	grpc       *grpc.Server
	listener   net.Listener

	broker *events.Broker
	sub    events.Subscriber

	mu     sync.Mutex
	events []*events.Event
}

// NewServer builds an introspection server over dispatcher. If broker is
// non-nil, the server subscribes to it and keeps a bounded backlog of
// recent events for GetHealthEvents.
func NewServer(dispatcher *scheduler.Dispatcher, broker *events.Broker) (*Server, error) {
	s := &Server{
		dispatcher: dispatcher,
		broker:     broker,
		grpc:       grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor())),
	}
	if broker != nil {
		s.sub = broker.Subscribe()
		go s.recordEvents()
	}
	RegisterIntrospectionServer(s.grpc, s)
	return s, nil
}

func (s *Server) recordEvents() {
	for ev := range s.sub {
		s.mu.Lock()
		s.events = append(s.events, ev)
		if len(s.events) > eventBacklog {
			s.events = s.events[len(s.events)-eventBacklog:]
		}
		s.mu.Unlock()
	}
}

// Listen binds a UNIX socket at path, removing any stale socket file a
// previous, uncleanly terminated run left behind.
func (s *Server) Listen(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("api: removing stale socket %s: %w", path, err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", path, err)
	}
	s.listener = lis
	return nil
}

// Serve blocks accepting connections until Stop is called. Listen must be
// called first.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("api: Listen must be called before Serve")
	}
	return s.grpc.Serve(s.listener)
}

// Stop gracefully stops the gRPC server and unsubscribes from the broker.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	if s.broker != nil {
		s.broker.Unsubscribe(s.sub)
	}
}

// GetSchedule returns the computed major-frame schedule: its duration and
// every partition window's (start, end) offset within it.
func (s *Server) GetSchedule(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sched := s.dispatcher.Schedule()
	windows := make([]interface{}, len(sched.Windows))
	for i, w := range sched.Windows {
		windows[i] = map[string]interface{}{
			"partition": w.Partition,
			"start_ms":  float64(w.Start.Milliseconds()),
			"end_ms":    float64(w.End.Milliseconds()),
		}
	}
	return structpb.NewStruct(map[string]interface{}{
		"major_frame_ms": float64(sched.MajorFrame.Milliseconds()),
		"windows":        windows,
	})
}

// GetPartitionStatus returns the current mode and pid of the named
// partition, or NotFound if it is not part of the running module.
func (s *Server) GetPartitionStatus(ctx context.Context, name *wrapperspb.StringValue) (*structpb.Struct, error) {
	mode, pid, ok := s.dispatcher.PartitionStatus(name.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "partition %q not configured", name.GetValue())
	}
	return structpb.NewStruct(map[string]interface{}{
		"partition": name.GetValue(),
		"mode":      mode,
		"pid":       float64(pid),
	})
}

// GetHealthEvents returns the bounded backlog of recent domain events
// (partition transitions/respawns, health actions, port overflows).
func (s *Server) GetHealthEvents(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.Lock()
	snapshot := make([]*events.Event, len(s.events))
	copy(snapshot, s.events)
	s.mu.Unlock()

	list := make([]interface{}, len(snapshot))
	for i, ev := range snapshot {
		meta := make(map[string]interface{}, len(ev.Metadata))
		for k, v := range ev.Metadata {
			meta[k] = v
		}
		list[i] = map[string]interface{}{
			"type":      string(ev.Type),
			"partition": ev.Partition,
			"message":   ev.Message,
			"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
			"metadata":  meta,
		}
	}
	return structpb.NewStruct(map[string]interface{}{"events": list})
}
