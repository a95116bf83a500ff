/*
Package api implements the hypervisor's read-only introspection service: a
small gRPC server exposing the scheduler's in-memory schedule, per-partition
status, and recent health-monitor events.

The service is deliberately read-only and out of band from the temporal
control plane: nothing it serves can influence a major frame's dispatch.
It is intended for operator tooling (a CLI, a dashboard) that needs to see
what the hypervisor is doing without reading cgroupfs or shared memory
directly.

# Architecture

	┌──────────── operator tooling (CLI/dashboard) ───────────┐
	│                                                           │
	│   gRPC client, UNIX socket                               │
	└──────────────────────────┬───────────────────────────────┘
	                           │
	┌──────────────────────────▼──────────────────── hypervisor ┐
	│   pkg/api.Server                                           │
	│     - GetSchedule          (internal/scheduler.Schedule)   │
	│     - GetPartitionStatus   (internal/scheduler.Dispatcher)  │
	│     - GetHealthEvents      (pkg/events.Broker backlog)      │
	└──────────────────────────────────────────────────────────┘

The service has no generated .proto bindings checked in: its messages are
the well-known protobuf types (emptypb.Empty, wrapperspb.StringValue,
structpb.Struct) that ship with google.golang.org/protobuf, and its
grpc.ServiceDesc is hand-wired the same way protoc-gen-go-grpc would wire
one, without requiring a codegen step.
*/
package api
