package apex

import (
	"github.com/cuemby/a653hv/internal/health"
	"github.com/cuemby/a653hv/internal/ipc"
)

// ReportApplicationMessage sends a log-level-tagged application message
// to the hypervisor, which echoes it through its own logger tagged with
// this partition's name.
func (p *Partition) ReportApplicationMessage(level int, text string) error {
	return p.sender.TrySend(ipc.Event{Kind: ipc.KindMessage, LogLevel: level, Text: text})
}

// RaiseApplicationError reports an ApplicationError to the hypervisor's
// health monitor, which looks it up in this partition's HM table the
// same as any other error kind.
func (p *Partition) RaiseApplicationError() error {
	return p.sender.TrySend(ipc.Event{Kind: ipc.KindError, ErrorKind: health.ApplicationError.String()})
}
