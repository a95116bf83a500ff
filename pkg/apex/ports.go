package apex

import (
	"fmt"
	"time"

	"github.com/cuemby/a653hv/internal/constants"
	"github.com/cuemby/a653hv/internal/partition"
	"github.com/cuemby/a653hv/internal/queuing"
	"github.com/cuemby/a653hv/internal/sampling"
)

// CreateSamplingPort validates name against the partition's declared
// port table and maps its memfd for use by
// WriteSamplingMessage/ReadSamplingMessage, returning the port's
// 1-based index in the order this partition first created it.
func (p *Partition) CreateSamplingPort(name string) (int, error) {
	d, err := p.findPortDescriptor(name)
	if err != nil {
		return 0, err
	}
	if d.Kind != constants.PortSampling {
		return 0, partition.InvalidParam
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ports[name]; ok {
		return p.indexOf(name), nil
	}

	entry := &port{descriptor: d}
	switch d.Direction {
	case constants.DirectionSource:
		w, err := sampling.OpenWriter(d.FD, d.MsgSize)
		if err != nil {
			return 0, fmt.Errorf("apex: open sampling writer %q: %w", name, err)
		}
		entry.samplingWriter = w
	case constants.DirectionDestination:
		r, err := sampling.OpenReader(d.FD, d.MsgSize)
		if err != nil {
			return 0, fmt.Errorf("apex: open sampling reader %q: %w", name, err)
		}
		entry.samplingReader = r
	}
	p.ports[name] = entry
	p.order = append(p.order, name)
	return p.indexOf(name), nil
}

// CreateQueuingPort validates name against the partition's declared port
// table and maps its memfd for use by
// SendQueuingMessage/ReceiveQueuingMessage, returning the port's 1-based
// index in the order this partition first created it.
func (p *Partition) CreateQueuingPort(name string) (int, error) {
	d, err := p.findPortDescriptor(name)
	if err != nil {
		return 0, err
	}
	if d.Kind != constants.PortQueuing {
		return 0, partition.InvalidParam
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ports[name]; ok {
		return p.indexOf(name), nil
	}

	entry := &port{descriptor: d}
	switch d.Direction {
	case constants.DirectionSource:
		s, err := queuing.OpenSource(d.FD, d.MsgSize, d.Capacity)
		if err != nil {
			return 0, fmt.Errorf("apex: open queuing source %q: %w", name, err)
		}
		entry.queuingSource = s
	case constants.DirectionDestination:
		dst, err := queuing.OpenDestination(d.FD, d.MsgSize, d.Capacity)
		if err != nil {
			return 0, fmt.Errorf("apex: open queuing destination %q: %w", name, err)
		}
		entry.queuingDest = dst
	}
	p.ports[name] = entry
	p.order = append(p.order, name)
	return p.indexOf(name), nil
}

// indexOf returns name's 1-based position in creation order, or 0 if it
// has not been created. Callers hold p.mu.
func (p *Partition) indexOf(name string) int {
	for i, n := range p.order {
		if n == name {
			return i + 1
		}
	}
	return 0
}

// WriteSamplingMessage publishes payload on a previously created
// sampling source port. Returns InvalidParam if name was not created as
// a source port.
func (p *Partition) WriteSamplingMessage(name string, payload []byte) error {
	p.mu.Lock()
	entry, ok := p.ports[name]
	p.mu.Unlock()
	if !ok || entry.samplingWriter == nil {
		return partition.InvalidParam
	}
	entry.samplingWriter.Write(payload)
	return nil
}

// SamplingRead is the result of ReadSamplingMessage.
type SamplingRead struct {
	Status  sampling.Status
	Payload []byte
}

// ReadSamplingMessage reads a previously created sampling destination
// port, validating freshness against refreshPeriod. Returns InvalidParam
// if name was not created as a destination port.
func (p *Partition) ReadSamplingMessage(name string, refreshPeriod time.Duration) (SamplingRead, error) {
	p.mu.Lock()
	entry, ok := p.ports[name]
	p.mu.Unlock()
	if !ok || entry.samplingReader == nil {
		return SamplingRead{}, partition.InvalidParam
	}
	status, payload := entry.samplingReader.Read(refreshPeriod)
	return SamplingRead{Status: status, Payload: payload}, nil
}

// SendQueuingMessage pushes payload onto a previously created queuing
// source port. Returns NotAvailable if the combined source+destination
// depth is at capacity (B3), InvalidParam if name was not created as a
// source port.
func (p *Partition) SendQueuingMessage(name string, payload []byte) error {
	p.mu.Lock()
	entry, ok := p.ports[name]
	p.mu.Unlock()
	if !ok || entry.queuingSource == nil {
		return partition.InvalidParam
	}
	if !entry.queuingSource.Push(payload) {
		return partition.NotAvailable
	}
	return nil
}

// ReceiveQueuingMessage pops the oldest message from a previously
// created queuing destination port into buf. Returns NotAvailable if the
// queue is empty, InvalidParam if name was not created as a destination
// port.
func (p *Partition) ReceiveQueuingMessage(name string, buf []byte) (int, error) {
	p.mu.Lock()
	entry, ok := p.ports[name]
	p.mu.Unlock()
	if !ok || entry.queuingDest == nil {
		return 0, partition.InvalidParam
	}
	n, _, ok := entry.queuingDest.Receive(buf)
	if !ok {
		return 0, partition.NotAvailable
	}
	return n, nil
}
