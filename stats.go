package kcoord

import "sync/atomic"

// Statistics is a point-in-time value copy of the coordinator's
// process-wide counters. It is produced by statsCollector.snapshot
// and is safe to read without synchronization, since it is a copy.
type Statistics struct {
	SuccessfulSent    uint64
	RequestsSent      uint64
	ResponsesReceived uint64
	Errors            uint64
	NodeDead          uint64
	Expired           uint64
	Discarded         uint64
	Exited            uint64
	Received          uint64
}

// statsCollector holds the nine atomic counters: process-scoped
// atomics, no singleton, snapshot by value. Every field is updated
// only via atomic.AddUint64 so any goroutine may increment (the
// produce-router event adapter and Stop increment from outside the
// agent goroutine, and Statistics reads from any goroutine).
type statsCollector struct {
	successfulSent    uint64
	requestsSent      uint64
	responsesReceived uint64
	errors            uint64
	nodeDead          uint64
	expired           uint64
	discarded         uint64
	exited            uint64
	received          uint64
}

func (s *statsCollector) incSuccessfulSent()    { atomic.AddUint64(&s.successfulSent, 1) }
func (s *statsCollector) incRequestsSent()      { atomic.AddUint64(&s.requestsSent, 1) }
func (s *statsCollector) incResponsesReceived() { atomic.AddUint64(&s.responsesReceived, 1) }
func (s *statsCollector) incErrors()            { atomic.AddUint64(&s.errors, 1) }
func (s *statsCollector) incNodeDead()          { atomic.AddUint64(&s.nodeDead, 1) }
func (s *statsCollector) incExpired()           { atomic.AddUint64(&s.expired, 1) }
func (s *statsCollector) addDiscarded(n uint64) { atomic.AddUint64(&s.discarded, n) }
func (s *statsCollector) incExited()            { atomic.AddUint64(&s.exited, 1) }
func (s *statsCollector) incReceived()          { atomic.AddUint64(&s.received, 1) }

func (s *statsCollector) snapshot() Statistics {
	return Statistics{
		SuccessfulSent:    atomic.LoadUint64(&s.successfulSent),
		RequestsSent:      atomic.LoadUint64(&s.requestsSent),
		ResponsesReceived: atomic.LoadUint64(&s.responsesReceived),
		Errors:            atomic.LoadUint64(&s.errors),
		NodeDead:          atomic.LoadUint64(&s.nodeDead),
		Expired:           atomic.LoadUint64(&s.expired),
		Discarded:         atomic.LoadUint64(&s.discarded),
		Exited:            atomic.LoadUint64(&s.exited),
		Received:          atomic.LoadUint64(&s.received),
	}
}
