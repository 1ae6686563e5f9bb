package homa

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Protocol is the single handle threading configuration and the grant
// table's otherwise-global mutable state through every operation (spec.md
// section 9: "wrap as a handle threaded through every operation rather
// than ambient state"). One Protocol corresponds to one protocol instance
// with explicit Initialize/Teardown lifecycle, mirroring the way the
// teacher's SWP/Session bundle Sender+Recver rather than relying on
// package-level state.
type Protocol struct {
	Config *Config

	Grant       *GrantTable
	Reassembler *Reassembler
	Dispatcher  *Dispatcher
	Handoff     *Handoff
	Wait        *WaitLoop

	metrics *Metrics
	log     logrus.FieldLogger
}

// Deps bundles the external collaborators spec.md section 6 describes.
// None of them are implemented by this package; an embedder supplies
// concrete socket/peer-table/buffer-pool/transmit implementations.
type Deps struct {
	Buffers BufferPool
	RPCs    RPCTable
	Peers   PeerTable
	Tx      ControlEmitter

	Clock    Clock            // defaults to RealClock{}
	Log      logrus.FieldLogger // defaults to logrus.StandardLogger()
	Registry prometheus.Registerer // nil disables metrics registration
}

// NewProtocol initializes a Protocol instance (spec.md section 9's
// "explicit initialize/teardown"). cfg is validated in place.
func NewProtocol(cfg *Config, deps Deps) *Protocol {
	cfg.Validate()

	clk := deps.Clock
	if clk == nil {
		clk = RealClock{}
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := NewMetrics(deps.Registry)

	gt := NewGrantTable(cfg, deps.Tx, clk, log, m)
	re := NewReassembler(deps.Buffers, clk, log, m)
	ho := NewHandoff(cfg, clk, m)
	dp := NewDispatcher(cfg, gt, re, ho, deps.RPCs, deps.Peers, deps.Tx, clk, log, m)
	wl := NewWaitLoop(cfg, gt, re, ho, deps.RPCs, clk, log, m)

	return &Protocol{
		Config:      cfg,
		Grant:       gt,
		Reassembler: re,
		Dispatcher:  dp,
		Handoff:     ho,
		Wait:        wl,
		metrics:     m,
		log:         log,
	}
}

// Teardown releases any resources Protocol itself owns. The core holds
// no file descriptors or goroutines of its own -- ingress and receiver
// goroutines belong to the embedder -- so this is presently a no-op
// provided for lifecycle symmetry and future extension.
func (p *Protocol) Teardown() {}

// Snapshot exposes a point-in-time view of grant engine bookkeeping for
// tests and the simulation harness to assert spec.md section 8's
// invariants without scraping Prometheus (SPEC_FULL.md's "Metrics
// snapshot accessor" supplement).
type Snapshot struct {
	TotalIncoming   int64
	GrantableCount  int
}

// Snapshot returns the current grant-engine state.
func (p *Protocol) Snapshot() Snapshot {
	p.Grant.mu.Lock()
	defer p.Grant.mu.Unlock()
	return Snapshot{
		TotalIncoming:  p.Grant.TotalIncoming(),
		GrantableCount: len(p.Grant.list),
	}
}
