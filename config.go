package homa

import "time"

// MaxOvercommitCeiling is the fixed compile-time upper bound on
// MaxOvercommit referenced by spec.md section 6.
const MaxOvercommitCeiling = 10

// Config holds every tunable spec.md section 6 enumerates. It is built
// explicitly by the embedder, the same way the teacher's NewSWP/NewSession
// take parameters directly rather than reading a config file or flags —
// see SPEC_FULL.md's Configuration section for why no config-loading
// library from the pack applies here.
type Config struct {
	MaxIncoming      int   // total bytes of "incoming" budget across all RPCs
	Window           int   // 0 = dynamic per-RPC window
	MaxOvercommit    int   // RPCs considered per send_grants round, <= MaxOvercommitCeiling
	MaxRPCsPerPeer   int
	NumPriorities    int
	MaxSchedPrio     int
	UnschedBytes     int
	GrantFIFOFraction int  // 0..500, per-mille of granted bytes reserved for FIFO
	FIFOGrantIncrement int
	PollUsecs        int
	BusyUsecs        int
	DeadBuffsLimit   int
	ReapLimit        int

	// Derived fields, computed by Validate.
	GrantNonFIFO int
	PollCycles   int64
	BusyCycles   int64
}

// DefaultConfig returns conservative defaults in the same spirit as the
// teacher's NewSWP default window sizing: small enough to exercise every
// code path in tests, large enough to be a sane starting point for an
// embedder.
func DefaultConfig() *Config {
	c := &Config{
		MaxIncoming:        1 << 20,
		Window:             0,
		MaxOvercommit:      8,
		MaxRPCsPerPeer:     4,
		NumPriorities:      8,
		MaxSchedPrio:       7,
		UnschedBytes:       10000,
		GrantFIFOFraction:  50,
		FIFOGrantIncrement: 10000,
		PollUsecs:          50,
		BusyUsecs:          100,
		DeadBuffsLimit:     5000,
		ReapLimit:          10,
	}
	c.Validate()
	return c
}

// Validate clamps out-of-range fields and recomputes derived values. It is
// idempotent: calling it twice with no intervening mutation leaves Config
// unchanged, matching the idempotence properties spec.md section 8 expects
// of the grant engine's own recomputation steps.
func (c *Config) Validate() {
	if c.MaxOvercommit > MaxOvercommitCeiling {
		c.MaxOvercommit = MaxOvercommitCeiling
	}
	if c.MaxOvercommit < 1 {
		c.MaxOvercommit = 1
	}
	if c.GrantFIFOFraction < 0 {
		c.GrantFIFOFraction = 0
	}
	if c.GrantFIFOFraction > 500 {
		c.GrantFIFOFraction = 500
	}

	if c.GrantFIFOFraction == 0 {
		c.GrantNonFIFO = 0
	} else {
		// grant_nonfifo = (1000 * fifo_grant_increment)/fifo_fraction - fifo_grant_increment
		c.GrantNonFIFO = (1000*c.FIFOGrantIncrement)/c.GrantFIFOFraction - c.FIFOGrantIncrement
	}

	c.PollCycles = usecsToCycles(c.PollUsecs)
	c.BusyCycles = usecsToCycles(c.BusyUsecs)
}

// cyclesPerUsec is a fixed stand-in for the rdtsc-calibrated conversion the
// original kernel module performs at boot; the receive-side core treats
// cycles as an opaque monotonic unit measured via Clock, so a fixed ratio
// is sufficient for deterministic tests while remaining easy for an
// embedder to override by constructing Config.PollCycles/BusyCycles
// directly after Validate.
const cyclesPerUsec = 1000

func usecsToCycles(usecs int) int64 {
	return int64(usecs) * cyclesPerUsec
}

func cyclesToDuration(cycles int64) time.Duration {
	return time.Duration(cycles/cyclesPerUsec) * time.Microsecond
}
