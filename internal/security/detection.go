package security

import "time"

// Detection is a single rule hit handed from the detection engine (or a host
// scan) to the response orchestrator.
type Detection struct {
	Source   string
	Rule     string
	Severity Severity
	// Detail carries the concrete matched content.
	Detail    string
	Timestamp time.Time
	// Blocked is set when the detector already recorded the block itself,
	// so the responder must not apply its own tier block.
	Blocked bool
}

// Responder receives detections. Handle must make any immediate block
// visible before it returns and push slow work elsewhere.
type Responder interface {
	Handle(d Detection)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(d Detection)

func (f ResponderFunc) Handle(d Detection) { f(d) }
