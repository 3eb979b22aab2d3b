package pipe

// ShortCircuit is the reserved, currently-inert channel pair between a pipe
// and its sibling, for future in-band synthetic responses (e.g. answering
// SSLRequest locally without contacting the backend). R is this pipe's own
// message type; S is the sibling pipe's message type. tx sends a
// synthesized message of the sibling's type to the sibling; rx would
// receive a synthesized message of this pipe's own type from the sibling.
//
// The receive arm is deliberately left inert for now: nothing ever reads
// from rx.
type ShortCircuit[R, S any] struct {
	tx chan<- S
	rx <-chan R
}

// newShortCircuitPair wires two ShortCircuit halves together with buffered
// channels, symmetric so either side could synthesize a message into the
// other without crossing into its decoder.
func newShortCircuitPair[R, S any]() (a ShortCircuit[R, S], b ShortCircuit[S, R]) {
	const capacity = 128
	rToS := make(chan S, capacity)
	sToR := make(chan R, capacity)

	a = ShortCircuit[R, S]{tx: rToS, rx: sToR}
	b = ShortCircuit[S, R]{tx: sToR, rx: rToS}
	return a, b
}
