package stream

// Observer receives the events of streams started through a
// dispatcher. Every invocation carries the handle of the stream it
// belongs to.
//
// Delivery contract: events for one handle arrive in emission order
// and are never invoked concurrently, the terminal event (OnComplete
// or OnReset) is delivered at most once, and nothing arrives after
// it. Callbacks run on the dispatcher's execution goroutine, so they
// must not block; hand heavy work off to another goroutine.
type Observer interface {
	// OnHeaders delivers a received header block. endStream marks the
	// remote peer as done sending.
	OnHeaders(id int64, headers Headers, endStream bool)

	// OnData delivers a chunk of body data. The slice is owned by the
	// observer. endStream marks the remote peer as done sending.
	OnData(id int64, data []byte, endStream bool)

	// OnTrailers delivers the trailing header block. Trailers always
	// end the remote side of the stream.
	OnTrailers(id int64, trailers Headers)

	// OnComplete signals that the stream finished normally.
	OnComplete(id int64)

	// OnReset signals that the stream terminated abnormally, whether
	// by local reset, peer reset, or transport failure.
	OnReset(id int64)
}

// ObserverFuncs adapts plain functions to the Observer interface. Nil
// fields are no-ops, so callers can subscribe to a subset of events.
type ObserverFuncs struct {
	HeadersFunc  func(id int64, headers Headers, endStream bool)
	DataFunc     func(id int64, data []byte, endStream bool)
	TrailersFunc func(id int64, trailers Headers)
	CompleteFunc func(id int64)
	ResetFunc    func(id int64)
}

var _ Observer = ObserverFuncs{}

func (o ObserverFuncs) OnHeaders(id int64, headers Headers, endStream bool) {
	if o.HeadersFunc != nil {
		o.HeadersFunc(id, headers, endStream)
	}
}

func (o ObserverFuncs) OnData(id int64, data []byte, endStream bool) {
	if o.DataFunc != nil {
		o.DataFunc(id, data, endStream)
	}
}

func (o ObserverFuncs) OnTrailers(id int64, trailers Headers) {
	if o.TrailersFunc != nil {
		o.TrailersFunc(id, trailers)
	}
}

func (o ObserverFuncs) OnComplete(id int64) {
	if o.CompleteFunc != nil {
		o.CompleteFunc(id)
	}
}

func (o ObserverFuncs) OnReset(id int64) {
	if o.ResetFunc != nil {
		o.ResetFunc(id)
	}
}
