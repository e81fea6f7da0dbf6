package relay

// Handle exposes message handling without a Redis connection.
func (r *Relay) Handle(payload []byte, sink Sink) { r.handle(payload, sink) }
