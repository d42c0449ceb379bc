package events

type ProducerOptions func(e *EventProducer)

func WithOutputTopic(topic string) ProducerOptions {
	return func(e *EventProducer) {
		if topic != "" {
			e.topic = topic
		}
	}
}

func WithSource(source string) ProducerOptions {
	return func(e *EventProducer) {
		e.source = source
	}
}

// WithBufferSize caps the number of queued events. Zero means unbounded.
func WithBufferSize(size int) ProducerOptions {
	return func(e *EventProducer) {
		e.size = size
	}
}
