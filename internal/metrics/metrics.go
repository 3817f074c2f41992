package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "inbox"

// Client counts what the messaging core observes. A nil *Client is valid and
// records nothing.
type Client struct {
	EventsReceived    *prometheus.CounterVec
	InvalidFrames     prometheus.Counter
	ReconnectAttempts prometheus.Counter
	DuplicatesDropped prometheus.Counter
	SendsFailed       prometheus.Counter
}

// NewClient creates the client collectors and registers them on reg when it
// is not nil.
func NewClient(reg prometheus.Registerer) *Client {
	c := &Client{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "events_received_total",
			Help: "Valid events received on the event channel.",
		}, []string{"event"}),
		InvalidFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "invalid_frames_total",
			Help: "Frames dropped because they failed schema validation.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "reconnect_attempts_total",
			Help: "Dial attempts made after a transport loss.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timeline", Name: "duplicates_dropped_total",
			Help: "Messages ignored because their id was already seen.",
		}),
		SendsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "sends_failed_total",
			Help: "Sends rolled back after a REST failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.EventsReceived, c.InvalidFrames, c.ReconnectAttempts, c.DuplicatesDropped, c.SendsFailed)
	}
	return c
}

func (c *Client) EventReceived(name string) {
	if c != nil {
		c.EventsReceived.WithLabelValues(name).Inc()
	}
}

func (c *Client) InvalidFrame() {
	if c != nil {
		c.InvalidFrames.Inc()
	}
}

func (c *Client) ReconnectAttempt() {
	if c != nil {
		c.ReconnectAttempts.Inc()
	}
}

func (c *Client) DuplicateDropped() {
	if c != nil {
		c.DuplicatesDropped.Inc()
	}
}

func (c *Client) SendFailed() {
	if c != nil {
		c.SendsFailed.Inc()
	}
}

// Server counts what the reference backend does.
type Server struct {
	Connections     prometheus.Gauge
	MessagesStored  prometheus.Counter
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
}

func NewServer(reg prometheus.Registerer) *Server {
	s := &Server{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "connections",
			Help: "Open event sockets.",
		}),
		MessagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "messages_stored_total",
			Help: "Messages accepted by POST /messages.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "events_published_total",
			Help: "Events queued to sockets.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "events_dropped_total",
			Help: "Events dropped because a socket send buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.Connections, s.MessagesStored, s.EventsPublished, s.EventsDropped)
	}
	return s
}
