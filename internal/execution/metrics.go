package execution

import "time"

// Metrics collects what is reported once the response ended.
type Metrics struct {
	Timestamp     time.Time
	RequestID     string
	TransactionID string
	APIID         string
	APIName       string
	Path          string
	MappedPath    string
	Method        string
	Host          string
	RemoteAddress string
	UserAgent     string

	Plan           string
	Application    string
	Subscription   string
	SecurityType   string
	Endpoint       string
	EndpointGroup  string
	Status         int
	RequestLength  int64
	ResponseLength int64

	EndpointStart time.Time
	EndpointEnd   time.Time

	GatewayLatency  time.Duration
	EndpointLatency time.Duration

	ErrorKey     string
	ErrorMessage string
}

// MarkEndpointStart records the moment the backend call starts.
func (m *Metrics) MarkEndpointStart() {
	m.EndpointStart = time.Now()
}

// MarkEndpointEnd records the end of the backend call and its latency.
func (m *Metrics) MarkEndpointEnd() {
	m.EndpointEnd = time.Now()
	if !m.EndpointStart.IsZero() {
		m.EndpointLatency = m.EndpointEnd.Sub(m.EndpointStart)
	}
}

// Finish computes the gateway latency, excluding time spent in the backend.
func (m *Metrics) Finish(now time.Time) {
	total := now.Sub(m.Timestamp)
	m.GatewayLatency = total - m.EndpointLatency
	if m.GatewayLatency < 0 {
		m.GatewayLatency = 0
	}
}
