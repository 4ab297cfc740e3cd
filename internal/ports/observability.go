package ports

// Observability records process metrics by name. Unknown names are ignored.
type Observability interface {
	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)
	SetGauge(name string, v float64)

	IncConnCounter(name, connectionID string, v float64)
	SetConnGauge(name, connectionID string, v float64)
	// ForgetConnection drops the series of a torn-down connection.
	ForgetConnection(connectionID string)
}
