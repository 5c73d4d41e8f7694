package registry

// Service is the interface for anything the pipeline starts and stops,
// such as a simulated source.
type Service interface {
	Start() error
	Stop() error
}
