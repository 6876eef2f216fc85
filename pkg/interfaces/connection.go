package interfaces

// Connection is a live client connection as seen by the presence registry and router
type Connection interface {
	// ID returns the server-assigned connection identifier
	ID() string

	// WriteJSON sends a JSON frame to the client. Implementations serialize writes.
	WriteJSON(v interface{}) error

	// Close closes the connection and releases its resources
	Close() error
}
