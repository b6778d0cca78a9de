package rest

import "fmt"

// TransportError reports a non-2xx HTTP response.
type TransportError struct {
	Status int
	Reason string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Reason)
}

// ProtocolError reports a 2xx response whose body could not be parsed as
// the expected {message, data} envelope.
type ProtocolError struct {
	Body []byte
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unparsable response body: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// APIError reports a semantic failure: the vendor returned a well-formed
// envelope whose message field is not "success".
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s", e.Message)
}
