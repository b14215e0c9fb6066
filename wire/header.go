// Package wire holds the correlation envelope types shared by the
// service and action layers: Header, ResponseHeader, ActionStatus, and
// ActionCancel. These are the only fields the middleware itself reads
// or writes; everything else in a message body is opaque payload that
// the middleware forwards to the bus as bytes.
package wire

// Header prefixes every correlated message: every service request,
// action goal, action feedback, service response, and action result
// carries one. TimestampUS is stamped by the sender at transmit time.
// ID is the correlation key: unique per sender, reused for
// request<->response and goal<->feedback<->result.
type Header struct {
	TimestampUS int64  `json:"timestamp_us"`
	ID          string `json:"id"`
}

// ResponseHeader is embedded in every service response, and in action
// results that use the ResponseHeader result variant. Header carries
// the same ID as the triggering request with a new TimestampUS.
// Success is false iff ErrorMessage is non-empty.
type ResponseHeader struct {
	Header       Header `json:"header"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
}

// ActionStatusCode enumerates the lifecycle states of an action goal.
// ACCEPTED and EXECUTING are transient states visible only on the
// client's Handle; a terminal result's Status is always one of
// SUCCEEDED, ABORTED, or CANCELED.
type ActionStatusCode int

const (
	StatusAccepted ActionStatusCode = iota + 1
	StatusExecuting
	StatusSucceeded
	StatusAborted
	StatusCanceled
)

// String renders the status for logging.
func (s ActionStatusCode) String() string {
	switch s {
	case StatusAccepted:
		return "ACCEPTED"
	case StatusExecuting:
		return "EXECUTING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusAborted:
		return "ABORTED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the three statuses a result may
// carry on the wire (SUCCEEDED, ABORTED, CANCELED).
func (s ActionStatusCode) Terminal() bool {
	return s == StatusSucceeded || s == StatusAborted || s == StatusCanceled
}

// ActionStatus is embedded in action results that use the status
// result variant. Header carries the goal's ID.
type ActionStatus struct {
	Header  Header           `json:"header"`
	Status  ActionStatusCode `json:"status"`
	Message string           `json:"message"`
}

// ActionCancel is published on an action's cancel channel. GoalID is
// redundant with Header.ID; both must be equal on a well-formed
// cancel message.
type ActionCancel struct {
	Header Header `json:"header"`
	GoalID string `json:"goal_id"`
}
