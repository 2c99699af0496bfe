package webcal

import (
	"errors"
	"time"
)

// Reason is the failure code carried by an Outcome.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonConnectionError is a transport failure other than cancellation.
	ReasonConnectionError
	// ReasonAborted is an explicit abort or a connectivity loss mid-cycle.
	ReasonAborted
	// ReasonDatabaseFailure covers every storage step, decoding included.
	ReasonDatabaseFailure
	// ReasonInternalError is a malformed or missing transport response.
	ReasonInternalError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonConnectionError:
		return "connection_error"
	case ReasonAborted:
		return "aborted"
	case ReasonDatabaseFailure:
		return "database_failure"
	case ReasonInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// MarshalText renders the reason by name in JSON payloads.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Storage step failures. They are wrapped with the underlying store error
// and all map to ReasonDatabaseFailure.
var (
	ErrStorageUnavailable   = errors.New("cannot open default storage")
	ErrNotebookCreateFailed = errors.New("cannot create a new notebook")
	ErrLoadFailed           = errors.New("cannot list existing entries")
	ErrWritableFailed       = errors.New("cannot make notebook writable")
	ErrDeleteFlushFailed    = errors.New("cannot delete previous data")
	ErrDecodeFailed         = errors.New("cannot parse incoming ICS data")
	ErrInsertFlushFailed    = errors.New("cannot store data")
	ErrMetadataUpdateFailed = errors.New("cannot update notebook")
)

var databaseErrors = []error{
	ErrStorageUnavailable,
	ErrNotebookCreateFailed,
	ErrLoadFailed,
	ErrWritableFailed,
	ErrDeleteFlushFailed,
	ErrDecodeFailed,
	ErrInsertFlushFailed,
	ErrMetadataUpdateFailed,
}

var (
	errAborted        = errors.New("synchronization aborted")
	errConnectionLost = errors.New("connectivity lost during synchronization")
	errNoReply        = errors.New("no reply object")
)

// reasonError pins a reason on an error that no sentinel classifies.
type reasonError struct {
	reason Reason
	err    error
}

func (e *reasonError) Error() string { return e.err.Error() }
func (e *reasonError) Unwrap() error { return e.err }

func withReason(reason Reason, err error) error {
	return &reasonError{reason: reason, err: err}
}

// ReasonOf classifies a cycle error.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var re *reasonError
	if errors.As(err, &re) {
		return re.reason
	}
	for _, target := range databaseErrors {
		if errors.Is(err, target) {
			return ReasonDatabaseFailure
		}
	}
	if errors.Is(err, errAborted) || errors.Is(err, errConnectionLost) {
		return ReasonAborted
	}
	return ReasonInternalError
}

// Result is the major result code of a cycle.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailed
)

func (r Result) String() string {
	if r == ResultSuccess {
		return "success"
	}
	return "failed"
}

// MarshalText renders the result by name in JSON payloads.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// TargetResult holds the local item counts of one notebook.
type TargetResult struct {
	Name     string `json:"name"`
	Added    int    `json:"added"`
	Deleted  int    `json:"deleted"`
	Modified int    `json:"modified"`
}

// Outcome is the result of one sync cycle.
type Outcome struct {
	Time    time.Time      `json:"time"`
	Result  Result         `json:"result"`
	Reason  Reason         `json:"reason"`
	Message string         `json:"message,omitempty"`
	Targets []TargetResult `json:"targets,omitempty"`
}

// Succeeded reports whether the cycle completed.
func (o Outcome) Succeeded() bool {
	return o.Result == ResultSuccess
}

// clone returns a copy that shares no slice with o.
func (o Outcome) clone() Outcome {
	if o.Targets != nil {
		o.Targets = append([]TargetResult(nil), o.Targets...)
	}
	return o
}

const successMessage = "Remote calendar updated successfully."

// report builds the success outcome. A cycle that changed nothing carries
// no target; a changed entry is always counted as delete+add, never as
// modified.
func report(now time.Time, added, deleted int, name string) Outcome {
	out := Outcome{
		Time:    now.UTC(),
		Result:  ResultSuccess,
		Reason:  ReasonNone,
		Message: successMessage,
	}
	if added != 0 || deleted != 0 {
		out.Targets = []TargetResult{{Name: name, Added: added, Deleted: deleted}}
	}
	return out
}

// failure builds the failed outcome for err. No counts are reported.
func failure(now time.Time, err error) Outcome {
	return Outcome{
		Time:    now.UTC(),
		Result:  ResultFailed,
		Reason:  ReasonOf(err),
		Message: err.Error(),
	}
}
