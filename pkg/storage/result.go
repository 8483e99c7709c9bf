package storage

// ResultKind is the outcome of a connection check.
type ResultKind int

const (
	// ResultSuccess means the target was listed
	ResultSuccess ResultKind = iota

	// ResultWarning means the server accepted the login but the root or a
	// subfolder is missing
	ResultWarning

	// ResultFailure means the server could not be reached or refused the login
	ResultFailure
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultWarning:
		return "warning"
	default:
		return "failure"
	}
}

// ConnectionResult is the terminal result of a connection check.
type ConnectionResult struct {
	Kind  ResultKind
	Cause error
}

func Success() ConnectionResult {
	return ConnectionResult{Kind: ResultSuccess}
}

func Warning(cause error) ConnectionResult {
	return ConnectionResult{Kind: ResultWarning, Cause: cause}
}

func Failure(cause error) ConnectionResult {
	return ConnectionResult{Kind: ResultFailure, Cause: cause}
}

// ClassifyCheck turns a probe error into a result. Missing roots and
// subfolders are warnings, everything else is a failure.
func ClassifyCheck(err error) ConnectionResult {
	if err == nil {
		return Success()
	}
	if IsNotFound(err) {
		return Warning(err)
	}
	return Failure(err)
}

func (r ConnectionResult) OK() bool {
	return r.Kind == ResultSuccess
}

func (r ConnectionResult) String() string {
	if r.Cause == nil {
		return r.Kind.String()
	}
	return r.Kind.String() + ": " + r.Cause.Error()
}
