package imagery

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFetchFailed covers every failure to turn a URL into a cached image.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrContentTypeMismatch is a successful transfer that did not carry an
	// image.
	ErrContentTypeMismatch = fmt.Errorf("%w: content type mismatch", ErrFetchFailed)
	// ErrRateLimited is returned while the origin host is in back-off.
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrFetchFailed)
)

// FetchError carries the details of one failed fetch. It matches Kind and
// Cause with errors.Is and errors.As.
type FetchError struct {
	URL         string
	StatusCode  int
	ContentType string
	// Message is the server's own explanation when one could be extracted.
	Message string
	Kind    error
	Cause   error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.ContentType != "" && errors.Is(e.Kind, ErrContentTypeMismatch) {
		fmt.Fprintf(&b, " [%s]", e.ContentType)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	} else if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}
