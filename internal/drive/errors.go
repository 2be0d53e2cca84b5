package drive

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide whether to retry, back
// off, or surface the message to the user.
type Kind int

// Failure kinds. KindTransport is the zero value because unknown failures
// are treated as retriable transport problems.
const (
	KindTransport Kind = iota
	KindAuthInvalid
	KindNotFound
	KindRateLimited
	KindQuotaExceeded
	KindBadInput
	KindPartialSuccess
)

// Sentinel errors, one per Kind. Use errors.Is(err, drive.ErrNotFound).
var (
	ErrTransport      = errors.New("drive: transport failure")
	ErrAuthInvalid    = errors.New("drive: credential invalid")
	ErrNotFound       = errors.New("drive: not found")
	ErrRateLimited    = errors.New("drive: rate limited")
	ErrQuotaExceeded  = errors.New("drive: quota exceeded")
	ErrBadInput       = errors.New("drive: bad input")
	ErrPartialSuccess = errors.New("drive: partial success")
)

var kindNames = map[Kind]string{
	KindTransport:      "transport",
	KindAuthInvalid:    "auth_invalid",
	KindNotFound:       "not_found",
	KindRateLimited:    "rate_limited",
	KindQuotaExceeded:  "quota_exceeded",
	KindBadInput:       "bad_input",
	KindPartialSuccess: "partial_success",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel returns the sentinel error for the kind.
func (k Kind) Sentinel() error {
	switch k {
	case KindAuthInvalid:
		return ErrAuthInvalid
	case KindNotFound:
		return ErrNotFound
	case KindRateLimited:
		return ErrRateLimited
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindBadInput:
		return ErrBadInput
	case KindPartialSuccess:
		return ErrPartialSuccess
	default:
		return ErrTransport
	}
}

// Retriable reports whether a caller may retry the same input later
// without user intervention.
func (k Kind) Retriable() bool {
	return k == KindTransport || k == KindRateLimited
}

// FailedItem names one item of a batch that did not complete.
type FailedItem struct {
	ID      string
	Message string
}

// Error is the normalized failure every adapter operation returns. It
// carries the provider and account so the message can be shown to the
// user as-is, and unwraps to both the kind sentinel and the cause.
type Error struct {
	Provider ProviderID
	Account  string
	Kind     Kind
	Code     string // provider-specific error code, if any
	Message  string
	Failed   []FailedItem // set for KindPartialSuccess
	Err      error        // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Provider != "" {
		b.WriteString(string(e.Provider))
	} else {
		b.WriteString("drive")
	}

	if e.Account != "" {
		fmt.Fprintf(&b, " [%s]", e.Account)
	}

	fmt.Fprintf(&b, ": %s", e.Kind)

	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}

	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}

	if n := len(e.Failed); n > 0 {
		fmt.Fprintf(&b, " (%d item(s) failed)", n)
	}

	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.Sentinel()}
	}

	return []error{e.Kind.Sentinel(), e.Err}
}

// NewError builds an Error without provider attribution. Adapters usually
// go through Label.Errorf instead.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies any error. *Error values report their own kind; errors
// implementing Kind() Kind (such as rest.StatusError) are asked; context
// cancellation and everything else count as transport failures.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}

	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}

	return KindTransport
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Label identifies the provider/account pair an adapter instance serves.
// It is embedded in adapters to stamp every failure they return.
type Label struct {
	Provider ProviderID
	Account  string
}

// Errorf returns a stamped failure of the given kind.
func (l Label) Errorf(kind Kind, code, format string, args ...any) *Error {
	return &Error{
		Provider: l.Provider,
		Account:  l.Account,
		Kind:     kind,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap normalizes err into a stamped *Error. Existing *Error values keep
// their kind and get the missing attribution filled in. Anything else is
// classified with KindOf and wrapped with msg as context.
func (l Label) Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		out := *de
		if out.Provider == "" {
			out.Provider = l.Provider
		}

		if out.Account == "" {
			out.Account = l.Account
		}

		if msg != "" && out.Message != "" && !strings.HasPrefix(out.Message, msg) {
			out.Message = msg + ": " + out.Message
		}

		return &out
	}

	kind := KindOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// A canceled call says nothing about the credential or the input.
		kind = KindTransport
	}

	message := err.Error()
	if msg != "" {
		message = msg + ": " + message
	}

	return &Error{
		Provider: l.Provider,
		Account:  l.Account,
		Kind:     kind,
		Message:  message,
		Err:      err,
	}
}
