package spiflash

import (
	"errors"
	"strconv"
)

// ErrorKind is the outcome of the last completed Device operation.
type ErrorKind uint8

const (
	NoError        ErrorKind = iota
	TransportError           // A Transport call signaled failure.
	IdentityError            // Manufacturer ID mismatch during Init.
)

func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "no error"
	case TransportError:
		return "transport error"
	case IdentityError:
		return "identity error"
	}
	return "ErrorKind(" + strconv.Itoa(int(k)) + ")"
}

var (
	ErrTransport     = errors.New("spiflash: transport failure")
	ErrIdentity      = errors.New("spiflash: unexpected manufacturer ID")
	ErrTimeout       = errors.New("spiflash: timeout waiting for device ready")
	ErrNotConfigured = errors.New("spiflash: device has no transport")
	ErrOutOfRange    = errors.New("spiflash: access out of device range")

	errTransceiveUnsupported = errors.New("spiflash: transport has no transceive function")
)

// IDMismatchError is returned by Init when the manufacturer ID read from the
// chip differs from the expected one.
type IDMismatchError struct {
	Want uint8
	Got  uint8
}

func (e *IDMismatchError) Error() string {
	return "spiflash: manufacturer ID mismatch: want 0x" + hex8(e.Want) + ", got 0x" + hex8(e.Got)
}

func (e *IDMismatchError) Unwrap() error { return ErrIdentity }

// kindOf maps an error returned by a Device method to its ErrorKind.
func kindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return NoError
	case errors.Is(err, ErrIdentity):
		return IdentityError
	}
	return TransportError
}

// errjoin returns an error that wraps the given errors.
// Any nil error values are discarded.
// errjoin returns nil if every value in errs is nil.
// The error formats as the concatenation of the strings obtained
// by calling the Error method of each element of errs, with a newline
// between each string.
//
// A non-nil error returned by errjoin implements the Unwrap() []error method.
func errjoin(errs ...error) error {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	e := &joinError{
		errs: make([]error, 0, n),
	}
	for _, err := range errs {
		if err != nil {
			e.errs = append(e.errs, err)
		}
	}
	return e
}

type joinError struct {
	errs []error
}

func (e *joinError) Error() string {
	var b []byte
	for i, err := range e.errs {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, err.Error()...)
	}
	return string(b)
}

func (e *joinError) Unwrap() []error {
	return e.errs
}

func hex8(b uint8) string {
	const hexdigits = "0123456789abcdef"
	return string([]byte{hexdigits[b>>4], hexdigits[b&0xf]})
}
