// Package status holds the communication/health state reported by every
// device driver.
package status

import "fmt"

type Code uint8

const (
	OK Code = iota
	CommError
	InternalError
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case CommError:
		return "COMM_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// Status is a device health snapshot. ErrorCode is the device-specific numeric
// code and is only meaningful when Code is not OK.
type Status struct {
	Code      Code
	ErrorCode uint16
}

func (s Status) OK() bool { return s.Code == OK }

func (s Status) String() string {
	if s.Code == OK {
		return s.Code.String()
	}
	return fmt.Sprintf("%s(%d)", s.Code, s.ErrorCode)
}
