package connector

import (
	sqldriver "database/sql/driver"
	"fmt"
	"io"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// MySQL error numbers the pool and retry logic care about.
const (
	ErrNumConnRefused  uint16 = 2002 // CR_CONNECTION_ERROR
	ErrNumServerGone   uint16 = 2006 // CR_SERVER_GONE_ERROR
	ErrNumServerLost   uint16 = 2013 // CR_SERVER_LOST
	ErrNumTooManyConns uint16 = 1040 // ER_CON_COUNT_ERROR
)

var (
	ErrNotConnected     = errors.New("connector is not connected")
	ErrDriverCapability = errors.New("driver connection misses a required capability")
)

// Error is a MySQL failure carrying its wire error number.
type Error struct {
	Number  uint16
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mysql error %d: %s", e.Number, e.Message)
}

// NewError builds an Error from a raw number and message.
func NewError(number uint16, message string) *Error {
	return &Error{Number: number, Message: message}
}

// asError maps a driver failure onto the classic client error numbers so
// callers can gate reconnect decisions on them. Server errors keep their
// own number.
func asError(err error) *Error {
	var myErr *mysql.MySQLError
	var netErr net.Error
	switch {
	case errors.As(err, &myErr):
		return &Error{Number: myErr.Number, Message: myErr.Message}
	case errors.Is(err, sqldriver.ErrBadConn), errors.Is(err, mysql.ErrInvalidConn):
		return &Error{Number: ErrNumServerGone, Message: err.Error()}
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return &Error{Number: ErrNumServerLost, Message: err.Error()}
	case errors.As(err, &netErr):
		return &Error{Number: ErrNumConnRefused, Message: err.Error()}
	}
	return &Error{Message: err.Error()}
}

// Reconnectable reports whether err means the session is gone and the call
// may be retried on a fresh connection.
func Reconnectable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Number {
	case ErrNumConnRefused, ErrNumServerGone, ErrNumServerLost:
		return true
	}
	return false
}

// IsServerFull reports the server-side "too many connections" condition.
func IsServerFull(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Number == ErrNumTooManyConns
}
