package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	ratemetrics "fundingpool/internal/metrics/rate"
)

// Failure kinds. Match with errors.Is.
var (
	ErrNetwork       = errors.New("network error")
	ErrRateLimit     = errors.New("rate limited")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrDataFormat    = errors.New("malformed exchange data")
)

// SourceError is the error returned by every Source operation.
type SourceError struct {
	Exchange string
	Op       string
	Symbol   string
	Kind     error
	Err      error
}

func (e *SourceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Exchange)
	b.WriteString(" ")
	b.WriteString(e.Op)
	if e.Symbol != "" {
		b.WriteString(" ")
		b.WriteString(e.Symbol)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError wraps err with an explicit kind.
func NewError(exchange, op, symbol string, kind, err error) *SourceError {
	return &SourceError{Exchange: exchange, Op: op, Symbol: symbol, Kind: kind, Err: err}
}

// Classify maps a raw SDK or transport error onto a failure kind. Errors
// that already carry a kind are returned unchanged.
func Classify(exchange, op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	var se *SourceError
	if errors.As(err, &se) {
		return err
	}
	return NewError(exchange, op, symbol, kindOf(exchange, err), err)
}

func kindOf(exchange string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetwork
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var numErr *strconv.NumError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &numErr) {
		return ErrDataFormat
	}
	msg := err.Error()
	if rateLimit, ipBan := ratemetrics.DetectLimit(exchange, msg); rateLimit || ipBan {
		return ErrRateLimit
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "invalid symbol") || strings.Contains(lower, "symbol not found") ||
		strings.Contains(lower, "contract does not exist") || strings.Contains(lower, "not supported symbols") {
		return ErrUnknownSymbol
	}
	return ErrNetwork
}

// KindName renders the failure kind of err for logs and metric dimensions.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimit):
		return "rate_limit"
	case errors.Is(err, ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, ErrDataFormat):
		return "data_format"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "other"
	}
}

// ParseFloat parses a numeric exchange field, reporting ErrDataFormat on
// failure. Empty strings are rejected.
func ParseFloat(exchange, field, v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, NewError(exchange, "parse", "", ErrDataFormat, fmt.Errorf("field %s is empty", field))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, NewError(exchange, "parse", "", ErrDataFormat, fmt.Errorf("field %s: %w", field, err))
	}
	return f, nil
}

// ParseOptionalFloat parses v and returns 0 for missing or malformed values.
func ParseOptionalFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
