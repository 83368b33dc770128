package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/rebrowser/rebrowser-puppeteer-core/log"
)

type objectOverflowError struct{}

// Error returns the description of the overflow error.
func (*objectOverflowError) Error() string {
	return "object is too large and will be parsed partially"
}

type objectPropertyParseError struct {
	error
	property string
}

// Error returns the reason of the failure, including the wrapped parsing
// error message.
func (pe *objectPropertyParseError) Error() string {
	return fmt.Sprintf("parsing object property %q: %s", pe.property, pe.error)
}

// Unwrap returns the wrapped parsing error.
func (pe *objectPropertyParseError) Unwrap() error {
	return pe.error
}

type multiError struct {
	Errors []error
}

func (me *multiError) append(err error) {
	me.Errors = append(me.Errors, err)
}

func (me multiError) Error() string {
	if len(me.Errors) == 0 {
		return ""
	}
	if len(me.Errors) == 1 {
		return me.Errors[0].Error()
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d errors occurred:\n", len(me.Errors))
	for _, e := range me.Errors {
		fmt.Fprintf(&buf, "\t* %s\n", e)
	}

	return buf.String()
}

func multierror(err error, errs ...error) error {
	me := &multiError{}
	// We can't use errors.As(), as we want to know if err is of type
	// multiError, not any error in the chain. If err contains a wrapped
	// multierror, start a new multiError that will contain err.
	e, ok := err.(*multiError) //nolint:errorlint
	if ok {
		me = e
	} else if err != nil {
		me.append(err)
	}

	for _, e := range errs {
		me.append(e)
	}

	return me
}

func parseRemoteObjectPreview(op *cdpruntime.ObjectPreview) (map[string]any, error) {
	obj := make(map[string]any)
	var result error
	if op.Overflow {
		result = multierror(result, &objectOverflowError{})
	}

	for _, p := range op.Properties {
		val, err := parseRemoteObjectValue(p.Type, p.Subtype, p.Value, p.ValuePreview)
		if err != nil {
			result = multierror(result, &objectPropertyParseError{err, p.Name})
			continue
		}
		obj[p.Name] = val
	}

	return obj, result
}

//nolint:cyclop
func parseRemoteObjectValue(
	t cdpruntime.Type, st cdpruntime.Subtype, val string, op *cdpruntime.ObjectPreview,
) (any, error) {
	switch t {
	case cdpruntime.TypeAccessor:
		return "accessor", nil
	case cdpruntime.TypeBigint:
		n, err := strconv.ParseInt(strings.ReplaceAll(val, "n", ""), 10, 64)
		if err != nil {
			return nil, BigIntParseError{err}
		}
		return n, nil
	case cdpruntime.TypeFunction:
		return "function()", nil
	case cdpruntime.TypeString:
		if !strings.HasPrefix(val, `"`) {
			return val, nil
		}
	case cdpruntime.TypeSymbol:
		return val, nil
	case cdpruntime.TypeObject:
		if op != nil {
			return parseRemoteObjectPreview(op)
		}
		if val == "Object" {
			return val, nil
		}
		if st == "null" {
			return nil, nil
		}
	case cdpruntime.TypeUndefined:
		return nil, nil
	}

	var v any
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return nil, err
	}

	return v, nil
}

func parseExceptionDetails(exc *cdpruntime.ExceptionDetails) string {
	if exc == nil {
		return ""
	}
	var errMsg string
	if exc.Exception != nil {
		errMsg = exc.Exception.Description
		if errMsg == "" {
			if o, _ := parseRemoteObject(exc.Exception); o != nil {
				errMsg = fmt.Sprintf("%s", o)
			}
		}
	}
	if errMsg == "" {
		errMsg = exc.Text
	}
	return errMsg
}

// parseRemoteObject decodes a remote object to a host-native value,
// reconstructing the special numeric forms from their unserializable
// literals.
func parseRemoteObject(obj *cdpruntime.RemoteObject) (any, error) {
	if obj.UnserializableValue == "" {
		return parseRemoteObjectValue(obj.Type, obj.Subtype, string(obj.Value), obj.Preview)
	}

	uv := obj.UnserializableValue.String()
	if strings.HasSuffix(uv, "n") {
		n, err := strconv.ParseInt(strings.TrimSuffix(uv, "n"), 10, 64)
		if err != nil {
			return nil, BigIntParseError{err}
		}
		return n, nil
	}

	switch uv {
	case "-0": // To handle +0 divided by negative number
		return math.Float64frombits(0 | (1 << 63)), nil
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(0), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}

	return nil, UnserializableValueError{obj.UnserializableValue}
}

// valueFromRemoteObject decodes a return-by-value remote object. Partial
// parses of oversized previews are reported through the logger and the
// partial value is still returned.
func valueFromRemoteObject(robj *cdpruntime.RemoteObject, logger *log.Logger) (any, error) {
	val, err := parseRemoteObject(robj)
	if err == nil {
		return val, nil
	}

	var merr *multiError
	if !errors.As(err, &merr) {
		return nil, err
	}
	var (
		ooe *objectOverflowError
		ope *objectPropertyParseError
	)
	for _, e := range merr.Errors {
		switch {
		case errors.As(e, &ooe):
			logger.Warnf("RemoteObject:value", "%s", ooe)
		case errors.As(e, &ope):
			logger.Errorf("RemoteObject:value", "%s", ope)
		default:
			return nil, err
		}
	}

	return val, nil
}
