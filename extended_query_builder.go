package pgsync

import (
	"database/sql/driver"
	"fmt"
	"reflect"

	"github.com/jackc/pgtype"
)

// PostgreSQL format codes
const (
	TextFormatCode   = 0
	BinaryFormatCode = 1
)

// SerializationError occurs when a value cannot be encoded into a query
// parameter.
type SerializationError string

func (e SerializationError) Error() string {
	return string(e)
}

// extendedQueryBuilder accumulates the encoded parameter values and format
// codes for one extended protocol execution. It is reused between queries to
// avoid allocations; the slices it hands out are only valid until the next
// Reset.
type extendedQueryBuilder struct {
	paramValues     [][]byte
	paramValueBytes []byte
	paramFormats    []int16
	resultFormats   []int16
}

func (eqb *extendedQueryBuilder) AppendParam(ci *pgtype.ConnInfo, oid uint32, arg interface{}) error {
	f := chooseParameterFormatCode(ci, oid, arg)
	eqb.paramFormats = append(eqb.paramFormats, f)

	v, err := eqb.encodeExtendedParamValue(ci, oid, f, arg)
	if err != nil {
		return err
	}
	eqb.paramValues = append(eqb.paramValues, v)

	return nil
}

func (eqb *extendedQueryBuilder) AppendResultFormat(f int16) {
	eqb.resultFormats = append(eqb.resultFormats, f)
}

func (eqb *extendedQueryBuilder) Reset() {
	eqb.paramValues = eqb.paramValues[0:0]
	eqb.paramValueBytes = eqb.paramValueBytes[0:0]
	eqb.paramFormats = eqb.paramFormats[0:0]
	eqb.resultFormats = eqb.resultFormats[0:0]
}

func chooseParameterFormatCode(ci *pgtype.ConnInfo, oid uint32, arg interface{}) int16 {
	switch arg.(type) {
	case pgtype.BinaryEncoder:
		return BinaryFormatCode
	case string, *string, pgtype.TextEncoder:
		return TextFormatCode
	}

	return ci.ParamFormatCodeForOID(oid)
}

func (eqb *extendedQueryBuilder) encodeExtendedParamValue(ci *pgtype.ConnInfo, oid uint32, formatCode int16, arg interface{}) ([]byte, error) {
	if arg == nil {
		return nil, nil
	}

	refVal := reflect.ValueOf(arg)
	argIsPtr := refVal.Kind() == reflect.Ptr

	if argIsPtr && refVal.IsNil() {
		return nil, nil
	}

	if eqb.paramValueBytes == nil {
		eqb.paramValueBytes = make([]byte, 0, 128)
	}

	var err error
	var buf []byte
	pos := len(eqb.paramValueBytes)

	if arg, ok := arg.(string); ok {
		return []byte(arg), nil
	}

	if formatCode == TextFormatCode {
		if arg, ok := arg.(pgtype.TextEncoder); ok {
			buf, err = arg.EncodeText(ci, eqb.paramValueBytes)
			if err != nil {
				return nil, err
			}
			if buf == nil {
				return nil, nil
			}
			eqb.paramValueBytes = buf
			return eqb.paramValueBytes[pos:], nil
		}
	} else if formatCode == BinaryFormatCode {
		if arg, ok := arg.(pgtype.BinaryEncoder); ok {
			buf, err = arg.EncodeBinary(ci, eqb.paramValueBytes)
			if err != nil {
				return nil, err
			}
			if buf == nil {
				return nil, nil
			}
			eqb.paramValueBytes = buf
			return eqb.paramValueBytes[pos:], nil
		}
	}

	if argIsPtr {
		// The pointer is known to be non-nil, so dereferencing is safe.
		arg = refVal.Elem().Interface()
		return eqb.encodeExtendedParamValue(ci, oid, formatCode, arg)
	}

	if dt, ok := ci.DataTypeForOID(oid); ok {
		value := dt.Value
		err := value.Set(arg)
		if err != nil {
			if arg, ok := arg.(driver.Valuer); ok {
				v, err := arg.Value()
				if err != nil {
					return nil, err
				}
				return eqb.encodeExtendedParamValue(ci, oid, formatCode, v)
			}

			return nil, err
		}

		return eqb.encodeExtendedParamValue(ci, oid, formatCode, value)
	}

	// There is no data type registered for the destination OID, but maybe
	// there is a data type registered for the arg type. If so, use its text
	// encoder.
	if dt, ok := ci.DataTypeForValue(arg); ok {
		value := dt.Value
		if textEncoder, ok := value.(pgtype.TextEncoder); ok {
			err := value.Set(arg)
			if err != nil {
				return nil, err
			}

			buf, err = textEncoder.EncodeText(ci, eqb.paramValueBytes)
			if err != nil {
				return nil, err
			}
			if buf == nil {
				return nil, nil
			}
			eqb.paramValueBytes = buf
			return eqb.paramValueBytes[pos:], nil
		}
	}

	if strippedArg, ok := stripNamedType(&refVal); ok {
		return eqb.encodeExtendedParamValue(ci, oid, formatCode, strippedArg)
	}
	return nil, SerializationError(fmt.Sprintf("Cannot encode %T into oid %v - %T must implement Encoder or be converted to a string", arg, oid, arg))
}

func stripNamedType(val *reflect.Value) (interface{}, bool) {
	switch val.Kind() {
	case reflect.Int:
		convVal := int(val.Int())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Int8:
		convVal := int8(val.Int())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Int16:
		convVal := int16(val.Int())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Int32:
		convVal := int32(val.Int())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Int64:
		convVal := int64(val.Int())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Uint:
		convVal := uint(val.Uint())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Uint8:
		convVal := uint8(val.Uint())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Uint16:
		convVal := uint16(val.Uint())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Uint32:
		convVal := uint32(val.Uint())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Uint64:
		convVal := uint64(val.Uint())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Float32:
		convVal := float32(val.Float())
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.Float64:
		convVal := val.Float()
		return convVal, reflect.TypeOf(convVal) != val.Type()
	case reflect.String:
		convVal := val.String()
		return convVal, reflect.TypeOf(convVal) != val.Type()
	}

	return nil, false
}
