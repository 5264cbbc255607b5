package zcl

// ZCL data type IDs
const (
	TypeNoData   uint8 = 0x00
	TypeBool     uint8 = 0x10
	TypeBitmap8  uint8 = 0x18
	TypeBitmap16 uint8 = 0x19
	TypeUint8    uint8 = 0x20
	TypeUint16   uint8 = 0x21
	TypeUint24   uint8 = 0x22
	TypeUint32   uint8 = 0x23
	TypeInt8     uint8 = 0x28
	TypeInt16    uint8 = 0x29
	TypeInt24    uint8 = 0x2A
	TypeInt32    uint8 = 0x2B
	TypeEnum8    uint8 = 0x30
	TypeEnum16   uint8 = 0x31
	TypeFloat16  uint8 = 0x38
	TypeFloat32  uint8 = 0x39
	TypeFloat64  uint8 = 0x3A
	TypeCharStr  uint8 = 0x42
	TypeToD      uint8 = 0xE0
	TypeDate     uint8 = 0xE1
	TypeUTC      uint8 = 0xE2
)

// IsAnalog reports whether a type is analog in the ZCL sense. Only analog
// attributes carry a reportable change in a Configure Reporting record.
func IsAnalog(typeID uint8) bool {
	switch typeID {
	case TypeUint8, TypeUint16, TypeUint24, TypeUint32,
		TypeInt8, TypeInt16, TypeInt24, TypeInt32,
		TypeFloat16, TypeFloat32, TypeFloat64,
		TypeToD, TypeDate, TypeUTC:
		return true
	}
	return false
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	switch typeID {
	case TypeNoData:
		return "nodata"
	case TypeBool:
		return "bool"
	case TypeBitmap8:
		return "bitmap8"
	case TypeBitmap16:
		return "bitmap16"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint24:
		return "uint24"
	case TypeUint32:
		return "uint32"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt24:
		return "int24"
	case TypeInt32:
		return "int32"
	case TypeEnum8:
		return "enum8"
	case TypeEnum16:
		return "enum16"
	case TypeFloat16:
		return "float16"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeCharStr:
		return "string"
	case TypeToD:
		return "tod"
	case TypeDate:
		return "date"
	case TypeUTC:
		return "utc"
	default:
		return "unknown"
	}
}
