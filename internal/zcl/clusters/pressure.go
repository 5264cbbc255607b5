package clusters

import "zigbee-profiles/internal/zcl"

var PressureMeasurement = zcl.ClusterDef{
	ID:   0x0403,
	Name: "Pressure Measurement",
	Key:  "msPressureMeasurement",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "MeasuredValue", Key: "measuredValue", Type: zcl.TypeInt16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0001, Name: "MinMeasuredValue", Key: "minMeasuredValue", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Key: "maxMeasuredValue", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: 0x0010, Name: "ScaledValue", Key: "scaledValue", Type: zcl.TypeInt16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0014, Name: "Scale", Key: "scale", Type: zcl.TypeInt8, Access: zcl.AccessRead},
	},
}
