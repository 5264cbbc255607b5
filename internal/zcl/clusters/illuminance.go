package clusters

import "zigbee-profiles/internal/zcl"

var IlluminanceMeasurement = zcl.ClusterDef{
	ID:   0x0400,
	Name: "Illuminance Measurement",
	Key:  "msIlluminanceMeasurement",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "MeasuredValue", Key: "measuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0001, Name: "MinMeasuredValue", Key: "minMeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Key: "maxMeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0004, Name: "LightSensorType", Key: "lightSensorType", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
	},
}
