package clusters

import "zigbee-profiles/internal/zcl"

var OccupancySensing = zcl.ClusterDef{
	ID:   0x0406,
	Name: "Occupancy Sensing",
	Key:  "msOccupancySensing",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "Occupancy", Key: "occupancy", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0001, Name: "OccupancySensorType", Key: "occupancySensorType", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
		{ID: 0x0010, Name: "PIROccupiedToUnoccupiedDelay", Key: "pirOToUDelay", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite},
	},
}
