package zcl

import (
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(testLogger())

	r.Register(ClusterDef{
		ID:   0x0402,
		Name: "Temperature Measurement",
		Key:  "msTemperatureMeasurement",
		Attributes: []AttributeDef{
			{ID: 0, Name: "MeasuredValue", Key: "measuredValue", Type: TypeInt16, Access: AccessRead | AccessReport},
		},
	})

	got := r.Get(0x0402)
	if got == nil {
		t.Fatal("cluster not found")
	}
	if got.Name != "Temperature Measurement" {
		t.Errorf("name = %q, want %q", got.Name, "Temperature Measurement")
	}
	if len(got.Attributes) != 1 {
		t.Errorf("attrs = %d, want 1", len(got.Attributes))
	}

	byKey := r.GetKey("msTemperatureMeasurement")
	if byKey == nil || byKey.ID != 0x0402 {
		t.Errorf("GetKey = %+v, want cluster 0x0402", byKey)
	}
	if r.GetKey("genOnOff") != nil {
		t.Error("GetKey for unknown key should return nil")
	}
}

func TestRegistryMerge(t *testing.T) {
	r := NewRegistry(testLogger())

	r.Register(ClusterDef{
		ID:   0x0405,
		Name: "Relative Humidity",
		Attributes: []AttributeDef{
			{ID: 0, Name: "MeasuredValue", Type: TypeUint16, Access: AccessRead | AccessReport},
		},
	})

	// second registration supplies the key and one more attribute
	r.Register(ClusterDef{
		ID:  0x0405,
		Key: "msRelativeHumidity",
		Attributes: []AttributeDef{
			{ID: 0, Name: "Ignored", Type: TypeUint8},
			{ID: 3, Name: "Tolerance", Key: "tolerance", Type: TypeUint16, Access: AccessRead},
		},
	})

	got := r.Get(0x0405)
	if len(got.Attributes) != 2 {
		t.Errorf("after merge: attrs = %d, want 2", len(got.Attributes))
	}
	if got.Name != "Relative Humidity" {
		t.Errorf("name = %q, want original name kept", got.Name)
	}
	if a := got.FindAttribute(0); a == nil || a.Name != "MeasuredValue" {
		t.Errorf("existing attribute overwritten: %+v", a)
	}
	if a := got.FindAttributeKey("tolerance"); a == nil || a.ID != 3 {
		t.Errorf("merged attribute not found by key: %+v", a)
	}
	if r.GetKey("msRelativeHumidity") == nil {
		t.Error("key from merge not indexed")
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(ClusterDef{ID: 1, Name: "A", Attributes: []AttributeDef{{ID: 0x21, Name: "x"}}})

	c := r.Get(1)
	c.Attributes[0].Name = "mutated"
	c.Name = "B"

	again := r.Get(1)
	if again.Name != "A" || again.Attributes[0].Name != "x" {
		t.Errorf("registry state mutated through Get: %+v", again)
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry(testLogger())

	r.Register(ClusterDef{ID: 0x0406, Name: "C"})
	r.Register(ClusterDef{ID: 0x0001, Name: "A"})
	r.Register(ClusterDef{ID: 0x0402, Name: "B"})

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("got %d clusters, want 3", len(all))
	}
	for i, want := range []uint16{0x0001, 0x0402, 0x0406} {
		if all[i].ID != want {
			t.Errorf("all[%d].ID = 0x%04X, want 0x%04X", i, all[i].ID, want)
		}
	}
}

func TestAttributeAccess(t *testing.T) {
	a := AttributeDef{Access: AccessRead | AccessReport}
	if !a.IsReadable() || !a.IsReportable() {
		t.Errorf("access %d: readable=%v reportable=%v", a.Access, a.IsReadable(), a.IsReportable())
	}
	w := AttributeDef{Access: AccessWrite}
	if w.IsReadable() || w.IsReportable() {
		t.Error("write-only attribute reported as readable or reportable")
	}
}

func TestIsAnalog(t *testing.T) {
	tests := []struct {
		typ  uint8
		want bool
	}{
		{TypeInt16, true},
		{TypeUint16, true},
		{TypeUint8, true},
		{TypeFloat32, true},
		{TypeUTC, true},
		{TypeBool, false},
		{TypeBitmap8, false},
		{TypeEnum8, false},
		{TypeCharStr, false},
	}
	for _, tt := range tests {
		if got := IsAnalog(tt.typ); got != tt.want {
			t.Errorf("IsAnalog(%s) = %v, want %v", TypeName(tt.typ), got, tt.want)
		}
	}
}
