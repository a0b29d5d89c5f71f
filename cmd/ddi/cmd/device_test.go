package cmd

import (
	"context"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/blacktop/ddi/pkg/ddi"
)

func TestParseDeviceVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    ddi.DeviceVersion
		wantErr bool
	}{
		{"17.4", ddi.DeviceVersion{Major: 17, Minor: 4}, false},
		{"15.7.1", ddi.DeviceVersion{Major: 15, Minor: 7}, false},
		{"0x110400", ddi.DeviceVersion{Major: 17, Minor: 4}, false},
		{"0X0F0701", ddi.DeviceVersion{Major: 15, Minor: 7}, false},
		{"0xZZ", ddi.DeviceVersion{}, true},
		{"banana", ddi.DeviceVersion{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDeviceVersion(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDeviceVersion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDeviceVersion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMounterArgs(t *testing.T) {
	dir := filepath.Join("devdiskimages", "16.0")
	got, err := mounterArgs(DefaultMounter, "UDID", dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"ipsw", "idev", "img", "mount", "--udid", "UDID",
		filepath.Join(dir, ddi.ImageName),
		filepath.Join(dir, ddi.SignatureName),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mounterArgs() = %v, want %v", got, want)
	}

	if _, err := mounterArgs("   ", "", dir); err == nil {
		t.Error("mounterArgs() expected error for empty command")
	}
}

func TestFlagDeviceMount(t *testing.T) {
	for _, name := range []string{"true", "false"} {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not available", name)
		}
	}

	ok := &flagDevice{mounter: "true {image} {signature}"}
	if err := ok.Mount(context.Background(), "", t.TempDir()); err != nil {
		t.Errorf("Mount() error = %v", err)
	}

	fail := &flagDevice{mounter: "false {image}"}
	if err := fail.Mount(context.Background(), "", t.TempDir()); err == nil {
		t.Error("Mount() expected error when the mounter fails")
	}
}

func TestFlagDeviceNoVersion(t *testing.T) {
	if _, err := (&flagDevice{}).OSVersion(context.Background(), ""); err == nil {
		t.Error("OSVersion() expected error without a device version")
	}
	if _, err := (&flagDevice{}).MountedSignature(context.Background(), ""); err != ddi.ErrNotMounted {
		t.Errorf("MountedSignature() error = %v, want ErrNotMounted", err)
	}
}
