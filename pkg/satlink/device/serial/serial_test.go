package serial

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/norasector/satlink/pkg/satlink/device"
	"github.com/rs/zerolog"
	bugserial "go.bug.st/serial"
)

func TestSerialDeviceUnopened(t *testing.T) {
	d := NewSerialDevice(filepath.Join(t.TempDir(), "ttyNOPE"), 0, zerolog.Nop())
	if d.mode.BaudRate != DefaultBaudRate || d.mode.DataBits != 8 {
		t.Errorf("got mode %+v", d.mode)
	}
	if _, err := d.Write([]byte("get_radio_config\n")); !errors.Is(err, device.ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
	if err := d.Stop(); err != nil {
		t.Errorf("Stop() = %v on an unopened port", err)
	}
	if err := d.Start(context.Background(), make(chan []byte)); err == nil {
		t.Error("opening a missing port should fail")
	}
}

func TestIsClosed(t *testing.T) {
	if isClosed(errors.New("boom")) {
		t.Error("plain errors are not a closed port")
	}
	if isClosed(fmt.Errorf("read: %w", &bugserial.PortError{})) {
		t.Error("a busy port is not a closed port")
	}
}
