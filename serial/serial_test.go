package serial

import (
	"testing"
)

func TestNew(t *testing.T) {
	// bogus path - no such device exists, so Open must fail cleanly.
	p, err := New(WithPort("/dev/bogusmodem0"), WithBaud(115200))
	if err == nil {
		t.Error("New succeeded")
	}
	if p != nil {
		t.Error("New returned unexpected port")
	}
}

func TestWithBaud(t *testing.T) {
	cfg := config{port: defaultConfig.port, baud: defaultConfig.baud}
	WithBaud(9600)(&cfg)
	if cfg.baud != 9600 {
		t.Errorf("expected baud 9600, got %d", cfg.baud)
	}
}

func TestWithHardwareFlowControl(t *testing.T) {
	cfg := config{}
	WithHardwareFlowControl(true)(&cfg)
	if !cfg.flowControl {
		t.Error("expected flow control enabled")
	}
}
