// Package usbtransport talks to the WildDevine biosensor over its USB
// interrupt endpoint. It knows nothing about the record grammar carried
// inside the packets — that's wdrecord's job — only how to open the
// device, keep the interface claimed, and turn one interrupt read into
// a Status plus whatever payload bytes came back.
package usbtransport

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/gousb"

	"github.com/cannon-zz/cardiacam-go/internal/wdconst"
)

// Status is the outcome of one Read. Only StatusOK carries payload
// bytes worth keeping; every other value tells the caller how to map
// the transport's exit onto the collector's EOS/ERROR split.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusHalted
	StatusOverflow
	StatusUnplugged
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusHalted:
		return "HALTED"
	case StatusOverflow:
		return "OVERFLOW"
	case StatusUnplugged:
		return "UNPLUGGED"
	default:
		return "UNKNOWN"
	}
}

// Fatal reports whether this status is a contract violation the
// collector should surface as ERROR, as opposed to a normal-looking
// stream end it should surface as EOS.
func (s Status) Fatal() bool {
	switch s {
	case StatusTimeout, StatusOverflow, StatusUnknown:
		return true
	default:
		return false
	}
}

// Transport is the interface the collector depends on; Device
// satisfies it against real hardware, and tests substitute Fake.
type Transport interface {
	// Read performs one interrupt transfer into an 8-byte packet and
	// returns how many bytes the transfer delivered into buf (8 for a
	// full packet; buf[0] holds the count of valid payload bytes among
	// the trailing 7) along with the transfer status.
	Read(buf []byte) (n int, status Status)
	Close() error
}

// Device is a Transport backed by a real WildDevine over gousb.
type Device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epIn   *gousb.InEndpoint

	Logger *log.Logger
}

// Open finds the WildDevine by VID/PID, detaches any kernel driver
// holding its interface, claims it, and opens the interrupt-IN
// endpoint. The returned Device is ready for Read.
func Open() (*Device, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(wdconst.VendorID), gousb.ID(wdconst.ProductID))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: open device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: device not found (VID:0x%04x PID:0x%04x)", wdconst.VendorID, wdconst.ProductID)
	}

	// The kernel's hidraw driver commonly grabs this interface before
	// we get to it; let gousb detach it for the duration we hold the
	// claim.
	if err := dev.SetAutoDetach(true); err != nil {
		log.Printf("usbtransport: warning: auto-detach kernel driver: %v", err)
	}

	config, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: set config: %w", err)
	}

	intf, err := config.Interface(wdconst.Interface, 0)
	if err != nil {
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: claim interface: %w", err)
	}

	epIn, err := intf.InEndpoint(wdconst.Endpoint)
	if err != nil {
		intf.Close()
		config.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: open IN endpoint: %w", err)
	}

	d := &Device{
		ctx:    ctx,
		dev:    dev,
		config: config,
		intf:   intf,
		epIn:   epIn,
		Logger: log.Default(),
	}
	d.Logger.Printf("usbtransport: opened WildDevine at VID:0x%04x PID:0x%04x", wdconst.VendorID, wdconst.ProductID)
	return d, nil
}

// Read performs a single interrupt transfer bounded by
// wdconst.Timeout, classifying the gousb error (if any) into the
// Status values the collector's failure-mapping table understands.
func (d *Device) Read(buf []byte) (int, Status) {
	ctx, cancel := context.WithTimeout(context.Background(), wdconst.Timeout)
	defer cancel()

	n, err := d.epIn.ReadContext(ctx, buf)
	if err == nil {
		return n, StatusOK
	}

	switch {
	case ctx.Err() != nil:
		return 0, StatusTimeout
	case isHalted(err):
		return 0, StatusHalted
	case isOverflow(err):
		return 0, StatusOverflow
	case isNoDevice(err):
		return 0, StatusUnplugged
	default:
		d.Logger.Printf("usbtransport: read error: %v", err)
		return 0, StatusUnknown
	}
}

// Close releases the interface and tears down the USB context. Safe
// to call once after the collector has stopped reading.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.config != nil {
		d.config.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}

// gousb surfaces libusb transfer failures as plain errors wrapping
// libusb's own status strings; these substrings are libusb's, not
// ours, so matching on them is the only option short of vendoring
// libusb's error codes.
func isHalted(err error) bool {
	return errIs(err, "halt") || errIs(err, "stall")
}

func isOverflow(err error) bool {
	return errIs(err, "overflow")
}

func isNoDevice(err error) bool {
	return errIs(err, "no device") || errIs(err, "disconnected")
}

func errIs(err error, substr string) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), substr)
}
