package usbtransport

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/swiftmtp/swiftmtp/device"
	"github.com/swiftmtp/swiftmtp/internal/errs"
)

// MtpInterfaceClass/SubClass/Protocol are the conventional MTP/PTP
// "still image" interface triplet (still-image class 6, PIMA 15740
// subclass 1, bulk-only protocol 1). Devices that expose MTP under the
// vendor-specific 0xFF/0xFF/0x00 triplet (Android's "MTP" gadget
// function) are also accepted; Enumerate does not filter by interface,
// leaving that decision to the caller (mirrors the teacher's
// IsIppOverUsb() classification, generalized: classification itself
// lives in the quirk/fingerprint layer, not the transport).
const (
	MtpInterfaceClass    = 6
	MtpInterfaceSubClass = 1
	MtpInterfaceProtocol = 1
)

// Enumerate lists candidate MTP interfaces across all attached USB
// devices, producing one device.Summary per matching interface.
func Enumerate(ctx *gousb.Context, match func(desc *gousb.InterfaceDesc, cfg *gousb.ConfigDesc) bool) ([]device.Summary, error) {
	var out []device.Summary

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	if err != nil {
		return nil, errs.NewTransportError(errs.TransportIO, "enumerate: %s", err)
	}

	for _, dev := range devs {
		for _, cfg := range dev.Desc.Configs {
			for _, intf := range cfg.Interfaces {
				for _, alt := range intf.AltSettings {
					if match != nil && !match(&alt, &cfg) {
						continue
					}

					s := device.Summary{
						Fingerprint: device.Fingerprint{
							VID:           uint16(dev.Desc.Vendor),
							PID:           uint16(dev.Desc.Product),
							BcdDevice:     uint16(dev.Desc.Device),
							IfaceClass:    uint8(alt.Class),
							IfaceSubClass: uint8(alt.SubClass),
							IfaceProtocol: uint8(alt.Protocol),
						},
						Bus:     dev.Desc.Bus,
						Address: dev.Desc.Address,
					}

					s.Manufacturer, _ = dev.Manufacturer()
					s.Model, _ = dev.Product()
					s.Serial, _ = dev.SerialNumber()

					for _, ep := range alt.Endpoints {
						switch {
						case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeBulk:
							s.BulkIn = uint8(ep.Number)
						case ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk:
							s.BulkOut = uint8(ep.Number)
						case ep.Direction == gousb.EndpointDirectionIn && ep.TransferType == gousb.TransferTypeInterrupt:
							s.Interrupt = uint8(ep.Number)
							s.HasInterrupt = true
						}
					}

					out = append(out, s)
				}
			}
		}

		dev.Close()
	}

	return out, nil
}

// GousbTransport is the native USB C2 implementation, backed by
// google/gousb.
type GousbTransport struct {
	desc device.Summary
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
	irq  *gousb.InEndpoint
}

// Open claims the interface described by summary on ctx, detaching the
// kernel driver if one is attached (spec §4.2: "the transport is
// responsible for kernel-driver detach and interface claim").
func Open(ctx *gousb.Context, summary device.Summary, cfgNum, ifaceNum int) (t *GousbTransport, err error) {
	devs, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == summary.Bus && d.Address == summary.Address
	})
	if err != nil || len(devs) == 0 {
		return nil, errs.NewTransportError(errs.TransportNoDevice, "device not found: %s", summary)
	}
	dev := devs[0]

	// Cleanup on any failure path below, goto-style per the teacher's
	// NewUsbTransport/NewDevice constructors (device.go).
	defer func() {
		if err != nil {
			dev.Close()
		}
	}()

	if err = dev.SetAutoDetach(true); err != nil {
		return nil, errs.NewTransportError(errs.TransportAccessDenied, "set auto detach: %s", err)
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, errs.NewTransportError(errs.TransportAccessDenied, "claim config: %s", err)
	}

	intf, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		cfg.Close()
		return nil, errs.NewTransportError(errs.TransportAccessDenied, "claim interface: %s", err)
	}

	t = &GousbTransport{desc: summary, dev: dev, cfg: cfg, intf: intf}

	t.in, err = intf.InEndpoint(int(summary.BulkIn))
	if err != nil {
		t.teardown()
		return nil, errs.NewTransportError(errs.TransportIO, "bulk-in endpoint: %s", err)
	}

	t.out, err = intf.OutEndpoint(int(summary.BulkOut))
	if err != nil {
		t.teardown()
		return nil, errs.NewTransportError(errs.TransportIO, "bulk-out endpoint: %s", err)
	}

	if summary.HasInterrupt {
		t.irq, err = intf.InEndpoint(int(summary.Interrupt))
		if err != nil {
			t.teardown()
			return nil, errs.NewTransportError(errs.TransportIO, "interrupt endpoint: %s", err)
		}
	}

	return t, nil
}

func (t *GousbTransport) teardown() {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
}

func (t *GousbTransport) Descriptor() device.Summary { return t.desc }

func (t *GousbTransport) BulkIn(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	return readEndpoint(ctx, t.in, buf, timeout)
}

func (t *GousbTransport) BulkOut(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := t.out.WriteContext(cctx, buf)
	if err != nil {
		return n, mapGousbErr(err)
	}
	return n, nil
}

func (t *GousbTransport) InterruptIn(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if t.irq == nil {
		return 0, errs.NewTransportError(errs.TransportIO, "no interrupt endpoint on this device")
	}
	return readEndpoint(ctx, t.irq, buf, timeout)
}

func readEndpoint(ctx context.Context, ep *gousb.InEndpoint, buf []byte, timeout time.Duration) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := ep.ReadContext(cctx, buf)
	if err != nil {
		return n, mapGousbErr(err)
	}
	return n, nil
}

// ResetDevice issues a USB port reset, equivalent to the teacher's
// libusb_reset_device path.
func (t *GousbTransport) ResetDevice() error {
	if err := t.dev.Reset(); err != nil {
		return errs.NewTransportError(errs.TransportIO, "reset device: %s", err)
	}
	return nil
}

// ResetEndpoints clears a halt (STALL) condition on both bulk
// endpoints via a CLEAR_FEATURE(ENDPOINT_HALT) control transfer.
func (t *GousbTransport) ResetEndpoints() error {
	const (
		requestTypeEndpointOut = 0x02
		requestClearFeature    = 0x03
		featureEndpointHalt    = 0x00
	)

	for _, addr := range []uint8{t.desc.BulkIn | 0x80, t.desc.BulkOut} {
		_, err := t.dev.Control(requestTypeEndpointOut, requestClearFeature,
			featureEndpointHalt, uint16(addr), nil)
		if err != nil {
			return errs.NewTransportError(errs.TransportPipeStall, "clear halt on endpoint %#x: %s", addr, err)
		}
	}
	return nil
}

// Close releases the claimed interface and device handle. The
// transport must release the interface on close even on error paths
// (spec §4.2); teardown is therefore unconditional here.
func (t *GousbTransport) Close() error {
	t.teardown()
	return nil
}

func mapGousbErr(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return errs.NewTransportError(errs.TransportTimeout, "transfer timed out")
	}

	switch err.(type) {
	case gousb.TransferStatus:
		return errs.NewTransportError(errs.TransportPipeStall, "%s", err)
	default:
		return errs.NewTransportError(errs.TransportIO, "%s", err)
	}
}
