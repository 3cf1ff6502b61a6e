package otg

import (
	"context"
	"fmt"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/pkg"
)

// ControlTransfer runs the SETUP, optional DATA, and STATUS stages of a
// control transfer on the device's default endpoint. The SETUP stage is
// staged in the endpoint's persistent setup buffer.
func (c *Controller) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if setup == nil {
		return 0, fmt.Errorf("%w: nil setup packet", pkg.ErrInvalidParameter)
	}
	ed, err := c.endpointFor(addr, 0, hal.TransferControl)
	if err != nil {
		return 0, err
	}

	ed.ctl.Lock()
	defer ed.ctl.Unlock()

	var pkt [hal.SetupPacketSize]byte
	setup.MarshalTo(pkt[:])
	if _, err := c.setupStage(ctx, ed, pkt[:]); err != nil {
		return 0, fmt.Errorf("setup stage: %w", err)
	}

	n := 0
	dataDir := DirOut
	if setup.IsIn() {
		dataDir = DirIn
	}
	if dataLen := min(len(data), int(setup.Length)); dataLen > 0 {
		if n, err = c.stage(ctx, ed, dataDir, PIDData1, data[:dataLen]); err != nil {
			return n, fmt.Errorf("data stage: %w", err)
		}
	} else {
		dataDir = DirOut
	}

	statusDir := DirIn
	if dataDir == DirIn {
		statusDir = DirOut
	}
	if _, err := c.stage(ctx, ed, statusDir, PIDData1, nil); err != nil {
		return n, fmt.Errorf("status stage: %w", err)
	}
	return n, nil
}

func (c *Controller) setupStage(ctx context.Context, ed *ED, pkt []byte) (int, error) {
	req := NewRequest(pkt)
	req.Context = ctx
	err := c.submit(ed, req, func() (PID, error) {
		return PIDSetup, PrepareSetup(ed, req)
	})
	if err != nil {
		return 0, err
	}
	return req.Wait()
}

func (c *Controller) stage(ctx context.Context, ed *ED, dir Direction, pid PID, data []byte) (int, error) {
	req := NewRequest(data)
	req.Context = ctx
	err := c.submit(ed, req, func() (PID, error) {
		ed.Dir = dir
		return pid, Prepare(ed, req, c.alloc)
	})
	if err != nil {
		return 0, err
	}
	return req.Wait()
}

// BulkTransfer performs a bulk transfer.
func (c *Controller) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return c.transfer(ctx, addr, endpoint, hal.TransferBulk, data)
}

// InterruptTransfer performs an interrupt transfer.
func (c *Controller) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return c.transfer(ctx, addr, endpoint, hal.TransferInterrupt, data)
}

// IsochronousTransfer performs an isochronous transfer.
func (c *Controller) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return c.transfer(ctx, addr, endpoint, hal.TransferIsochronous, data)
}

func (c *Controller) transfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, t hal.TransferType, data []byte) (int, error) {
	if endpoint&0x0F == 0 {
		return 0, fmt.Errorf("%w: 0x%02X is the control endpoint", pkg.ErrInvalidEndpoint, endpoint)
	}
	ed, err := c.endpointFor(addr, endpoint, t)
	if err != nil {
		return 0, err
	}
	req := NewRequest(data)
	req.Context = ctx
	if err := c.Submit(ed, req); err != nil {
		return 0, err
	}
	return req.Wait()
}

// SetDeviceAddress moves the device at address 0 to newAddr. The default
// address's control endpoint is closed afterwards so the next device to
// enumerate starts from a fresh ED.
func (c *Controller) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if newAddr == 0 || newAddr > 127 {
		return fmt.Errorf("%w: device address %d", pkg.ErrInvalidParameter, newAddr)
	}
	setup := hal.SetupPacket{
		RequestType: hal.RequestTypeStd,
		Request:     hal.RequestSetAddress,
		Value:       uint16(newAddr),
	}
	if _, err := c.ControlTransfer(ctx, 0, &setup, nil); err != nil {
		return err
	}
	if err := c.CloseEndpoint(0, 0); err != nil {
		pkg.LogWarn(pkg.ComponentEndpoint, "default endpoint not closed", "error", err)
	}
	pkg.LogDebug(pkg.ComponentHCD, "device address set", "address", newAddr)
	return nil
}

// ClaimInterface is a no-op: no other driver competes for interfaces on a
// bare controller.
func (c *Controller) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	return nil
}

// ReleaseInterface is a no-op.
func (c *Controller) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	return nil
}
