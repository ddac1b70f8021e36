// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

var usbCtx *gousb.Context = nil

func InitializeUSB() error {
	if usbCtx == nil {
		usbCtx = gousb.NewContext()

		if usbCtx != nil {
			usbCtx.Debug(0)
			logger.Debug("Initialized libusb...")
			return nil
		} else {
			return errors.New("could not initialize libusb")
		}
	} else {
		logger.Warn("USB already initialized!")
		return nil
	}
}

func CloseUSB() {
	if usbCtx != nil {
		usbCtx.Close()
		usbCtx = nil
	} else {
		logger.Warn("Could not close uninitialized usb context")
	}
}

type UsbDeviceInfo struct {
	Vendor  gousb.ID
	Product gousb.ID
	Bus     int
	Address int
}

// FindUsbDevices lists the attached devices of one of the given vendors.
func FindUsbDevices(vids []gousb.ID) ([]UsbDeviceInfo, error) {
	if usbCtx == nil {
		return nil, errors.New("usb is not initialized")
	}

	var found []UsbDeviceInfo

	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if idExists(vids, desc.Vendor) {
			logger.Infof("Found USB device [%04x:%04x] on bus %03d:%03d", uint16(desc.Vendor), uint16(desc.Product), desc.Bus, desc.Address)

			found = append(found, UsbDeviceInfo{desc.Vendor, desc.Product, desc.Bus, desc.Address})
		}
		return false
	})

	for _, d := range devices {
		d.Close()
	}

	if err != nil {
		logger.Error("Got error during usb device scan: ", err)
		return found, err
	}

	logger.Debugf("Found %d matching devices based on vendor id list", len(found))

	return found, nil
}

func idExists(ids []gousb.ID, id gousb.ID) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func usbWrite(endpoint *gousb.OutEndpoint, buffer []byte) (int, error) {
	bWritten, err := endpoint.Write(buffer)

	if err != nil {
		return bWritten, err
	} else {
		logger.Tracef("Wrote %d bytes to endpoint", bWritten)
		return bWritten, nil
	}
}

// UsbChannel streams trace data to a bulk OUT endpoint of a USB device. The
// device counts as connected once Detect found it.
type UsbChannel struct {
	vid      gousb.ID
	pid      gousb.ID
	endpoint int

	mu     sync.Mutex
	notify NotifyFunc
	device *gousb.Device
	done   func()
	out    *gousb.OutEndpoint
}

func NewUsbChannel(vid gousb.ID, pid gousb.ID, endpoint int) *UsbChannel {
	return &UsbChannel{
		vid:      vid,
		pid:      pid,
		endpoint: endpoint,
	}
}

func (u *UsbChannel) Name() string {
	return fmt.Sprintf("usb:%04x:%04x/ep%d", uint16(u.vid), uint16(u.pid), u.endpoint)
}

func (u *UsbChannel) Open(notify NotifyFunc) error {
	if usbCtx == nil {
		return newEtrError(ErrorStreamUnavailable, "usb is not initialized")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.notify = notify

	if err := u.openLocked(); err != nil {
		logger.Debugf("%s: %v", u.Name(), err)
	}

	return nil
}

func (u *UsbChannel) openLocked() error {
	if u.out != nil {
		return nil
	}

	device, err := usbCtx.OpenDeviceWithVIDPID(u.vid, u.pid)

	if err != nil {
		return err
	}

	if device == nil {
		return fmt.Errorf("no device [%04x:%04x] attached", uint16(u.vid), uint16(u.pid))
	}

	if err := device.SetAutoDetach(true); err != nil {
		logger.Warnf("%s: could not set auto detach: %v", u.Name(), err)
	}

	intf, done, err := device.DefaultInterface()

	if err != nil {
		device.Close()
		return err
	}

	out, err := intf.OutEndpoint(u.endpoint)

	if err != nil {
		done()
		device.Close()
		return err
	}

	u.device = device
	u.done = done
	u.out = out

	logger.Infof("%s: endpoint opened", u.Name())

	return nil
}

func (u *UsbChannel) closeLocked() {
	if u.done != nil {
		u.done()
		u.done = nil
	}

	if u.device != nil {
		u.device.Close()
		u.device = nil
	}

	u.out = nil
}

// Detect looks for the device and reports a connect to the session when it
// showed up since the last call.
func (u *UsbChannel) Detect() (bool, error) {
	u.mu.Lock()

	if u.out != nil {
		u.mu.Unlock()
		return true, nil
	}

	err := u.openLocked()
	connected := u.out != nil
	notify := u.notify

	u.mu.Unlock()

	if connected && notify != nil {
		notify(EventConnect, nil)
	}

	return connected, err
}

func (u *UsbChannel) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.closeLocked()
	u.notify = nil

	return nil
}

// Write sends p to the endpoint. A failing transfer drops the device and
// reports the disconnect asynchronously.
func (u *UsbChannel) Write(p []byte) (int, error) {
	u.mu.Lock()

	if u.out == nil {
		u.mu.Unlock()
		return 0, newEtrError(ErrorStreamUnavailable, "%s is not connected", u.Name())
	}

	n, err := usbWrite(u.out, p)

	notify := u.notify

	if err != nil {
		u.closeLocked()
	}

	u.mu.Unlock()

	if notify != nil {
		if err != nil {
			go notify(EventDisconnect, nil)
		} else {
			go notify(EventWriteDone, &StreamRequest{Length: len(p), Actual: n})
		}
	}

	return n, err
}

func (u *UsbChannel) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.out != nil
}
