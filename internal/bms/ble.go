package bms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// ErrDeviceNotFound is returned when a scan ends without a match.
var ErrDeviceNotFound = errors.New("bms device not found")

// DefaultScanTimeout bounds Dial's search for the target address.
const DefaultScanTimeout = 5 * time.Second

// Device is one advertisement seen during a scan.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int16  `json:"rssi"`
}

var (
	enableOnce sync.Once
	enableErr  error
	scanMu     sync.Mutex
)

func adapter() (*bluetooth.Adapter, error) {
	a := bluetooth.DefaultAdapter
	enableOnce.Do(func() { enableErr = a.Enable() })
	if enableErr != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", enableErr)
	}
	return a, nil
}

func toBLE(u uuid.UUID) bluetooth.UUID {
	b, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		panic(fmt.Sprintf("bms: bad uuid %s: %v", u, err))
	}
	return b
}

// scan runs the adapter scan until ctx ends or visit returns false.
func scan(ctx context.Context, visit func(bluetooth.ScanResult) bool) error {
	a, err := adapter()
	if err != nil {
		return err
	}
	scanMu.Lock()
	defer scanMu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.StopScan()
		case <-done:
		}
	}()

	return a.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !visit(r) {
			a.StopScan()
		}
	})
}

// Scan lists devices whose advertised name matches t until ctx ends. Each
// address is reported once.
func Scan(ctx context.Context, t Type) ([]Device, error) {
	seen := make(map[string]bool)
	var out []Device
	err := scan(ctx, func(r bluetooth.ScanResult) bool {
		name := r.LocalName()
		addr := r.Address.String()
		if seen[addr] || !MatchName(t, name) {
			return true
		}
		seen[addr] = true
		out = append(out, Device{Name: name, Address: addr, RSSI: r.RSSI})
		return true
	})
	return out, err
}

// BLELink is a Link over a tinygo bluetooth connection.
type BLELink struct {
	dev    bluetooth.Device
	notify bluetooth.DeviceCharacteristic
	write  bluetooth.DeviceCharacteristic
}

// Dial scans for addr, connects and resolves the vendor characteristics.
// It satisfies Dialer.
func Dial(ctx context.Context, addr string, u Uuids) (Link, error) {
	a, err := adapter()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, DefaultScanTimeout)
	defer cancel()
	var found *bluetooth.ScanResult
	err = scan(scanCtx, func(r bluetooth.ScanResult) bool {
		if strings.EqualFold(r.Address.String(), addr) {
			found = &r
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, addr)
	}

	dev, err := a.Connect(found.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	l, err := resolve(dev, u)
	if err != nil {
		dev.Disconnect()
		return nil, err
	}
	return l, nil
}

func resolve(dev bluetooth.Device, u Uuids) (*BLELink, error) {
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{toBLE(u.Service)})
	if err != nil {
		return nil, fmt.Errorf("discover service %s: %w", u.Service, err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", u.Service)
	}

	notifyID, writeID := toBLE(u.Notify), toBLE(u.Write)
	want := []bluetooth.UUID{notifyID}
	if writeID != notifyID {
		want = append(want, writeID)
	}
	chars, err := svcs[0].DiscoverCharacteristics(want)
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}

	l := &BLELink{dev: dev}
	var haveNotify, haveWrite bool
	for _, ch := range chars {
		if ch.UUID() == notifyID {
			l.notify, haveNotify = ch, true
		}
		if ch.UUID() == writeID {
			l.write, haveWrite = ch, true
		}
	}
	if !haveNotify || !haveWrite {
		return nil, fmt.Errorf("characteristics %s/%s not found", u.Notify, u.Write)
	}
	return l, nil
}

func (l *BLELink) Subscribe(fn func([]byte)) error {
	return l.notify.EnableNotifications(fn)
}

func (l *BLELink) Write(b []byte) error {
	_, err := l.write.WriteWithoutResponse(b)
	return err
}

func (l *BLELink) Close() error {
	return l.dev.Disconnect()
}
