package tcpconn

import (
	"errors"
	"net"

	"github.com/knxsecure/transport/pkg/knxerrors"
)

// localSerialNumber derives a 6-byte KNX serial number from the first
// network interface carrying a full 6-byte hardware address (§3).
// EstablishSecureSession uses it as the sender serial number of every
// SecureSession it creates.
func localSerialNumber() ([6]byte, error) {
	var serial [6]byte

	ifaces, err := net.Interfaces()
	if err != nil {
		return serial, knxerrors.Wrap(knxerrors.ErrTransportFailed, err)
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) == 6 {
			copy(serial[:], iface.HardwareAddr)
			return serial, nil
		}
	}
	return serial, knxerrors.Wrap(knxerrors.ErrTransportFailed,
		errors.New("tcpconn: no network interface with a hardware address found"))
}
