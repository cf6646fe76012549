package keystore

import "fmt"

// IndividualAddress is a KNX device address: 4-bit area, 4-bit line,
// 8-bit device, packed into 16 bits area<<12 | line<<8 | device.
type IndividualAddress uint16

// NewIndividualAddress packs an area/line/device triple into an
// IndividualAddress. Area and line are masked to 4 bits.
func NewIndividualAddress(area, line, device uint8) IndividualAddress {
	return IndividualAddress(uint16(area&0x0f)<<12 | uint16(line&0x0f)<<8 | uint16(device))
}

func (a IndividualAddress) Area() uint8   { return uint8(a>>12) & 0x0f }
func (a IndividualAddress) Line() uint8   { return uint8(a>>8) & 0x0f }
func (a IndividualAddress) Device() uint8 { return uint8(a) }

func (a IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Area(), a.Line(), a.Device())
}

// GroupAddress is a KNX 3-level group address: 5-bit main, 3-bit middle,
// 8-bit sub, packed into 16 bits main<<11 | middle<<8 | sub.
type GroupAddress uint16

// NewGroupAddress packs a main/middle/sub triple into a GroupAddress.
func NewGroupAddress(main, middle uint8, sub uint8) GroupAddress {
	return GroupAddress(uint16(main&0x1f)<<11 | uint16(middle&0x07)<<8 | uint16(sub))
}

func (a GroupAddress) Main() uint8   { return uint8(a>>11) & 0x1f }
func (a GroupAddress) Middle() uint8 { return uint8(a>>8) & 0x07 }
func (a GroupAddress) Sub() uint8    { return uint8(a) }

func (a GroupAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Main(), a.Middle(), a.Sub())
}
