package ratchet

import "fmt"

// PrimaryDeviceID is the device id every account registers with; it is
// contacted as a default when no other device is known for an address.
const PrimaryDeviceID uint32 = 1

// Address uniquely identifies a remote device belonging to a user.
type Address struct {
	UserID   string
	DeviceID uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.UserID, a.DeviceID)
}

// IsPrimary reports whether a refers to the user's primary device, the one
// whose loss (a 404 on key fetch) is terminal for the address rather than
// just a dropped secondary device.
func (a Address) IsPrimary() bool {
	return a.DeviceID == PrimaryDeviceID
}
