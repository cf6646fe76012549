// Package keystore implements the application-layer security keystore: a
// process-wide and caller-local mapping from KNX device/group addresses
// to secure-communication key material, ingested from a verified keyring
// (§4.7).
package keystore

import (
	"sync"

	"github.com/knxsecure/transport/pkg/knxerrors"
	"github.com/knxsecure/transport/pkg/knxlog"
)

// Keystore holds the keys and topology a caller's secure sessions use to
// encrypt and authenticate group and device-management traffic.
type Keystore struct {
	log knxlog.Logger

	mu                 sync.RWMutex
	deviceToolKeys     map[IndividualAddress][16]byte
	groupKeys          map[GroupAddress][16]byte
	groupSenders       map[GroupAddress]map[IndividualAddress]struct{}
	sendersByInterface map[IndividualAddress]map[GroupAddress]map[IndividualAddress]struct{}
	broadcastToolKeys  map[[6]byte][16]byte
}

// New returns an empty, independently-owned Keystore.
func New(factory knxlog.Factory) *Keystore {
	return &Keystore{
		log:                knxlog.New(factory, "keystore"),
		deviceToolKeys:     make(map[IndividualAddress][16]byte),
		groupKeys:          make(map[GroupAddress][16]byte),
		groupSenders:       make(map[GroupAddress]map[IndividualAddress]struct{}),
		sendersByInterface: make(map[IndividualAddress]map[GroupAddress]map[IndividualAddress]struct{}),
		broadcastToolKeys:  make(map[[6]byte][16]byte),
	}
}

var (
	defaultOnce     sync.Once
	defaultInstance *Keystore
)

// Default returns the process-wide keystore, creating it on first use.
func Default() *Keystore {
	defaultOnce.Do(func() {
		defaultInstance = New(nil)
	})
	return defaultInstance
}

// UseKeyring verifies ring's signature under password, then ingests its
// device tool keys, group keys, and per-interface sender topology,
// replacing this keystore's previous contents wholesale (§4.7). A
// failure leaves the keystore untouched.
func (k *Keystore) UseKeyring(ring Keyring, password string) error {
	if !ring.VerifySignature(password) {
		return knxerrors.ErrKeyringSignatureMismatch
	}

	deviceToolKeys := make(map[IndividualAddress][16]byte)
	for addr, dev := range ring.Devices() {
		enc, ok := dev.ToolKey()
		if !ok {
			continue
		}
		key, err := ring.DecryptKey(enc, password)
		if err != nil {
			return knxerrors.Wrap(knxerrors.ErrKeyringSignatureMismatch, err)
		}
		deviceToolKeys[addr] = key
	}

	groupKeys := make(map[GroupAddress][16]byte)
	for addr, enc := range ring.Groups() {
		key, err := ring.DecryptKey(enc, password)
		if err != nil {
			return knxerrors.Wrap(knxerrors.ErrKeyringSignatureMismatch, err)
		}
		groupKeys[addr] = key
	}

	groupSenders := make(map[GroupAddress]map[IndividualAddress]struct{})
	sendersByInterface := make(map[IndividualAddress]map[GroupAddress]map[IndividualAddress]struct{})

	ifaceAddrs := make(map[IndividualAddress]struct{})
	for _, ifaces := range ring.Interfaces() {
		for _, iface := range ifaces {
			ifaceAddrs[iface.Address()] = struct{}{}
		}
	}

	for _, ifaces := range ring.Interfaces() {
		for _, iface := range ifaces {
			ownAddr := iface.Address()
			snapshot := make(map[GroupAddress]map[IndividualAddress]struct{})
			for group, senders := range iface.Groups() {
				senderSnapshot := make(map[IndividualAddress]struct{}, len(senders))
				for sender := range senders {
					senderSnapshot[sender] = struct{}{}
					if _, isIface := ifaceAddrs[sender]; isIface {
						continue
					}
					if groupSenders[group] == nil {
						groupSenders[group] = make(map[IndividualAddress]struct{})
					}
					groupSenders[group][sender] = struct{}{}
				}
				snapshot[group] = senderSnapshot
			}
			sendersByInterface[ownAddr] = snapshot
		}
	}

	k.mu.Lock()
	k.deviceToolKeys = deviceToolKeys
	k.groupKeys = groupKeys
	k.groupSenders = groupSenders
	k.sendersByInterface = sendersByInterface
	k.mu.Unlock()

	k.log.Infof("keystore: ingested keyring with %d devices, %d groups, %d interfaces",
		len(deviceToolKeys), len(groupKeys), len(sendersByInterface))
	return nil
}

// DeviceToolKeys returns the live device-tool-key map. Callers may add
// or remove entries; the keystore makes no defensive copies.
func (k *Keystore) DeviceToolKeys() map[IndividualAddress][16]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.deviceToolKeys
}

// GroupKeys returns the live group-key map.
func (k *Keystore) GroupKeys() map[GroupAddress][16]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.groupKeys
}

// GroupSenders returns the live group→senders map. No address of any
// interface declared by the keyring appears in it as a sender.
func (k *Keystore) GroupSenders() map[GroupAddress]map[IndividualAddress]struct{} {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.groupSenders
}

// SendersByInterface returns the live per-interface group→senders
// snapshot map, unfiltered: an interface's own address is retained here
// even though GroupSenders excludes it.
func (k *Keystore) SendersByInterface() map[IndividualAddress]map[GroupAddress]map[IndividualAddress]struct{} {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sendersByInterface
}

// BroadcastToolKeys returns the live serial-number-keyed broadcast tool
// key map. UseKeyring never populates this map: the Keyring interface
// this module consumes (§6.3) does not surface per-serial broadcast tool
// keys, so callers that need one populate it directly.
func (k *Keystore) BroadcastToolKeys() map[[6]byte][16]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.broadcastToolKeys
}
