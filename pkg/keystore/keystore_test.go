package keystore

import (
	"errors"
	"reflect"
	"testing"

	"github.com/knxsecure/transport/pkg/knxerrors"
)

type fakeDevice struct {
	toolKey EncryptedKey
	has     bool
}

func (d fakeDevice) ToolKey() (EncryptedKey, bool) { return d.toolKey, d.has }

type fakeInterface struct {
	addr   IndividualAddress
	groups map[GroupAddress]map[IndividualAddress]struct{}
}

func (f fakeInterface) Address() IndividualAddress { return f.addr }
func (f fakeInterface) Groups() map[GroupAddress]map[IndividualAddress]struct{} {
	return f.groups
}

// fakeKeyring treats an EncryptedKey's Ciphertext as the already-decrypted
// key when the supplied password matches, so these tests exercise the
// keystore's topology and filtering logic without depending on the real
// AES-CBC/PBKDF2 unwrap path (covered separately in unwrap_test.go).
type fakeKeyring struct {
	password   string
	devices    map[IndividualAddress]Device
	groups     map[GroupAddress]EncryptedKey
	interfaces map[IndividualAddress][]Interface
}

func (r *fakeKeyring) VerifySignature(password string) bool { return password == r.password }
func (r *fakeKeyring) Devices() map[IndividualAddress]Device { return r.devices }
func (r *fakeKeyring) Groups() map[GroupAddress]EncryptedKey { return r.groups }
func (r *fakeKeyring) Interfaces() map[IndividualAddress][]Interface { return r.interfaces }

func (r *fakeKeyring) DecryptKey(enc EncryptedKey, password string) ([16]byte, error) {
	var key [16]byte
	if password != r.password {
		return key, errors.New("fakeKeyring: wrong password")
	}
	copy(key[:], enc.Ciphertext)
	return key, nil
}

func rawKey(b byte) EncryptedKey {
	ct := make([]byte, 16)
	for i := range ct {
		ct[i] = b
	}
	return EncryptedKey{Ciphertext: ct}
}

func buildScenarioKeyring() *fakeKeyring {
	device := NewIndividualAddress(1, 1, 5)
	iface := NewIndividualAddress(1, 1, 1)
	g1 := NewGroupAddress(1, 0, 1)
	g2 := NewGroupAddress(1, 0, 2)
	otherDevice := NewIndividualAddress(1, 1, 6)

	return &fakeKeyring{
		password: "correct horse",
		devices: map[IndividualAddress]Device{
			device: fakeDevice{toolKey: rawKey(0xE1), has: true},
		},
		groups: map[GroupAddress]EncryptedKey{
			g1: rawKey(0xA1),
			g2: rawKey(0xA2),
		},
		interfaces: map[IndividualAddress][]Interface{
			iface: {
				fakeInterface{
					addr: iface,
					groups: map[GroupAddress]map[IndividualAddress]struct{}{
						g1: {device: struct{}{}, iface: struct{}{}},
						g2: {otherDevice: struct{}{}},
					},
				},
			},
		},
	}
}

func TestUseKeyringIngestsTopologyAndFiltersOwnSender(t *testing.T) {
	ring := buildScenarioKeyring()
	device := NewIndividualAddress(1, 1, 5)
	iface := NewIndividualAddress(1, 1, 1)
	g1 := NewGroupAddress(1, 0, 1)
	g2 := NewGroupAddress(1, 0, 2)
	otherDevice := NewIndividualAddress(1, 1, 6)

	ks := New(nil)
	if err := ks.UseKeyring(ring, ring.password); err != nil {
		t.Fatalf("UseKeyring: %v", err)
	}

	wantDeviceKey := [16]byte{}
	for i := range wantDeviceKey {
		wantDeviceKey[i] = 0xE1
	}
	if got := ks.DeviceToolKeys()[device]; got != wantDeviceKey {
		t.Fatalf("DeviceToolKeys()[%v] = %v, want %v", device, got, wantDeviceKey)
	}

	wantG1 := map[IndividualAddress]struct{}{device: {}}
	if got := ks.GroupSenders()[g1]; !reflect.DeepEqual(got, wantG1) {
		t.Fatalf("GroupSenders()[g1] = %v, want %v (interface's own address must be filtered)", got, wantG1)
	}

	wantG2 := map[IndividualAddress]struct{}{otherDevice: {}}
	if got := ks.GroupSenders()[g2]; !reflect.DeepEqual(got, wantG2) {
		t.Fatalf("GroupSenders()[g2] = %v, want %v", got, wantG2)
	}

	wantSnapshot := map[IndividualAddress]struct{}{device: {}, iface: {}}
	if got := ks.SendersByInterface()[iface][g1]; !reflect.DeepEqual(got, wantSnapshot) {
		t.Fatalf("SendersByInterface()[iface][g1] = %v, want %v (unfiltered, keeps own address)", got, wantSnapshot)
	}
}

func TestUseKeyringWrongPasswordLeavesKeystoreUntouched(t *testing.T) {
	ring := buildScenarioKeyring()
	ks := New(nil)
	if err := ks.UseKeyring(ring, ring.password); err != nil {
		t.Fatalf("UseKeyring: %v", err)
	}
	before := ks.DeviceToolKeys()

	err := ks.UseKeyring(ring, "wrong password")
	if !errors.Is(err, knxerrors.ErrKeyringSignatureMismatch) {
		t.Fatalf("expected ErrKeyringSignatureMismatch, got %v", err)
	}
	if got := ks.DeviceToolKeys(); !reflect.DeepEqual(got, before) {
		t.Fatalf("keystore mutated after failed UseKeyring: got %v, want %v", got, before)
	}
}

func TestUseKeyringIsIdempotent(t *testing.T) {
	ring := buildScenarioKeyring()
	ks := New(nil)

	if err := ks.UseKeyring(ring, ring.password); err != nil {
		t.Fatalf("first UseKeyring: %v", err)
	}
	first := ks.GroupSenders()

	if err := ks.UseKeyring(ring, ring.password); err != nil {
		t.Fatalf("second UseKeyring: %v", err)
	}
	second := ks.GroupSenders()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("UseKeyring not idempotent: %v != %v", first, second)
	}
}

func TestDefaultReturnsSameInstance(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default() returned different instances across calls")
	}
}
