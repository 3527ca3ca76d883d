// Package identity generates and caches the local learner identity.
package identity

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oochihiro/pychatcat/internal/filelock"
)

// FileName is the identity file kept in the data directory.
const FileName = "user_identity.json"

// UnknownDevice labels a machine whose hostname cannot be read.
const UnknownDevice = "unknown-device"

// Identity is the learner identity shared by the local store and the
// remote collector.
type Identity struct {
	UserID      string    `json:"user_id"`
	DeviceLabel string    `json:"device_label"`
	CreatedAt   time.Time `json:"created_at"`
}

// Load returns the identity stored at path. A missing or unreadable file
// is replaced by a freshly generated identity. If persisting it fails the
// generated identity is still returned, alongside the error.
func Load(path string) (*Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		var id Identity
		if json.Unmarshal(data, &id) == nil && id.UserID != "" {
			return &id, nil
		}
	}

	id := Generate(time.Now())
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return id, fmt.Errorf("marshal identity: %w", err)
	}
	if err := filelock.LockAndWrite(path, data); err != nil {
		return id, fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

// Generate derives a stable user id from this machine's hardware address
// and host details.
func Generate(now time.Time) *Identity {
	host, _ := os.Hostname()
	label := host
	if label == "" {
		label = UnknownDevice
	}
	return &Identity{
		UserID:      FromSeed(Seed(hardwareAddr(), host, runtime.GOOS)).String(),
		DeviceLabel: label,
		CreatedAt:   now.UTC().Truncate(time.Second),
	}
}

// Seed joins machine attributes into the string hashed by FromSeed.
func Seed(parts ...string) string {
	return strings.Join(parts, "-")
}

// FromSeed returns the name-based (version 5) UUID of seed in the DNS namespace.
func FromSeed(seed string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(seed))
}

func hardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
