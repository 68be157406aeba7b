// Package machineid derives a stable, per-host, non-reversible
// identifier used to fill the NSID EDNS(0) option.
package machineid

import (
	"encoding/hex"
	"os"
	"runtime"
	"sync"

	"github.com/zeebo/blake3"
)

// Source provides a stable per-host identity seed. It is the environment
// dependency the Reply Finalizer uses to derive the NSID value; production
// code uses Host, tests use a fixed stub (see machineidtest).
type Source interface {
	// Seed returns bytes that are stable across restarts on the same host,
	// but need not be secret or human-readable.
	Seed() []byte
}

// Host reads host identity from the usual Linux machine-id location,
// falling back to hostname+OS when unavailable (e.g. containers without
// /etc/machine-id, or non-Linux platforms).
type Host struct {
	once sync.Once
	seed []byte
}

// Seed implements Source.
func (h *Host) Seed() []byte {
	h.once.Do(func() {
		if b, err := os.ReadFile("/etc/machine-id"); err == nil && len(b) > 0 {
			h.seed = b
			return
		}
		hostname, _ := os.Hostname()
		h.seed = []byte(hostname + "/" + runtime.GOOS + "/" + runtime.GOARCH)
	})
	return h.seed
}

// AppSpecificID derives a stable, non-reversible, per-host identifier by
// hashing the source's seed together with a fixed 16-byte application
// salt. Distinct salts derive unlinkable identifiers from the same host
// seed, matching the "machine_app_specific_id(salt16)" contract in the
// spec's external-interfaces section.
func AppSpecificID(src Source, salt [16]byte) string {
	h := blake3.New()
	_, _ = h.Write(salt[:])
	_, _ = h.Write(src.Seed())
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:16])
}

// NSIDSalt is the fixed application-specific salt used to derive the NSID
// identifier advertised by the primary listener.
var NSIDSalt = [16]byte{
	0x64, 0x6e, 0x73, 0x73, 0x74, 0x75, 0x62, 0x2d,
	0x6e, 0x73, 0x69, 0x64, 0x2d, 0x76, 0x31, 0x00,
}

// NSIDDomain returns the "<id>.resolved.example" NSID value derived from
// src using NSIDSalt.
func NSIDDomain(src Source) string {
	return AppSpecificID(src, NSIDSalt) + ".resolved.example"
}
