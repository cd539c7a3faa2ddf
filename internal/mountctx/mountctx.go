// Package mountctx attaches the caller's identity to UDisks2 mount options
// so the mount point and file ownership belong to the caller.
package mountctx

import (
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/storage-dispatcher/internal/caller"
)

// UDisks2 mount option keys.
const (
	// OptionAsUser makes UDisks2 create the mount point under
	// /run/media/<user> instead of a root-owned location.
	OptionAsUser = "as-user"
	// OptionUID makes filesystems without ownership (vfat, exfat, ntfs)
	// present every file as owned by this uid.
	OptionUID = "uid"
)

// Apply returns a copy of opts carrying c's identity. Identity keys supplied
// by the client are always dropped so callers cannot mount on behalf of
// somebody else. When c has no username the mount falls back to UDisks2
// defaults.
func Apply(opts map[string]dbus.Variant, c caller.Info) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(opts)+2)
	for k, v := range opts {
		if k == OptionAsUser || k == OptionUID {
			slog.Debug("dropping client-supplied mount identity option", "option", k, "sender", c.Sender)
			continue
		}
		out[k] = v
	}

	if !c.HasUsername() {
		slog.Debug("caller has no username, mounting with default ownership", "uid", c.UID)
		return out
	}

	out[OptionAsUser] = dbus.MakeVariant(c.Username)
	out[OptionUID] = dbus.MakeVariant(c.UID)
	return out
}
