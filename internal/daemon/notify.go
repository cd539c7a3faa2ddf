package daemon

import (
	"log/slog"
	"net"
	"os"
	"strings"
)

// SdNotify sends the given assignments (READY=1, STATUS=...) to systemd as
// one datagram. It does nothing outside a notify-type unit. A leading '@'
// in NOTIFY_SOCKET names an abstract socket.
func SdNotify(states ...string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" || len(states) == 0 {
		return
	}
	if strings.HasPrefix(socket, "@") {
		socket = "\x00" + socket[1:]
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		slog.Warn("sd_notify dial failed", "socket", os.Getenv("NOTIFY_SOCKET"), "error", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(strings.Join(states, "\n"))); err != nil {
		slog.Warn("sd_notify write failed", "error", err)
	}
}
