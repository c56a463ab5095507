package control

import (
	"fmt"
	"net"
	"os"
	"time"
)

// replyTimeout is how long a client waits for the server's reply.
const replyTimeout = 15 * time.Second

// Send delivers one command datagram to the server at sockPath and
// returns the reply payload. Datagram sockets need a bound local address
// to receive the reply, so the client binds a private socket for the
// exchange.
func Send(sockPath, command string) (string, error) {
	local := fmt.Sprintf("%s/.rlinitctl-%d", os.TempDir(), os.Getpid())
	os.Remove(local)

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: local, Net: "unixgram"})
	if err != nil {
		return "", fmt.Errorf("binding reply socket: %w", err)
	}
	defer func() {
		conn.Close()
		os.Remove(local)
	}()

	server := &net.UnixAddr{Name: sockPath, Net: "unixgram"}
	if _, err := conn.WriteToUnix([]byte(command), server); err != nil {
		return "", fmt.Errorf("sending command: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(replyTimeout))

	buf := make([]byte, MaxDatagram)
	n, _, err := conn.ReadFromUnix(buf)
	if err != nil {
		return "", fmt.Errorf("reading reply: %w", err)
	}

	return ParseReply(string(buf[:n]))
}
