package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestServerDeliversEvents(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "dlep-events.sock")
	srv := New(sock, zerolog.Nop())
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the accept loop a moment to register the client.
	time.Sleep(100 * time.Millisecond)

	srv.Publish(Event{
		Kind: DestinationUp,
		Peer: "192.0.2.1:854",
		MAC:  "01:02:03:04:05:06",
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var got Event
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != DestinationUp || got.Peer != "192.0.2.1:854" || got.MAC != "01:02:03:04:05:06" {
		t.Errorf("event: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestNullServerIsHarmless(t *testing.T) {
	srv := NullServer()
	if err := srv.Listen(); err != nil {
		t.Error(err)
	}
	srv.Publish(Event{Kind: PeerUp, Peer: "x"})
	if err := srv.Serve(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "dlep-events.sock")
	srv := New(sock, zerolog.Nop())
	// No Listen/Serve: the channel fills up and further publishes drop.
	for i := 0; i < 500; i++ {
		srv.Publish(Event{Kind: PeerUpdate, Peer: "p"})
	}
}
