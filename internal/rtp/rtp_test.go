package rtp

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewPoolValidation(t *testing.T) {
	if _, err := NewPool(40001, 40010, testLogger()); err == nil {
		t.Error("odd portMin accepted")
	}
	if _, err := NewPool(40010, 40010, testLogger()); err == nil {
		t.Error("empty range accepted")
	}
}

func TestInstanceStablePort(t *testing.T) {
	pool, err := NewPool(41000, 41019, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	inst, err := pool.NewInstance(testLogger())
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	defer inst.Close()

	if inst.LocalPort()%2 != 0 {
		t.Errorf("rtp port %d is odd", inst.LocalPort())
	}
	if got := pool.AllocatedPortCount(); got != 1 {
		t.Errorf("AllocatedPortCount = %d, want 1", got)
	}
	if got := pool.ActiveInstanceCount(); got != 1 {
		t.Errorf("ActiveInstanceCount = %d, want 1", got)
	}

	// Renegotiation changes the remote, never the local port.
	port := inst.LocalPort()
	if err := inst.SetRemote("127.0.0.1", 41018); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}
	if inst.LocalPort() != port {
		t.Errorf("local port moved from %d to %d", port, inst.LocalPort())
	}
}

func TestInstanceCloseReleasesPort(t *testing.T) {
	pool, err := NewPool(41100, 41103, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	first, err := pool.NewInstance(testLogger())
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	second, err := pool.NewInstance(testLogger())
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}

	// Pool capacity is two pairs; a third allocation must fail.
	if _, err := pool.NewInstance(testLogger()); err == nil {
		t.Error("allocation beyond capacity succeeded")
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Errorf("second Close errored: %v", err)
	}
	if got := pool.AllocatedPortCount(); got != 1 {
		t.Errorf("AllocatedPortCount after release = %d, want 1", got)
	}

	third, err := pool.NewInstance(testLogger())
	if err != nil {
		t.Fatalf("NewInstance after release: %v", err)
	}
	third.Close()
	second.Close()
}

func TestInstanceRoundTrip(t *testing.T) {
	pool, err := NewPool(41200, 41219, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	sender, err := pool.NewInstance(testLogger())
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	defer sender.Close()
	receiver, err := pool.NewInstance(testLogger())
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	defer receiver.Close()

	if err := sender.SetRemote("127.0.0.1", receiver.LocalPort()); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}
	sender.SetPayloadType(0)

	if err := sender.WritePayload(make([]byte, 160), 160); err != nil {
		t.Fatalf("WritePayload: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if receiver.Stats().PacketsReceived > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := receiver.Stats()
	if stats.PacketsReceived != 1 {
		t.Fatalf("PacketsReceived = %d, want 1", stats.PacketsReceived)
	}
	if stats.RemoteSSRC != sender.SSRC() {
		t.Errorf("RemoteSSRC = %d, want sender ssrc %d", stats.RemoteSSRC, sender.SSRC())
	}
	if sent := sender.Stats(); sent.PacketsSent != 1 || sent.BytesSent == 0 {
		t.Errorf("sender stats = %+v, want one packet with bytes", sent)
	}
}

func TestWritePayloadWithoutRemote(t *testing.T) {
	pool, err := NewPool(41300, 41305, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	inst, err := pool.NewInstance(testLogger())
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	defer inst.Close()

	if err := inst.WritePayload([]byte{0}, 160); err == nil {
		t.Error("WritePayload without a remote succeeded")
	}
}
