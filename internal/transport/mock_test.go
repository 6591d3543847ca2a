package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockScanFilter(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	adv, err := m.Scan(ctx, Filter{Address: "aa:bb:cc:dd:ee:ff"})
	if err != nil {
		t.Fatalf("address scan: %v", err)
	}
	if adv.Name != "BLEDOM-MOCK" {
		t.Errorf("got %q", adv.Name)
	}

	if _, err := m.Scan(ctx, Filter{Address: "11:22:33:44:55:66"}); !errors.Is(err, ErrScanTimeout) {
		t.Errorf("wrong address: got %v, want scan timeout", err)
	}

	if _, err := m.Scan(ctx, Filter{NameKeywords: DefaultNameKeywords}); err != nil {
		t.Errorf("keyword scan: %v", err)
	}
	if _, err := m.Scan(ctx, Filter{NameKeywords: []string{"SPEAKER"}}); !errors.Is(err, ErrScanTimeout) {
		t.Errorf("unmatched keyword: got %v, want scan timeout", err)
	}

	if m.ScanCount() != 4 {
		t.Errorf("scan count %d, want 4", m.ScanCount())
	}
}

func TestMockRecordsWrites(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	conn, err := m.Connect(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	frame := []byte{0x7E, 0x01, 0x02}
	if err := conn.Write(ctx, "0000fff3-0000-1000-8000-00805f9b34fb", frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame[0] = 0xFF // recorded copy must not alias the caller's slice

	last, ok := m.LastWrite()
	if !ok {
		t.Fatal("no write recorded")
	}
	if last.Frame[0] != 0x7E {
		t.Error("recorded frame aliases caller buffer")
	}
	if last.Characteristic != "0000fff3-0000-1000-8000-00805f9b34fb" {
		t.Errorf("characteristic %q", last.Characteristic)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Write(ctx, "x", []byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("write after close: got %v", err)
	}
}

func TestMockFailureInjection(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	conn, err := m.Connect(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	boom := errors.New("boom")
	m.FailWrites(2, boom)
	for i := 0; i < 2; i++ {
		if err := conn.Write(ctx, "c", []byte{1}); !errors.Is(err, boom) {
			t.Fatalf("write %d: got %v, want injected error", i, err)
		}
	}
	if err := conn.Write(ctx, "c", []byte{1}); err != nil {
		t.Fatalf("write after budget: %v", err)
	}
	if len(m.Writes()) != 1 {
		t.Errorf("failed writes were recorded: %d", len(m.Writes()))
	}

	m.FailRSSI(boom)
	if _, err := conn.RSSI(ctx); !errors.Is(err, boom) {
		t.Errorf("rssi: got %v", err)
	}
	m.FailRSSI(nil)
	m.SetRSSI(-51)
	if v, _ := conn.RSSI(ctx); v != -51 {
		t.Errorf("rssi %d, want -51", v)
	}
}

func TestMockHonorsContext(t *testing.T) {
	m := NewMock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	if _, err := m.Scan(ctx, Filter{Address: "AA:BB:CC:DD:EE:FF"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("scan: got %v", err)
	}
	if _, err := m.Connect(ctx, "AA:BB:CC:DD:EE:FF"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("connect: got %v", err)
	}
}
