package mdmbridge

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		tp      Transport
		config  *Config
		wantErr error
	}{
		{"nil transport", nil, nil, ErrConfigRequired},
		{"defaults", NewMockTransport(), nil, nil},
		{"rx high not above pool", NewMockTransport(), &Config{PoolSize: 8, RxHighWater: 8, RxLowWater: 2}, ErrInvalidConfig},
		{"tx low above high", NewMockTransport(), &Config{TxHighWater: 4, TxLowWater: 6}, ErrInvalidConfig},
		{"negative pool", NewMockTransport(), &Config{PoolSize: -1}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.tp, tt.config)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if err == nil && r == nil {
				t.Fatal("nil registry without error")
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	cfg := r.Config()
	if cfg.PoolSize != 8 || cfg.BufferSize != DefaultBufferSize {
		t.Errorf("unexpected pool defaults %+v", cfg)
	}
	if cfg.TxHighWater != 500 || cfg.TxLowWater != 400 || cfg.RxHighWater != 500 || cfg.RxLowWater != 400 {
		t.Errorf("unexpected watermark defaults %+v", cfg)
	}
	if cfg.DrainTimeout != 2*time.Second {
		t.Errorf("unexpected drain timeout %v", cfg.DrainTimeout)
	}
}

func TestChannelID_String(t *testing.T) {
	tests := []struct {
		id       ChannelID
		expected string
	}{
		{ChannelDUN, "dun"},
		{ChannelRmnet, "rmnet"},
		{ChannelID(5), "channel-5"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.expected {
			t.Errorf("got %q, want %q", got, tt.expected)
		}
	}
}

func TestRegistry_InvalidChannel(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	c := NewMockConsumer()

	if err := r.Open(c.Port(ChannelID(2))); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("Open: expected ErrInvalidChannel, got %v", err)
	}
	if err := r.Close(-1); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("Close: expected ErrInvalidChannel, got %v", err)
	}
	if _, err := r.Stats(MaxChannels); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("Stats: expected ErrInvalidChannel, got %v", err)
	}
	if err := r.Open(nil); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("Open(nil): expected ErrConfigRequired, got %v", err)
	}
}

func TestRegistry_NotOpen(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Close", func() error { return r.Close(ChannelDUN) }},
		{"CloseControl", func() error { return r.CloseControl(ChannelDUN) }},
		{"CloseData", func() error { return r.CloseData(ChannelDUN) }},
		{"Write", func() error { return r.Write(ChannelDUN, []byte("AT"), nil) }},
		{"SetControlBits", func() error { return r.SetControlBits(ChannelDUN, LineDTR) }},
		{"Transmit", func() error { return r.Transmit(ChannelDUN, r.NewBuffer([]byte("x")), nil) }},
		{"UnthrottleRx", func() error { return r.UnthrottleRx(ChannelDUN) }},
		{"InboundBits", func() error {
			_, err := r.InboundBits(ChannelDUN)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrNotOpen) {
				t.Errorf("expected ErrNotOpen, got %v", err)
			}
		})
	}
}

func TestRegistry_OpenClose(t *testing.T) {
	r, tp := newTestRegistry(t, &Config{PoolSize: 4})
	c := NewMockConsumer()

	if err := r.Open(c.Port(ChannelDUN)); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.Open(c.Port(ChannelDUN)); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected ErrAlreadyOpen, got %v", err)
	}
	// Channels are independent.
	if err := r.Open(c.Port(ChannelRmnet)); err != nil {
		t.Fatalf("Open rmnet failed: %v", err)
	}

	st, _ := r.Stats(ChannelDUN)
	if !st.Ctrl.Open || !st.Data.Open {
		t.Errorf("expected both planes open, got %+v", st)
	}
	if n := len(tp.Pending(ChannelRmnet, PipeBulkIn)); n != 4 {
		t.Errorf("rmnet has %d reads armed", n)
	}

	if err := r.Close(ChannelDUN); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(ChannelDUN); !errors.Is(err, ErrNotOpen) {
		t.Errorf("second Close: expected ErrNotOpen, got %v", err)
	}
	if n := len(tp.Pending(ChannelDUN, PipeBulkIn)) + len(tp.Pending(ChannelDUN, PipeInterrupt)); n != 0 {
		t.Errorf("%d dun operations outstanding after close", n)
	}
	if err := r.Close(ChannelRmnet); err != nil {
		t.Fatal(err)
	}
	checkNoLeaks(t, r)
}

func TestRegistry_OpenChecksBothPlanes(t *testing.T) {
	r, tp := newTestRegistry(t, nil)
	c := NewMockConsumer()

	if err := r.OpenData(c.Port(ChannelDUN)); err != nil {
		t.Fatal(err)
	}
	if err := r.Open(c.Port(ChannelDUN)); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
	st, _ := r.Stats(ChannelDUN)
	if st.Ctrl.Open {
		t.Error("control plane opened by a failed Open")
	}
	if n := tp.Submits(PipeInterrupt); n != 0 {
		t.Errorf("failed Open submitted %d interrupt reads", n)
	}
	if err := r.Close(ChannelDUN); err != nil {
		t.Fatal(err)
	}

	// A held control plane is left working.
	if err := r.OpenControl(c.Port(ChannelDUN)); err != nil {
		t.Fatal(err)
	}
	if err := r.Open(c.Port(ChannelDUN)); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
	if err := r.Write(ChannelDUN, []byte("AT\r"), nil); err != nil {
		t.Errorf("Write after failed Open: %v", err)
	}
	st, _ = r.Stats(ChannelDUN)
	if !st.Ctrl.Open || st.Data.Open {
		t.Errorf("unexpected planes after failed Open %+v", st)
	}
	if err := r.Close(ChannelDUN); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry_ControlLossLosesChannel(t *testing.T) {
	r, tp := newTestRegistry(t, &Config{PoolSize: 2, RxRetryLimit: 2, RxRetryDelay: time.Millisecond})
	c := NewMockConsumer()
	if err := r.Open(c.Port(ChannelDUN)); err != nil {
		t.Fatal(err)
	}

	// The interrupt read completes and cannot be re-armed.
	tp.SetSubmitErr(PipeInterrupt, ErrTransportBusy)
	tp.CompleteRead(tp.Pending(ChannelDUN, PipeInterrupt)[0],
		EncodeNotification(NotificationSerialState, 0, EncodeSerialState(LineDSR)))
	waitFor(t, "channel lost", func() bool { return c.HasError(ErrChannelLost) })

	st, _ := r.Stats(ChannelDUN)
	if !st.Ctrl.Lost || !st.Data.Lost {
		t.Fatalf("expected both planes lost, got %+v", st)
	}
	if n := c.ErrorCount(ErrChannelLost); n != 1 {
		t.Errorf("ErrChannelLost reported %d times", n)
	}
	if n := len(tp.Pending(ChannelDUN, PipeBulkIn)); n != 0 {
		t.Errorf("%d bulk reads left armed", n)
	}
	buf := r.NewBuffer([]byte("x"))
	if err := r.Transmit(ChannelDUN, buf, nil); !errors.Is(err, ErrChannelLost) {
		t.Errorf("Transmit: expected ErrChannelLost, got %v", err)
	}
	r.Allocator().Free(buf)
	if err := r.Write(ChannelDUN, []byte("AT\r"), nil); !errors.Is(err, ErrChannelLost) {
		t.Errorf("Write: expected ErrChannelLost, got %v", err)
	}
	if bits, err := r.InboundBits(ChannelDUN); bits != LineDSR || !errors.Is(err, ErrChannelLost) {
		t.Errorf("InboundBits = %v, %v", bits, err)
	}

	tp.SetSubmitErr(PipeInterrupt, nil)
	if err := r.Open(c.Port(ChannelDUN)); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	st, _ = r.Stats(ChannelDUN)
	if !st.Ctrl.Open || !st.Data.Open || st.Ctrl.State != RxWait {
		t.Errorf("unexpected planes after reopen %+v", st)
	}
	if err := r.Write(ChannelDUN, []byte("AT\r"), nil); err != nil {
		t.Errorf("Write after reopen: %v", err)
	}
	if err := r.Close(ChannelDUN); err != nil {
		t.Fatal(err)
	}
	checkNoLeaks(t, r)
}

func TestRegistry_DataLossLosesChannel(t *testing.T) {
	r, tp := newTestRegistry(t, &Config{PoolSize: 2})
	c := NewMockConsumer()
	if err := r.Open(c.Port(ChannelDUN)); err != nil {
		t.Fatal(err)
	}

	tp.Complete(tp.Pending(ChannelDUN, PipeBulkIn)[0], StatusNoDevice, 0)

	st, _ := r.Stats(ChannelDUN)
	if !st.Ctrl.Lost || !st.Data.Lost {
		t.Fatalf("expected both planes lost, got %+v", st)
	}
	if n := c.ErrorCount(ErrChannelLost); n != 1 {
		t.Errorf("ErrChannelLost reported %d times", n)
	}
	if tp.Outstanding() != 0 {
		t.Errorf("%d operations outstanding", tp.Outstanding())
	}
	if err := r.SetControlBits(ChannelDUN, LineDTR); !errors.Is(err, ErrChannelLost) {
		t.Errorf("SetControlBits: expected ErrChannelLost, got %v", err)
	}
	if err := r.Close(ChannelDUN); err != nil {
		t.Fatal(err)
	}
	checkNoLeaks(t, r)
}

func TestRegistry_DisconnectAndReopen(t *testing.T) {
	r, tp := newTestRegistry(t, &Config{PoolSize: 2})
	c := NewMockConsumer()
	if err := r.Open(c.Port(ChannelDUN)); err != nil {
		t.Fatal(err)
	}

	var pending error
	if err := r.Write(ChannelDUN, []byte("AT\r"), func(err error) { pending = err }); err != nil {
		t.Fatal(err)
	}
	if err := r.Disconnect(ChannelDUN); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if !errors.Is(pending, ErrCancelled) {
		t.Errorf("pending write got %v", pending)
	}
	if n := c.ErrorCount(ErrChannelLost); n != 1 {
		t.Errorf("ErrChannelLost reported %d times", n)
	}
	if tp.Outstanding() != 0 {
		t.Errorf("%d operations outstanding after disconnect", tp.Outstanding())
	}

	if err := r.Write(ChannelDUN, []byte("AT\r"), nil); !errors.Is(err, ErrChannelLost) {
		t.Errorf("Write: expected ErrChannelLost, got %v", err)
	}
	buf := r.NewBuffer([]byte("x"))
	if err := r.Transmit(ChannelDUN, buf, nil); !errors.Is(err, ErrChannelLost) {
		t.Errorf("Transmit: expected ErrChannelLost, got %v", err)
	}
	r.Allocator().Free(buf)
	st, _ := r.Stats(ChannelDUN)
	if !st.Ctrl.Lost || !st.Data.Lost {
		t.Errorf("expected lost planes, got %+v", st)
	}

	if err := r.Open(c.Port(ChannelDUN)); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if n := len(tp.Pending(ChannelDUN, PipeBulkIn)); n != 2 {
		t.Errorf("expected 2 reads after reopen, got %d", n)
	}
	if err := r.Close(ChannelDUN); err != nil {
		t.Fatal(err)
	}
	checkNoLeaks(t, r)
}

func TestRegistry_WriteSync(t *testing.T) {
	r, tp := newTestRegistry(t, nil)
	c := NewMockConsumer()
	if err := r.OpenControl(c.Port(ChannelDUN)); err != nil {
		t.Fatal(err)
	}
	defer r.CloseControl(ChannelDUN)

	result := make(chan error, 1)
	go func() {
		result <- r.WriteSync(context.Background(), ChannelDUN, []byte("ATZ\r"))
	}()
	waitFor(t, "control write", func() bool { return len(tp.Pending(ChannelDUN, PipeControlOut)) == 1 })
	tp.Complete(tp.Pending(ChannelDUN, PipeControlOut)[0], StatusOK, 12)
	if err := <-result; err != nil {
		t.Errorf("WriteSync failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.WriteSync(ctx, ChannelDUN, []byte("ATZ\r")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestSubmitError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no device", ErrNoDevice, ErrChannelLost},
		{"busy", ErrTransportBusy, ErrTransportBusy},
		{"other", errors.New("boom"), ErrTransportBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := submitError(tt.in); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}
