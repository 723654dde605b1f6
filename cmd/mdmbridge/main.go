package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aymanbagabas/go-pty"
	flags "github.com/jessevdk/go-flags"

	"github.com/jaracil/mdmbridge"
	"github.com/jaracil/mdmbridge/serialtp"
	"github.com/jaracil/mdmbridge/simmodem"
	"github.com/jaracil/mdmbridge/ttyat"
)

// Options are the command line options.
type Options struct {
	Transport    string        `short:"t" long:"transport" description:"Modem transport" choice:"serial" choice:"sim" default:"sim"`
	Device       string        `short:"d" long:"device" description:"Serial device of the modem" default:"/dev/ttyUSB0"`
	Baud         int           `short:"b" long:"baud" description:"Serial baud rate" default:"115200"`
	PoolSize     int           `long:"pool-size" description:"Rx reads kept armed per channel" default:"8"`
	TxHigh       int           `long:"tx-high" description:"Tx throttle high watermark" default:"500"`
	TxLow        int           `long:"tx-low" description:"Tx throttle low watermark" default:"400"`
	RxHigh       int           `long:"rx-high" description:"Rx queue high watermark" default:"500"`
	RxLow        int           `long:"rx-low" description:"Rx queue low watermark" default:"400"`
	DrainTimeout time.Duration `long:"drain-timeout" description:"Close drain timeout" default:"2s"`
	Timestamps   bool          `long:"timestamps" description:"Record the timestamp debug log and dump it on exit"`
	Stats        time.Duration `long:"stats" description:"Log channel statistics at this interval (0 disables)" default:"0s"`
	LogLevel     string        `long:"log-level" description:"Log level" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"warn"`
	LogJSON      bool          `long:"log-json" description:"Log in JSON format"`
	Pty          string        `long:"pty" description:"Pseudo-terminal implementation" choice:"native" choice:"portable" default:"native"`
	Console      bool          `long:"console" description:"Use the controlling terminal instead of a pty"`
}

func (o *Options) bridgeConfig() *mdmbridge.Config {
	return &mdmbridge.Config{
		PoolSize:     o.PoolSize,
		TxHighWater:  o.TxHigh,
		TxLowWater:   o.TxLow,
		RxHighWater:  o.RxHigh,
		RxLowWater:   o.RxLow,
		DrainTimeout: o.DrainTimeout,
		Timestamps:   o.Timestamps,
	}
}

func setupLogging(o *Options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.LogLevel)); err != nil {
		return err
	}
	if o.LogJSON {
		mdmbridge.SetLogFormat(mdmbridge.LogFormatJSON, os.Stderr)
	}
	mdmbridge.SetLogLevel(level)
	return nil
}

func dialHook(_ *simmodem.Modem, number string) simmodem.RetCode {
	mdmbridge.LogInfo(mdmbridge.ComponentTransport, "sim dial", "number", number)
	return simmodem.RetCodeConnect
}

func commandHook(_ *simmodem.Modem, cmd simmodem.Command) simmodem.RetCode {
	mdmbridge.LogDebug(mdmbridge.ComponentTransport, "sim command", "name", cmd.Name, "num", cmd.Num,
		"assign", cmd.Assign, "query", cmd.Query, "value", cmd.Value)
	return simmodem.RetCodeSkip
}

func openTransport(o *Options) (mdmbridge.Transport, io.Closer, error) {
	switch o.Transport {
	case "serial":
		tp, err := serialtp.Open(o.Device, o.Baud, nil)
		if err != nil {
			return nil, nil, err
		}
		return tp, tp, nil
	default:
		sim := simmodem.New(&simmodem.Config{
			ConnectStr:  fmt.Sprintf("CONNECT %d", o.Baud),
			DialHook:    dialHook,
			CommandHook: commandHook,
		})
		return sim, sim, nil
	}
}

// openTTY returns the stream exposed to the user and its name.
func openTTY(ctx context.Context, o *Options, reg *mdmbridge.Registry) (io.ReadWriteCloser, string, error) {
	switch {
	case o.Console:
		c, err := NewConsole()
		if err != nil {
			return nil, "", err
		}
		return c, "console", nil
	case o.Pty == "portable":
		p, err := pty.New()
		if err != nil {
			return nil, "", err
		}
		return p, p.Name(), nil
	default:
		p, err := NewPty()
		if err != nil {
			return nil, "", err
		}
		go p.WatchHangup(ctx, 500*time.Millisecond, func(hup bool) {
			// A client closing the pty hangs up like a serial line with HUPCL.
			bits := mdmbridge.LineDTR | mdmbridge.LineRTS
			if hup {
				bits = 0
			}
			if err := reg.SetControlBits(mdmbridge.ChannelDUN, bits); err != nil {
				mdmbridge.LogDebug(mdmbridge.ComponentTTY, "set lines failed", "error", err)
			}
		})
		return p, p.Name(), nil
	}
}

func logStats(ctx context.Context, reg *mdmbridge.Registry, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := reg.Stats(mdmbridge.ChannelDUN)
		if err != nil {
			continue
		}
		mdmbridge.LogInfo(mdmbridge.ComponentRegistry, "stats",
			"ctrl_state", st.Ctrl.State, "lines", st.Ctrl.InboundBits,
			"to_host", st.Data.ToHost, "to_modem", st.Data.ToModem,
			"pending_tx", st.Data.PendingTx, "queued", st.Data.Queued,
			"tx_dropped", st.Data.TxDropped, "rx_dropped", st.Data.RxDropped)
	}
}

func run(o *Options) error {
	if err := setupLogging(o); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, closer, err := openTransport(o)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg, err := mdmbridge.New(tp, o.bridgeConfig())
	if err != nil {
		return err
	}

	tty, name, err := openTTY(ctx, o, reg)
	if err != nil {
		return err
	}
	port, err := ttyat.New(reg, tty, nil)
	if err != nil {
		tty.Close()
		return err
	}
	if err := port.Open(); err != nil {
		tty.Close()
		return err
	}
	if !o.Console {
		fmt.Printf("tty path: %s\r\n", name)
	}
	if o.Stats > 0 {
		go logStats(ctx, reg, o.Stats)
	}

	select {
	case <-ctx.Done():
	case <-port.Done():
	}
	err = port.Close()
	if errors.Is(err, mdmbridge.ErrTimeout) {
		mdmbridge.LogWarn(mdmbridge.ComponentRegistry, "channel did not drain", "error", err)
		err = nil
	}
	if o.Timestamps {
		for _, line := range reg.Timestamps(mdmbridge.ChannelDUN) {
			fmt.Fprintln(os.Stderr, line)
		}
	}
	return err
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if err := run(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "mdmbridge: %v\n", err)
		os.Exit(1)
	}
}
