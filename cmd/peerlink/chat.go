package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/events"
	"github.com/srg/peerlink/internal/groutine"
	"github.com/srg/peerlink/internal/lua"
)

var chatCmd = &cobra.Command{
	Use:   "chat <device-address>",
	Short: "Exchange text with a peer over a serial link",
	Long: `Connects to a peer and sends every line read from stdin. Messages from the
peer and connection events are printed as they arrive. End of input
disconnects.

With --script, a Lua file can answer on its own. It may define:

  function on_connect(address) return "hello\n" end
  function on_message(address, payload) return "ack: " .. payload end

A string returned from either function is sent to the peer. The script may
also call send(address, data) and print(...).

Example:
  peerlink chat AA:BB:CC:DD:EE:FF
  peerlink chat --script echo.lua AA:BB:CC:DD:EE:FF`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

var (
	chatScript  string
	chatCRLF    bool
	chatHistory bool
)

func init() {
	chatCmd.Flags().StringVar(&chatScript, "script", "", "Lua script with on_connect/on_message handlers")
	chatCmd.Flags().BoolVar(&chatCRLF, "crlf", false, "Terminate sent lines with CRLF instead of LF")
	chatCmd.Flags().BoolVar(&chatHistory, "history", false, "Print the session event history on exit")
	chatCmd.Flags().String("service", device.SerialPortServiceID, "Service UUID to connect to")
	chatCmd.Flags().Duration("timeout", 30*time.Second, "Connection handshake timeout")
}

func runChat(cmd *cobra.Command, args []string) error {
	addr := device.NormalizeAddress(args[0])
	if addr == "" {
		return errors.New("device address is required")
	}

	s, err := openSession(cmd, true)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printer := &eventPrinter{out: out}

	// History is printed after shutdown so it includes the final close
	defer func() {
		s.Close()
		if chatHistory && s.mgr.History() != nil {
			printHistory(out, s.mgr.History())
		}
	}()

	var (
		responder *lua.Responder
		scriptOut <-chan lua.OutputRecord
	)
	if chatScript != "" {
		engine := lua.NewEngine(s.mgr, s.logger)
		defer engine.Close()
		if err := engine.SetGlobal("peer_address", addr); err != nil {
			return err
		}
		if err := engine.LoadScriptFile(chatScript); err != nil {
			return err
		}
		responder = lua.NewResponder(engine, s.mgr, s.logger)
		scriptOut = engine.Output()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.mgr.ConnectTo(addr); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Connecting to %s...\n", addr)

	eol := "\n"
	if chatCRLF {
		eol = "\r\n"
	}

	lines := readLines(ctx, cmd.InOrStdin())
	var input <-chan string // enabled once the link is open
	closing := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-input:
			if !ok {
				input = nil
				closing = true
				if err := s.mgr.Disconnect(addr); err != nil {
					return nil
				}
				continue
			}
			payload := []byte(line + eol)
			if err := s.mgr.SendTo(addr, payload); err != nil {
				printer.Error(err)
				continue
			}
			printer.Sent(addr, payload)

		case rec := <-scriptOut:
			fmt.Fprintf(out, "%s %s\n", colorFaint("lua:"), rec.Content)

		case e, ok := <-s.mgr.Events():
			if !ok {
				return ErrConnectionLost
			}
			if e.Address != addr {
				continue
			}
			printer.Print(e)

			if responder != nil {
				if err := responder.Handle(e); err != nil {
					printer.Error(err)
				}
			}

			switch e.Kind {
			case events.ConnectionOpened:
				peer, known := s.mgr.Lookup(addr)
				if !known {
					peer = device.PeerDevice{Address: addr}
				}
				s.remember(peer, true)
				input = lines
			case events.ConnectionFailed:
				return &device.ConnectFailedError{Address: e.Address, Reason: e.Reason, Err: e.Err}
			case events.ConnectionClosed:
				if closing {
					return nil
				}
				return ErrConnectionLost
			}
		}
	}
}

// readLines delivers stdin lines until EOF or ctx is done, then closes the
// returned channel.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	groutine.Go(ctx, "chat-stdin", func(ctx context.Context) {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	})
	return lines
}

func printHistory(out io.Writer, h *events.History) {
	recent := h.Drain()
	fmt.Fprintf(out, "\n%s (%d recorded, %d overwritten)\n", colorInfo("Event history"), h.Recorded(), h.Overwritten())
	for _, e := range recent {
		fmt.Fprintf(out, "  %s %s\n", e.Time.Format(time.RFC3339), e.String())
	}
}
