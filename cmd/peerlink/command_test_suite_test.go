package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake peer identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:02"
)

// syncBuffer lets a test poll output written by a running command.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a FakePlatform and a temporary
// known peers store. All cmd/peerlink suites embed it.
type CommandTestSuite struct {
	suite.Suite
	Platform  *testutils.FakePlatform
	StorePath string

	prevFactory func(string, string, *logrus.Logger) (device.Platform, func() error, error)
	prevNoColor bool
}

func (s *CommandTestSuite) SetupTest() {
	s.Platform = testutils.NewFakePlatform()
	s.StorePath = filepath.Join(s.T().TempDir(), "peers.db")

	s.prevFactory = platformFactory
	platformFactory = func(string, string, *logrus.Logger) (device.Platform, func() error, error) {
		return s.Platform, noopClose, nil
	}

	s.prevNoColor = color.NoColor
	color.NoColor = true

	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	if s.prevFactory == nil {
		return // setup was skipped
	}
	platformFactory = s.prevFactory
	color.NoColor = s.prevNoColor
	rootCmd.SetIn(nil)
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
}

// resetFlags restores every flag to its default, since cobra keeps values
// between Execute calls on the same command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	reset(cmd.PersistentFlags())
	reset(cmd.Flags())
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// ExecuteCommand runs the root command with args and the suite store,
// returning stdout and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	out := new(bytes.Buffer)
	err := s.execute(strings.NewReader(""), out, args...)
	return out.String(), err
}

// StartCommand runs the root command in the background with stdin and a
// pollable stdout. The returned channel yields the command error.
func (s *CommandTestSuite) StartCommand(stdin io.Reader, args ...string) (*syncBuffer, <-chan error) {
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- s.execute(stdin, out, args...)
	}()
	return out, done
}

func (s *CommandTestSuite) execute(stdin io.Reader, out io.Writer, args ...string) error {
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--store="+s.StorePath))
	return rootCmd.Execute()
}

// WaitDone waits for a StartCommand result.
func (s *CommandTestSuite) WaitDone(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		s.FailNow("command MUST finish")
		return nil
	}
}
