package flag

import (
	"flag"
	"time"

	"github.com/docker/go-units"
)

var NewFlagSet = flag.NewFlagSet
var ContinueOnError = flag.ContinueOnError
var ErrHelp = flag.ErrHelp
var CommandLine = flag.CommandLine
var Args = flag.Args

type Flag = flag.Flag
type FlagSet = flag.FlagSet

// DefaultFlagSet is where all package-level flags in this module are
// registered. Tests may swap it out to get an isolated set.
var DefaultFlagSet = flag.CommandLine

func Parse() {
	flag.Parse()
}

func String(name string, value string, usage string) *string {
	return DefaultFlagSet.String(name, value, usage)
}

func Bool(name string, value bool, usage string) *bool {
	return DefaultFlagSet.Bool(name, value, usage)
}

func Int(name string, value int, usage string) *int {
	return DefaultFlagSet.Int(name, value, usage)
}

func Int64(name string, value int64, usage string) *int64 {
	return DefaultFlagSet.Int64(name, value, usage)
}

func UInt64(name string, value uint64, usage string) *uint64 {
	return DefaultFlagSet.Uint64(name, value, usage)
}

func Duration(name string, value time.Duration, usage string) *time.Duration {
	return DefaultFlagSet.Duration(name, value, usage)
}

// ByteSize is a size in bytes that accepts human-readable values on the
// command line and in YAML, e.g. "512MB" or "4KiB".
type ByteSize int64

func (b *ByteSize) String() string {
	if b == nil {
		return "0"
	}
	return units.BytesSize(float64(*b))
}

func (b *ByteSize) Set(value string) error {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) Bytes() int64 {
	return int64(*b)
}

// Bytes registers a ByteSize flag. The default is given in bytes.
func Bytes(name string, value int64, usage string) *ByteSize {
	b := ByteSize(value)
	DefaultFlagSet.Var(&b, name, usage)
	return &b
}
