// SPDX-License-Identifier: AGPL-3.0-only

package shuffle

import (
	"flag"
	"time"
)

// Config is the configuration surface enumerated in spec §6, a plain struct
// populated through a flag.FlagSet, matching the dskit convention. No
// constructor in this package takes a Config: NewOutputAllocator,
// NewWireFramer and shuffleclient.New receive the individual values.
type Config struct {
	ShuffleBufferFraction          float64
	MaxSingleMemorySegmentFraction float64
	MergeFraction                  float64
	EncryptedTransfer              bool
	IfileReadAhead                 bool
	IfileReadAheadBytes            int
	CompressionCodec               string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// RegisterFlags registers the config's flags, all named with a "shuffle."
// prefix, on f, following the
// same ecosystem convention used throughout the teacher's dskit-based
// modules.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Float64Var(&c.ShuffleBufferFraction, "shuffle.buffer-fraction", 0.90, "Fraction of container memory devoted to shuffle input buffering.")
	f.Float64Var(&c.MaxSingleMemorySegmentFraction, "shuffle.max-single-memory-segment-fraction", 0.25, "Per-attempt memory cap, as a fraction of the shuffle buffer; attempts declaring more land on disk.")
	f.Float64Var(&c.MergeFraction, "shuffle.merge-fraction", 0.90, "Fill threshold at which the merger starts spilling. Has no effect on the fetcher core; reserved for the merger.")
	f.BoolVar(&c.EncryptedTransfer, "shuffle.encrypted-transfer", false, "Use HTTPS for the shuffle connection.")
	f.BoolVar(&c.IfileReadAhead, "shuffle.ifile-read-ahead", true, "Enable reader prefetch for the decompressing reader on memory-bound attempts.")
	f.IntVar(&c.IfileReadAheadBytes, "shuffle.ifile-read-ahead-bytes", 4*1024*1024, "Prefetch buffer size used when ifile-read-ahead is enabled.")
	f.StringVar(&c.CompressionCodec, "shuffle.compression-codec", "", "Codec used to decompress memory-bound attempts (\"\" or \"snappy\"). Disk-bound attempts are always copied verbatim.")
	f.DurationVar(&c.ConnectTimeout, "shuffle.connect-timeout", 30*time.Second, "Timeout for establishing the shuffle HTTP connection.")
	f.DurationVar(&c.ReadTimeout, "shuffle.read-timeout", 3*time.Minute, "Timeout for reading the shuffle response. It is not reset by successful reads.")
}

func defaultConfig() Config {
	var c Config
	c.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return c
}

// MaxSingleMemorySegmentBytes returns the absolute byte cap above which an
// attempt is placed on disk regardless of available budget (spec §4.1).
func (c Config) MaxSingleMemorySegmentBytes(shuffleBufferBytes int64) int64 {
	return int64(float64(shuffleBufferBytes) * c.MaxSingleMemorySegmentFraction)
}
