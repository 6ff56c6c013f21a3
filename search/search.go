// Package search narrows the addresses of a value in another process.
//
// Known searches look for an exact value and keep the addresses that still
// hold each newly supplied value. Unknown searches start from a snapshot of
// every readable region and keep the slots that moved in the direction the
// operator asks for.
//
// Scans are not atomic. The target keeps running while its regions are
// read one after another, so a single pass can observe one region before a
// change and another region after it. A region that fails to read is
// skipped and the pass continues; only enumeration failures and a vanished
// process fail the whole call, leaving the previous state untouched.
package search

import (
	"fmt"
	"iter"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/jordhan-carvalho/trainer/system"
)

var (
	// ErrNoSearch is returned by refine, modify and value calls made
	// before an initial search.
	ErrNoSearch = errors.New("no search in progress")

	// ErrNoCandidate is returned by modify and value calls when every
	// candidate has been eliminated.
	ErrNoCandidate = errors.New("no candidate")
)

// Memory is the process memory the engines scan and patch.
// *system.Memory satisfies it.
type Memory interface {
	Regions(system.Policy) iter.Seq2[system.Region, error]
	Read(addr uintptr, n int) ([]byte, error)
	Write(addr uintptr, p []byte) (int, error)
}

// pass counts what one scan or refine did, for logging.
type pass struct {
	name    string
	regions int
	skipped int
	bytes   uint64
}

// read returns the region contents, or nil and no error if the region
// should be skipped. A vanished process is returned as an error.
func (o *pass) read(mem Memory, base uintptr, size int) ([]byte, error) {
	buf, err := mem.Read(base, size)
	if err != nil {
		if errors.Is(err, system.ErrProcessGone) {
			return nil, err
		}

		o.skipped++
		log.WithFields(log.Fields{
			"pass": o.name,
			"base": hexAddr(base),
			"size": size,
		}).WithError(err).Debug("skipping region")
		return nil, nil
	}

	o.regions++
	o.bytes += uint64(len(buf))
	return buf, nil
}

func (o *pass) done(candidates int) {
	log.WithFields(log.Fields{
		"pass":       o.name,
		"regions":    o.regions,
		"skipped":    o.skipped,
		"bytes":      o.bytes,
		"candidates": candidates,
	}).Info("pass complete")
}

func hexAddr(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}
