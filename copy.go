package stm32boot

import "github.com/pkg/errors"

// ErrUnalignedSize is returned when a copy size is not a whole number of
// words.
var ErrUnalignedSize = errors.New("copy size is not a multiple of 4")

// DefaultCopyRetries is the number of times a failed word is reprogrammed
// before a copy is abandoned.
const DefaultCopyRetries = 3

// Copier copies images between flash-mapped addresses one word at a time.
type Copier struct {
	flash   *Flash
	retries int
}

// NewCopier returns a Copier that programs through flash and retries each
// failed word up to retries times.
func NewCopier(flash *Flash, retries int) *Copier {
	if retries < 0 {
		retries = DefaultCopyRetries
	}
	return &Copier{flash: flash, retries: retries}
}

// CopyImage copies size bytes from src to dest. Flash is unlocked once and
// left unlocked, also when the copy is abandoned. A word whose programming
// fails is retried without re-reading the source; once the retries are
// spent the copy stops and the last flash error is returned.
func (c *Copier) CopyImage(src, dest, size uint32) error {
	if size%4 != 0 {
		return errors.Wrapf(ErrUnalignedSize, "copy %d bytes", size)
	}
	if err := c.flash.Unlock(); err != nil {
		return errors.Wrap(err, "copy")
	}

	mem := c.flash.Memory()
	pkgLog.Debugf("copying %d bytes from %#08x to %#08x", size, src, dest)

	var (
		data     uint32
		failures int
		err      error
	)
	for idx := uint32(0); idx < size; {
		if failures == 0 {
			data, err = mem.Word(src + idx)
			if err != nil {
				return errors.Wrap(err, "copy")
			}
		}

		err = c.flash.WriteWord(dest+idx, data)
		if err == nil {
			failures = 0
			idx += 4
			continue
		}

		var addrErr *AddressError
		if errors.As(err, &addrErr) {
			return errors.Wrap(err, "copy")
		}
		failures++
		if failures > c.retries {
			pkgLog.Warnf("copy abandoned at %#08x after %d attempts: %v", dest+idx, failures, err)
			return errors.Wrapf(err, "copy to %#08x", dest+idx)
		}
		pkgLog.Debugf("retrying word at %#08x (attempt %d): %v", dest+idx, failures+1, err)
	}
	return nil
}
