package stm32boot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// DefaultReadTimeout bounds each read of a serial response.
const DefaultReadTimeout = 5 * time.Second

type streamBootloader struct {
	open func() (io.ReadWriteCloser, error)
	port io.ReadWriteCloser
}

// NewSerialBootloader creates a new bootloader using the serial transport.
func NewSerialBootloader(port string, baud int) (Bootloader, error) {
	if port == "" {
		return nil, errors.New("no serial port given")
	}
	config := serial.Config{
		Name:        port,
		Baud:        baud,
		ReadTimeout: DefaultReadTimeout,
	}
	b := &streamBootloader{
		open: func() (io.ReadWriteCloser, error) {
			p, err := serial.OpenPort(&config)
			if err != nil {
				return nil, err
			}
			// On Linux with USB serial ports, in order for flush to work properly
			// we need to delay a little before flushing to make sure that any
			// received data has made its way up the driver stack.
			// See https://stackoverflow.com/questions/13013387/clearing-the-serial-ports-buffer
			time.Sleep(time.Millisecond * 100)
			p.Flush()
			return p, nil
		},
	}
	return b, nil
}

// NewStreamBootloader creates a bootloader that talks over an already open
// stream, such as a pipe or a network connection. Disconnect closes it.
func NewStreamBootloader(rwc io.ReadWriteCloser) Bootloader {
	return &streamBootloader{
		open: func() (io.ReadWriteCloser, error) { return rwc, nil },
	}
}

func (b *streamBootloader) Connect() error {
	port, err := b.open()
	if err != nil {
		return err
	}
	b.port = port
	return nil
}

func (b *streamBootloader) Disconnect() {
	if b.port != nil {
		b.port.Close()
		b.port = nil
	}
}

// recv reads exactly count bytes. On failure the bytes received so far are
// returned along with the error.
func (b *streamBootloader) recv(count int) ([]byte, error) {
	resp := make([]byte, 0, count)
	buf := make([]byte, count)
	for len(resp) < count {
		n, err := b.port.Read(buf[:count-len(resp)])
		resp = append(resp, buf[:n]...)
		if err != nil && len(resp) < count {
			return resp, err
		}
	}
	return resp, nil
}

// recvLines reads until n newline characters have been received.
func (b *streamBootloader) recvLines(n int) ([]byte, error) {
	var resp []byte
	for bytes.Count(resp, []byte{'\n'}) < n {
		c, err := b.recv(1)
		if err != nil {
			return resp, err
		}
		resp = append(resp, c...)
	}
	return resp, nil
}

func (b *streamBootloader) send(cmd Command) ([]byte, error) {
	if b.port == nil {
		return nil, errors.New("not connected")
	}
	tx := cmd.GetBytes()
	pkgLog.Debugf("tx %v: % X", cmd.Opcode, tx)
	if _, err := b.port.Write(tx); err != nil {
		return nil, errors.Wrap(err, "write failed")
	}

	if cmd.ExpectsAck() {
		code, err := b.recv(1)
		if err != nil {
			return nil, errors.Wrap(err, "no acknowledgement")
		}
		switch code[0] {
		case ACK:
		case NACK:
			reason, err := b.recv(1)
			if err != nil {
				return nil, errors.Wrap(err, "incomplete NACK")
			}
			return nil, &NackError{Op: cmd.Opcode, Code: reason[0]}
		default:
			return nil, fmt.Errorf("unexpected response %#02x", code[0])
		}
	}

	resp := []byte{}
	if cmd.GetResponseLength() > 0 {
		var err error
		resp, err = b.recv(cmd.GetResponseLength())
		if err != nil {
			// A refused read is answered with NACK and a code instead of data.
			if len(resp) == 2 && resp[0] == NACK {
				return nil, &NackError{Op: cmd.Opcode, Code: resp[1]}
			}
			return nil, err
		}
	}
	pkgLog.Debugf("rx %v: % X", cmd.Opcode, resp)
	return resp, nil
}

func (b *streamBootloader) GetInfo() (Identity, error) {
	if _, err := b.send(NewGetInfoCommand()); err != nil {
		return Identity{}, errors.Wrap(err, "get info failed")
	}
	resp, err := b.recvLines(InfoLines)
	if err != nil {
		return Identity{}, errors.Wrap(err, "get info failed")
	}
	id, err := ParseInfo(resp)
	if err != nil {
		return Identity{}, errors.Wrap(err, "failed to parse GetInfo response")
	}
	return id, nil
}

func (b *streamBootloader) FlashUnlock() error {
	_, err := b.send(NewFlashUnlockCommand())
	return errors.Wrap(err, "flash unlock failed")
}

func (b *streamBootloader) FlashLock() error {
	_, err := b.send(NewFlashLockCommand())
	return errors.Wrap(err, "flash lock failed")
}

func (b *streamBootloader) FlashProgram(address uint32, data []byte) error {
	if len(data) > BlockSize {
		return fmt.Errorf("flash program failed: %d bytes exceeds the %d byte block", len(data), BlockSize)
	}
	_, err := b.send(NewFlashProgramCommand(address, data))
	return errors.Wrapf(err, "flash program at %#08x failed", address)
}

func (b *streamBootloader) FlashRead(address uint32) ([]byte, error) {
	resp, err := b.send(NewFlashReadCommand(address))
	if err != nil {
		return nil, errors.Wrapf(err, "flash read at %#08x failed", address)
	}
	return resp, nil
}

func (b *streamBootloader) FlashErase(sector, count uint8) error {
	_, err := b.send(NewFlashEraseCommand(sector, count))
	return errors.Wrapf(err, "flash erase of %d sectors from %d failed", count, sector)
}

func (b *streamBootloader) FlashMassErase() error {
	_, err := b.send(NewFlashMassEraseCommand())
	return errors.Wrap(err, "flash mass erase failed")
}

func (b *streamBootloader) FlashCopy(src, dest, size uint32) error {
	_, err := b.send(NewFlashCopyCommand(src, dest, size))
	return errors.Wrapf(err, "flash copy %#08x -> %#08x failed", src, dest)
}

func (b *streamBootloader) TransferControl(address uint32) error {
	_, err := b.send(NewTransferControlCommand(address))
	return errors.Wrap(err, "transfer control failed")
}

func (b *streamBootloader) OptionBytesUnlock() error {
	_, err := b.send(NewOptionBytesUnlockCommand())
	return errors.Wrap(err, "option bytes unlock failed")
}

func (b *streamBootloader) OptionBytesLock() error {
	_, err := b.send(NewOptionBytesLockCommand())
	return errors.Wrap(err, "option bytes lock failed")
}

func (b *streamBootloader) OptionBytesRead() (uint32, error) {
	resp, err := b.send(NewOptionBytesReadCommand())
	if err != nil {
		return 0, errors.Wrap(err, "option bytes read failed")
	}
	return binary.LittleEndian.Uint32(resp), nil
}

func (b *streamBootloader) WriteProtect(sector uint8) error {
	_, err := b.send(NewWriteProtectCommand(sector))
	return errors.Wrapf(err, "write protect of sector %d failed", sector)
}

func (b *streamBootloader) WriteUnprotect(sector uint8) error {
	_, err := b.send(NewWriteUnprotectCommand(sector))
	return errors.Wrapf(err, "write unprotect of sector %d failed", sector)
}
