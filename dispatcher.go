package stm32boot

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Request is one inbound frame. Frame aliases the dispatcher's receive
// buffer and is only valid while the handler runs.
type Request struct {
	Opcode Opcode
	Frame  []byte
}

// Uint32 decodes the little-endian word at off.
func (r *Request) Uint32(off int) uint32 {
	return binary.LittleEndian.Uint32(r.Frame[off:])
}

// Byte returns the byte at off.
func (r *Request) Byte(off int) byte {
	return r.Frame[off]
}

// Response writes a handler's reply to the transport through the
// dispatcher's transmit buffer.
type Response struct {
	w  io.Writer
	tx []byte
}

// Buffer returns the transmit buffer.
func (w *Response) Buffer() []byte {
	return w.tx
}

// Send writes p to the transport unframed.
func (w *Response) Send(p []byte) error {
	_, err := w.w.Write(p)
	return err
}

// Ack sends the acknowledge byte.
func (w *Response) Ack() error {
	w.tx[0] = ACK
	return w.Send(w.tx[:1])
}

// Nack sends the not-acknowledge byte followed by the error code for err.
func (w *Response) Nack(err error) error {
	w.tx[0] = NACK
	w.tx[1] = nackCode(err)
	return w.Send(w.tx[:2])
}

func (w *Response) reply(err error) error {
	if err != nil {
		pkgLog.Debugf("command failed: %v", err)
		return w.Nack(err)
	}
	return w.Ack()
}

func nackCode(err error) byte {
	var r Result
	if errors.As(err, &r) {
		return r.Code()
	}
	return CodeUnknown
}

// errUnknownCommand marks frames that carry no defined command or are too
// short for their command.
var errUnknownCommand = errors.New("unknown or malformed command")

// HandlerFunc processes one request. It must end by acknowledging or
// answering the request itself. Returned errors are transport errors.
type HandlerFunc func(w *Response, r *Request) error

// Dispatcher decodes inbound frames and runs the matching command handler.
// It owns the receive and transmit buffers and is not safe for concurrent
// use: one frame is processed to completion before the next is read.
type Dispatcher struct {
	flash    *Flash
	copier   *Copier
	handoff  *Handoff
	identity Identity

	handlers map[Opcode]HandlerFunc
	lengths  map[Opcode]int

	rx [FrameSize]byte
	tx [FrameSize]byte
}

// New assembles a bootloader for the device behind bus and core.
func New(p Profile, bus Bus, core Core) (*Dispatcher, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	flash := NewFlash(bus, p.Layout, WithPollLimit(p.PollLimit))
	if err := flash.Init(); err != nil {
		return nil, errors.Wrap(err, "flash init")
	}
	return NewDispatcher(
		flash,
		NewCopier(flash, p.CopyRetries),
		NewHandoff(bus, core, p.Layout, p.PollLimit),
		p.Identity,
	), nil
}

// NewDispatcher returns a dispatcher with a handler for every defined
// command.
func NewDispatcher(flash *Flash, copier *Copier, handoff *Handoff, id Identity) *Dispatcher {
	d := &Dispatcher{
		flash:    flash,
		copier:   copier,
		handoff:  handoff,
		identity: id,
	}
	d.handlers = map[Opcode]HandlerFunc{
		OpGetInfo:           d.getInfo,
		OpFlashUnlock:       d.flashUnlock,
		OpFlashLock:         d.flashLock,
		OpFlashProgram:      d.flashProgram,
		OpFlashRead:         d.flashRead,
		OpFlashErase:        d.flashErase,
		OpFlashMassErase:    d.flashMassErase,
		OpFlashCopy:         d.flashCopy,
		OpTransferControl:   d.transferControl,
		OpOptionBytesUnlock: d.optionBytesUnlock,
		OpOptionBytesLock:   d.optionBytesLock,
		OpOptionBytesRead:   d.optionBytesRead,
		OpWriteProtect:      d.writeProtect,
		OpWriteUnprotect:    d.writeUnprotect,
	}
	d.lengths = make(map[Opcode]int)
	return d
}

// Handle registers h for op, replacing any existing handler. length is the
// full frame length, opcode included. A length of 0 keeps the length of a
// defined command and is an error for any other opcode.
func (d *Dispatcher) Handle(op Opcode, length int, h HandlerFunc) error {
	if h == nil {
		return errors.Errorf("nil handler for %v", op)
	}
	if length == 0 {
		n, ok := FrameLength(op)
		if !ok {
			return errors.Errorf("no frame length for %v", op)
		}
		length = n
	}
	if length < 1 || length > FrameSize {
		return errors.Errorf("frame length %d for %v out of range", length, op)
	}
	d.handlers[op] = h
	d.lengths[op] = length
	return nil
}

// Serve reads frames from rw and answers them until rw reports io.EOF.
// Each read blocks until the whole frame for the received opcode has
// arrived.
func (d *Dispatcher) Serve(rw io.ReadWriter) error {
	for {
		if _, err := io.ReadFull(rw, d.rx[:1]); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		op := Opcode(d.rx[0])
		length, ok := d.frameLength(op)
		if !ok {
			pkgLog.Warnf("ignoring %v", op)
			if err := d.nack(rw, errUnknownCommand); err != nil {
				return err
			}
			continue
		}

		if _, err := io.ReadFull(rw, d.rx[1:length]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				pkgLog.Warnf("%v frame cut short", op)
				return d.nack(rw, errUnknownCommand)
			}
			return err
		}

		if err := d.dispatch(rw, length); err != nil {
			return err
		}
	}
}

// ServeFrame processes one complete frame and writes the reply to w. Bytes
// beyond the command's frame length are ignored.
func (d *Dispatcher) ServeFrame(w io.Writer, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	op := Opcode(frame[0])
	length, ok := d.frameLength(op)
	if !ok || len(frame) < length {
		pkgLog.Warnf("ignoring malformed %v frame of %d bytes", op, len(frame))
		return d.nack(w, errUnknownCommand)
	}
	copy(d.rx[:], frame[:length])
	return d.dispatch(w, length)
}

func (d *Dispatcher) frameLength(op Opcode) (int, bool) {
	if _, ok := d.handlers[op]; !ok {
		return 0, false
	}
	if n, ok := d.lengths[op]; ok {
		return n, true
	}
	return FrameLength(op)
}

func (d *Dispatcher) nack(w io.Writer, err error) error {
	resp := &Response{w: w, tx: d.tx[:]}
	return resp.Nack(err)
}

func (d *Dispatcher) dispatch(w io.Writer, length int) error {
	req := &Request{
		Opcode: Opcode(d.rx[0]),
		Frame:  d.rx[:length],
	}
	pkgLog.Debugf("processing %v", req.Opcode)
	return d.handlers[req.Opcode](&Response{w: w, tx: d.tx[:]}, req)
}

func (d *Dispatcher) getInfo(w *Response, r *Request) error {
	for _, block := range infoBlocks(d.identity) {
		if err := w.Send([]byte(block)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) flashUnlock(w *Response, r *Request) error {
	return w.reply(d.flash.Unlock())
}

func (d *Dispatcher) flashLock(w *Response, r *Request) error {
	return w.reply(d.flash.Lock())
}

func (d *Dispatcher) flashProgram(w *Response, r *Request) error {
	addr := r.Uint32(addressOffset)
	for i := 0; i < BlockWords; i++ {
		data := r.Uint32(dataOffset + 4*i)
		if err := d.flash.WriteWord(addr+uint32(4*i), data); err != nil {
			return w.reply(err)
		}
	}
	return w.Ack()
}

func (d *Dispatcher) flashRead(w *Response, r *Request) error {
	addr := r.Uint32(addressOffset)
	mem := d.flash.Memory()
	tx := w.Buffer()
	for i := 0; i < BlockWords; i++ {
		v, err := mem.Word(addr + uint32(4*i))
		if err != nil {
			return w.reply(err)
		}
		binary.LittleEndian.PutUint32(tx[4*i:], v)
	}
	return w.Send(tx[:BlockSize])
}

func (d *Dispatcher) flashErase(w *Response, r *Request) error {
	first := int(r.Byte(sectorOffset))
	count := int(r.Byte(countOffset))
	for s := first; s < first+count; s++ {
		if err := d.flash.EraseSector(s); err != nil {
			return w.reply(err)
		}
	}
	return w.Ack()
}

func (d *Dispatcher) flashMassErase(w *Response, r *Request) error {
	return w.reply(d.flash.EraseMass())
}

func (d *Dispatcher) flashCopy(w *Response, r *Request) error {
	src := r.Uint32(addressOffset)
	dest := r.Uint32(destOffset)
	size := r.Uint32(sizeOffset)
	return w.reply(d.copier.CopyImage(src, dest, size))
}

func (d *Dispatcher) transferControl(w *Response, r *Request) error {
	addr := r.Uint32(addressOffset)
	// Only returns when the image was rejected; the host gets no reply.
	err := d.handoff.TransferControl(addr)
	pkgLog.Infof("transfer to %#08x refused: %v", addr, err)
	return nil
}

func (d *Dispatcher) optionBytesUnlock(w *Response, r *Request) error {
	return w.reply(d.flash.OptionBytesUnlock())
}

func (d *Dispatcher) optionBytesLock(w *Response, r *Request) error {
	return w.reply(d.flash.OptionBytesLock())
}

func (d *Dispatcher) optionBytesRead(w *Response, r *Request) error {
	tx := w.Buffer()
	binary.LittleEndian.PutUint32(tx, d.flash.OptionBytes())
	return w.Send(tx[:4])
}

func (d *Dispatcher) writeProtect(w *Response, r *Request) error {
	return w.reply(d.flash.SetWriteProtection(int(r.Byte(sectorOffset)), true))
}

func (d *Dispatcher) writeUnprotect(w *Response, r *Request) error {
	return w.reply(d.flash.SetWriteProtection(int(r.Byte(sectorOffset)), false))
}
