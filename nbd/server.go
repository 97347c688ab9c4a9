// Package nbd is a Network Block Device server that exports a device's
// active store, implemented based on
// https://github.com/NetworkBlockDevice/nbd/blob/cb20c16354cccf4698fde74c42f5fb8542b289ae/doc/proto.md
//
// Only the fixed newstyle handshake and simple replies are supported.
package nbd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/kochman/veprom"
)

const (
	nbdMagic       = 0x4e42444d41474943 // "NBDMAGIC"
	optMagic       = 0x49484156454F5054 // "IHAVEOPT"
	repMagic       = 0x3e889045565a9
	requestMagic   = 0x25609513
	simpleRepMagic = 0x67446698

	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1

	optExportName = 1
	optAbort      = 2
	optGo         = 7

	repAck       = 1
	repInfo      = 3
	repErrUnsup  = 1<<31 + 1
	repErrPolicy = 1<<31 + 2

	infoExport = 0

	transHasFlags  = 1 << 0
	transSendFlush = 1 << 2

	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
	cmdFlush = 3

	errEIO    = 5
	errEINVAL = 22
	errENOSPC = 28

	// maxRequest bounds the payload of a single read or write.
	maxRequest = 32 << 20
)

// Device is the part of *veprom.Device the server needs.
type Device interface {
	Size() (uint64, error)
	ReadRaw(addr, length uint64) ([]byte, error)
	WriteRaw(addr uint64, p []byte) error
}

type Server struct {
	dev Device
}

func NewServer(dev Device) *Server {
	return &Server{dev: dev}
}

// ListenAndServe listens on addr and serves until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen: %w", err)
	}
	defer ln.Close()
	return s.Serve(ln)
}

// Serve accepts connections on ln and handles them one at a time, since the
// device is not safe for concurrent use.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("unable to accept: %w", err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		s.ServeConn(conn)
	}
}

// ServeConn runs one client session to completion and closes conn.
func (s *Server) ServeConn(nc net.Conn) {
	c := newConnection(nc)
	defer nc.Close()

	log.Printf("handling %s", nc.RemoteAddr())
	err := s.handle(c)
	if err != nil && !errors.Is(err, io.EOF) {
		log.Printf("error: %v", err)
		return
	}
	log.Printf("done with %s", nc.RemoteAddr())
}

type connection struct {
	nc net.Conn
	b  *bufio.ReadWriter
}

func newConnection(nc net.Conn) *connection {
	c := &connection{
		nc: nc,
		b:  bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
	}
	return c
}

var errAborted = errors.New("client aborted negotiation")

func (s *Server) handle(c *connection) error {
	// write some magic numbers
	err := c.WriteUint64(nbdMagic)
	if err != nil {
		return err
	}
	err = c.WriteUint64(optMagic)
	if err != nil {
		return err
	}
	err = c.WriteUint16(flagFixedNewstyle | flagNoZeroes)
	if err != nil {
		return err
	}
	err = c.Flush()
	if err != nil {
		return err
	}

	clientFlags, err := c.ReadUint32()
	if err != nil {
		return err
	}
	if clientFlags&flagFixedNewstyle == 0 || clientFlags&^uint32(flagFixedNewstyle|flagNoZeroes) != 0 {
		return fmt.Errorf("unsupported client flags %#x", clientFlags)
	}

	err = s.negotiate(c, clientFlags&flagNoZeroes != 0)
	if errors.Is(err, errAborted) {
		return nil
	} else if err != nil {
		return err
	}

	return s.transmit(c)
}

// negotiate handles options until the client picks an export.
func (s *Server) negotiate(c *connection, noZeroes bool) error {
	for {
		magic, err := c.ReadUint64()
		if err != nil {
			return err
		}
		if magic != optMagic {
			return fmt.Errorf("bad option magic %#x", magic)
		}

		opt, err := c.ReadUint32()
		if err != nil {
			return err
		}
		l, err := c.ReadUint32()
		if err != nil {
			return err
		}
		if l > 4096 {
			return fmt.Errorf("option %d too long: %d bytes", opt, l)
		}
		data := make([]byte, l)
		err = c.ReadFull(data)
		if err != nil {
			return fmt.Errorf("unable to read option data: %w", err)
		}

		switch opt {
		case optExportName:
			log.Printf("export name: %s", data)
			size, err := s.dev.Size()
			if err != nil {
				return fmt.Errorf("unable to get export size: %w", err)
			}
			err = c.WriteUint64(size)
			if err != nil {
				return err
			}
			err = c.WriteUint16(transHasFlags | transSendFlush)
			if err != nil {
				return err
			}
			if !noZeroes {
				_, err = c.b.Write(make([]byte, 124))
				if err != nil {
					return err
				}
			}
			return c.Flush()

		case optGo:
			if len(data) < 6 {
				return fmt.Errorf("short NBD_OPT_GO data")
			}
			nl := binary.BigEndian.Uint32(data[:4])
			if uint64(nl)+6 > uint64(len(data)) {
				return fmt.Errorf("bad export name length %d", nl)
			}
			log.Printf("export name: %s", data[4:4+nl])
			// info requests are ignored; NBD_INFO_EXPORT is always sent

			size, err := s.dev.Size()
			if err != nil {
				log.Printf("unable to get export size: %v", err)
				err = c.WriteReply(opt, repErrPolicy, nil)
				if err != nil {
					return err
				}
				continue
			}

			info := make([]byte, 12)
			binary.BigEndian.PutUint16(info[0:], infoExport)
			binary.BigEndian.PutUint64(info[2:], size)
			binary.BigEndian.PutUint16(info[10:], transHasFlags|transSendFlush)
			err = c.WriteReply(opt, repInfo, info)
			if err != nil {
				return err
			}
			return c.WriteReply(opt, repAck, nil)

		case optAbort:
			err = c.WriteReply(opt, repAck, nil)
			if err != nil {
				return err
			}
			return errAborted

		default:
			err = c.WriteReply(opt, repErrUnsup, nil)
			if err != nil {
				return err
			}
		}
	}
}

type request struct {
	flags  uint16
	typ    uint16
	handle uint64
	offset uint64
	length uint32
}

func (c *connection) readRequest() (request, error) {
	p := make([]byte, 28)
	err := c.ReadFull(p)
	if err != nil {
		return request{}, err
	}
	magic := binary.BigEndian.Uint32(p[0:])
	if magic != requestMagic {
		return request{}, fmt.Errorf("bad request magic %#x", magic)
	}
	r := request{
		flags:  binary.BigEndian.Uint16(p[4:]),
		typ:    binary.BigEndian.Uint16(p[6:]),
		handle: binary.BigEndian.Uint64(p[8:]),
		offset: binary.BigEndian.Uint64(p[16:]),
		length: binary.BigEndian.Uint32(p[24:]),
	}
	return r, nil
}

func errno(err error, fallback uint32) uint32 {
	if errors.Is(err, veprom.ErrOutOfBounds) {
		return fallback
	}
	return errEIO
}

func (s *Server) transmit(c *connection) error {
	for {
		r, err := c.readRequest()
		if err != nil {
			return err
		}

		switch r.typ {
		case cmdRead:
			if r.length > maxRequest {
				err = c.WriteSimpleReply(errEINVAL, r.handle, nil)
				break
			}
			p, rerr := s.dev.ReadRaw(r.offset, uint64(r.length))
			if rerr != nil {
				log.Printf("read %d+%d: %v", r.offset, r.length, rerr)
				err = c.WriteSimpleReply(errno(rerr, errEINVAL), r.handle, nil)
				break
			}
			err = c.WriteSimpleReply(0, r.handle, p)

		case cmdWrite:
			if r.length > maxRequest {
				return fmt.Errorf("write of %d bytes too large", r.length)
			}
			p := make([]byte, r.length)
			err = c.ReadFull(p)
			if err != nil {
				return fmt.Errorf("unable to read write payload: %w", err)
			}
			werr := s.dev.WriteRaw(r.offset, p)
			if werr != nil {
				log.Printf("write %d+%d: %v", r.offset, r.length, werr)
				err = c.WriteSimpleReply(errno(werr, errENOSPC), r.handle, nil)
				break
			}
			err = c.WriteSimpleReply(0, r.handle, nil)

		case cmdFlush:
			// every write has already reached the backend
			err = c.WriteSimpleReply(0, r.handle, nil)

		case cmdDisc:
			return nil

		default:
			err = c.WriteSimpleReply(errEINVAL, r.handle, nil)
		}
		if err != nil {
			return err
		}
	}
}

// WriteReply sends an option reply and flushes it.
func (c *connection) WriteReply(opt, typ uint32, data []byte) error {
	err := c.WriteUint64(repMagic)
	if err != nil {
		return err
	}
	err = c.WriteUint32(opt)
	if err != nil {
		return err
	}
	err = c.WriteUint32(typ)
	if err != nil {
		return err
	}
	err = c.WriteUint32(uint32(len(data)))
	if err != nil {
		return err
	}
	_, err = c.b.Write(data)
	if err != nil {
		return err
	}
	return c.Flush()
}

// WriteSimpleReply sends a transmission reply and flushes it.
func (c *connection) WriteSimpleReply(errCode uint32, handle uint64, data []byte) error {
	err := c.WriteUint32(simpleRepMagic)
	if err != nil {
		return err
	}
	err = c.WriteUint32(errCode)
	if err != nil {
		return err
	}
	err = c.WriteUint64(handle)
	if err != nil {
		return err
	}
	_, err = c.b.Write(data)
	if err != nil {
		return err
	}
	return c.Flush()
}

func (c *connection) ReadFull(p []byte) error {
	_, err := io.ReadFull(c.b, p)
	return err
}

func (c *connection) ReadUint32() (uint32, error) {
	p := make([]byte, 4)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint32(p), err
}

func (c *connection) ReadUint64() (uint64, error) {
	p := make([]byte, 8)
	_, err := io.ReadFull(c.b, p)
	return binary.BigEndian.Uint64(p), err
}

func (c *connection) WriteUint16(data uint16) error {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, data)
	_, err := c.b.Write(p)
	return err
}

func (c *connection) WriteUint32(data uint32) error {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, data)
	_, err := c.b.Write(p)
	return err
}

func (c *connection) WriteUint64(data uint64) error {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, data)
	_, err := c.b.Write(p)
	return err
}

func (c *connection) Flush() error {
	return c.b.Flush()
}
