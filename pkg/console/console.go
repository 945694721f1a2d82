// Console exchanges text lines with the remote participant once the data
// channel of a call is open.
//
// Lines read from In are sent as frames "${len(line)}${line}" with a big endian
// uint16 length (see: writeFrame()). Frames received from Peer are printed to
// Out. End of In shuts the data channel down, which the remote side sees as
// end of its stream (see: receive()); the console is Done once the remote
// stream ends.

package console

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"p2p-call/pkg/log"

	"github.com/pkg/errors"
)

var errFrameTooLong = errors.New("line too long")

type Console struct {
	cfg ConsoleConfig

	peer Peer

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

type ConsoleConfig struct {
	In  io.Reader
	Out io.Writer
	// RemoteName prefixes every printed line.
	RemoteName string
}

func NewConsole(cfg ConsoleConfig, peer Peer) *Console {
	if len(cfg.RemoteName) == 0 {
		cfg.RemoteName = "peer"
	}

	c := &Console{
		cfg:          cfg,
		peer:         peer,
		shutdownChan: make(chan struct{}),
	}

	c.peer.OnEstablish(c.onEstablish)

	return c
}

func (c *Console) Done() <-chan struct{} {
	return c.shutdownChan
}

func (c *Console) onEstablish() {
	log.Info("data channel open, type to chat, Ctrl-D to leave")

	go func() {
		if err := c.send(); err != nil {
			log.Error(err)
		}

		c.peer.Shutdown()
	}()

	go func() {
		if err := c.receive(); err != nil {
			log.Error(err)
		}

		c.shutdownOnce.Do(func() {
			close(c.shutdownChan)
		})
	}()
}

func (c *Console) send() error {
	scanner := bufio.NewScanner(c.cfg.In)

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}

		if err := writeFrame(c.peer, scanner.Bytes()); err != nil {
			return errors.Wrap(err, "send line")
		}
	}

	return scanner.Err()
}

func (c *Console) receive() error {
	for {
		line, err := readFrame(c.peer)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				log.Info("peer closed the data channel")

				return nil
			}

			return errors.Wrap(err, "receive line")
		}

		if _, err := fmt.Fprintf(c.cfg.Out, "%s: %s\n", c.cfg.RemoteName, line); err != nil {
			return err
		}
	}
}

// writeFrame sends the length and the payload as two writes so that a reader
// over a message oriented channel receives each with a buffer of exact size.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > math.MaxUint16 {
		return errors.Wrapf(errFrameTooLong, "%d bytes", len(payload))
	}

	if err := binary.Write(w, binary.BigEndian, uint16(len(payload))); err != nil {
		return err
	}

	_, err := w.Write(payload)

	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var length uint16

	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	payload := make([]byte, length)

	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}
