package fastcgi

import (
	"encoding/binary"
	"io"
)

type header struct {
	Version       uint8
	Type          recType
	ID            uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// for padding so we don't have to allocate all the time
// not synchronized because we don't care what the contents are
var pad [maxPad]byte

func (h *header) init(recType recType, reqID uint16, contentLength int) {
	h.Version = version
	h.Type = recType
	h.ID = reqID
	h.ContentLength = uint16(contentLength)
	h.PaddingLength = uint8(-contentLength & 7)
	h.Reserved = 0
}

type record struct {
	h   header
	buf [maxWrite + maxPad]byte
}

func (rec *record) read(r io.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &rec.h); err != nil {
		return err
	}

	if rec.h.Version != version {
		return protocolErrorf("invalid header version %d", rec.h.Version)
	}

	n := int(rec.h.ContentLength) + int(rec.h.PaddingLength)
	if _, err = io.ReadFull(r, rec.buf[:n]); err != nil {
		return err
	}

	return nil
}

func (rec *record) content() []byte {
	return rec.buf[:rec.h.ContentLength]
}

// writeRecord frames content as a single record on w. One header and one
// padding write per record; content is written as given.
func writeRecord(w io.Writer, recType recType, reqID uint16, content []byte) error {
	var h header
	h.init(recType, reqID, len(content))

	if err := binary.Write(w, binary.BigEndian, h); err != nil {
		return err
	}

	if len(content) > 0 {
		if _, err := w.Write(content); err != nil {
			return err
		}
	}

	if h.PaddingLength > 0 {
		if _, err := w.Write(pad[:h.PaddingLength]); err != nil {
			return err
		}
	}

	return nil
}

type beginRequestBody struct {
	role     Role
	keepConn bool
}

func parseBeginRequest(content []byte) (beginRequestBody, error) {
	if len(content) < 8 {
		return beginRequestBody{}, protocolErrorf("begin request body too short (%d bytes)", len(content))
	}

	return beginRequestBody{
		role:     Role(binary.BigEndian.Uint16(content[:2])),
		keepConn: content[2]&flagKeepConn != 0,
	}, nil
}

func beginRequestContent(role Role, keepConn bool) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b, uint16(role))

	if keepConn {
		b[2] = flagKeepConn
	}

	return b
}

func endRequestContent(appStatus uint32, protocolStatus uint8) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, appStatus)
	b[4] = protocolStatus

	return b
}

type endRequestBody struct {
	appStatus      uint32
	protocolStatus uint8
}

func parseEndRequest(content []byte) (endRequestBody, error) {
	if len(content) < 8 {
		return endRequestBody{}, protocolErrorf("end request body too short (%d bytes)", len(content))
	}

	return endRequestBody{
		appStatus:      binary.BigEndian.Uint32(content[:4]),
		protocolStatus: content[4],
	}, nil
}

func unknownTypeContent(t recType) []byte {
	return []byte{byte(t), 0, 0, 0, 0, 0, 0, 0}
}
