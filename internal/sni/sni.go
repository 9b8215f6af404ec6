// Package sni reads the first TLS record of a connection and extracts the
// server name the client wants to reach.  It never decrypts anything, only the
// cleartext handshake preamble is inspected.
package sni

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// RecordHeaderLength is the length of the TLS record header: type,
	// version and length.
	RecordHeaderLength = 5

	// MaxRecordLength is the maximum length of a TLS plaintext record body.
	// Records that declare a larger body are rejected before it is read.
	MaxRecordLength = 16384
)

// Wire constants, see RFC 8446 and RFC 6066.
const (
	recordTypeHandshake      uint8  = 0x16
	handshakeTypeClientHello uint8  = 0x01
	extensionServerName      uint16 = 0x0000
	nameTypeHostName         uint8  = 0x00

	// helloFixedLength is the length of client_version and random.
	helloFixedLength = 2 + 32
)

const (
	// ErrFraming is returned when the record itself cannot be read or is
	// malformed.
	ErrFraming errors.Error = "tls framing error"

	// ErrRouting is returned when the record is well-formed but does not carry
	// a server name that can be used for routing.
	ErrRouting errors.Error = "tls routing error"
)

// Handshake is the result of sniffing the first TLS record of a connection.
type Handshake struct {
	// ServerName is the first host_name entry of the SNI extension.
	ServerName string

	// Raw is the record exactly as it was read: the header followed by the
	// record body.  It must be replayed to the backend unmodified.
	Raw []byte
}

// Read reads exactly one TLS record from r and extracts the server name from
// the ClientHello it carries.  It never reads past the end of that record.
func Read(r io.Reader) (hs *Handshake, err error) {
	header := make([]byte, RecordHeaderLength)
	_, err = io.ReadFull(r, header)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading record header: %w", ErrFraming, err)
		}

		return nil, fmt.Errorf("reading record header: %w", err)
	}

	// The length is a big-endian uint16, i.e. (header[3] << 8) | header[4].
	length := int(binary.BigEndian.Uint16(header[3:RecordHeaderLength]))
	if length > MaxRecordLength {
		return nil, fmt.Errorf(
			"%w: record length %d exceeds maximum of %d",
			ErrFraming,
			length,
			MaxRecordLength,
		)
	}

	raw := make([]byte, RecordHeaderLength+length)
	copy(raw, header)

	_, err = io.ReadFull(r, raw[RecordHeaderLength:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading record body: %w", ErrFraming, io.ErrUnexpectedEOF)
		}

		return nil, fmt.Errorf("reading record body: %w", err)
	}

	name, err := ServerName(raw)
	if err != nil {
		return nil, err
	}

	return &Handshake{
		ServerName: name,
		Raw:        raw,
	}, nil
}

// ServerName parses a complete TLS record, header included, and returns the
// server name from the ClientHello it carries.  Errors wrap either ErrFraming
// or ErrRouting.
func ServerName(record []byte) (name string, err error) {
	s := cryptobyte.String(record)

	var (
		recordType uint8
		version    uint16
		body       cryptobyte.String
	)
	if !s.ReadUint8(&recordType) ||
		!s.ReadUint16(&version) ||
		!s.ReadUint16LengthPrefixed(&body) ||
		!s.Empty() {
		return "", fmt.Errorf("%w: record length does not match its header", ErrFraming)
	}

	if len(body) > MaxRecordLength {
		return "", fmt.Errorf("%w: record length %d exceeds maximum of %d", ErrFraming, len(body), MaxRecordLength)
	}

	if recordType != recordTypeHandshake {
		return "", fmt.Errorf("%w: record type 0x%02x is not a handshake", ErrRouting, recordType)
	}

	msg, err := clientHello(body)
	if err != nil {
		return "", err
	}

	exts, err := extensions(msg)
	if err != nil {
		return "", err
	}

	return serverNameFromExtensions(exts)
}

// clientHello returns the body of the first handshake message in the record if
// it is a ClientHello.
func clientHello(body cryptobyte.String) (msg cryptobyte.String, err error) {
	var msgType uint8
	if !body.ReadUint8(&msgType) || len(body) < 3 {
		return nil, fmt.Errorf("%w: truncated handshake message header", ErrFraming)
	}

	if !body.ReadUint24LengthPrefixed(&msg) {
		// The handshake message continues in the next record, reassembling it
		// is not supported.
		return nil, fmt.Errorf("%w: handshake message does not fit into a single record", ErrFraming)
	}

	if msgType != handshakeTypeClientHello {
		return nil, fmt.Errorf("%w: handshake type %d is not a client hello", ErrRouting, msgType)
	}

	return msg, nil
}

// extensions skips the fixed part of the ClientHello and returns its
// extensions block.
func extensions(msg cryptobyte.String) (exts cryptobyte.String, err error) {
	var sessionID, cipherSuites, compression cryptobyte.String
	if !msg.Skip(helloFixedLength) ||
		!msg.ReadUint8LengthPrefixed(&sessionID) ||
		!msg.ReadUint16LengthPrefixed(&cipherSuites) ||
		!msg.ReadUint8LengthPrefixed(&compression) {
		return nil, fmt.Errorf("%w: malformed client hello", ErrFraming)
	}

	if msg.Empty() {
		return nil, fmt.Errorf("%w: client hello has no extensions", ErrRouting)
	}

	if !msg.ReadUint16LengthPrefixed(&exts) || !msg.Empty() {
		return nil, fmt.Errorf("%w: malformed client hello extensions block", ErrFraming)
	}

	return exts, nil
}

// serverNameFromExtensions parses the whole extension list and returns the
// first host_name entry of the first SNI extension that has one.
func serverNameFromExtensions(exts cryptobyte.String) (name string, err error) {
	found := false
	for !exts.Empty() {
		var (
			extType uint16
			extData cryptobyte.String
		)
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&extData) {
			return "", fmt.Errorf("%w: malformed extension", ErrRouting)
		}

		if extType != extensionServerName {
			continue
		}

		var hostName string
		var ok bool
		hostName, ok, err = parseServerNameList(extData)
		if err != nil {
			return "", err
		}

		if ok && !found {
			name, found = hostName, true
		}
	}

	if !found {
		return "", fmt.Errorf("%w: no host name in server_name extension", ErrRouting)
	}

	if name == "" {
		return "", fmt.Errorf("%w: empty host name", ErrRouting)
	}

	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: host name is not valid utf-8", ErrRouting)
	}

	return name, nil
}

// parseServerNameList parses the server_name extension body.  ok is false if
// the list contains no host_name entries.
func parseServerNameList(ext cryptobyte.String) (name string, ok bool, err error) {
	var list cryptobyte.String
	if !ext.ReadUint16LengthPrefixed(&list) || !ext.Empty() {
		return "", false, fmt.Errorf("%w: malformed server_name extension", ErrRouting)
	}

	for !list.Empty() {
		var (
			nameType uint8
			nameData cryptobyte.String
		)
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&nameData) {
			return "", false, fmt.Errorf("%w: malformed server_name entry", ErrRouting)
		}

		if nameType == nameTypeHostName && !ok {
			name, ok = string(nameData), true
		}
	}

	return name, ok, nil
}
