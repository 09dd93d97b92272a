package scp03t

import (
	"bytes"
	"fmt"

	"github.com/seclane/m2mrsp/pkg/crypto"
	"github.com/skythen/apdu"
)

// INSTALL [for load] command header, per GlobalPlatform Card Specification
// Section 11.5 as profiled by SGP.02 for profile installation.
const (
	ClaGP            byte = 0x80
	InsInstall       byte = 0xE6
	P1InstallForLoad byte = 0x02
	P2NoInfo         byte = 0x00
)

// FormatAPDU frames an ISO 7816-4 command APDU, cases 1 through 4. Short or
// extended length encoding is selected from the sizes involved: command data
// over 255 bytes or an expected response over 256 bytes switches the whole
// command to extended length. An expected length of 0 requests no response
// data (case 1 or 3); 256 encodes as the short Le byte '00'.
func FormatAPDU(cla, ins, p1, p2 byte, data []byte, expected int) ([]byte, error) {
	capdu := apdu.Capdu{
		Cla:  cla,
		Ins:  ins,
		P1:   p1,
		P2:   p2,
		Data: data,
		Ne:   expected,
	}

	b, err := capdu.Bytes()
	if err != nil {
		return nil, fmt.Errorf("scp03t: format APDU: %w", err)
	}

	return b, nil
}

// BuildInstallAPDU builds the complete INSTALL [for load] command that
// delivers an installation payload to an ISD-P. The payload is encrypted
// under S-ENC, the target AID is prepended, and the whole data field is
// authenticated with a truncated CMAC under S-MAC:
//
//	80 E6 02 00 Lc [ AID || ciphertext || MAC ]
//
// The counter binds the command to its position in the command stream.
func BuildInstallAPDU(keys SessionKeys, counter, isdpAID, payload []byte) ([]byte, error) {
	encrypted, err := EncryptCommand(keys.ENC, nil, payload)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, len(isdpAID)+len(encrypted)+CommandMACSize)
	data = append(data, isdpAID...)
	data = append(data, encrypted...)

	mac, err := CalculateMAC(keys.MAC, counter, data)
	if err != nil {
		return nil, err
	}
	data = append(data, mac...)

	return FormatAPDU(ClaGP, InsInstall, P1InstallForLoad, P2NoInfo, data, 0)
}

// OpenInstallAPDU is the receiving side of BuildInstallAPDU. The MAC is
// verified before anything else is looked at; a mismatch returns
// ErrMACVerification and no plaintext. The embedded AID must match the
// ISD-P the caller expects the command for.
func OpenInstallAPDU(keys SessionKeys, counter, isdpAID, wire []byte) ([]byte, error) {
	capdu, err := apdu.ParseCapdu(wire)
	if err != nil {
		return nil, fmt.Errorf("scp03t: parse INSTALL command: %w", err)
	}

	if capdu.Cla != ClaGP || capdu.Ins != InsInstall || capdu.P1 != P1InstallForLoad || capdu.P2 != P2NoInfo {
		return nil, fmt.Errorf("scp03t: unexpected command header %02X %02X %02X %02X",
			capdu.Cla, capdu.Ins, capdu.P1, capdu.P2)
	}

	minLen := len(isdpAID) + CommandMACSize + crypto.AESBlockSize
	if len(capdu.Data) < minLen {
		return nil, fmt.Errorf("scp03t: INSTALL data field too short: %d bytes, need at least %d", len(capdu.Data), minLen)
	}

	body := capdu.Data[:len(capdu.Data)-CommandMACSize]
	mac := capdu.Data[len(capdu.Data)-CommandMACSize:]

	if err := VerifyMAC(keys.MAC, counter, body, mac); err != nil {
		return nil, err
	}

	if !bytes.Equal(body[:len(isdpAID)], isdpAID) {
		return nil, fmt.Errorf("scp03t: INSTALL command targets AID %X, expected %X", body[:len(isdpAID)], isdpAID)
	}

	return DecryptResponse(keys.ENC, nil, body[len(isdpAID):])
}
